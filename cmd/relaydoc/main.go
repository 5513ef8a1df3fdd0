package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/discovery"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

func main() {
	addr := envOrDefault("RELAYDOC_ADDR", ":8080")
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store := relaydoc.NewStoreWithOptions(relaydoc.StoreOptions{
		StateBackend:   stateBackend,
		StateFile:      os.Getenv("RELAYDOC_STATE_FILE"),
		BackendProfile: strings.TrimSpace(os.Getenv("RELAYDOC_BACKEND_PROFILE")),
	})
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fanout httpapi.Fanout
	if redisAddr := strings.TrimSpace(os.Getenv("RELAYDOC_REDIS_ADDR")); redisAddr != "" {
		redisFanout, err := httpapi.NewRedisFanout(rootCtx, redisAddr)
		if err != nil {
			log.Fatalf("failed to connect fanout: %v", err)
		}
		log.Printf("relaydoc fanout via redis %s as node %s", redisAddr, redisFanout.NodeID())
		fanout = redisFanout
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("RELAYDOC_JWT_SECRET"),
		RateLimitMax:    intEnv("RELAYDOC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYDOC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYDOC_MAX_BODY_BYTES", 0),
		MaxFrameBytes:   int64Env("RELAYDOC_MAX_FRAME_BYTES", 0),
		OriginPatterns:  listEnv("RELAYDOC_ORIGIN_PATTERNS"),
		PersistInterval: durationEnv("RELAYDOC_PERSIST_INTERVAL", 0),
		PresenceTimeout: durationEnv("RELAYDOC_PRESENCE_TIMEOUT", 0),
		Fanout:          fanout,
		Logger:          log.Default(),
	})
	defer server.Close()

	if boolEnv("RELAYDOC_MDNS", false) {
		port, err := listenPort(addr)
		if err != nil {
			log.Fatalf("failed to advertise relay: %v", err)
		}
		shutdown, err := discovery.Advertise(port, "")
		if err != nil {
			log.Printf("mDNS advertisement disabled: %v", err)
		} else {
			defer shutdown()
			log.Printf("relaydoc advertised as %s on port %d", discovery.ServiceType, port)
		}
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("relaydoc listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-rootCtx.Done():
		log.Printf("relaydoc stopping: %v", rootCtx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func listenPort(addr string) (int, error) {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no fixed port", addr)
	}
	return port, nil
}

func buildStateBackendFromEnv() (relaydoc.StateBackend, error) {
	profileStateDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("RELAYDOC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("RELAYDOC_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return relaydoc.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return relaydoc.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return relaydoc.BuildStateBackendFromDSN(profileStateDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYDOC_BACKEND_PROFILE")))
	dataDir := envOrDefault("RELAYDOC_DATA_DIR", ".relaydoc")
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYDOC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYDOC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("RELAYDOC_PRODUCTION_DSN or RELAYDOC_POSTGRES_DSN is required when RELAYDOC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported RELAYDOC_BACKEND_PROFILE: %s", profile)
	}
}
