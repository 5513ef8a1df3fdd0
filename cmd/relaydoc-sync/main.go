package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/discovery"
	"github.com/agentworkforce/relaydoc/internal/doccache"
	"github.com/agentworkforce/relaydoc/internal/scriptsync"
	"github.com/agentworkforce/relaydoc/internal/session"
)

const usage = `usage: relaydoc-sync <command> [flags]

commands:
  link <relaydoc://open?...>   remember the project, token and urls from a deep link
  pull                         print or write the current script
  push                         push a file once
  watch                        push a file every time it is saved
  live                         edit a file collaboratively over the relay
`

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("relaydoc-sync: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	}
	command, rest := args[0], args[1:]
	switch command {
	case "link":
		return runLink(rest, stdout)
	case "pull":
		return runPull(ctx, rest, stdout)
	case "push":
		return runPush(ctx, rest, stdout)
	case "watch":
		return runWatch(ctx, rest)
	case "live":
		return runLive(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

type config struct {
	apiURL    string
	wsURL     string
	token     string
	projectID string
	stateFile string
	cacheFile string
	timeout   time.Duration

	state scriptsync.State
}

func defaultStateFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "relaydoc", "state.json")
	}
	return ".relaydoc-sync.json"
}

func defaultCacheFile() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relaydoc", "documents.db")
	}
	return ".relaydoc-cache.db"
}

func newFlagSet(name string) (*flag.FlagSet, *config) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg := &config{}
	fs.StringVar(&cfg.apiURL, "api-url", strings.TrimSpace(os.Getenv("RELAYDOC_API_URL")), "relay http base url")
	fs.StringVar(&cfg.wsURL, "ws-url", strings.TrimSpace(os.Getenv("RELAYDOC_WS_URL")), "relay websocket base url")
	fs.StringVar(&cfg.token, "token", strings.TrimSpace(os.Getenv("RELAYDOC_TOKEN")), "bearer token")
	fs.StringVar(&cfg.projectID, "project", strings.TrimSpace(os.Getenv("RELAYDOC_PROJECT")), "project ID")
	fs.StringVar(&cfg.stateFile, "state-file", envOrDefault("RELAYDOC_STATE_FILE", defaultStateFile()), "state file path")
	fs.StringVar(&cfg.cacheFile, "cache-file", envOrDefault("RELAYDOC_CACHE_FILE", defaultCacheFile()), "document cache path")
	fs.DurationVar(&cfg.timeout, "timeout", durationEnv("RELAYDOC_TIMEOUT", 15*time.Second), "per-request timeout")
	return fs, cfg
}

// resolve fills unset values from the state file left by the last link.
func (c *config) resolve() error {
	state, err := scriptsync.LoadState(c.stateFile)
	if err != nil {
		return err
	}
	if c.projectID == "" {
		c.projectID = state.ProjectID
	}
	if state.ProjectID == c.projectID {
		c.state = state
		if c.token == "" {
			c.token = state.Token
		}
		if c.apiURL == "" {
			c.apiURL = state.APIURL
		}
		if c.wsURL == "" {
			c.wsURL = state.WSURL
		}
	} else {
		c.state = scriptsync.State{ProjectID: c.projectID}
	}
	if c.projectID == "" {
		return fmt.Errorf("project is required (--project, RELAYDOC_PROJECT or a saved link)")
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	return nil
}

// discover fills missing urls from a relay advertised on the local network.
func (c *config) discover(ctx context.Context) error {
	if c.apiURL != "" && c.wsURL != "" {
		return nil
	}
	if c.apiURL != "" {
		c.wsURL = c.apiURL
		return nil
	}
	if c.wsURL != "" {
		c.apiURL = httpURL(c.wsURL)
		return nil
	}
	endpoints, err := discovery.Discover(ctx, 3*time.Second)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("no relay url configured and none found on the local network")
	}
	log.Printf("using relay %s at %s", endpoints[0].Instance, endpoints[0].HTTPURL())
	c.apiURL = endpoints[0].HTTPURL()
	c.wsURL = endpoints[0].WSURL()
	return nil
}

func (c *config) client() *scriptsync.HTTPClient {
	return scriptsync.NewHTTPClient(c.apiURL, &http.Client{Timeout: c.timeout})
}

func (c *config) saveState() error {
	c.state.ProjectID = c.projectID
	c.state.Token = c.token
	c.state.APIURL = c.apiURL
	c.state.WSURL = c.wsURL
	return scriptsync.SaveState(c.stateFile, c.state)
}

func httpURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}

func runLink(args []string, stdout io.Writer) error {
	fs, cfg := newFlagSet("link")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("link takes exactly one deep link argument")
	}
	link, err := session.ParseLink(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg.projectID = link.ProjectID
	cfg.token = link.Token
	cfg.wsURL = link.WSURL
	cfg.apiURL = link.APIURL
	if cfg.apiURL == "" {
		cfg.apiURL = httpURL(link.WSURL)
	}
	cfg.state = scriptsync.State{}
	if err := cfg.saveState(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	fmt.Fprintf(stdout, "linked project %s via %s\n", cfg.projectID, cfg.wsURL)
	return nil
}

func runPull(ctx context.Context, args []string, stdout io.Writer) error {
	fs, cfg := newFlagSet("pull")
	out := fs.String("out", "", "write the script to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.resolve(); err != nil {
		return err
	}
	if err := cfg.discover(ctx); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	text, err := cfg.client().Pull(reqCtx, cfg.projectID, cfg.token)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err := io.WriteString(stdout, text)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return err
	}
	return scriptsync.WriteFileAtomic(*out, []byte(text), 0o644)
}

func runPush(ctx context.Context, args []string, stdout io.Writer) error {
	fs, cfg := newFlagSet("push")
	file := fs.String("file", "", "file to push")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	pusher, err := newPusher(ctx, cfg)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	result, err := pusher.PushFile(reqCtx, *file)
	if err != nil {
		return err
	}
	if err := cfg.recordPush(pusher, result); err != nil {
		return err
	}
	if result.Changed {
		fmt.Fprintf(stdout, "pushed %s version %d\n", cfg.projectID, result.Version)
	} else {
		fmt.Fprintf(stdout, "%s unchanged at version %d\n", cfg.projectID, result.Version)
	}
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs, cfg := newFlagSet("watch")
	file := fs.String("file", "", "file to watch")
	debounce := fs.Duration("debounce", durationEnv("RELAYDOC_DEBOUNCE", 300*time.Millisecond), "quiet period after a save")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	pusher, err := newPusher(ctx, cfg)
	if err != nil {
		return err
	}
	push := func() {
		reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
		result, err := pusher.PushFile(reqCtx, *file)
		if err != nil {
			log.Printf("push %s failed: %v", *file, err)
			return
		}
		if err := cfg.recordPush(pusher, result); err != nil {
			log.Printf("save state: %v", err)
		}
	}
	push()
	log.Printf("watching %s for project %s", *file, cfg.projectID)
	return scriptsync.WatchFile(ctx, *file, *debounce, push)
}

func newPusher(ctx context.Context, cfg *config) (*scriptsync.Pusher, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.discover(ctx); err != nil {
		return nil, err
	}
	return scriptsync.NewPusher(cfg.client(), scriptsync.PusherOptions{
		ProjectID: cfg.projectID,
		Token:     cfg.token,
		LastHash:  cfg.state.LastPushHash,
		Version:   cfg.state.Version,
		Logger:    log.Default(),
	})
}

func (c *config) recordPush(pusher *scriptsync.Pusher, result scriptsync.PushResult) error {
	if c.state.LastPushHash == pusher.LastHash() && c.state.Version == pusher.Version() {
		return nil
	}
	c.state.LastPushHash = pusher.LastHash()
	c.state.Version = pusher.Version()
	return c.saveState()
}

func runLive(ctx context.Context, args []string) error {
	fs, cfg := newFlagSet("live")
	file := fs.String("file", "", "file to edit collaboratively")
	name := fs.String("name", envOrDefault("RELAYDOC_DISPLAY_NAME", defaultDisplayName()), "display name shown to other editors")
	color := fs.String("color", strings.TrimSpace(os.Getenv("RELAYDOC_COLOR")), "presence color")
	debounce := fs.Duration("debounce", durationEnv("RELAYDOC_DEBOUNCE", 100*time.Millisecond), "quiet period after a save")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	if err := cfg.resolve(); err != nil {
		return err
	}
	if err := cfg.discover(ctx); err != nil {
		return err
	}

	cache, err := doccache.Open(cfg.cacheFile)
	if err != nil {
		return err
	}
	defer cache.Close()

	editor, err := newFileEditor(*file, log.Default())
	if err != nil {
		return err
	}
	sess, err := session.New(session.Options{
		ProjectID:   cfg.projectID,
		ServerURL:   cfg.wsURL,
		Token:       cfg.token,
		DisplayName: *name,
		Color:       *color,
		Editor:      editor,
		OnConflict:  editor.keepConflictCopy,
		Cache:       cache,
		Observer:    &liveObserver{logger: log.Default()},
		Logger:      log.Default(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		log.Printf("connect %s: %v (retrying in background)", cfg.projectID, err)
	}
	if err := cfg.saveState(); err != nil {
		log.Printf("save state: %v", err)
	}
	log.Printf("editing %s live as %q", *file, *name)
	err = scriptsync.WatchFile(ctx, *file, *debounce, func() {
		if doErr := sess.Do(editor.reload); doErr != nil {
			log.Printf("apply %s: %v", *file, doErr)
		}
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func defaultDisplayName() string {
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "relaydoc"
}

type liveObserver struct {
	logger *log.Logger
	peers  int
}

func (o *liveObserver) OnStatus(status session.Status, err error) {
	if err != nil {
		o.logger.Printf("session %s: %v", status, err)
		return
	}
	o.logger.Printf("session %s", status)
}

func (o *liveObserver) OnPresence(states map[uint64]awareness.State) {
	if len(states) == o.peers {
		return
	}
	o.peers = len(states)
	names := make([]string, 0, len(states))
	for _, state := range states {
		if state.DisplayName != "" {
			names = append(names, state.DisplayName)
		}
	}
	sort.Strings(names)
	o.logger.Printf("%d editors present: %s", len(states), strings.Join(names, ", "))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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
