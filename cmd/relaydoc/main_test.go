package main

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT", "42")
	got := intEnv("RELAYDOC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT_BAD", "not-a-number")
	got := intEnv("RELAYDOC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_DURATION", "150ms")
	got := durationEnv("RELAYDOC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYDOC_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYDOC_TEST_BOOL_UNSET")

	if got := intEnv("RELAYDOC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := boolEnv("RELAYDOC_TEST_BOOL_UNSET", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestBoolEnvAndListEnv(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_BOOL", "1")
	if !boolEnv("RELAYDOC_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("RELAYDOC_TEST_BOOL", "maybe")
	if boolEnv("RELAYDOC_TEST_BOOL", false) {
		t.Fatalf("expected fallback false for invalid value")
	}
	t.Setenv("RELAYDOC_TEST_LIST", " a.example.com, ,b.example.com ")
	got := listEnv("RELAYDOC_TEST_LIST")
	if strings.Join(got, "|") != "a.example.com|b.example.com" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestListenPort(t *testing.T) {
	if port, err := listenPort(":8080"); err != nil || port != 8080 {
		t.Fatalf("expected 8080, got %d (%v)", port, err)
	}
	if _, err := listenPort(":0"); err == nil {
		t.Fatalf("expected error for ephemeral port")
	}
	if _, err := listenPort("localhost"); err == nil {
		t.Fatalf("expected error without port")
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("RELAYDOC_DATA_DIR", "/var/lib/relaydoc")

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "durable-local")
	dsn, err := storageProfileDefaultsFromEnv()
	if err != nil || dsn != "file:///var/lib/relaydoc/state.json" {
		t.Fatalf("unexpected durable-local dsn %q (%v)", dsn, err)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "memory")
	if dsn, _ := storageProfileDefaultsFromEnv(); dsn != "memory://" {
		t.Fatalf("unexpected memory dsn %q", dsn)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "production")
	t.Setenv("RELAYDOC_PRODUCTION_DSN", "")
	t.Setenv("RELAYDOC_POSTGRES_DSN", "")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected production profile to require a dsn")
	}
	t.Setenv("RELAYDOC_POSTGRES_DSN", "postgres://relay@db/relaydoc")
	if dsn, _ := storageProfileDefaultsFromEnv(); dsn != "postgres://relay@db/relaydoc" {
		t.Fatalf("unexpected production dsn %q", dsn)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "cloud")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestBuildStateBackendPrefersExplicitDSN(t *testing.T) {
	t.Setenv("RELAYDOC_BACKEND_PROFILE", "")
	t.Setenv("RELAYDOC_STATE_FILE", "")
	t.Setenv("RELAYDOC_STATE_BACKEND_DSN", "")
	backend, err := buildStateBackendFromEnv()
	if err != nil || backend != nil {
		t.Fatalf("expected no backend without configuration, got %T (%v)", backend, err)
	}

	t.Setenv("RELAYDOC_STATE_BACKEND_DSN", "memory://")
	backend, err = buildStateBackendFromEnv()
	if err != nil || backend == nil {
		t.Fatalf("expected memory backend, got %T (%v)", backend, err)
	}
}
