package relaydoc

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory state backend")
	}
	if err := backend.Save(&persistedState{Scripts: map[string]*Script{"p1": {ProjectID: "p1", Version: 3}}}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.Scripts["p1"] == nil || snapshot.Scripts["p1"].Version != 3 {
		t.Fatalf("expected version 3, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state-backend.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file state backend failed: %v", err)
	}
	if err := backend.Save(&persistedState{Scripts: map[string]*Script{"p1": {ProjectID: "p1", Version: 7}}}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.Scripts["p1"].Version != 7 {
		t.Fatalf("expected version 7, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/relaydoc?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/relaydoc"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("expected registered factory to be used, got %T", backend)
	}
}

func TestInMemoryStateBackendKeepsPrivateCopy(t *testing.T) {
	backend := NewInMemoryStateBackend()
	state := &persistedState{Scripts: map[string]*Script{"p1": {ProjectID: "p1", Content: "a", DocState: []byte{1, 2}}}}
	if err := backend.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.Scripts["p1"].Content = "mutated"
	state.Scripts["p1"].DocState[0] = 9

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := loaded.Scripts["p1"]
	if got.Content != "a" || got.DocState[0] != 1 {
		t.Fatalf("saved state changed with the caller's copy: %+v", got)
	}
}
