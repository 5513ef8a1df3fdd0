package doccache

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "docs.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	doc := crdt.NewDoc(crdt.WithClientID(1))
	doc.Insert(0, "lr = 0.01")
	if err := store.Save("p1", doc.EncodeUpdate()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	state, err := store.Load("p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	restored := crdt.NewDoc(crdt.WithClientID(2))
	if err := restored.ApplyUpdate(state, crdt.OriginRemote); err != nil {
		t.Fatalf("apply cached state: %v", err)
	}
	if restored.String() != "lr = 0.01" {
		t.Fatalf("expected cached text, got %q", restored.String())
	}

	missing, err := store.Load("p2")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown project, got %v err=%v", missing, err)
	}
	projects, err := store.Projects()
	if err != nil || !reflect.DeepEqual(projects, []string{"p1"}) {
		t.Fatalf("expected [p1], got %v err=%v", projects, err)
	}
	if err := store.Delete("p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if state, _ := store.Load("p1"); state != nil {
		t.Fatalf("expected deleted entry to be gone")
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.Close()
	if _, err := store.Load("p1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := store.Save("p1", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
