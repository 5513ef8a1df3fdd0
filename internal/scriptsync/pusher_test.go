package scriptsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePusher struct {
	mu      sync.Mutex
	pushes  []string
	version int
	hash    string
}

func (f *fakePusher) Push(_ context.Context, projectID, text, token string) (PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, text)
	hash := HashString(text)
	if hash == f.hash {
		return PushResult{Changed: false, Version: f.version}, nil
	}
	f.hash = hash
	f.version++
	return PushResult{Changed: true, Version: f.version}, nil
}

func (f *fakePusher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func TestPusherSendsEverySave(t *testing.T) {
	client := &fakePusher{}
	pusher, err := NewPusher(client, PusherOptions{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	first, err := pusher.Push(context.Background(), "print(1)")
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	if !first.Changed || first.Version != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := pusher.Push(context.Background(), "print(1)")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if second.Changed || second.Version != 1 {
		t.Fatalf("expected server to report unchanged, got %+v", second)
	}
	if client.Count() != 2 {
		t.Fatalf("expected both saves to reach the server, got %d pushes", client.Count())
	}
}

func TestPusherOverwritesInterveningWriter(t *testing.T) {
	client := &fakePusher{}
	pusher, err := NewPusher(client, PusherOptions{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	if _, err := pusher.Push(context.Background(), "A"); err != nil {
		t.Fatalf("push A: %v", err)
	}
	if _, err := client.Push(context.Background(), "p1", "B", ""); err != nil {
		t.Fatalf("other writer push: %v", err)
	}
	result, err := pusher.Push(context.Background(), "A")
	if err != nil {
		t.Fatalf("push A again: %v", err)
	}
	if !result.Changed || result.Version != 3 {
		t.Fatalf("expected A to replace B at version 3, got %+v", result)
	}
	if client.hash != HashString("A") {
		t.Fatalf("expected server to hold A")
	}
	if pusher.Version() != 3 || pusher.LastHash() != HashString("A") {
		t.Fatalf("expected pusher to record version 3 and hash of A, got %d %q", pusher.Version(), pusher.LastHash())
	}
}

func TestPushFileReadsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.py")
	if err := os.WriteFile(path, []byte("epochs = 3"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	client := &fakePusher{}
	pusher, err := NewPusher(client, PusherOptions{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	if _, err := pusher.PushFile(context.Background(), path); err != nil {
		t.Fatalf("push file: %v", err)
	}
	if client.pushes[0] != "epochs = 3" {
		t.Fatalf("expected file content, got %q", client.pushes[0])
	}
	if pusher.LastHash() != HashString("epochs = 3") {
		t.Fatalf("expected last hash to be recorded")
	}
}

func TestStateRoundTripAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	empty, err := LoadState(path)
	if err != nil {
		t.Fatalf("load missing state: %v", err)
	}
	if empty.ProjectID != "" {
		t.Fatalf("expected empty state, got %+v", empty)
	}

	want := State{ProjectID: "p1", Token: "tok", APIURL: "https://api.example.com", LastPushHash: HashString("x"), Version: 2}
	if err := SaveState(path, want); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := os.WriteFile(path, []byte(`{"projectId":"","unknown":true}`), 0o600); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if _, err := LoadState(path); err == nil || !strings.Contains(err.Error(), "invalid state") {
		t.Fatalf("expected schema validation error, got %v", err)
	}
	if err := SaveState(path, State{}); err == nil {
		t.Fatalf("expected save without project id to fail")
	}
}

func TestWatchFileDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.py")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- WatchFile(ctx, path, 50*time.Millisecond, func() { fired <- struct{}{} })
	}()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(strings.Repeat("b", i+1)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "other.py"), []byte("ignored"), 0o644)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a change notification")
	}
	select {
	case <-fired:
		t.Fatalf("expected burst of writes to be debounced into one call")
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
