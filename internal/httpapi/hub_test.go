package httpapi

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

func newTestHub(t *testing.T, store *relaydoc.Store) *hub {
	t.Helper()
	h := newHub(store, newMetrics(prometheus.NewRegistry()), nil, nil, time.Hour, time.Minute)
	t.Cleanup(h.close)
	return h
}

func newTestPeer(id string) *peer {
	return &peer{
		id:      id,
		send:    make(chan []byte, 16),
		clients: map[uint64]struct{}{},
		done:    make(chan struct{}),
	}
}

func (h *hub) isFlushing(projectID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.flushing[projectID]
	return ok
}

func TestFinalSaveDoesNotBlockOtherProjects(t *testing.T) {
	store := relaydoc.NewStore()
	h := newTestHub(t, store)
	p := newTestPeer("a")
	rm := h.join("p1", p)
	rm.mu.Lock()
	rm.doc.Insert(0, "x")
	rm.mu.Unlock()

	// hold the room's final write open
	rm.saveMu.Lock()
	left := make(chan struct{})
	go func() {
		h.leave(rm, p)
		close(left)
	}()
	waitFor(t, "room to start its final save", func() bool { return h.isFlushing("p1") })

	other := make(chan *room, 1)
	go func() { other <- h.openRoom("p2") }()
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatalf("opening another project blocked behind a final save")
	}

	rejoined := make(chan *room, 1)
	go func() { rejoined <- h.openRoom("p1") }()
	select {
	case <-rejoined:
		t.Fatalf("rejoin must wait for the final save")
	case <-time.After(100 * time.Millisecond):
	}

	rm.saveMu.Unlock()
	<-left
	var next *room
	select {
	case next = <-rejoined:
	case <-time.After(2 * time.Second):
		t.Fatalf("rejoin did not resume after the final save")
	}
	if next == rm {
		t.Fatalf("expected a fresh room after the old one closed")
	}
	next.mu.Lock()
	text := next.doc.String()
	next.mu.Unlock()
	if text != "x" {
		t.Fatalf("expected rejoined room to load the saved text, got %q", text)
	}
	if h.isFlushing("p1") {
		t.Fatalf("expected flush marker to be cleared")
	}
}
