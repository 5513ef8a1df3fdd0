package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/binding"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/protocol"
	"github.com/agentworkforce/relaydoc/internal/scriptsync"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

type fakeTransport struct {
	opts transport.Options

	mu    sync.Mutex
	state transport.State
	sent  [][]byte
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	if f.state == transport.StateOpen {
		f.mu.Unlock()
		return nil
	}
	f.state = transport.StateOpen
	f.mu.Unlock()
	f.opts.Observer.OnConnected()
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.state = transport.StateClosed
	f.mu.Unlock()
}

func (f *fakeTransport) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateOpen {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return true
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) deliver(frame []byte) {
	f.opts.Observer.OnMessage(frame)
}

type frameKind struct {
	kind protocol.MessageKind
	step protocol.SyncStep
}

func (f *fakeTransport) kinds() []frameKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frameKind, 0, len(f.sent))
	for _, frame := range f.sent {
		msg, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		k := frameKind{kind: msg.Kind}
		if msg.Kind == protocol.KindSync {
			if syncMsg, err := protocol.DecodeSync(msg.Payload); err == nil {
				k.step = syncMsg.Step
			}
		}
		out = append(out, k)
	}
	return out
}

func (f *fakeTransport) count(want frameKind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == want {
			n++
		}
	}
	return n
}

var (
	syncRequest = frameKind{kind: protocol.KindSync, step: protocol.StepRequest}
	syncUpdate  = frameKind{kind: protocol.KindSync, step: protocol.StepUpdate}
	presence    = frameKind{kind: protocol.KindAwareness}
	query       = frameKind{kind: protocol.KindQueryAwareness}
)

func newFakeSession(t *testing.T, opts Options) (*Session, *fakeTransport) {
	t.Helper()
	fake := &fakeTransport{}
	opts.ProjectID = "p1"
	opts.ServerURL = "ws://relay.test"
	opts.TransportFactory = func(o transport.Options) Transport {
		fake.opts = o
		return fake
	}
	sess, err := New(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess, fake
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func serverState(text string) []byte {
	doc := crdt.NewDoc(crdt.WithClientID(7))
	doc.Insert(0, text)
	return protocol.EncodeSyncStep2(doc.EncodeUpdate())
}

func TestEndpointURL(t *testing.T) {
	got := EndpointURL(" wss://relay.example.com/ ", "proj 1")
	if got != "wss://relay.example.com/ws/proj%201" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestNewRequiresProjectAndServer(t *testing.T) {
	if _, err := New(Options{ServerURL: "ws://x"}); err == nil {
		t.Fatalf("expected error without project id")
	}
	if _, err := New(Options{ProjectID: "p1"}); err == nil {
		t.Fatalf("expected error without server url")
	}
}

func TestConnectSendsHandshake(t *testing.T) {
	sess, fake := newFakeSession(t, Options{DisplayName: "alice"})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake frames", func() bool { return len(fake.kinds()) == 3 })
	if sess.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", sess.Status())
	}

	kinds := fake.kinds()
	if len(kinds) != 3 || kinds[0] != syncRequest || kinds[1] != presence || kinds[2] != query {
		t.Fatalf("unexpected handshake frames %+v", kinds)
	}
}

func TestStateResponseSyncsAndReconcilesEditor(t *testing.T) {
	editor := binding.NewPlainEditor("")
	sess, fake := newFakeSession(t, Options{Editor: editor})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake.deliver(serverState("hello"))
	waitFor(t, "synced status", func() bool { return sess.Status() == StatusSynced })
	waitFor(t, "editor text", func() bool { return editor.Text() == "hello" })

	text, err := sess.Text()
	if err != nil || text != "hello" {
		t.Fatalf("expected document text hello, got %q (%v)", text, err)
	}
	if n := fake.count(syncUpdate); n != 0 {
		t.Fatalf("remote state must not be echoed back, got %d updates", n)
	}
}

func TestSecondConnectKeepsSyncedStatus(t *testing.T) {
	sess, fake := newFakeSession(t, Options{})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake.deliver(serverState("hello"))
	waitFor(t, "synced status", func() bool { return sess.Status() == StatusSynced })

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sess.Status(); got != StatusSynced {
		t.Fatalf("expected status to stay synced, got %v", got)
	}
	if n := fake.count(syncRequest); n != 1 {
		t.Fatalf("expected a single sync request, got %d", n)
	}
}

func TestHandshakeStallResendsRequest(t *testing.T) {
	sess, fake := newFakeSession(t, Options{
		HandshakeTimeout: 30 * time.Millisecond,
		TickInterval:     10 * time.Millisecond,
	})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "stalled status", func() bool { return sess.Status() == StatusSyncStalled })
	waitFor(t, "request to be re-sent", func() bool { return fake.count(syncRequest) >= 2 })

	fake.deliver(serverState(""))
	waitFor(t, "synced after late response", func() bool { return sess.Status() == StatusSynced })
}

func TestLocalEditSendsUpdate(t *testing.T) {
	sess, fake := newFakeSession(t, Options{})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake.deliver(serverState(""))
	waitFor(t, "synced status", func() bool { return sess.Status() == StatusSynced })

	if err := sess.Edit(func(tx *crdt.Txn) { tx.Insert(0, "x") }); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if n := fake.count(syncUpdate); n != 1 {
		t.Fatalf("expected one update frame, got %d", n)
	}
}

func TestDisconnectAnnouncesDepartureAndKeepsDocument(t *testing.T) {
	sess, fake := newFakeSession(t, Options{DisplayName: "alice"})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake.deliver(serverState("kept"))
	waitFor(t, "synced status", func() bool { return sess.Status() == StatusSynced })
	before := fake.count(presence)

	sess.Disconnect()
	if got := fake.count(presence); got != before+1 {
		t.Fatalf("expected a departure presence frame, got %d new", got-before)
	}
	if sess.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", sess.Status())
	}
	text, _ := sess.Text()
	if text != "kept" {
		t.Fatalf("document should survive disconnect, got %q", text)
	}
	states, _ := sess.Presence()
	if _, ok := states[sess.ClientID()]; !ok {
		t.Fatalf("local presence should be restored for the next connect")
	}
}

func TestDoAfterCloseReturnsErrClosed(t *testing.T) {
	sess, _ := newFakeSession(t, Options{})
	sess.Close()
	if err := sess.Do(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sess.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from connect, got %v", err)
	}
}

type memoryCache struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (c *memoryCache) Load(projectID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[projectID], nil
}

func (c *memoryCache) Save(projectID string, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[projectID] = append([]byte(nil), state...)
	return nil
}

func TestCacheRestoresDocumentOnNextSession(t *testing.T) {
	cache := &memoryCache{saved: map[string][]byte{}}
	first, _ := newFakeSession(t, Options{Cache: cache})
	if err := first.Edit(func(tx *crdt.Txn) { tx.Insert(0, "offline") }); err != nil {
		t.Fatalf("edit: %v", err)
	}
	first.Close()

	second, _ := newFakeSession(t, Options{Cache: cache})
	text, err := second.Text()
	if err != nil || text != "offline" {
		t.Fatalf("expected cached text, got %q (%v)", text, err)
	}
}

func TestParseLink(t *testing.T) {
	link, err := ParseLink("relaydoc://open?projectId=p1&wsUrl=wss%3A%2F%2Frelay.example.com&token=t1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if link.ProjectID != "p1" || link.WSURL != "wss://relay.example.com" || link.Token != "t1" {
		t.Fatalf("unexpected link %+v", link)
	}
	again, err := ParseLink(link.String())
	if err != nil || again != link {
		t.Fatalf("round trip mismatch: %+v (%v)", again, err)
	}

	bad := []string{
		"relaydoc://open?wsUrl=ws%3A%2F%2Fx",
		"relaydoc://open?projectId=p1",
		"relaydoc://open?projectId=p1&wsUrl=ftp%3A%2F%2Fx",
		"relaydoc://open?projectId=p1&wsUrl=relative",
	}
	for _, raw := range bad {
		if _, err := ParseLink(raw); !errors.Is(err, ErrInvalidLink) {
			t.Fatalf("expected ErrInvalidLink for %q, got %v", raw, err)
		}
	}
}

type fakePuller struct {
	text  string
	calls int
}

func (p *fakePuller) Pull(context.Context, string, string) (string, error) {
	p.calls++
	return p.text, nil
}

func TestRegistryReusesAndReplacesSessions(t *testing.T) {
	puller := &fakePuller{text: "pulled"}
	stateFile := filepath.Join(t.TempDir(), "state.json")
	reg := NewRegistry(RegistryOptions{
		Session: Options{
			TransportFactory: func(o transport.Options) Transport {
				return &fakeTransport{opts: o}
			},
		},
		StateFile: stateFile,
		NewPuller: func(string) Puller { return puller },
	})
	t.Cleanup(reg.CloseAll)

	link := Link{ProjectID: "p1", WSURL: "ws://relay.test", Token: "t1", APIURL: "http://api.test"}
	first, err := reg.Open(context.Background(), link)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	same, err := reg.Open(context.Background(), link)
	if err != nil || same != first {
		t.Fatalf("expected the same session for an identical link")
	}
	if puller.calls != 1 {
		t.Fatalf("expected a single pull, got %d", puller.calls)
	}
	link.Token = "t2"
	replaced, err := reg.Open(context.Background(), link)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if replaced == first {
		t.Fatalf("expected a new session after the token changed")
	}
	if err := first.Do(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("replaced session should be closed, got %v", err)
	}

	state, err := scriptsync.LoadState(stateFile)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.ProjectID != "p1" || state.Token != "t2" {
		t.Fatalf("unexpected saved state %+v", state)
	}
	if got := reg.Projects(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("unexpected projects %v", got)
	}
	if !reg.Close("p1") || reg.Close("p1") {
		t.Fatalf("close should report the session once")
	}
}

func fakeTransportFactory(o transport.Options) Transport {
	return &fakeTransport{opts: o}
}

func TestRegistryGivesEachProjectItsOwnDocument(t *testing.T) {
	shared := crdt.NewDoc()
	reg := NewRegistry(RegistryOptions{
		Session: Options{
			Doc:              shared,
			Editor:           binding.NewPlainEditor("shared"),
			TransportFactory: fakeTransportFactory,
		},
	})
	t.Cleanup(reg.CloseAll)

	first, err := reg.Open(context.Background(), Link{ProjectID: "p1", WSURL: "ws://relay.test"})
	if err != nil {
		t.Fatalf("open p1: %v", err)
	}
	second, err := reg.Open(context.Background(), Link{ProjectID: "p2", WSURL: "ws://relay.test"})
	if err != nil {
		t.Fatalf("open p2: %v", err)
	}
	if first.doc == second.doc || first.doc == shared || second.doc == shared {
		t.Fatalf("expected every project to get its own document")
	}
}

type gatedPuller struct {
	gate    string
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPuller) Pull(ctx context.Context, projectID, _ string) (string, error) {
	if projectID == p.gate {
		p.entered <- struct{}{}
		select {
		case <-p.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", nil
}

func newGatedRegistry(t *testing.T, gate string) (*Registry, *gatedPuller) {
	t.Helper()
	puller := &gatedPuller{gate: gate, entered: make(chan struct{}, 2), release: make(chan struct{})}
	reg := NewRegistry(RegistryOptions{
		Session:   Options{TransportFactory: fakeTransportFactory},
		NewPuller: func(string) Puller { return puller },
	})
	t.Cleanup(reg.CloseAll)
	return reg, puller
}

type openResult struct {
	sess *Session
	err  error
}

func openAsync(reg *Registry, link Link) <-chan openResult {
	out := make(chan openResult, 1)
	go func() {
		sess, err := reg.Open(context.Background(), link)
		out <- openResult{sess: sess, err: err}
	}()
	return out
}

func TestRegistrySlowOpenDoesNotBlockOtherProjects(t *testing.T) {
	reg, puller := newGatedRegistry(t, "slow")
	slowLink := Link{ProjectID: "slow", WSURL: "ws://relay.test", APIURL: "http://api.test"}
	slow := openAsync(reg, slowLink)
	<-puller.entered
	again := openAsync(reg, slowLink)

	done := openAsync(reg, Link{ProjectID: "fast", WSURL: "ws://relay.test", APIURL: "http://api.test"})
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("open fast: %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("open of another project blocked behind a slow pull")
	}
	if _, ok := reg.Get("slow"); ok {
		t.Fatalf("a session still being opened must not be returned")
	}
	if got := reg.Projects(); len(got) != 1 || got[0] != "fast" {
		t.Fatalf("unexpected projects %v", got)
	}

	close(puller.release)
	first := <-slow
	second := <-again
	if first.err != nil || second.err != nil {
		t.Fatalf("open slow: %v / %v", first.err, second.err)
	}
	if first.sess != second.sess {
		t.Fatalf("expected concurrent opens of one link to share a session")
	}
	if got, ok := reg.Get("slow"); !ok || got != first.sess {
		t.Fatalf("expected slow session to be registered")
	}
}

func TestRegistryCloseDuringOpenDiscardsSession(t *testing.T) {
	reg, puller := newGatedRegistry(t, "p1")
	pending := openAsync(reg, Link{ProjectID: "p1", WSURL: "ws://relay.test", APIURL: "http://api.test"})
	<-puller.entered
	if !reg.Close("p1") {
		t.Fatalf("expected close to report the session being opened")
	}
	close(puller.release)
	res := <-pending
	if !errors.Is(res.err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", res.err)
	}
	if _, ok := reg.Get("p1"); ok {
		t.Fatalf("expected no session after close")
	}
}
