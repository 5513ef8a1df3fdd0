// Package session ties one project's document, presence, editor binding and
// transport together behind a single goroutine, runs the sync handshake and
// keeps presence alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/binding"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/protocol"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTickInterval     = time.Second
	taskQueueSize           = 256
)

var ErrClosed = errors.New("session closed")

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSynced
	// StatusSyncStalled means the connection is open but no state response
	// arrived within the handshake timeout. The request is being re-sent.
	StatusSyncStalled
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynced:
		return "synced"
	case StatusSyncStalled:
		return "sync-stalled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// Observer receives session events on the session goroutine. Callbacks must
// not call Session.Do.
type Observer interface {
	OnStatus(status Status, err error)
	OnPresence(states map[uint64]awareness.State)
}

// Transport is the connection a session drives; *transport.Transport
// satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(frame []byte) bool
	State() transport.State
}

type TransportFactory func(opts transport.Options) Transport

// Cache persists encoded document state between runs.
type Cache interface {
	Load(projectID string) ([]byte, error)
	Save(projectID string, state []byte) error
}

type Options struct {
	ProjectID string
	// ServerURL is the websocket server base; the session connects to
	// {ServerURL}/ws/{ProjectID}.
	ServerURL   string
	Token       string
	ClientID    uint64
	DisplayName string
	Color       string

	Doc *crdt.Doc
	// Editor is bound to the document. Edits made to it from other
	// goroutines must run inside Do.
	Editor binding.Editor
	// OnConflict is forwarded to the editor binding.
	OnConflict func(docText, editorText string)
	Cache      Cache

	HandshakeTimeout time.Duration
	PresenceTimeout  time.Duration
	TickInterval     time.Duration

	Transport        transport.Options
	TransportFactory TransportFactory
	Observer         Observer
	Logger           Logger
}

type remoteOrigin struct{}

type cacheOrigin struct{}

// Session binds one project to one transport, document, presence set and
// optional editor. All document, presence and binding work happens on the
// session goroutine.
type Session struct {
	opts      Options
	projectID string
	doc       *crdt.Doc
	aware     *awareness.Awareness
	binding   *binding.Binding
	transport Transport
	observer  Observer
	logger    Logger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	mu        sync.Mutex
	status    Status
	statusErr error

	// owned by the session goroutine
	handshakeAt time.Time
	cacheDirty  bool
}

func EndpointURL(serverURL, projectID string) string {
	return strings.TrimRight(strings.TrimSpace(serverURL), "/") + "/ws/" + url.PathEscape(projectID)
}

func New(opts Options) (*Session, error) {
	projectID := strings.TrimSpace(opts.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(opts.ServerURL) == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.TransportFactory == nil {
		opts.TransportFactory = func(o transport.Options) Transport { return transport.New(o) }
	}
	doc := opts.Doc
	if doc == nil {
		var docOpts []crdt.DocOption
		if opts.ClientID != 0 {
			docOpts = append(docOpts, crdt.WithClientID(opts.ClientID))
		}
		doc = crdt.NewDoc(docOpts...)
	}
	s := &Session{
		opts:      opts,
		projectID: projectID,
		doc:       doc,
		aware:     awareness.New(doc.ClientID(), awareness.WithOutdatedTimeout(opts.PresenceTimeout)),
		observer:  opts.Observer,
		logger:    opts.Logger,
		tasks:     make(chan func(), taskQueueSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		status:    StatusDisconnected,
	}
	if opts.Cache != nil {
		state, err := opts.Cache.Load(projectID)
		if err != nil {
			s.logf("load cached document for %s: %v", projectID, err)
		} else if len(state) > 0 {
			if err := doc.ApplyUpdate(state, cacheOrigin{}); err != nil {
				s.logf("discard cached document for %s: %v", projectID, err)
			}
		}
	}

	topts := opts.Transport
	topts.URL = EndpointURL(opts.ServerURL, projectID)
	topts.Token = opts.Token
	topts.Observer = &transportObserver{s: s}
	if topts.Logger == nil && opts.Logger != nil {
		topts.Logger = opts.Logger
	}
	s.transport = opts.TransportFactory(topts)

	doc.OnUpdate(s.onDocUpdate)
	s.aware.OnUpdate(s.onAwarenessUpdate)
	if opts.Editor != nil {
		s.binding = binding.Bind(doc, opts.Editor, binding.Options{
			OnConflict: opts.OnConflict,
			Logger:     opts.Logger,
		})
	}
	if opts.DisplayName != "" || opts.Color != "" {
		s.aware.SetLocalState(&awareness.State{DisplayName: opts.DisplayName, Color: opts.Color})
	}

	go s.loop()
	return s, nil
}

func (s *Session) ProjectID() string {
	return s.projectID
}

func (s *Session) ClientID() uint64 {
	return s.doc.ClientID()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error attached to the latest status change, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusErr
}

// Do runs fn on the session goroutine and waits for it to finish. It must
// not be called from the session goroutine.
func (s *Session) Do(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.loopDone:
		return ErrClosed
	}
}

// post queues fn without waiting. It reports false once the session is
// closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Connect dials the relay and waits for the first attempt. A failed first
// attempt is returned while reconnects continue in the background. It does
// nothing while the transport is already open or connecting.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	switch s.transport.State() {
	case transport.StateConnecting, transport.StateOpen:
		return nil
	}
	if err := s.Do(func() { s.setStatus(StatusConnecting, nil) }); err != nil {
		return err
	}
	if err := s.transport.Connect(ctx); err != nil {
		if s.transport.State() == transport.StateClosed {
			_ = s.Do(func() { s.setStatus(StatusDisconnected, err) })
		}
		return err
	}
	return nil
}

// Disconnect announces the local client's departure, then closes the
// transport and cancels reconnects. The document and presence state are
// kept for a later Connect.
func (s *Session) Disconnect() {
	var leaving *awareness.State
	_ = s.Do(func() {
		// the null state goes out through onAwarenessUpdate while the
		// transport is still open
		leaving = s.aware.LocalState()
		if leaving != nil {
			s.aware.SetLocalState(nil)
		}
	})
	s.transport.Disconnect()
	_ = s.Do(func() {
		s.handshakeAt = time.Time{}
		s.dropRemotePresence()
		if leaving != nil {
			// restored with a newer clock so the next connect announces it
			// again; nothing is sent while the transport is closed
			s.aware.SetLocalState(leaving)
		}
		s.setStatus(StatusDisconnected, nil)
	})
}

// Close disconnects, flushes the document cache and stops the session
// goroutine.
func (s *Session) Close() {
	s.Disconnect()
	_ = s.Do(func() {
		s.flushCache()
		if s.binding != nil {
			s.binding.Unbind()
		}
	})
	s.closeOnce.Do(func() { close(s.done) })
	<-s.loopDone
}

// Text returns the current document text.
func (s *Session) Text() (string, error) {
	var text string
	err := s.Do(func() { text = s.doc.String() })
	return text, err
}

// Presence returns a copy of every known presence state.
func (s *Session) Presence() (map[uint64]awareness.State, error) {
	var states map[uint64]awareness.State
	err := s.Do(func() { states = s.aware.States() })
	return states, err
}

func (s *Session) SetPresence(state awareness.State) error {
	return s.Do(func() { s.aware.SetLocalState(&state) })
}

func (s *Session) SetCursor(line, column int) error {
	return s.Do(func() { s.aware.SetLocalCursor(&awareness.Cursor{Line: line, Column: column}) })
}

// Edit applies fn to the document on the session goroutine as one local
// transaction.
func (s *Session) Edit(fn func(tx *crdt.Txn)) error {
	return s.Do(func() { s.doc.Transact(crdt.OriginLocal, fn) })
}

func (s *Session) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case now := <-ticker.C:
			s.tick(now)
		case <-s.done:
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) tick(now time.Time) {
	switch s.Status() {
	case StatusConnected, StatusSyncStalled:
		if !s.handshakeAt.IsZero() && now.Sub(s.handshakeAt) >= s.opts.HandshakeTimeout {
			s.logf("sync handshake for %s stalled; re-sending request", s.projectID)
			s.setStatus(StatusSyncStalled, nil)
			s.requestSync(now)
		}
	}
	if _, removed := s.aware.CheckOutdated(); len(removed) > 0 {
		s.logf("presence timed out for %v", removed)
	}
	s.flushCache()
}

func (s *Session) requestSync(now time.Time) {
	s.handshakeAt = now
	s.transport.Send(protocol.EncodeSyncStep1(s.doc.EncodeStateVector()))
}

func (s *Session) handleConnected() {
	s.setStatus(StatusConnected, nil)
	s.requestSync(time.Now())
	if s.aware.LocalState() != nil {
		s.transport.Send(protocol.EncodeAwareness(s.aware.EncodeUpdate([]uint64{s.aware.ClientID()})))
	}
	s.transport.Send(protocol.EncodeQueryAwareness())
}

func (s *Session) handleDisconnected(err error, retrying bool) {
	s.handshakeAt = time.Time{}
	s.dropRemotePresence()
	if retrying {
		s.setStatus(StatusConnecting, err)
		return
	}
	s.setStatus(StatusDisconnected, err)
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logf("drop frame for %s: %v", s.projectID, err)
		return
	}
	switch msg.Kind {
	case protocol.KindSync:
		syncMsg, err := protocol.DecodeSync(msg.Payload)
		if err != nil {
			s.logf("drop sync message for %s: %v", s.projectID, err)
			return
		}
		reply, err := protocol.HandleSync(syncMsg, s.doc, remoteOrigin{})
		if err != nil {
			s.logf("drop sync message for %s: %v", s.projectID, err)
			return
		}
		if reply != nil {
			s.transport.Send(reply)
		}
		if syncMsg.Step == protocol.StepState {
			s.handleSynced()
		}
	case protocol.KindAwareness:
		data, err := protocol.DecodeAwareness(msg.Payload)
		if err != nil {
			s.logf("drop awareness message for %s: %v", s.projectID, err)
			return
		}
		if err := s.aware.ApplyUpdate(data, remoteOrigin{}); err != nil {
			s.logf("drop awareness message for %s: %v", s.projectID, err)
		}
	case protocol.KindQueryAwareness:
		if s.aware.LocalState() != nil {
			s.transport.Send(protocol.EncodeAwareness(s.aware.EncodeUpdate([]uint64{s.aware.ClientID()})))
		}
	}
}

func (s *Session) handleSynced() {
	s.handshakeAt = time.Time{}
	if s.Status() == StatusSynced {
		return
	}
	s.setStatus(StatusSynced, nil)
	if s.binding != nil {
		if err := s.binding.Reconcile(); err != nil {
			s.logf("reconcile editor for %s: %v", s.projectID, err)
		}
	}
}

func (s *Session) onDocUpdate(update []byte, origin any) {
	s.cacheDirty = true
	switch origin.(type) {
	case remoteOrigin, cacheOrigin:
		return
	}
	s.transport.Send(protocol.EncodeSyncUpdate(update))
}

func (s *Session) onAwarenessUpdate(update awareness.Update) {
	own := s.aware.ClientID()
	mine := update.IsLocal()
	for _, id := range update.Changed() {
		if id == own {
			mine = true
		}
	}
	if mine {
		s.transport.Send(protocol.EncodeAwareness(s.aware.EncodeUpdate([]uint64{own})))
	}
	if s.observer != nil {
		s.observer.OnPresence(s.aware.States())
	}
}

func (s *Session) dropRemotePresence() {
	own := s.aware.ClientID()
	var remote []uint64
	for id := range s.aware.States() {
		if id != own {
			remote = append(remote, id)
		}
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i] < remote[j] })
	s.aware.RemoveStates(remote, remoteOrigin{})
}

func (s *Session) flushCache() {
	if s.opts.Cache == nil || !s.cacheDirty {
		return
	}
	if err := s.opts.Cache.Save(s.projectID, s.doc.EncodeUpdate()); err != nil {
		s.logf("cache document for %s: %v", s.projectID, err)
		return
	}
	s.cacheDirty = false
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.statusErr = err
	s.mu.Unlock()
	if changed && s.observer != nil {
		s.observer.OnStatus(status, err)
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// transportObserver moves transport callbacks onto the session goroutine.
type transportObserver struct {
	s *Session
}

func (o *transportObserver) OnConnected() {
	o.s.post(o.s.handleConnected)
}

func (o *transportObserver) OnDisconnected(err error, retrying bool) {
	o.s.post(func() { o.s.handleDisconnected(err, retrying) })
}

func (o *transportObserver) OnMessage(frame []byte) {
	o.s.post(func() { o.s.handleFrame(frame) })
}

func (o *transportObserver) OnError(err error) {
	o.s.post(func() { o.s.logf("transport error for %s: %v", o.s.projectID, err) })
}
