package httpapi

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/binding"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/protocol"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

type originTag string

const (
	storeOrigin  originTag = "store"
	pushOrigin   originTag = "push"
	fanoutOrigin originTag = "fanout"
)

const (
	peerSendBuffer    = 256
	peerWriteTimeout  = 10 * time.Second
	fanoutQueueLength = 1024
)

// RoomStatus is the admin view of one live project.
type RoomStatus struct {
	ProjectID string   `json:"projectId"`
	Peers     int      `json:"peers"`
	Presence  int      `json:"presence"`
	Length    int      `json:"length"`
	PeerIDs   []string `json:"peerIds"`
}

type hub struct {
	store   *relaydoc.Store
	metrics *metrics
	fanout  Fanout
	logger  Logger

	persistInterval time.Duration
	presenceTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*room
	// flushing holds, per project, a room that closed and is still writing
	// its final state; it is closed once the write is done.
	flushing map[string]chan struct{}

	publishCh chan fanoutFrame
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type fanoutFrame struct {
	projectID string
	frame     []byte
}

type room struct {
	hub       *hub
	projectID string

	// saveMu orders writes of one room so an older snapshot never lands
	// after a newer one.
	saveMu sync.Mutex

	mu     sync.Mutex
	doc    *crdt.Doc
	aw     *awareness.Awareness
	peers  map[*peer]struct{}
	dirty  bool
	closed bool
}

type peer struct {
	id      string
	subject string
	conn    transport.Conn
	send    chan []byte
	// presence client IDs announced over this connection
	clients map[uint64]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newHub(store *relaydoc.Store, m *metrics, fanout Fanout, logger Logger, persistInterval, presenceTimeout time.Duration) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &hub{
		store:           store,
		metrics:         m,
		fanout:          fanout,
		logger:          logger,
		persistInterval: persistInterval,
		presenceTimeout: presenceTimeout,
		rooms:           map[string]*room{},
		flushing:        map[string]chan struct{}{},
		ctx:             ctx,
		cancel:          cancel,
	}
	h.wg.Add(1)
	go h.maintain()
	if fanout != nil {
		h.publishCh = make(chan fanoutFrame, fanoutQueueLength)
		h.wg.Add(1)
		go h.publishLoop()
		if err := fanout.Subscribe(ctx, h.onFanout); err != nil {
			logf(logger, "fanout subscribe failed: %v", err)
		}
	}
	return h
}

func (h *hub) close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		rooms := make([]*room, 0, len(h.rooms))
		for _, rm := range h.rooms {
			rooms = append(rooms, rm)
		}
		h.mu.Unlock()
		for _, rm := range rooms {
			rm.mu.Lock()
			for p := range rm.peers {
				p.close()
			}
			rm.mu.Unlock()
			rm.persist()
		}
		h.cancel()
		h.wg.Wait()
	})
}

// serve runs one websocket peer until its connection fails or the hub closes.
func (h *hub) serve(projectID, subject string, conn transport.Conn) {
	p := &peer{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		send:    make(chan []byte, peerSendBuffer),
		clients: map[uint64]struct{}{},
		done:    make(chan struct{}),
	}
	rm := h.join(projectID, p)
	h.metrics.connections.Inc()
	defer h.metrics.connections.Dec()

	go p.writeLoop(h)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			p.close()
		case <-p.done:
		}
	}()
	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			break
		}
		rm.handleFrame(p, frame)
	}
	p.close()
	h.leave(rm, p)
}

func (h *hub) join(projectID string, p *peer) *room {
	for {
		rm := h.openRoom(projectID)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		rm.peers[p] = struct{}{}
		p.enqueue(h, protocol.EncodeSyncStep1(rm.doc.EncodeStateVector()))
		if states := rm.aw.States(); len(states) > 0 {
			p.enqueue(h, protocol.EncodeAwareness(rm.aw.EncodeAll()))
		}
		rm.mu.Unlock()
		logf(h.logger, "peer %s joined project %s", p.id, projectID)
		return rm
	}
}

func (h *hub) leave(rm *room, p *peer) {
	h.mu.Lock()
	rm.mu.Lock()
	delete(rm.peers, p)
	ids := make([]uint64, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rm.aw.RemoveStates(ids, p)
	empty := len(rm.peers) == 0
	var flushed chan struct{}
	if empty {
		rm.closed = true
		if h.rooms[rm.projectID] == rm {
			delete(h.rooms, rm.projectID)
			h.metrics.rooms.Dec()
			flushed = make(chan struct{})
			h.flushing[rm.projectID] = flushed
		}
	}
	rm.mu.Unlock()
	h.mu.Unlock()
	logf(h.logger, "peer %s left project %s", p.id, rm.projectID)
	if !empty {
		return
	}
	rm.persist()
	if flushed != nil {
		h.mu.Lock()
		delete(h.flushing, rm.projectID)
		h.mu.Unlock()
		close(flushed)
	}
}

// openRoom returns the live room for projectID, creating it if needed. A new
// room is loaded from the store under its own lock, after h.mu is released,
// so a slow store only delays peers of that project. A rejoin waits for the
// previous room's final write.
func (h *hub) openRoom(projectID string) *room {
	h.mu.Lock()
	for {
		if rm, ok := h.rooms[projectID]; ok {
			h.mu.Unlock()
			return rm
		}
		flushed, ok := h.flushing[projectID]
		if !ok {
			break
		}
		h.mu.Unlock()
		<-flushed
		h.mu.Lock()
	}
	rm := &room{
		hub:       h,
		projectID: projectID,
		doc:       crdt.NewDoc(),
		peers:     map[*peer]struct{}{},
	}
	rm.aw = awareness.New(rm.doc.ClientID(), awareness.WithOutdatedTimeout(h.presenceTimeout))
	rm.mu.Lock()
	h.rooms[projectID] = rm
	h.metrics.rooms.Inc()
	h.mu.Unlock()

	defer rm.mu.Unlock()
	rm.load()
	rm.doc.OnUpdate(rm.onDocUpdate)
	rm.aw.OnUpdate(rm.onAwarenessUpdate)
	// ask other nodes for anything they hold that the store does not
	h.publish(projectID, protocol.EncodeSyncStep1(rm.doc.EncodeStateVector()))
	return rm
}

func (h *hub) lookup(projectID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[projectID]
	return rm, ok
}

// applyScript merges an out-of-band push into a live room as a minimal edit
// and reports whether the live text changed.
func (h *hub) applyScript(projectID, code string) bool {
	rm, ok := h.lookup(projectID)
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return false
	}
	edit, changed := binding.Diff(rm.doc.String(), code)
	if !changed {
		return false
	}
	binding.ApplyEdit(rm.doc, edit, pushOrigin)
	return true
}

// text returns the live text of a project when a room is open.
func (h *hub) text(projectID string) (string, bool) {
	rm, ok := h.lookup(projectID)
	if !ok {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.doc.String(), !rm.closed
}

func (h *hub) status() []RoomStatus {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.mu.Unlock()

	out := make([]RoomStatus, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		status := RoomStatus{
			ProjectID: rm.projectID,
			Peers:     len(rm.peers),
			Presence:  len(rm.aw.States()),
			Length:    rm.doc.Len(),
		}
		for p := range rm.peers {
			status.PeerIDs = append(status.PeerIDs, p.id)
		}
		rm.mu.Unlock()
		sort.Strings(status.PeerIDs)
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (h *hub) maintain() {
	defer h.wg.Done()
	persistTicker := time.NewTicker(h.persistInterval)
	defer persistTicker.Stop()
	presenceTicker := time.NewTicker(h.presenceTimeout / 2)
	defer presenceTicker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-persistTicker.C:
			for _, rm := range h.snapshotRooms() {
				rm.persist()
			}
		case <-presenceTicker.C:
			for _, rm := range h.snapshotRooms() {
				rm.mu.Lock()
				_, removed := rm.aw.CheckOutdated()
				rm.mu.Unlock()
				if len(removed) > 0 {
					logf(h.logger, "expired %d presence states in project %s", len(removed), rm.projectID)
				}
			}
		}
	}
}

func (h *hub) snapshotRooms() []*room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		out = append(out, rm)
	}
	return out
}

func (h *hub) publish(projectID string, frame []byte) {
	if h.publishCh == nil {
		return
	}
	select {
	case h.publishCh <- fanoutFrame{projectID: projectID, frame: frame}:
	default:
		logf(h.logger, "fanout queue full; dropped frame for project %s", projectID)
	}
}

func (h *hub) publishLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.publishCh:
			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			err := h.fanout.Publish(ctx, msg.projectID, msg.frame)
			cancel()
			if err != nil {
				logf(h.logger, "fanout publish for project %s failed: %v", msg.projectID, err)
				continue
			}
			h.metrics.fanout.WithLabelValues("out").Inc()
		}
	}
}

func (h *hub) onFanout(projectID string, frame []byte) {
	rm, ok := h.lookup(projectID)
	if !ok {
		return
	}
	h.metrics.fanout.WithLabelValues("in").Inc()
	msg, err := protocol.Decode(frame)
	if err != nil {
		logf(h.logger, "dropping fanout frame for project %s: %v", projectID, err)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}
	switch msg.Kind {
	case protocol.KindSync:
		sm, err := protocol.DecodeSync(msg.Payload)
		if err != nil {
			return
		}
		reply, err := protocol.HandleSync(sm, rm.doc, fanoutOrigin)
		if err != nil {
			logf(h.logger, "fanout sync for project %s failed: %v", projectID, err)
			return
		}
		if reply != nil {
			h.publish(projectID, reply)
		}
	case protocol.KindAwareness:
		data, err := protocol.DecodeAwareness(msg.Payload)
		if err != nil {
			return
		}
		if err := rm.aw.ApplyUpdate(data, fanoutOrigin); err != nil {
			logf(h.logger, "fanout awareness for project %s failed: %v", projectID, err)
		}
	}
}

// load seeds the room from the store. A stored document state is applied
// first and the stored text then wins as a minimal edit, which keeps item
// identities stable for clients that cached the earlier state.
func (rm *room) load() {
	script, err := rm.hub.store.GetScript(rm.projectID)
	if err != nil {
		if !errors.Is(err, relaydoc.ErrNotFound) {
			logf(rm.hub.logger, "load project %s failed: %v", rm.projectID, err)
		}
		return
	}
	if len(script.DocState) > 0 {
		if err := rm.doc.ApplyUpdate(script.DocState, storeOrigin); err != nil {
			logf(rm.hub.logger, "stored document state for project %s is unreadable: %v", rm.projectID, err)
		}
	}
	if edit, changed := binding.Diff(rm.doc.String(), script.Content); changed {
		binding.ApplyEdit(rm.doc, edit, storeOrigin)
		rm.dirty = true
	}
}

func (rm *room) persist() {
	rm.saveMu.Lock()
	defer rm.saveMu.Unlock()
	rm.mu.Lock()
	if !rm.dirty {
		rm.mu.Unlock()
		return
	}
	text := rm.doc.String()
	state := rm.doc.EncodeUpdate()
	rm.dirty = false
	rm.mu.Unlock()

	_, err := rm.hub.store.PushScript(relaydoc.PushRequest{
		ProjectID: rm.projectID,
		Code:      text,
		Source:    relaydoc.SourceRelay,
		DocState:  state,
	})
	if err != nil {
		rm.hub.metrics.persists.WithLabelValues("error").Inc()
		logf(rm.hub.logger, "persist project %s failed: %v", rm.projectID, err)
		rm.mu.Lock()
		rm.dirty = true
		rm.mu.Unlock()
		return
	}
	rm.hub.metrics.persists.WithLabelValues("ok").Inc()
}

// handleFrame runs on the peer's read goroutine.
func (rm *room) handleFrame(p *peer, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		logf(rm.hub.logger, "dropping frame from peer %s: %v", p.id, err)
		return
	}
	rm.hub.metrics.frames.WithLabelValues("in", msg.Kind.String()).Inc()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	switch msg.Kind {
	case protocol.KindSync:
		sm, err := protocol.DecodeSync(msg.Payload)
		if err != nil {
			logf(rm.hub.logger, "dropping sync frame from peer %s: %v", p.id, err)
			return
		}
		reply, err := protocol.HandleSync(sm, rm.doc, p)
		if err != nil {
			logf(rm.hub.logger, "sync from peer %s failed: %v", p.id, err)
			return
		}
		if reply != nil {
			p.enqueue(rm.hub, reply)
		}
	case protocol.KindAwareness:
		data, err := protocol.DecodeAwareness(msg.Payload)
		if err != nil {
			logf(rm.hub.logger, "dropping awareness frame from peer %s: %v", p.id, err)
			return
		}
		if err := rm.aw.ApplyUpdate(data, p); err != nil {
			logf(rm.hub.logger, "awareness from peer %s failed: %v", p.id, err)
		}
	case protocol.KindQueryAwareness:
		p.enqueue(rm.hub, protocol.EncodeAwareness(rm.aw.EncodeAll()))
	}
}

// onDocUpdate runs with rm.mu held.
func (rm *room) onDocUpdate(update []byte, origin any) {
	if origin == storeOrigin {
		return
	}
	rm.dirty = true
	frame := protocol.EncodeSyncUpdate(update)
	rm.broadcast(frame, origin)
	if origin != fanoutOrigin {
		rm.hub.publish(rm.projectID, frame)
	}
}

// onAwarenessUpdate runs with rm.mu held.
func (rm *room) onAwarenessUpdate(update awareness.Update) {
	if p, ok := update.Origin.(*peer); ok {
		for _, id := range update.Added {
			p.clients[id] = struct{}{}
		}
		for _, id := range update.Updated {
			p.clients[id] = struct{}{}
		}
		for _, id := range update.Removed {
			delete(p.clients, id)
		}
	}
	frame := protocol.EncodeAwareness(rm.aw.EncodeUpdate(update.Changed()))
	rm.broadcast(frame, update.Origin)
	if update.Origin != fanoutOrigin && !update.IsLocal() {
		rm.hub.publish(rm.projectID, frame)
	}
}

func (rm *room) broadcast(frame []byte, origin any) {
	for p := range rm.peers {
		if p == origin {
			continue
		}
		p.enqueue(rm.hub, frame)
	}
}

// enqueue never blocks; a peer that cannot keep up is disconnected.
func (p *peer) enqueue(h *hub, frame []byte) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- frame:
	default:
		logf(h.logger, "peer %s is too slow; closing", p.id)
		p.close()
	}
}

func (p *peer) writeLoop(h *hub) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			ctx, cancel := context.WithTimeout(context.Background(), peerWriteTimeout)
			err := p.conn.Write(ctx, frame)
			cancel()
			if err != nil {
				p.close()
				return
			}
			if msg, err := protocol.Decode(frame); err == nil {
				h.metrics.frames.WithLabelValues("out", msg.Kind.String()).Inc()
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		// the close handshake can wait on the remote; callers may hold rm.mu
		go func() { _ = p.conn.Close() }()
	})
}
