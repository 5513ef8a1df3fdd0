// Package awareness tracks ephemeral per-client presence (display name,
// color, cursor) next to the shared document. Entries are versioned by a
// per-client clock and removals travel as null-state tombstones.
//
// An Awareness is not safe for concurrent use; its owner serializes access.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relaydoc/internal/wire"
)

const DefaultOutdatedTimeout = 30 * time.Second

var ErrMalformedUpdate = errors.New("malformed awareness update")

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type State struct {
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// Update describes one applied change to the presence set.
type Update struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
}

func (u Update) empty() bool {
	return len(u.Added) == 0 && len(u.Updated) == 0 && len(u.Removed) == 0
}

// Changed lists every client touched by the update.
func (u Update) Changed() []uint64 {
	out := make([]uint64, 0, len(u.Added)+len(u.Updated)+len(u.Removed))
	out = append(out, u.Added...)
	out = append(out, u.Updated...)
	out = append(out, u.Removed...)
	return out
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Option func(*Awareness)

func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

func WithOutdatedTimeout(timeout time.Duration) Option {
	return func(a *Awareness) {
		if timeout > 0 {
			a.outdatedTimeout = timeout
		}
	}
}

type Awareness struct {
	clientID        uint64
	now             func() time.Time
	outdatedTimeout time.Duration

	states      map[uint64]State
	meta        map[uint64]meta
	observerSeq int
	observers   map[int]func(Update)
}

func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID:        clientID,
		now:             time.Now,
		outdatedTimeout: DefaultOutdatedTimeout,
		states:          map[uint64]State{},
		meta:            map[uint64]meta{},
		observers:       map[int]func(Update){},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

func (a *Awareness) OutdatedTimeout() time.Duration {
	return a.outdatedTimeout
}

func (a *Awareness) OnUpdate(fn func(Update)) func() {
	a.observerSeq++
	key := a.observerSeq
	a.observers[key] = fn
	return func() {
		delete(a.observers, key)
	}
}

func (a *Awareness) LocalState() *State {
	state, ok := a.states[a.clientID]
	if !ok {
		return nil
	}
	return &state
}

// States returns a copy of every known presence state, the local one
// included.
func (a *Awareness) States() map[uint64]State {
	out := make(map[uint64]State, len(a.states))
	for id, state := range a.states {
		out[id] = state
	}
	return out
}

// SetLocalState replaces the local presence state and bumps the local clock.
// A nil state marks the local client as gone.
func (a *Awareness) SetLocalState(state *State) {
	_, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	a.meta[a.clientID] = meta{clock: m.clock + 1, lastUpdated: a.now()}

	update := Update{Origin: originLocal}
	switch {
	case state == nil:
		delete(a.states, a.clientID)
		if existed {
			update.Removed = []uint64{a.clientID}
		}
	case !existed:
		a.states[a.clientID] = copyState(*state)
		update.Added = []uint64{a.clientID}
	default:
		// unchanged content still counts: peers treat it as a renewal
		a.states[a.clientID] = copyState(*state)
		update.Updated = []uint64{a.clientID}
	}
	a.emit(update)
}

// SetLocalCursor updates only the cursor of the local state. It is a no-op
// before a local state exists.
func (a *Awareness) SetLocalCursor(cursor *Cursor) {
	state, ok := a.states[a.clientID]
	if !ok {
		return
	}
	if cursor != nil {
		c := *cursor
		state.Cursor = &c
	} else {
		state.Cursor = nil
	}
	a.SetLocalState(&state)
}

// RemoveStates drops remote clients locally, for example when the transport
// carrying them closes. The local client cannot be removed this way.
func (a *Awareness) RemoveStates(clientIDs []uint64, origin any) {
	update := Update{Origin: origin}
	for _, id := range clientIDs {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		m := a.meta[id]
		a.meta[id] = meta{clock: m.clock, lastUpdated: a.now()}
		update.Removed = append(update.Removed, id)
	}
	a.emit(update)
}

type localOrigin string

const originLocal localOrigin = "local"

// IsLocal reports whether an update was produced by SetLocalState or
// CheckOutdated on this instance.
func (u Update) IsLocal() bool {
	return u.Origin == originLocal
}

// EncodeUpdate encodes the listed clients' states, with a null for every
// client whose state is gone. Clients never seen are skipped.
func (a *Awareness) EncodeUpdate(clientIDs []uint64) []byte {
	type entry struct {
		id    uint64
		clock uint64
		json  string
	}
	entries := make([]entry, 0, len(clientIDs))
	for _, id := range clientIDs {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		payload := "null"
		if state, ok := a.states[id]; ok {
			raw, err := json.Marshal(state)
			if err != nil {
				continue
			}
			payload = string(raw)
		}
		entries = append(entries, entry{id: id, clock: m.clock, json: payload})
	}
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		enc.WriteVarUint(e.id)
		enc.WriteVarUint(e.clock)
		enc.WriteVarString(e.json)
	}
	return enc.Bytes()
}

// EncodeAll encodes every client with a live state.
func (a *Awareness) EncodeAll() []byte {
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return a.EncodeUpdate(ids)
}

type record struct {
	id    uint64
	clock uint64
	state *State
}

// ApplyUpdate merges a peer's encoded presence entries. The whole payload is
// decoded before anything is applied.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	records, err := decode(data)
	if err != nil {
		return err
	}
	now := a.now()
	update := Update{Origin: origin}
	for _, rec := range records {
		m, known := a.meta[rec.id]
		_, hasState := a.states[rec.id]
		newer := !known || rec.clock > m.clock
		removal := known && rec.clock == m.clock && rec.state == nil && hasState
		if !newer && !removal {
			continue
		}
		if rec.id == a.clientID {
			// a peer echoing our own entry back; keep the local state
			// authoritative but never fall behind its clock
			if rec.state == nil && hasState {
				a.meta[a.clientID] = meta{clock: rec.clock + 1, lastUpdated: now}
				update.Updated = append(update.Updated, a.clientID)
			}
			continue
		}
		a.meta[rec.id] = meta{clock: rec.clock, lastUpdated: now}
		switch {
		case rec.state == nil:
			if hasState {
				delete(a.states, rec.id)
				update.Removed = append(update.Removed, rec.id)
			}
		case !hasState:
			a.states[rec.id] = *rec.state
			update.Added = append(update.Added, rec.id)
		default:
			a.states[rec.id] = *rec.state
			update.Updated = append(update.Updated, rec.id)
		}
	}
	a.emit(update)
	return nil
}

// CheckOutdated renews the local state once it is older than half the
// outdated timeout and removes remote states that have not been refreshed
// within the timeout. The caller broadcasts the local state when renewLocal
// is true.
func (a *Awareness) CheckOutdated() (renewLocal bool, removed []uint64) {
	now := a.now()
	if state, ok := a.states[a.clientID]; ok {
		if now.Sub(a.meta[a.clientID].lastUpdated) >= a.outdatedTimeout/2 {
			a.SetLocalState(&state)
			renewLocal = true
		}
	}
	update := Update{Origin: originLocal}
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= a.outdatedTimeout {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	update.Removed = removed
	a.emit(update)
	return renewLocal, removed
}

func (a *Awareness) emit(update Update) {
	if update.empty() {
		return
	}
	keys := make([]int, 0, len(a.observers))
	for key := range a.observers {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	for _, key := range keys {
		if fn, ok := a.observers[key]; ok {
			fn(update)
		}
	}
}

func decode(data []byte) ([]record, error) {
	fail := func(err error) ([]record, error) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	dec := wire.NewDecoder(data)
	n, err := dec.ReadVarUint()
	if err != nil {
		return fail(err)
	}
	if n > uint64(dec.Len()) {
		return fail(fmt.Errorf("entry count %d exceeds payload", n))
	}
	records := make([]record, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec record
		if rec.id, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if rec.clock, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		raw, err := dec.ReadVarString()
		if err != nil {
			return fail(err)
		}
		if raw != "null" {
			var state State
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				return fail(err)
			}
			rec.state = &state
		}
		records = append(records, rec)
	}
	return records, nil
}

func copyState(s State) State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}
