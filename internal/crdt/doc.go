// Package crdt implements the shared text buffer: a replicated growable array
// of runes whose concurrent inserts are ordered by a Lamport clock and whose
// deletes are tombstones. Replicas exchange binary updates and converge
// regardless of delivery order or duplication.
//
// A Doc is not safe for concurrent use; its owner serializes access.
package crdt

import (
	"math/rand/v2"
	"sort"
	"strings"
	"unicode/utf8"
)

type origin string

const (
	// OriginLocal tags edits made through Insert and Delete.
	OriginLocal origin = "local"
	// OriginRemote is the conventional tag for updates received from peers.
	OriginRemote origin = "remote"
)

// ID identifies one inserted rune: the client that created it and that
// client's contiguous sequence number.
type ID struct {
	Client uint64
	Seq    uint64
}

type item struct {
	id      ID
	clock   uint64
	origin  *ID
	char    string
	deleted bool
	left    *item
	right   *item
}

// Delta is one run of a change: exactly one of the fields is set.
type Delta struct {
	Retain int
	Insert string
	Delete int
}

type Change struct {
	Delta  []Delta
	Origin any
}

type DocOption func(*Doc)

func WithClientID(id uint64) DocOption {
	return func(d *Doc) {
		d.clientID = id
	}
}

type Doc struct {
	clientID uint64
	head     *item
	items    map[ID]*item
	clock    uint64
	next     map[uint64]uint64
	length   int

	pendingItems   map[ID]itemRecord
	pendingDeletes map[uint64]rangeSet

	txn             *Txn
	observerSeq     int
	changeObservers map[int]func(Change)
	updateObservers map[int]func([]byte, any)
}

func NewDoc(opts ...DocOption) *Doc {
	d := &Doc{
		items:           map[ID]*item{},
		next:            map[uint64]uint64{},
		pendingItems:    map[ID]itemRecord{},
		pendingDeletes:  map[uint64]rangeSet{},
		changeObservers: map[int]func(Change){},
		updateObservers: map[int]func([]byte, any){},
	}
	for _, opt := range opts {
		opt(d)
	}
	for d.clientID == 0 {
		d.clientID = uint64(rand.Uint32())
	}
	return d
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return d.length
}

func (d *Doc) String() string {
	var b strings.Builder
	for it := d.head; it != nil; it = it.right {
		if !it.deleted {
			b.WriteString(it.char)
		}
	}
	return b.String()
}

// OnChange registers fn to receive the delta of every transaction that
// changed visible content.
func (d *Doc) OnChange(fn func(Change)) func() {
	d.observerSeq++
	key := d.observerSeq
	d.changeObservers[key] = fn
	return func() {
		delete(d.changeObservers, key)
	}
}

// OnUpdate registers fn to receive the encoded incremental update of every
// transaction that integrated new items or deletions.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) func() {
	d.observerSeq++
	key := d.observerSeq
	d.updateObservers[key] = fn
	return func() {
		delete(d.updateObservers, key)
	}
}

// Insert inserts text before the rune at index. Index is clamped to the
// document bounds.
func (d *Doc) Insert(index int, text string) {
	d.Transact(OriginLocal, func(tx *Txn) {
		tx.Insert(index, text)
	})
}

// Delete removes up to length runes starting at index.
func (d *Doc) Delete(index, length int) {
	d.Transact(OriginLocal, func(tx *Txn) {
		tx.Delete(index, length)
	})
}

// Txn groups edits into a single change and update notification.
type Txn struct {
	doc      *Doc
	origin   any
	inserted []*item
	added    map[*item]struct{}
	removed  map[*item]struct{}
}

// Transact runs fn inside a transaction tagged with origin. Nested calls join
// the outer transaction.
func (d *Doc) Transact(origin any, fn func(tx *Txn)) {
	if d.txn != nil {
		fn(d.txn)
		return
	}
	tx := &Txn{
		doc:     d,
		origin:  origin,
		added:   map[*item]struct{}{},
		removed: map[*item]struct{}{},
	}
	d.txn = tx
	func() {
		defer func() { d.txn = nil }()
		fn(tx)
	}()
	d.commit(tx)
}

func (tx *Txn) Insert(index int, text string) {
	if text == "" {
		return
	}
	d := tx.doc
	index = clamp(index, 0, d.length)
	left := d.visibleBefore(index)
	var originID *ID
	if left != nil {
		id := left.id
		originID = &id
	}
	for _, r := range text {
		d.clock++
		it := &item{
			id:     ID{Client: d.clientID, Seq: d.next[d.clientID]},
			clock:  d.clock,
			origin: originID,
			char:   string(r),
		}
		d.next[d.clientID]++
		d.link(it, left)
		tx.inserted = append(tx.inserted, it)
		tx.added[it] = struct{}{}
		left = it
		id := it.id
		originID = &id
	}
}

func (tx *Txn) Delete(index, length int) {
	d := tx.doc
	if length <= 0 || index >= d.length {
		return
	}
	index = clamp(index, 0, d.length)
	if index+length > d.length {
		length = d.length - index
	}
	it := d.visibleAt(index)
	for length > 0 && it != nil {
		if !it.deleted {
			tx.markDeleted(it)
			length--
		}
		it = it.right
	}
}

func (tx *Txn) markDeleted(it *item) {
	if it.deleted {
		return
	}
	it.deleted = true
	tx.doc.length--
	tx.removed[it] = struct{}{}
}

// visibleBefore returns the item after which an insert at visible index must
// be linked, or nil for the document start.
func (d *Doc) visibleBefore(index int) *item {
	if index == 0 {
		return nil
	}
	seen := 0
	for it := d.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		seen++
		if seen == index {
			return it
		}
	}
	return nil
}

func (d *Doc) visibleAt(index int) *item {
	seen := 0
	for it := d.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if seen == index {
			return it
		}
		seen++
	}
	return nil
}

// link places it directly after left (or at the head when left is nil) and
// indexes it.
func (d *Doc) link(it, left *item) {
	if left == nil {
		it.right = d.head
		if d.head != nil {
			d.head.left = it
		}
		d.head = it
	} else {
		it.left = left
		it.right = left.right
		if left.right != nil {
			left.right.left = it
		}
		left.right = it
	}
	d.items[it.id] = it
	if !it.deleted {
		d.length++
	}
}

// integrate links a remote item after its origin, skipping over concurrent
// siblings (and their descendants) that carry a higher (clock, client).
func (d *Doc) integrate(it *item) {
	var left *item
	next := d.head
	if it.origin != nil {
		left = d.items[*it.origin]
		next = left.right
	}
	for next != nil && precedes(next, it) {
		left = next
		next = next.right
	}
	d.link(it, left)
	if it.clock > d.clock {
		d.clock = it.clock
	}
	d.next[it.id.Client] = it.id.Seq + 1
}

func precedes(a, b *item) bool {
	if a.clock != b.clock {
		return a.clock > b.clock
	}
	return a.id.Client > b.id.Client
}

func (d *Doc) commit(tx *Txn) {
	if len(tx.added) == 0 && len(tx.removed) == 0 {
		return
	}
	if len(d.changeObservers) > 0 {
		if delta := d.delta(tx); len(delta) > 0 {
			change := Change{Delta: delta, Origin: tx.origin}
			for _, key := range d.observerKeys(true) {
				if fn, ok := d.changeObservers[key]; ok {
					fn(change)
				}
			}
		}
	}
	if len(d.updateObservers) > 0 {
		removed := make([]ID, 0, len(tx.removed))
		for it := range tx.removed {
			removed = append(removed, it.id)
		}
		update := encodeUpdate(tx.inserted, compressDeletes(removed))
		for _, key := range d.observerKeys(false) {
			if fn, ok := d.updateObservers[key]; ok {
				fn(update, tx.origin)
			}
		}
	}
}

func (d *Doc) observerKeys(change bool) []int {
	var keys []int
	if change {
		for key := range d.changeObservers {
			keys = append(keys, key)
		}
	} else {
		for key := range d.updateObservers {
			keys = append(keys, key)
		}
	}
	sort.Ints(keys)
	return keys
}

// delta walks the document once and classifies every item against the
// transaction: kept, inserted, or removed.
func (d *Doc) delta(tx *Txn) []Delta {
	var out []Delta
	push := func(next Delta) {
		if n := len(out); n > 0 {
			last := &out[n-1]
			switch {
			case next.Retain > 0 && last.Retain > 0:
				last.Retain += next.Retain
				return
			case next.Delete > 0 && last.Delete > 0:
				last.Delete += next.Delete
				return
			case next.Insert != "" && last.Insert != "":
				last.Insert += next.Insert
				return
			}
		}
		out = append(out, next)
	}
	for it := d.head; it != nil; it = it.right {
		_, added := tx.added[it]
		_, removed := tx.removed[it]
		switch {
		case added && !it.deleted:
			push(Delta{Insert: it.char})
		case added:
		case removed:
			push(Delta{Delete: 1})
		case !it.deleted:
			push(Delta{Retain: 1})
		}
	}
	if n := len(out); n > 0 && out[n-1].Retain > 0 {
		out = out[:n-1]
	}
	return out
}

// RuneLen counts runes the way Doc indexes them.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
