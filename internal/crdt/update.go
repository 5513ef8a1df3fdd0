package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/agentworkforce/relaydoc/internal/wire"
)

var ErrMalformedUpdate = errors.New("malformed update")

type itemRecord struct {
	id     ID
	clock  uint64
	origin *ID
	char   string
}

type deleteRun struct {
	client uint64
	start  uint64
	length uint64
}

// ApplyUpdate merges an encoded update produced by any replica. Items whose
// dependencies are missing are held until they arrive; applying an update
// more than once has no further effect.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	records, runs, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	d.Transact(origin, func(tx *Txn) {
		for _, rec := range records {
			if rec.id.Seq < d.next[rec.id.Client] {
				continue
			}
			if _, ok := d.pendingItems[rec.id]; ok {
				continue
			}
			d.pendingItems[rec.id] = rec
		}
		for _, run := range mergeRuns(runs) {
			end := run.start + run.length
			next := d.next[run.client]
			for seq := run.start; seq < min(end, next); seq++ {
				if it, ok := d.items[ID{Client: run.client, Seq: seq}]; ok {
					tx.markDeleted(it)
				}
			}
			if start := max(run.start, next); start < end {
				d.pendingDeletes[run.client] = d.pendingDeletes[run.client].add(start, end)
			}
		}
		d.drainPending(tx)
	})
	return nil
}

// drainPending integrates every pending item whose predecessor in its
// client's sequence and whose origin are known. Pending items are visited in
// clock order, which is a causal order, so a complete update integrates in a
// single pass.
func (d *Doc) drainPending(tx *Txn) {
	for len(d.pendingItems) > 0 {
		ordered := make([]itemRecord, 0, len(d.pendingItems))
		for _, rec := range d.pendingItems {
			ordered = append(ordered, rec)
		}
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].clock != ordered[j].clock {
				return ordered[i].clock < ordered[j].clock
			}
			return ordered[i].id.Client < ordered[j].id.Client
		})
		progress := false
		for _, rec := range ordered {
			if rec.id.Seq < d.next[rec.id.Client] {
				delete(d.pendingItems, rec.id)
				continue
			}
			if rec.id.Seq != d.next[rec.id.Client] {
				continue
			}
			if rec.origin != nil {
				if _, ok := d.items[*rec.origin]; !ok {
					continue
				}
			}
			delete(d.pendingItems, rec.id)
			it := &item{id: rec.id, clock: rec.clock, origin: rec.origin, char: rec.char}
			d.integrate(it)
			tx.inserted = append(tx.inserted, it)
			tx.added[it] = struct{}{}
			if d.takePendingDelete(it.id) {
				tx.markDeleted(it)
			}
			progress = true
		}
		if !progress {
			return
		}
	}
}

// EncodeStateVector returns, per client, the next sequence number this
// replica expects.
func (d *Doc) EncodeStateVector() []byte {
	clients := make([]uint64, 0, len(d.next))
	for client := range d.next {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		enc.WriteVarUint(client)
		enc.WriteVarUint(d.next[client])
	}
	return enc.Bytes()
}

// EncodeUpdate encodes the complete document state.
func (d *Doc) EncodeUpdate() []byte {
	update, _ := d.EncodeStateAsUpdate(nil)
	return update
}

// EncodeStateAsUpdate encodes everything the holder of stateVector is
// missing. A nil or empty state vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	known := map[uint64]uint64{}
	if len(stateVector) > 0 {
		var err error
		known, err = DecodeStateVector(stateVector)
		if err != nil {
			return nil, err
		}
	}
	var missing []*item
	var deleted []ID
	for it := d.head; it != nil; it = it.right {
		if it.id.Seq >= known[it.id.Client] {
			missing = append(missing, it)
		}
		if it.deleted {
			deleted = append(deleted, it.id)
		}
	}
	runs := compressDeletes(deleted)
	for client, set := range d.pendingDeletes {
		for _, r := range set {
			runs = append(runs, deleteRun{client: client, start: r.start, length: r.end - r.start})
		}
	}
	sort.Slice(missing, func(i, j int) bool { return precedes(missing[j], missing[i]) })
	return encodeUpdate(missing, mergeRuns(runs)), nil
}

func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	dec := wire.NewDecoder(data)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	out := map[uint64]uint64{}
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		next, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		out[client] = next
	}
	return out, nil
}

func encodeUpdate(items []*item, runs []deleteRun) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(items)))
	for _, it := range items {
		enc.WriteVarUint(it.id.Client)
		enc.WriteVarUint(it.id.Seq)
		enc.WriteVarUint(it.clock)
		if it.origin == nil {
			enc.WriteVarUint(0)
		} else {
			enc.WriteVarUint(1)
			enc.WriteVarUint(it.origin.Client)
			enc.WriteVarUint(it.origin.Seq)
		}
		enc.WriteVarString(it.char)
	}
	enc.WriteVarUint(uint64(len(runs)))
	for _, run := range runs {
		enc.WriteVarUint(run.client)
		enc.WriteVarUint(run.start)
		enc.WriteVarUint(run.length)
	}
	return enc.Bytes()
}

func compressDeletes(ids []ID) []deleteRun {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Seq < ids[j].Seq
	})
	var runs []deleteRun
	for _, id := range ids {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.client == id.Client && last.start+last.length == id.Seq {
				last.length++
				continue
			}
			if last.client == id.Client && id.Seq < last.start+last.length {
				continue
			}
		}
		runs = append(runs, deleteRun{client: id.Client, start: id.Seq, length: 1})
	}
	return runs
}

// mergeRuns sorts runs and joins those that overlap or touch, so every
// sequence number is visited at most once.
func mergeRuns(runs []deleteRun) []deleteRun {
	if len(runs) < 2 {
		return runs
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].client != runs[j].client {
			return runs[i].client < runs[j].client
		}
		return runs[i].start < runs[j].start
	})
	out := runs[:1]
	for _, run := range runs[1:] {
		last := &out[len(out)-1]
		if last.client == run.client && run.start <= last.start+last.length {
			last.length = max(last.start+last.length, run.start+run.length) - last.start
			continue
		}
		out = append(out, run)
	}
	return out
}

// seqRange is a half-open range of sequence numbers.
type seqRange struct {
	start, end uint64
}

// rangeSet is a sorted list of disjoint ranges. Deletes naming items that
// have not arrived are kept this way, so their cost follows the number of
// ranges received and not the number of characters they cover.
type rangeSet []seqRange

func (s rangeSet) add(start, end uint64) rangeSet {
	i := sort.Search(len(s), func(i int) bool { return s[i].end >= start })
	j := i
	for j < len(s) && s[j].start <= end {
		start = min(start, s[j].start)
		end = max(end, s[j].end)
		j++
	}
	out := make(rangeSet, 0, len(s)-(j-i)+1)
	out = append(out, s[:i]...)
	out = append(out, seqRange{start: start, end: end})
	return append(out, s[j:]...)
}

func (s rangeSet) contains(seq uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].end > seq })
	return i < len(s) && s[i].start <= seq
}

// takePendingDelete reports whether id was deleted before it arrived and
// drops every pending range at or below it. Items of one client integrate in
// sequence order, so nothing below id can still be pending.
func (d *Doc) takePendingDelete(id ID) bool {
	set, ok := d.pendingDeletes[id.Client]
	if !ok {
		return false
	}
	hit := set.contains(id.Seq)
	i := sort.Search(len(set), func(i int) bool { return set[i].end > id.Seq+1 })
	if i == len(set) {
		delete(d.pendingDeletes, id.Client)
		return hit
	}
	rest := append(rangeSet(nil), set[i:]...)
	rest[0].start = max(rest[0].start, id.Seq+1)
	d.pendingDeletes[id.Client] = rest
	return hit
}

func decodeUpdate(data []byte) ([]itemRecord, []deleteRun, error) {
	fail := func(err error) ([]itemRecord, []deleteRun, error) {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	dec := wire.NewDecoder(data)
	n, err := dec.ReadVarUint()
	if err != nil {
		return fail(err)
	}
	if n > uint64(dec.Len()) {
		return fail(fmt.Errorf("item count %d exceeds payload", n))
	}
	records := make([]itemRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec itemRecord
		if rec.id.Client, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if rec.id.Seq, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if rec.clock, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		hasOrigin, err := dec.ReadVarUint()
		if err != nil {
			return fail(err)
		}
		switch hasOrigin {
		case 0:
		case 1:
			var o ID
			if o.Client, err = dec.ReadVarUint(); err != nil {
				return fail(err)
			}
			if o.Seq, err = dec.ReadVarUint(); err != nil {
				return fail(err)
			}
			rec.origin = &o
		default:
			return fail(fmt.Errorf("invalid origin flag %d", hasOrigin))
		}
		if rec.char, err = dec.ReadVarString(); err != nil {
			return fail(err)
		}
		if rec.clock == 0 || utf8.RuneCountInString(rec.char) != 1 {
			return fail(fmt.Errorf("invalid item %d/%d", rec.id.Client, rec.id.Seq))
		}
		records = append(records, rec)
	}
	nRuns, err := dec.ReadVarUint()
	if err != nil {
		return fail(err)
	}
	if nRuns > uint64(dec.Len()) {
		return fail(fmt.Errorf("delete run count %d exceeds payload", nRuns))
	}
	runs := make([]deleteRun, 0, nRuns)
	for i := uint64(0); i < nRuns; i++ {
		var run deleteRun
		if run.client, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if run.start, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if run.length, err = dec.ReadVarUint(); err != nil {
			return fail(err)
		}
		if run.start+run.length < run.start {
			return fail(fmt.Errorf("invalid delete run %d/%d+%d", run.client, run.start, run.length))
		}
		runs = append(runs, run)
	}
	if dec.Len() != 0 {
		return fail(fmt.Errorf("%d trailing bytes", dec.Len()))
	}
	return records, runs, nil
}
