package binding

import (
	"fmt"
	"sort"
	"sync"
)

// PlainEditor is an in-memory Editor. Every mutation, programmatic or not,
// is reported to change listeners the way a real editor reports it.
type PlainEditor struct {
	mu          sync.Mutex
	text        []rune
	listenerSeq int
	listeners   map[int]func([]TextEdit)
}

func NewPlainEditor(text string) *PlainEditor {
	return &PlainEditor{text: []rune(text), listeners: map[int]func([]TextEdit){}}
}

func (e *PlainEditor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.text)
}

func (e *PlainEditor) Insert(index int, text string) error {
	if text == "" {
		return nil
	}
	e.mu.Lock()
	if index < 0 || index > len(e.text) {
		e.mu.Unlock()
		return fmt.Errorf("insert at %d out of range [0,%d]", index, len(e.text))
	}
	inserted := []rune(text)
	next := make([]rune, 0, len(e.text)+len(inserted))
	next = append(next, e.text[:index]...)
	next = append(next, inserted...)
	next = append(next, e.text[index:]...)
	e.text = next
	e.mu.Unlock()
	e.notify([]TextEdit{{Index: index, Inserted: text}})
	return nil
}

func (e *PlainEditor) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	e.mu.Lock()
	if index < 0 || index+length > len(e.text) {
		e.mu.Unlock()
		return fmt.Errorf("delete [%d,%d) out of range [0,%d]", index, index+length, len(e.text))
	}
	e.text = append(e.text[:index:index], e.text[index+length:]...)
	e.mu.Unlock()
	e.notify([]TextEdit{{Index: index, Deleted: length}})
	return nil
}

// SetText replaces the whole buffer with a single minimal edit.
func (e *PlainEditor) SetText(text string) {
	e.mu.Lock()
	edit, ok := Diff(string(e.text), text)
	e.text = []rune(text)
	e.mu.Unlock()
	if ok {
		e.notify([]TextEdit{edit})
	}
}

func (e *PlainEditor) OnChange(fn func([]TextEdit)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listenerSeq++
	key := e.listenerSeq
	e.listeners[key] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, key)
	}
}

func (e *PlainEditor) notify(edits []TextEdit) {
	e.mu.Lock()
	keys := make([]int, 0, len(e.listeners))
	for key := range e.listeners {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	fns := make([]func([]TextEdit), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, e.listeners[key])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(edits)
	}
}
