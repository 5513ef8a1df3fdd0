// Package binding keeps an editor buffer and a shared document in step.
// Local editor changes become document operations; remote document changes
// are replayed into the editor under a re-entrancy guard so they are never
// mistaken for new local edits.
package binding

import (
	"fmt"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

// TextEdit is one editor change in rune offsets: Deleted runes at Index were
// replaced by Inserted. Edits in one notification apply in order, each
// against the text left by the previous one.
type TextEdit struct {
	Index    int
	Deleted  int
	Inserted string
}

type Editor interface {
	Text() string
	Insert(index int, text string) error
	Delete(index, length int) error
	// OnChange registers fn for every content change, including changes made
	// through Insert and Delete. It returns an unsubscribe function.
	OnChange(fn func([]TextEdit)) func()
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Origin tags document transactions made by this binding. Defaults to the
	// binding itself.
	Origin any
	// OnConflict is called when reconciliation finds different non-empty
	// text on both sides, just before the document overwrites the editor.
	OnConflict func(docText, editorText string)
	Logger     Logger
}

// Binding must be used from the goroutine that owns the document.
type Binding struct {
	doc    *crdt.Doc
	editor Editor
	opts   Options
	origin any

	applyingRemote bool
	reconciled     bool
	active         bool
	unsubDoc       func()
	unsubEditor    func()
}

func Bind(doc *crdt.Doc, editor Editor, opts Options) *Binding {
	b := &Binding{
		doc:    doc,
		editor: editor,
		opts:   opts,
		active: true,
	}
	b.origin = opts.Origin
	if b.origin == nil {
		b.origin = b
	}
	b.unsubDoc = doc.OnChange(b.onDocChange)
	b.unsubEditor = editor.OnChange(b.onEditorChange)
	return b
}

func (b *Binding) Active() bool {
	return b.active
}

func (b *Binding) Origin() any {
	return b.origin
}

func (b *Binding) Reconciled() bool {
	return b.reconciled
}

func (b *Binding) Unbind() {
	if !b.active {
		return
	}
	b.active = false
	b.unsubDoc()
	b.unsubEditor()
}

// Reconcile settles the initial divergence between editor and document once
// the document is synced. An empty document is seeded from the editor;
// otherwise the document replaces the editor content. It runs once; later
// calls are no-ops.
func (b *Binding) Reconcile() error {
	if !b.active || b.reconciled {
		return nil
	}
	docText := b.doc.String()
	editorText := b.editor.Text()
	switch {
	case docText == "" && editorText != "":
		b.doc.Transact(b.origin, func(tx *crdt.Txn) {
			tx.Insert(0, editorText)
		})
	case docText != editorText:
		if editorText != "" && b.opts.OnConflict != nil {
			b.opts.OnConflict(docText, editorText)
		}
		if err := b.replaceEditor(editorText, docText); err != nil {
			return fmt.Errorf("reconcile editor: %w", err)
		}
	}
	b.reconciled = true
	return nil
}

func (b *Binding) onEditorChange(edits []TextEdit) {
	if !b.active || b.applyingRemote || !b.reconciled {
		return
	}
	b.doc.Transact(b.origin, func(tx *crdt.Txn) {
		for _, edit := range edits {
			if edit.Deleted > 0 {
				tx.Delete(edit.Index, edit.Deleted)
			}
			if edit.Inserted != "" {
				tx.Insert(edit.Index, edit.Inserted)
			}
		}
	})
}

func (b *Binding) onDocChange(change crdt.Change) {
	if !b.active || !b.reconciled || change.Origin == b.origin {
		return
	}
	if err := b.applyDelta(change.Delta); err != nil {
		b.logf("apply remote change to editor: %v", err)
	}
}

func (b *Binding) applyDelta(delta []crdt.Delta) error {
	b.applyingRemote = true
	defer func() { b.applyingRemote = false }()
	index := 0
	for _, d := range delta {
		switch {
		case d.Retain > 0:
			index += d.Retain
		case d.Insert != "":
			if err := b.editor.Insert(index, d.Insert); err != nil {
				return err
			}
			index += crdt.RuneLen(d.Insert)
		case d.Delete > 0:
			if err := b.editor.Delete(index, d.Delete); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Binding) replaceEditor(from, to string) error {
	b.applyingRemote = true
	defer func() { b.applyingRemote = false }()
	edit, ok := Diff(from, to)
	if !ok {
		return nil
	}
	if edit.Deleted > 0 {
		if err := b.editor.Delete(edit.Index, edit.Deleted); err != nil {
			return err
		}
	}
	if edit.Inserted != "" {
		return b.editor.Insert(edit.Index, edit.Inserted)
	}
	return nil
}

func (b *Binding) logf(format string, args ...any) {
	if b.opts.Logger == nil {
		return
	}
	b.opts.Logger.Printf(format, args...)
}

// Diff returns the single replacement that turns from into to, trimming the
// common prefix and suffix. ok is false when the texts are equal.
func Diff(from, to string) (edit TextEdit, ok bool) {
	if from == to {
		return TextEdit{}, false
	}
	a := []rune(from)
	b := []rune(to)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return TextEdit{
		Index:    prefix,
		Deleted:  len(a) - prefix - suffix,
		Inserted: string(b[prefix : len(b)-suffix]),
	}, true
}

// ApplyEdit applies edit to doc in one transaction tagged with origin.
func ApplyEdit(doc *crdt.Doc, edit TextEdit, origin any) {
	doc.Transact(origin, func(tx *crdt.Txn) {
		if edit.Deleted > 0 {
			tx.Delete(edit.Index, edit.Deleted)
		}
		if edit.Inserted != "" {
			tx.Insert(edit.Index, edit.Inserted)
		}
	})
}
