package binding

import (
	"errors"
	"testing"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

func syncDocs(t *testing.T, from, to *crdt.Doc) {
	t.Helper()
	update, err := from.EncodeStateAsUpdate(to.EncodeStateVector())
	if err != nil {
		t.Fatalf("encode diff: %v", err)
	}
	if err := to.ApplyUpdate(update, crdt.OriginRemote); err != nil {
		t.Fatalf("apply diff: %v", err)
	}
}

func TestEmptyDocumentIsSeededFromEditor(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	editor := NewPlainEditor("print(1)")
	b := Bind(doc, editor, Options{})
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if doc.String() != "print(1)" {
		t.Fatalf("expected document seeded from editor, got %q", doc.String())
	}
	if editor.Text() != "print(1)" {
		t.Fatalf("expected editor untouched, got %q", editor.Text())
	}
}

func TestDocumentOverwritesEditorAndReportsConflict(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	doc.Insert(0, "shared = 1")
	editor := NewPlainEditor("stale = 0")
	var conflicts [][2]string
	b := Bind(doc, editor, Options{OnConflict: func(docText, editorText string) {
		conflicts = append(conflicts, [2]string{docText, editorText})
	}})
	updates := 0
	doc.OnUpdate(func([]byte, any) { updates++ })
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if editor.Text() != "shared = 1" {
		t.Fatalf("expected editor overwritten, got %q", editor.Text())
	}
	if len(conflicts) != 1 || conflicts[0] != [2]string{"shared = 1", "stale = 0"} {
		t.Fatalf("expected one conflict report, got %v", conflicts)
	}
	if updates != 0 {
		t.Fatalf("expected overwrite to produce no document updates, got %d", updates)
	}
}

func TestEmptyEditorTakesDocumentWithoutConflict(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	doc.Insert(0, "print(1)")
	editor := NewPlainEditor("")
	conflicted := false
	b := Bind(doc, editor, Options{OnConflict: func(string, string) { conflicted = true }})
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if editor.Text() != "print(1)" || conflicted {
		t.Fatalf("expected silent overwrite, got %q conflicted=%v", editor.Text(), conflicted)
	}
}

func TestLocalEditsBecomeDocumentOperations(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	editor := NewPlainEditor("")
	b := Bind(doc, editor, Options{})

	// edits before reconciliation are not applied
	if err := editor.Insert(0, "early"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if doc.Len() != 0 {
		t.Fatalf("expected document untouched before reconcile, got %q", doc.String())
	}
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := editor.Insert(5, "!"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := editor.Delete(0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if doc.String() != "arly!" {
		t.Fatalf("expected arly!, got %q", doc.String())
	}
}

func TestRemoteChangeDoesNotEcho(t *testing.T) {
	local := crdt.NewDoc(crdt.WithClientID(1))
	remote := crdt.NewDoc(crdt.WithClientID(2))
	remote.Insert(0, "x = 1")
	syncDocs(t, remote, local)

	editor := NewPlainEditor("")
	b := Bind(local, editor, Options{})
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var outbound int
	local.OnUpdate(func(_ []byte, origin any) {
		if origin == b.Origin() {
			outbound++
		}
	})
	var editorEvents int
	editor.OnChange(func([]TextEdit) { editorEvents++ })

	remote.Transact("remote-user", func(tx *crdt.Txn) {
		tx.Delete(4, 1)
		tx.Insert(4, "42")
		tx.Insert(0, "# ")
	})
	syncDocs(t, remote, local)

	if editor.Text() != "# x = 42" {
		t.Fatalf("expected editor to follow remote change, got %q", editor.Text())
	}
	if editorEvents == 0 {
		t.Fatalf("expected the editor to report the programmatic edits")
	}
	if outbound != 0 {
		t.Fatalf("expected no outbound operations for a remote change, got %d", outbound)
	}
	if local.String() != remote.String() {
		t.Fatalf("replicas diverged: %q vs %q", local.String(), remote.String())
	}
}

type failingEditor struct {
	*PlainEditor
	fail bool
}

func (e *failingEditor) Insert(index int, text string) error {
	if e.fail {
		return errors.New("editor is read-only")
	}
	return e.PlainEditor.Insert(index, text)
}

func TestGuardClearedWhenEditorFails(t *testing.T) {
	local := crdt.NewDoc(crdt.WithClientID(1))
	remote := crdt.NewDoc(crdt.WithClientID(2))
	editor := &failingEditor{PlainEditor: NewPlainEditor("")}
	b := Bind(local, editor, Options{})
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	editor.fail = true
	remote.Insert(0, "lost")
	syncDocs(t, remote, local)
	editor.fail = false

	if err := editor.PlainEditor.Insert(0, "typed"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if local.String() != "typedlost" {
		t.Fatalf("expected local edit to reach the document after a failed apply, got %q", local.String())
	}
}

func TestUnbindStopsPropagation(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	editor := NewPlainEditor("")
	b := Bind(doc, editor, Options{})
	if err := b.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	b.Unbind()
	if b.Active() {
		t.Fatalf("expected binding to be inactive")
	}
	_ = editor.Insert(0, "after")
	if doc.Len() != 0 {
		t.Fatalf("expected no propagation after unbind, got %q", doc.String())
	}
}

func TestDiff(t *testing.T) {
	cases := []struct {
		from, to string
		want     TextEdit
	}{
		{"abc", "abXc", TextEdit{Index: 2, Inserted: "X"}},
		{"abc", "ac", TextEdit{Index: 1, Deleted: 1}},
		{"aaa", "aa", TextEdit{Index: 2, Deleted: 1}},
		{"", "new", TextEdit{Index: 0, Inserted: "new"}},
		{"héllo", "hello", TextEdit{Index: 1, Deleted: 1, Inserted: "e"}},
	}
	for _, tc := range cases {
		got, ok := Diff(tc.from, tc.to)
		if !ok || got != tc.want {
			t.Fatalf("Diff(%q, %q) = %+v, %v; want %+v", tc.from, tc.to, got, ok, tc.want)
		}
	}
	if _, ok := Diff("same", "same"); ok {
		t.Fatalf("expected no edit for equal texts")
	}
}
