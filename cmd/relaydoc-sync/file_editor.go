package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/agentworkforce/relaydoc/internal/binding"
	"github.com/agentworkforce/relaydoc/internal/scriptsync"
)

// fileEditor exposes a file on disk as an editor buffer. Remote edits are
// written back to the file; saves made by other programs are picked up by
// reload. Every method runs on the session goroutine.
type fileEditor struct {
	path   string
	mode   fs.FileMode
	buf    *binding.PlainEditor
	logger *log.Logger
}

func newFileEditor(path string, logger *log.Logger) (*fileEditor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	mode := fs.FileMode(0o644)
	data, err := os.ReadFile(abs)
	switch {
	case err == nil:
		if info, statErr := os.Stat(abs); statErr == nil {
			mode = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &fileEditor{path: abs, mode: mode, buf: binding.NewPlainEditor(string(data)), logger: logger}, nil
}

func (e *fileEditor) Text() string {
	return e.buf.Text()
}

func (e *fileEditor) Insert(index int, text string) error {
	if err := e.buf.Insert(index, text); err != nil {
		return err
	}
	return e.flush()
}

func (e *fileEditor) Delete(index, length int) error {
	if err := e.buf.Delete(index, length); err != nil {
		return err
	}
	return e.flush()
}

func (e *fileEditor) OnChange(fn func([]binding.TextEdit)) func() {
	return e.buf.OnChange(fn)
}

// reload folds the file's current content into the buffer as one edit. Our
// own writes read back identical and are ignored.
func (e *fileEditor) reload() {
	data, err := os.ReadFile(e.path)
	if err != nil {
		e.logf("read %s: %v", e.path, err)
		return
	}
	if string(data) == e.buf.Text() {
		return
	}
	e.buf.SetText(string(data))
}

func (e *fileEditor) flush() error {
	if err := scriptsync.WriteFileAtomic(e.path, []byte(e.buf.Text()), e.mode); err != nil {
		return fmt.Errorf("write %s: %w", e.path, err)
	}
	return nil
}

// keepConflictCopy saves local content the shared document is about to
// replace.
func (e *fileEditor) keepConflictCopy(_, editorText string) {
	backup := e.path + ".conflict"
	if err := scriptsync.WriteFileAtomic(backup, []byte(editorText), e.mode); err != nil {
		e.logf("save conflict copy %s: %v", backup, err)
		return
	}
	e.logf("local changes to %s differ from the shared document; kept them in %s", e.path, backup)
}

func (e *fileEditor) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
