package scriptsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// State is what the client remembers about the project it last opened.
type State struct {
	ProjectID string `json:"projectId"`
	Token     string `json:"token,omitempty"`
	APIURL    string `json:"apiUrl,omitempty"`
	WSURL     string `json:"wsUrl,omitempty"`
	// LastPushHash is the content hash of the last successful push.
	LastPushHash string `json:"lastPushHash,omitempty"`
	Version      int    `json:"version,omitempty"`
}

const stateSchemaURL = "relaydoc-sync-state.json"

const stateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["projectId"],
  "properties": {
    "projectId": {"type": "string", "minLength": 1},
    "token": {"type": "string"},
    "apiUrl": {"type": "string"},
    "wsUrl": {"type": "string"},
    "lastPushHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "version": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func stateValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(stateSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(stateSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(stateSchemaURL)
	})
	return compiledSchema, schemaErr
}

// LoadState reads and validates the state file. A missing file yields an
// empty State.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, err
	}
	schema, err := stateValidator()
	if err != nil {
		return State{}, fmt.Errorf("compile state schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	if err := schema.Validate(inst); err != nil {
		return State{}, fmt.Errorf("invalid state %s: %w", path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

func SaveState(path string, state State) error {
	if strings.TrimSpace(state.ProjectID) == "" {
		return fmt.Errorf("project id is required")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic replaces path with data through a temporary file in the
// same directory.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
