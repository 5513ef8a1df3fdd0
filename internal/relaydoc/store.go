package relaydoc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	SourceRelay = "relay"
	SourcePush  = "push"
)

type Script struct {
	ProjectID string    `json:"projectId"`
	Content   string    `json:"script"`
	Hash      string    `json:"hash"`
	Version   int       `json:"version"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	// DocState is the encoded collaborative document last persisted by a
	// relay room. It may lag Content after an out-of-band push.
	DocState []byte `json:"docState,omitempty"`
}

type PushRequest struct {
	ProjectID     string
	Code          string
	Source        string
	CorrelationID string
	DocState      []byte
}

type PushResult struct {
	Changed bool `json:"changed"`
	Version int  `json:"version"`
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	StateBackend   string `json:"stateBackend"`
	Projects       int    `json:"projects"`
}

type StoreOptions struct {
	StateFile      string
	StateBackend   StateBackend
	BackendProfile string
	Now            func() time.Time
}

type Store struct {
	mu             sync.RWMutex
	scripts        map[string]*Script
	stateBackend   StateBackend
	backendProfile string
	now            func() time.Time
	closeOnce      sync.Once
}

type persistedState struct {
	Scripts map[string]*Script `json:"scripts"`
}

func (p *persistedState) clone() *persistedState {
	out := &persistedState{Scripts: make(map[string]*Script, len(p.Scripts))}
	for id, script := range p.Scripts {
		if script == nil {
			continue
		}
		copied := *script
		copied.DocState = append([]byte(nil), script.DocState...)
		out.Scripts[id] = &copied
	}
	return out
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	backendProfile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if backendProfile == "" {
		backendProfile = "custom"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		scripts:        map[string]*Script{},
		stateBackend:   stateBackend,
		backendProfile: backendProfile,
		now:            now,
	}
	_ = s.loadFromDisk()
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

func (s *Store) GetScript(projectID string) (Script, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Script{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, ok := s.scripts[projectID]
	if !ok {
		return Script{}, ErrNotFound
	}
	return *script, nil
}

// PushScript stores code for a project. Content identical to the stored
// script keeps the version and only refreshes a supplied DocState.
func (s *Store) PushScript(req PushRequest) (PushResult, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return PushResult{}, ErrInvalidInput
	}
	hash := HashContent(req.Code)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.scripts[projectID]
	if ok && current.Hash == hash {
		if req.DocState == nil || bytes.Equal(req.DocState, current.DocState) {
			return PushResult{Changed: false, Version: current.Version}, nil
		}
		next := *current
		next.DocState = append([]byte(nil), req.DocState...)
		if err := s.replaceLocked(projectID, &next, current); err != nil {
			return PushResult{}, err
		}
		return PushResult{Changed: false, Version: current.Version}, nil
	}
	next := &Script{
		ProjectID: projectID,
		Content:   req.Code,
		Hash:      hash,
		Version:   1,
		Source:    strings.TrimSpace(req.Source),
		UpdatedAt: s.now().UTC(),
	}
	if ok {
		next.Version = current.Version + 1
		next.DocState = current.DocState
	}
	if req.DocState != nil {
		next.DocState = append([]byte(nil), req.DocState...)
	}
	if err := s.replaceLocked(projectID, next, current); err != nil {
		return PushResult{}, err
	}
	return PushResult{Changed: true, Version: next.Version}, nil
}

func (s *Store) replaceLocked(projectID string, next, previous *Script) error {
	s.scripts[projectID] = next
	if err := s.saveLocked(); err != nil {
		if previous != nil {
			s.scripts[projectID] = previous
		} else {
			delete(s.scripts, projectID)
		}
		return fmt.Errorf("persist script: %w", err)
	}
	return nil
}

func (s *Store) ListProjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.scripts))
	for id := range s.scripts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stateBackendType := "none"
	if s.stateBackend != nil {
		stateBackendType = fmt.Sprintf("%T", s.stateBackend)
	}
	return BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   stateBackendType,
		Projects:       len(s.scripts),
	}
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Scripts == nil {
		return nil
	}
	for id, script := range snapshot.Scripts {
		if script == nil || strings.TrimSpace(id) == "" {
			continue
		}
		if script.Hash == "" {
			script.Hash = HashContent(script.Content)
		}
		script.ProjectID = id
		s.scripts[id] = script
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{Scripts: s.scripts})
}

func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
