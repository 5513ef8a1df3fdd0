package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/binding"
	"github.com/agentworkforce/relaydoc/internal/scriptsync"
)

// Puller fetches the current document text out of band.
type Puller interface {
	Pull(ctx context.Context, projectID, token string) (string, error)
}

type RegistryOptions struct {
	// Session is the template for every opened session; project, server
	// url and token come from the link. Its Doc and Editor are ignored:
	// each session gets a fresh document and an editor from NewEditor.
	Session Options
	// StateFile, when set, records the last opened project and token.
	StateFile string
	NewPuller func(apiURL string) Puller
	// NewEditor supplies the editor for a link. The default is a PlainEditor
	// holding the pulled text.
	NewEditor func(link Link, pulled string) binding.Editor
	Logger    Logger
}

// Registry owns at most one session per project.
type Registry struct {
	opts RegistryOptions

	mu       sync.Mutex
	sessions map[string]*registered
}

// registered is a session, or a session still being opened while session is
// nil. ready is closed once opening finishes either way.
type registered struct {
	link    Link
	session *Session
	ready   chan struct{}
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.NewPuller == nil {
		opts.NewPuller = func(apiURL string) Puller {
			return scriptsync.NewHTTPClient(apiURL, nil)
		}
	}
	if opts.NewEditor == nil {
		opts.NewEditor = func(_ Link, pulled string) binding.Editor {
			return binding.NewPlainEditor(pulled)
		}
	}
	return &Registry{opts: opts, sessions: map[string]*registered{}}
}

// Open returns the session for link.ProjectID, creating and connecting it if
// needed. Opening the same link twice returns the existing session; a link
// with changed parameters replaces it. The pull and the first dial run
// without holding the registry lock; a concurrent Open for the same project
// waits for them.
func (r *Registry) Open(ctx context.Context, link Link) (*Session, error) {
	if err := link.Validate(); err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		existing, ok := r.sessions[link.ProjectID]
		if ok && existing.session == nil {
			ready := existing.ready
			r.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ok && existing.link == link {
			r.mu.Unlock()
			return existing.session, nil
		}
		pending := &registered{link: link, ready: make(chan struct{})}
		r.sessions[link.ProjectID] = pending
		r.mu.Unlock()

		if ok {
			r.logf("link for %s changed; replacing session", link.ProjectID)
			existing.session.Close()
		}
		sess, err := r.open(ctx, link)

		r.mu.Lock()
		current := r.sessions[link.ProjectID] == pending
		switch {
		case err != nil && current:
			delete(r.sessions, link.ProjectID)
		case err == nil && current:
			pending.session = sess
		}
		close(pending.ready)
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if !current {
			sess.Close()
			return nil, ErrClosed
		}
		return sess, nil
	}
}

func (r *Registry) open(ctx context.Context, link Link) (*Session, error) {
	pulled := ""
	if link.APIURL != "" {
		text, err := r.opts.NewPuller(link.APIURL).Pull(ctx, link.ProjectID, link.Token)
		if err != nil {
			r.logf("pull %s: %v", link.ProjectID, err)
		} else {
			pulled = text
		}
	}

	opts := r.opts.Session
	opts.ProjectID = link.ProjectID
	opts.ServerURL = link.WSURL
	opts.Token = link.Token
	// document and editor belong to one project
	opts.Doc = nil
	opts.Editor = r.opts.NewEditor(link, pulled)
	if opts.Logger == nil {
		opts.Logger = r.opts.Logger
	}
	sess, err := New(opts)
	if err != nil {
		return nil, err
	}

	if r.opts.StateFile != "" {
		state := scriptsync.State{ProjectID: link.ProjectID, Token: link.Token, APIURL: link.APIURL, WSURL: link.WSURL}
		if err := scriptsync.SaveState(r.opts.StateFile, state); err != nil {
			sess.Close()
			return nil, fmt.Errorf("save state: %w", err)
		}
	}

	if err := sess.Connect(ctx); err != nil {
		r.logf("connect %s: %v (retrying in background)", link.ProjectID, err)
	}
	return sess, nil
}

func (r *Registry) Get(projectID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[projectID]
	if !ok || entry.session == nil {
		return nil, false
	}
	return entry.session, true
}

func (r *Registry) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id, entry := range r.sessions {
		if entry.session != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close tears down the session for projectID. It reports whether one was
// open or being opened; a session still being opened is closed once its
// Open finishes.
func (r *Registry) Close(projectID string) bool {
	r.mu.Lock()
	entry, ok := r.sessions[projectID]
	delete(r.sessions, projectID)
	r.mu.Unlock()
	if ok && entry.session != nil {
		entry.session.Close()
	}
	return ok
}

func (r *Registry) CloseAll() {
	for _, id := range r.Projects() {
		r.Close(id)
	}
}

func (r *Registry) logf(format string, args ...any) {
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.Printf(format, args...)
}
