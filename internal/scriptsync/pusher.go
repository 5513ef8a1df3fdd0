package scriptsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ScriptPusher interface {
	Push(ctx context.Context, projectID, text, token string) (PushResult, error)
}

type PusherOptions struct {
	ProjectID string
	Token     string
	// LastHash seeds the hash of the last pushed content, for example from a
	// saved State.
	LastHash string
	Version  int
	Logger   Logger
}

// Pusher pushes file contents on save. Every save is sent; the server
// decides whether the content changed, so a save that restores earlier text
// still replaces a newer push from another writer.
type Pusher struct {
	client    ScriptPusher
	projectID string
	token     string
	logger    Logger

	mu       sync.Mutex
	lastHash string
	version  int
}

func NewPusher(client ScriptPusher, opts PusherOptions) (*Pusher, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	projectID := strings.TrimSpace(opts.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	return &Pusher{
		client:    client,
		projectID: projectID,
		token:     opts.Token,
		logger:    opts.Logger,
		lastHash:  opts.LastHash,
		version:   opts.Version,
	}, nil
}

// Push sends text and records its hash and the resulting version.
func (p *Pusher) Push(ctx context.Context, text string) (PushResult, error) {
	hash := HashString(text)
	result, err := p.client.Push(ctx, p.projectID, text, p.token)
	if err != nil {
		return PushResult{}, err
	}
	p.mu.Lock()
	p.lastHash = hash
	p.version = result.Version
	p.mu.Unlock()
	if result.Changed {
		p.logf("pushed %s version %d", p.projectID, result.Version)
	}
	return result, nil
}

func (p *Pusher) PushFile(ctx context.Context, path string) (PushResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PushResult{}, err
	}
	return p.Push(ctx, string(data))
}

// LastHash returns the content hash of the last successful push.
func (p *Pusher) LastHash() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHash
}

// Version returns the version reported by the last successful push.
func (p *Pusher) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Pusher) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

// WatchFile calls fn after path is written, created or renamed into place,
// once writes have been quiet for debounce. It watches the parent directory
// so editors that save through a rename are seen. WatchFile blocks until ctx
// is done.
func WatchFile(ctx context.Context, path string, debounce time.Duration, fn func()) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce <= 0 {
				fn()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			fn()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher: %w", err)
		}
	}
}
