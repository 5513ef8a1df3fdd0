// Package transport keeps one persistent binary connection to a document
// endpoint open, redialing with exponential backoff after failures until a
// bounded number of attempts is exhausted.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBaseDelay    = 100 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	sendBufferSize      = 256
)

var ErrClosed = errors.New("transport closed")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// Observer receives connection events. Callbacks run on the transport's own
// goroutine and must not block.
type Observer interface {
	OnConnected()
	// OnDisconnected reports a closed connection or failed dial. When
	// retrying is false no further attempt will be made.
	OnDisconnected(err error, retrying bool)
	OnMessage(frame []byte)
	OnError(err error)
}

// Conn is one established binary message connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type Options struct {
	URL          string
	Token        string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       Dialer
	Observer     Observer
	Logger       Logger
}

type Transport struct {
	opts Options

	mu       sync.Mutex
	state    State
	attempts int
	outbound chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) *Transport {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Transport{opts: opts, state: StateIdle}
}

// ReconnectDelay is the pause before the next dial after attempts
// consecutive failures.
func ReconnectDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect starts the connection loop and waits until the first dial either
// opens the connection or fails. A failed first dial is returned but the
// loop keeps retrying in the background until attempts are exhausted or
// Disconnect is called.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnecting, StateOpen:
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.state = StateConnecting
	t.attempts = 0
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	first := make(chan error, 1)
	go t.run(runCtx, done, first)
	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels pending reconnects and closes the connection. Frames
// queued before the call are flushed first.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send queues frame for the open connection. It reports false when the frame
// was dropped because the connection is not open or the queue is full.
func (t *Transport) Send(frame []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.outbound == nil {
		return false
	}
	select {
	case t.outbound <- frame:
		return true
	default:
		t.logf("transport send queue full; dropping %d byte frame", len(frame))
		return false
	}
}

func (t *Transport) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	defer report(ErrClosed)

	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(StateClosed)
				return
			}
			t.opts.Observer.OnError(err)
			report(err)
			if !t.retry(ctx, err) {
				return
			}
			continue
		}

		outbound := make(chan []byte, sendBufferSize)
		t.mu.Lock()
		t.state = StateOpen
		t.attempts = 0
		t.outbound = outbound
		t.mu.Unlock()
		report(nil)
		t.opts.Observer.OnConnected()

		err = t.serve(ctx, conn, outbound)
		_ = conn.Close()
		if ctx.Err() != nil {
			t.setState(StateClosed)
			t.opts.Observer.OnDisconnected(nil, false)
			return
		}
		if !t.retry(ctx, err) {
			return
		}
	}
}

// retry records a failed attempt and sleeps out the backoff. It returns false
// when the loop must stop.
func (t *Transport) retry(ctx context.Context, cause error) bool {
	t.mu.Lock()
	t.outbound = nil
	t.attempts++
	attempts := t.attempts
	exhausted := attempts >= t.opts.MaxAttempts
	if exhausted {
		t.state = StateClosed
	} else {
		t.state = StateConnecting
	}
	t.mu.Unlock()

	t.opts.Observer.OnDisconnected(cause, !exhausted)
	if exhausted {
		t.logf("transport giving up after %d attempts: %v", attempts, cause)
		return false
	}
	delay := ReconnectDelay(attempts, t.opts.BaseDelay, t.opts.MaxDelay)
	t.logf("transport reconnecting in %s (attempt %d/%d): %v", delay, attempts, t.opts.MaxAttempts, cause)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		t.setState(StateClosed)
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) dial(ctx context.Context) (Conn, error) {
	t.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	header := http.Header{}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	conn, err := t.opts.Dialer.Dial(dialCtx, t.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}
	return conn, nil
}

// serve pumps frames until the connection fails or ctx is cancelled. On
// cancellation the outbound queue is drained before returning.
func (t *Transport) serve(ctx context.Context, conn Conn, outbound chan []byte) error {
	// the reader outlives ctx so queued frames can still be flushed
	readCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			t.opts.Observer.OnMessage(frame)
		}
	}()

	for {
		select {
		case err := <-readErr:
			return err
		case frame := <-outbound:
			if err := t.write(conn, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			t.mu.Lock()
			t.state = StateClosed
			t.outbound = nil
			t.mu.Unlock()
			for {
				select {
				case frame := <-outbound:
					if err := t.write(conn, frame); err != nil {
						return err
					}
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// write is bounded by WriteTimeout only; cancelling the loop must not abort
// a frame that is already being written.
func (t *Transport) write(conn Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, frame)
}

func (t *Transport) setState(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

func (t *Transport) logf(format string, args ...any) {
	if t.opts.Logger == nil {
		return
	}
	t.opts.Logger.Printf(format, args...)
}

type nopObserver struct{}

func (nopObserver) OnConnected()               {}
func (nopObserver) OnDisconnected(error, bool) {}
func (nopObserver) OnMessage([]byte)           {}
func (nopObserver) OnError(error)              {}
