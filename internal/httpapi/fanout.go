package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fanout carries room frames between relay nodes serving the same projects.
// Implementations never deliver a node's own frames back to it.
type Fanout interface {
	Publish(ctx context.Context, projectID string, frame []byte) error
	Subscribe(ctx context.Context, fn func(projectID string, frame []byte)) error
	Close() error
}

const defaultFanoutPrefix = "relaydoc:room:"

var errMalformedEnvelope = errors.New("malformed fanout envelope")

type RedisFanout struct {
	client *redis.Client
	prefix string
	nodeID string
}

func NewRedisFanout(ctx context.Context, addr string) (*RedisFanout, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisFanout{
		client: client,
		prefix: defaultFanoutPrefix,
		nodeID: uuid.NewString(),
	}, nil
}

func (f *RedisFanout) NodeID() string {
	return f.nodeID
}

func (f *RedisFanout) Publish(ctx context.Context, projectID string, frame []byte) error {
	return f.client.Publish(ctx, f.prefix+projectID, encodeEnvelope(f.nodeID, frame)).Err()
}

// Subscribe starts delivering frames from other nodes to fn until ctx is
// done. It returns once the subscription is confirmed.
func (f *RedisFanout) Subscribe(ctx context.Context, fn func(projectID string, frame []byte)) error {
	pubsub := f.client.PSubscribe(ctx, f.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s*: %w", f.prefix, err)
	}
	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()
	go func() {
		for msg := range pubsub.Channel() {
			origin, frame, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil || origin == f.nodeID {
				continue
			}
			fn(strings.TrimPrefix(msg.Channel, f.prefix), frame)
		}
	}()
	return nil
}

func (f *RedisFanout) Close() error {
	return f.client.Close()
}

// envelope: nodeID '\n' frame
func encodeEnvelope(nodeID string, frame []byte) []byte {
	out := make([]byte, 0, len(nodeID)+1+len(frame))
	out = append(out, nodeID...)
	out = append(out, '\n')
	return append(out, frame...)
}

func decodeEnvelope(payload []byte) (string, []byte, error) {
	idx := bytes.IndexByte(payload, '\n')
	if idx <= 0 {
		return "", nil, errMalformedEnvelope
	}
	return string(payload[:idx]), payload[idx+1:], nil
}
