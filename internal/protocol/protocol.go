// Package protocol frames the messages exchanged over a document connection:
// a varuint message kind followed by a kind-specific payload. Sync messages
// carry a step and a length-prefixed document update or state vector;
// awareness messages carry an encoded presence update.
package protocol

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/wire"
)

type MessageKind uint64

const (
	KindSync           MessageKind = 0
	KindAwareness      MessageKind = 1
	KindQueryAwareness MessageKind = 3
)

func (k MessageKind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindQueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

type SyncStep uint64

const (
	StepRequest SyncStep = 0
	StepState   SyncStep = 1
	StepUpdate  SyncStep = 2
)

var ErrMalformedFrame = errors.New("malformed frame")

type Message struct {
	Kind    MessageKind
	Payload []byte
}

type SyncMessage struct {
	Step SyncStep
	Data []byte
}

func Encode(kind MessageKind, payload []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(kind))
	enc.WriteRaw(payload)
	return enc.Bytes()
}

// Decode splits a frame into its kind and payload. Unknown kinds are
// rejected so callers can drop them without touching any state.
func Decode(frame []byte) (Message, error) {
	dec := wire.NewDecoder(frame)
	kind, err := dec.ReadVarUint()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch MessageKind(kind) {
	case KindSync, KindAwareness, KindQueryAwareness:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, kind)
	}
	return Message{Kind: MessageKind(kind), Payload: dec.Remaining()}, nil
}

func encodeSync(step SyncStep, data []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(KindSync))
	enc.WriteVarUint(uint64(step))
	enc.WriteVarBytes(data)
	return enc.Bytes()
}

// EncodeSyncStep1 asks the peer for everything missing from stateVector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(StepRequest, stateVector)
}

func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(StepState, update)
}

func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(StepUpdate, update)
}

func EncodeAwareness(update []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(KindAwareness))
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

func EncodeQueryAwareness() []byte {
	return Encode(KindQueryAwareness, nil)
}

func DecodeSync(payload []byte) (SyncMessage, error) {
	dec := wire.NewDecoder(payload)
	step, err := dec.ReadVarUint()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("%w: sync step: %v", ErrMalformedFrame, err)
	}
	if step > uint64(StepUpdate) {
		return SyncMessage{}, fmt.Errorf("%w: unknown sync step %d", ErrMalformedFrame, step)
	}
	data, err := dec.ReadVarBytes()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("%w: sync payload: %v", ErrMalformedFrame, err)
	}
	return SyncMessage{Step: SyncStep(step), Data: data}, nil
}

// DecodeAwareness unwraps the presence update carried by an awareness
// message payload.
func DecodeAwareness(payload []byte) ([]byte, error) {
	dec := wire.NewDecoder(payload)
	data, err := dec.ReadVarBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: awareness payload: %v", ErrMalformedFrame, err)
	}
	return data, nil
}

// HandleSync applies msg to doc. A request is answered with the diff the
// requester is missing; state and incremental updates are applied with
// origin and produce no reply.
func HandleSync(msg SyncMessage, doc *crdt.Doc, origin any) ([]byte, error) {
	switch msg.Step {
	case StepRequest:
		diff, err := doc.EncodeStateAsUpdate(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return EncodeSyncStep2(diff), nil
	case StepState, StepUpdate:
		if err := doc.ApplyUpdate(msg.Data, origin); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown sync step %d", ErrMalformedFrame, msg.Step)
	}
}
