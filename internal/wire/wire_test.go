package wire

import (
	"errors"
	"testing"
)

func TestVarUintBoundaries(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	enc := NewEncoder()
	for _, v := range values {
		enc.WriteVarUint(v)
	}
	dec := NewDecoder(enc.Bytes())
	for _, want := range values {
		got, err := dec.ReadVarUint()
		if err != nil {
			t.Fatalf("read varuint %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if dec.Len() != 0 {
		t.Fatalf("expected buffer to be consumed, %d bytes left", dec.Len())
	}
}

func TestSmallValuesUseOneByte(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(1)
	if len(enc.Bytes()) != 1 || enc.Bytes()[0] != 1 {
		t.Fatalf("expected single byte 0x01, got %v", enc.Bytes())
	}
}

func TestReadVarBytesRejectsShortBuffer(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(10)
	enc.WriteRaw([]byte("abc"))
	_, err := NewDecoder(enc.Bytes()).ReadVarBytes()
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadVarUintOnEmptyBuffer(t *testing.T) {
	if _, err := NewDecoder(nil).ReadVarUint(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestVarString(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarString("print(1) ✓")
	got, err := NewDecoder(enc.Bytes()).ReadVarString()
	if err != nil {
		t.Fatalf("read string: %v", err)
	}
	if got != "print(1) ✓" {
		t.Fatalf("unexpected string %q", got)
	}
}
