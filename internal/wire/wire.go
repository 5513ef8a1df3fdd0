// Package wire implements the variable-length integer framing shared by the
// document, presence and sync encodings.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnexpectedEOF = errors.New("unexpected end of buffer")
	ErrOverflow      = errors.New("varuint overflows 64 bits")
)

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteVarBytes writes a length-prefixed byte array.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrUnexpectedEOF, n, d.Len())
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Len reports the number of unread bytes.
func (d *Decoder) Len() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}
