// Package wire implements the strict field codec shared by signed envelopes,
// key files and handshake messages.
//
// Messages are sequences of protobuf wire-format fields written with
// google.golang.org/protobuf/encoding/protowire. Unlike a general protobuf
// decoder, Parse accepts exactly one canonical encoding per message: fields
// must appear once, in ascending field-number order, with minimal varints and
// the wire type declared in the schema. Re-encoding a parsed message therefore
// reproduces the input byte for byte, which the envelope codec relies on.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed indicates the input is not a canonical encoding of the schema.
var ErrMalformed = errors.New("malformed wire message")

// Kind is the wire type of a schema field.
type Kind uint8

const (
	// Uint fields carry a varint.
	Uint Kind = iota
	// Bytes fields carry a length-delimited byte string.
	Bytes
)

// Schema maps field numbers to the kind expected at that number.
// Fields listed in Required must be present.
type Schema struct {
	Fields   map[protowire.Number]Kind
	Required []protowire.Number
}

// Encoder appends fields in the order they are written. Callers write fields
// in ascending number order so that output is canonical.
type Encoder struct {
	buf  []byte
	last protowire.Number
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Uint appends a varint field.
func (e *Encoder) Uint(num protowire.Number, v uint64) *Encoder {
	e.order(num)
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Bytes appends a length-delimited field.
func (e *Encoder) Bytes(num protowire.Number, v []byte) *Encoder {
	e.order(num)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

// String appends a length-delimited field holding UTF-8 text.
func (e *Encoder) String(num protowire.Number, v string) *Encoder {
	return e.Bytes(num, []byte(v))
}

// Finish returns the encoded message.
func (e *Encoder) Finish() []byte {
	return e.buf
}

func (e *Encoder) order(num protowire.Number) {
	if num <= e.last {
		panic(fmt.Sprintf("wire: field %d written after field %d", num, e.last))
	}
	e.last = num
}

// Message is a parsed, schema-checked message.
type Message struct {
	uints map[protowire.Number]uint64
	bytes map[protowire.Number][]byte
}

// Parse decodes data against schema. Any deviation from the canonical
// encoding yields an error wrapping ErrMalformed.
func Parse(data []byte, schema Schema) (*Message, error) {
	msg := &Message{
		uints: make(map[protowire.Number]uint64),
		bytes: make(map[protowire.Number][]byte),
	}

	var last protowire.Number
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		if n != protowire.SizeTag(num) {
			return nil, fmt.Errorf("%w: non-minimal tag for field %d", ErrMalformed, num)
		}
		if num <= last {
			return nil, fmt.Errorf("%w: field %d out of order", ErrMalformed, num)
		}
		last = num
		data = data[n:]

		kind, known := schema.Fields[num]
		if !known {
			return nil, fmt.Errorf("%w: unknown field %d", ErrMalformed, num)
		}

		switch {
		case kind == Uint && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if m != protowire.SizeVarint(v) {
				return nil, fmt.Errorf("%w: non-minimal varint in field %d", ErrMalformed, num)
			}
			msg.uints[num] = v
			data = data[m:]
		case kind == Bytes && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if m != protowire.SizeBytes(len(v)) {
				return nil, fmt.Errorf("%w: non-minimal length in field %d", ErrMalformed, num)
			}
			msg.bytes[num] = append([]byte(nil), v...)
			data = data[m:]
		default:
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
	}

	for _, num := range schema.Required {
		_, isUint := msg.uints[num]
		_, isBytes := msg.bytes[num]
		if !isUint && !isBytes {
			return nil, fmt.Errorf("%w: missing field %d", ErrMalformed, num)
		}
	}

	return msg, nil
}

// Uint returns the varint stored at num.
func (m *Message) Uint(num protowire.Number) (uint64, bool) {
	v, ok := m.uints[num]
	return v, ok
}

// Bytes returns a copy of the byte string stored at num.
func (m *Message) Bytes(num protowire.Number) ([]byte, bool) {
	v, ok := m.bytes[num]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// String returns the byte string stored at num as text.
func (m *Message) String(num protowire.Number) (string, bool) {
	v, ok := m.bytes[num]
	return string(v), ok
}
