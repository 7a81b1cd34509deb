// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortPayload is returned when a payload ends before all arguments
// were read.
var ErrShortPayload = errors.New("wire: short payload")

// Args reads little-endian arguments from a packet payload. Reads past the
// end yield zero values and set Err; callers check Err once after reading
// all arguments.
type Args struct {
	buf []byte
	pos int
	err error
}

// NewArgs creates a reader over payload.
func NewArgs(payload []byte) *Args {
	return &Args{buf: payload}
}

func (a *Args) take(n int) []byte {
	if a.err != nil {
		return nil
	}
	if n < 0 || len(a.buf)-a.pos < n {
		a.err = ErrShortPayload
		return nil
	}
	b := a.buf[a.pos : a.pos+n]
	a.pos += n
	return b
}

// Uint32 reads a u32.
func (a *Args) Uint32() uint32 {
	b := a.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int32 reads an i32.
func (a *Args) Int32() int32 {
	return int32(a.Uint32())
}

// Uint64 reads a u64.
func (a *Args) Uint64() uint64 {
	b := a.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Float32 reads an f32.
func (a *Args) Float32() float32 {
	return math.Float32frombits(a.Uint32())
}

// Uint8 reads a single byte.
func (a *Args) Uint8() uint8 {
	b := a.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bytes reads a u32 length followed by that many bytes. The result aliases
// the payload.
func (a *Args) Bytes() []byte {
	n := a.Uint32()
	if a.err != nil {
		return nil
	}
	if n > math.MaxInt32 {
		a.err = ErrShortPayload
		return nil
	}
	return a.take(int(n))
}

// Remaining returns the number of unread bytes.
func (a *Args) Remaining() int {
	return len(a.buf) - a.pos
}

// Err returns ErrShortPayload if any read ran past the end.
func (a *Args) Err() error {
	return a.err
}

// Reply accumulates little-endian reply values.
type Reply struct {
	buf []byte
}

// Uint32 appends a u32.
func (r *Reply) Uint32(v uint32) *Reply {
	r.buf = binary.LittleEndian.AppendUint32(r.buf, v)
	return r
}

// Int32 appends an i32.
func (r *Reply) Int32(v int32) *Reply {
	return r.Uint32(uint32(v))
}

// Uint64 appends a u64.
func (r *Reply) Uint64(v uint64) *Reply {
	r.buf = binary.LittleEndian.AppendUint64(r.buf, v)
	return r
}

// Float32 appends an f32.
func (r *Reply) Float32(v float32) *Reply {
	return r.Uint32(math.Float32bits(v))
}

// Bool appends 1 or 0 as an i32.
func (r *Reply) Bool(v bool) *Reply {
	if v {
		return r.Int32(1)
	}
	return r.Int32(0)
}

// Bytes appends a u32 length followed by b.
func (r *Reply) Bytes(b []byte) *Reply {
	r.Uint32(uint32(len(b)))
	r.buf = append(r.buf, b...)
	return r
}

// Raw appends b without a length prefix.
func (r *Reply) Raw(b []byte) *Reply {
	r.buf = append(r.buf, b...)
	return r
}

// Data returns the encoded reply.
func (r *Reply) Data() []byte {
	return r.buf
}

// Len returns the encoded reply size.
func (r *Reply) Len() int {
	return len(r.buf)
}

// Reset clears the reply for reuse, keeping its storage.
func (r *Reply) Reset() {
	r.buf = r.buf[:0]
}

// Payload builds a request payload. It shares its encoding with Reply.
type Payload = Reply
