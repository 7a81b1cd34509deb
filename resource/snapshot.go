// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gogpu/emurender/driver"
)

// Encoder writes little-endian snapshot records. The first write error is
// kept and every later write is skipped.
type Encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// Uint32 writes a u32.
func (e *Encoder) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

// Uint64 writes a u64.
func (e *Encoder) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

// Int64 writes an i64.
func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

// Bool writes a single byte.
func (e *Encoder) Bool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	e.buf[0] = b
	e.write(e.buf[:1])
}

// Bytes writes a u32 length and b.
func (e *Encoder) Bytes(b []byte) {
	if len(b) > math.MaxUint32 {
		b = b[:math.MaxUint32]
	}
	e.Uint32(uint32(len(b)))
	e.write(b)
}

// String writes a u32 length and s.
func (e *Encoder) String(s string) {
	e.Bytes([]byte(s))
}

// Err returns the first write error.
func (e *Encoder) Err() error {
	return e.err
}

// SetErr records err if no error was recorded yet.
func (e *Encoder) SetErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Save writes the context record: kind, config, API and whether it shares.
func (c *RenderContext) Save(e *Encoder) {
	e.Uint32(uint32(KindRenderContext))
	e.Uint32(uint32(c.config))
	e.Uint32(uint32(c.api))
	e.Bool(c.share != nil)
}

// Save writes the surface record: kind, config and size.
func (s *WindowSurface) Save(e *Encoder) {
	w, h := s.Size()
	e.Uint32(uint32(KindWindowSurface))
	e.Uint32(uint32(s.config))
	e.Uint32(uint32(w))
	e.Uint32(uint32(h))
}

// Save writes the color buffer record: kind, size, formats and pixels in
// storage order.
func (cb *ColorBuffer) Save(e *Encoder) {
	e.Uint32(uint32(KindColorBuffer))
	e.Uint32(uint32(cb.width))
	e.Uint32(uint32(cb.height))
	e.Uint32(cb.internalFormat)
	e.Uint32(cb.fwFormat.Load())

	pix := make([]byte, cb.width*cb.height*driver.BytesPerPixel(cb.format))
	if len(pix) > 0 {
		if err := cb.dev.ReadTexture(cb.tex, cb.Bounds(), pix); err != nil {
			e.SetErr(err)
			return
		}
	}
	e.Bytes(pix)
}

// Save writes the data buffer record: kind and size.
func (b *DataBuffer) Save(e *Encoder) {
	e.Uint32(uint32(KindDataBuffer))
	e.Uint64(b.size)
}

// Save writes the client image record: kind, target and source buffer.
func (img *ClientImage) Save(e *Encoder) {
	e.Uint32(uint32(KindClientImage))
	e.Uint32(img.target)
	e.Uint32(img.buffer)
}
