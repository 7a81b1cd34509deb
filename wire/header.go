// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size of a packet header in bytes.
const HeaderSize = 8

// ErrMalformed is returned for a packet whose size field cannot be valid.
var ErrMalformed = errors.New("wire: malformed packet")

// Header is a decoded packet header.
type Header struct {
	Opcode uint32
	Size   int32 // total packet size including the header
}

// ParseHeader decodes the header at the start of b, which must hold at
// least HeaderSize bytes.
func ParseHeader(b []byte) Header {
	return Header{
		Opcode: binary.LittleEndian.Uint32(b[0:4]),
		Size:   int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Valid reports whether the size can describe a packet. Zero is reported
// as invalid too; callers treat it separately.
func (h Header) Valid() bool {
	return h.Size >= HeaderSize
}

// AppendPacket appends a framed packet to dst.
func AppendPacket(dst []byte, opcode uint32, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], opcode)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(HeaderSize+len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
