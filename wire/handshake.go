// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Handshake magics. Both are the same length, NUL terminated.
const (
	MagicOpenGLES = "pipe:opengles\x00"
	MagicTransfer = "pipe:transfer\x00"

	// MagicSize is the number of magic bytes read from a new connection.
	MagicSize = len(MagicOpenGLES)
)

// transferReply is sent back to a transfer check.
const transferReply = "OK\x00"

// FlagExitServer in the client flags word asks the server to stop accepting.
const FlagExitServer uint32 = 1 << 0

// ErrBadMagic is returned when a connection does not start with a known magic.
var ErrBadMagic = errors.New("wire: bad handshake magic")

// Kind is the protocol a connection announced.
type Kind int

// Connection kinds.
const (
	KindOpenGLES Kind = iota
	KindTransfer
)

func (k Kind) String() string {
	if k == KindTransfer {
		return "transfer"
	}
	return "opengles"
}

// ReadHandshake reads and validates the magic. A transfer check is answered
// with "OK\0" before returning.
func ReadHandshake(rw io.ReadWriter) (Kind, error) {
	var buf [MagicSize]byte
	if _, err := io.ReadFull(rw, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read magic: %w", err)
	}
	switch string(buf[:len(MagicOpenGLES)-1]) {
	case MagicOpenGLES[:len(MagicOpenGLES)-1]:
		return KindOpenGLES, nil
	case MagicTransfer[:len(MagicTransfer)-1]:
		if _, err := io.WriteString(rw, transferReply); err != nil {
			return 0, fmt.Errorf("wire: write transfer reply: %w", err)
		}
		return KindTransfer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadMagic, buf[:])
	}
}

// ReadClientFlags reads the little-endian client flags word.
func ReadClientFlags(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read client flags: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteHandshake writes the client side of the handshake. It is used by
// clients and tests; a transfer kind also consumes the server reply.
func WriteHandshake(rw io.ReadWriter, kind Kind, flags uint32) error {
	magic := MagicOpenGLES
	if kind == KindTransfer {
		magic = MagicTransfer
	}
	if _, err := io.WriteString(rw, magic); err != nil {
		return err
	}
	if kind == KindTransfer {
		var reply [len(transferReply)]byte
		if _, err := io.ReadFull(rw, reply[:]); err != nil {
			return err
		}
		if string(reply[:]) != transferReply {
			return fmt.Errorf("wire: unexpected transfer reply %q", reply[:])
		}
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], flags)
	_, err := rw.Write(buf[:])
	return err
}
