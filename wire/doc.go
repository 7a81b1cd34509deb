// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wire implements the guest-to-host stream format: the connection
// handshake, the 8-byte packet header, opcode ranges of the three decoders,
// little-endian argument and reply encoding, and the render-control
// opcode table.
//
// A connection starts with a 14-byte magic naming the protocol, followed by
// a 4-byte client flags word. After that the guest sends packets:
//
//	+--------+--------+------------------+
//	| opcode | size   | payload          |
//	| u32 LE | i32 LE | size-8 bytes     |
//	+--------+--------+------------------+
//
// size counts the header. Replies are written back without framing; the
// guest knows the reply layout of every call it makes.
package wire
