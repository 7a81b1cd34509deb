// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package worker

import (
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/wire"
)

// decode runs decoder rounds over buf until none makes progress and
// returns the bytes consumed.
func (w *Worker) decode(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.round(buf[total:])
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// round runs the three decoders once under the Guard.
func (w *Worker) round(buf []byte) (int, error) {
	tok := w.cc.Token()
	w.guard.Lock(tok)
	defer w.guard.Unlock(tok)

	n, err := w.decodeGLES(buf)
	if err != nil {
		return n, err
	}
	k, err := walk(buf[n:], wire.ControlBase, wire.ControlEnd, w.control)
	return n + k, err
}

// decodeGLES runs the GLES 1 and GLES 2 decoders under the shared
// structural lock.
func (w *Worker) decodeGLES(buf []byte) (int, error) {
	tok := w.cc.Token()
	s := w.tbl.Structure()
	s.RLock(tok)
	defer s.RUnlock(tok)

	n, err := walk(buf, wire.GLES1Base, wire.GLES2Base, w.gles(driver.APIGLES1))
	if err != nil {
		return n, err
	}
	k, err := walk(buf[n:], wire.GLES2Base, wire.ControlBase, w.gles(driver.APIGLES2))
	return n + k, err
}

// gles returns a pass-through decoder replaying calls on the worker's
// driver thread. Driver failures are logged and the stream continues.
func (w *Worker) gles(api driver.API) func(op uint32, payload []byte) error {
	return func(op uint32, payload []byte) error {
		out, err := w.thread.Execute(api, op, payload)
		if err != nil {
			w.log.Debug("gles call failed", "api", api, "opcode", op, "err", err)
		}
		w.reply.Raw(out)
		return nil
	}
}

// walk hands the complete packets at the front of buf whose opcode lies
// in [lo, hi) to fn and returns the bytes consumed. It stops at the first
// packet outside the range or not fully buffered.
func walk(buf []byte, lo, hi uint32, fn func(op uint32, payload []byte) error) (int, error) {
	n := 0
	for len(buf)-n >= wire.HeaderSize {
		h := wire.ParseHeader(buf[n:])
		if err := checkHeader(h); err != nil {
			return n, err
		}
		if h.Opcode < lo || h.Opcode >= hi || len(buf)-n < int(h.Size) {
			break
		}
		if err := fn(h.Opcode, buf[n+wire.HeaderSize:n+int(h.Size)]); err != nil {
			return n, err
		}
		n += int(h.Size)
	}
	return n, nil
}
