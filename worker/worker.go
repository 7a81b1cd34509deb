// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package worker implements the per-connection dispatch loop.
//
// A Worker reads framed packets from one guest connection and feeds them,
// in rounds, to three decoders: GLES 1, GLES 2 and render control. A round
// runs under the Guard; the two GLES decoders additionally hold the
// structural lock shared. Each decoder consumes the complete packets at the
// front of the buffer that fall in its opcode range and stops at the first
// one that does not. Rounds repeat until no decoder makes progress, then
// the replies are written and more input is read.
//
// Malformed framing closes the connection. A zero-length packet aborts the
// process.
package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/internal/crash"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/wire"
)

// MaxPacketSize bounds the size field of a packet.
const MaxPacketSize = 256 << 20

const initialBufferSize = 64 << 10

// Backend is the presentation side the render-control decoder drives.
// *display.Poster implements it.
type Backend interface {
	// Post presents a color buffer on a display.
	Post(displayID uint32, cb registry.Handle) bool
	// Compose queues a compose request.
	Compose(req wire.Compose) bool
	// Displays returns the display table.
	Displays() *display.Table
}

// nopBackend drops posts and compose requests.
type nopBackend struct{ displays *display.Table }

func (nopBackend) Post(uint32, registry.Handle) bool { return false }
func (nopBackend) Compose(wire.Compose) bool         { return false }
func (b nopBackend) Displays() *display.Table        { return b.displays }

// Options configure a Worker.
type Options struct {
	// ID identifies the worker; color buffers it creates are recorded
	// under it.
	ID uint64

	Table *registry.Table

	// Guard serializes decode rounds across workers. Nil uses a private
	// guard.
	Guard *guard.Guard

	// Backend receives posts and compose requests. Nil drops them.
	Backend Backend
}

// Worker serves one guest connection.
type Worker struct {
	id      uint64
	session uuid.UUID
	conn    io.ReadWriteCloser
	tbl     *registry.Table
	guard   *guard.Guard
	backend Backend
	thread  driver.Thread
	cc      *registry.ConnContext
	log     *slog.Logger

	reply wire.Reply

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// New creates a worker for conn. It fails if the driver cannot create
// per-thread binding state.
func New(conn io.ReadWriteCloser, opts Options) (*Worker, error) {
	if opts.Guard == nil {
		opts.Guard = new(guard.Guard)
	}
	if opts.Backend == nil {
		opts.Backend = nopBackend{display.NewTable(0, 0)}
	}
	th, err := opts.Table.Device().NewThread()
	if err != nil {
		return nil, fmt.Errorf("worker: create driver thread: %w", err)
	}
	session := uuid.New()
	return &Worker{
		id:      opts.ID,
		session: session,
		conn:    conn,
		tbl:     opts.Table,
		guard:   opts.Guard,
		backend: opts.Backend,
		thread:  th,
		cc:      registry.NewConnContext(opts.ID, th),
		log:     slogger().With("conn", session.String(), "worker", opts.ID),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the worker id.
func (w *Worker) ID() uint64 { return w.id }

// Session returns the per-connection session id used in logs.
func (w *Worker) Session() uuid.UUID { return w.session }

// Done is closed once the worker has exited and cleaned up.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Finished reports whether the worker has exited.
func (w *Worker) Finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Err returns the error that ended the worker, nil for a clean close. It
// is valid after Done is closed.
func (w *Worker) Err() error {
	<-w.done
	return w.err
}

// Stop closes the connection, unblocking any pending read or write. The
// worker exits on its own after that.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.conn.Close()
	})
}

// Run serves the connection until it is closed or fails, then unbinds,
// tears down the resources the connection owns and marks the worker
// finished.
func (w *Worker) Run() error {
	defer w.exit()
	w.log.Debug("worker started")

	w.err = w.loop()
	if w.err != nil {
		w.log.Error("connection closed", "err", w.err)
	} else {
		w.log.Debug("connection closed")
	}
	return w.err
}

func (w *Worker) loop() error {
	buf := make([]byte, 0, initialBufferSize)
	for {
		need := wire.HeaderSize
		if len(buf) >= wire.HeaderSize {
			h := wire.ParseHeader(buf)
			if err := checkHeader(h); err != nil {
				return err
			}
			need = int(h.Size)
		}
		if len(buf) < need {
			var err error
			if buf, err = w.fill(buf, need); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return fmt.Errorf("worker: read: %w", err)
			}
			continue
		}

		n, err := w.decode(buf)
		if err != nil {
			// The connection is dropped; replies of the failed batch are
			// not delivered.
			w.reply.Reset()
			return err
		}
		if err := w.flush(); err != nil {
			return err
		}
		if n == 0 {
			h := wire.ParseHeader(buf)
			return fmt.Errorf("%w: opcode %d outside every decoder", wire.ErrMalformed, h.Opcode)
		}
		buf = buf[:copy(buf, buf[n:])]
	}
}

// fill reads until buf holds at least need bytes.
func (w *Worker) fill(buf []byte, need int) ([]byte, error) {
	if cap(buf) < need {
		grown := make([]byte, len(buf), need)
		copy(grown, buf)
		buf = grown
	}
	n, err := io.ReadAtLeast(w.conn, buf[len(buf):cap(buf)], need-len(buf))
	return buf[:len(buf)+n], err
}

// flush writes the replies accumulated by the last decode.
func (w *Worker) flush() error {
	if w.reply.Len() == 0 {
		return nil
	}
	_, err := w.conn.Write(w.reply.Data())
	w.reply.Reset()
	if err != nil {
		return fmt.Errorf("worker: write reply: %w", err)
	}
	return nil
}

// checkHeader validates a packet header. A zero size aborts the process.
func checkHeader(h wire.Header) error {
	if h.Size == 0 {
		crash.Abort("zero-length packet (opcode %d)", h.Opcode)
	}
	if !h.Valid() || h.Size > MaxPacketSize {
		return fmt.Errorf("%w: opcode %d size %d", wire.ErrMalformed, h.Opcode, h.Size)
	}
	return nil
}

func (w *Worker) exit() {
	tok := w.cc.Token()
	w.guard.Lock(tok)
	w.tbl.BindContext(w.cc, 0, 0, 0)
	w.tbl.CleanupThread(w.cc)
	w.guard.Unlock(tok)
	w.thread.Release()
	w.Stop()
	close(w.done)
	w.log.Debug("worker finished")
}
