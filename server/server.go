// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package server implements the connection acceptor.
//
// The accept loop is single threaded. Each accepted connection must start
// with a handshake magic and a client flags word; a valid connection gets a
// dedicated worker. Finished workers are reaped before the next accept, and
// every worker still running when the loop ends is stopped and joined, so no
// worker outlives Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/wire"
	"github.com/gogpu/emurender/worker"
)

// ErrAlreadyRunning is returned by Listen when a live server owns the
// socket path.
var ErrAlreadyRunning = errors.New("server: another renderer is listening")

// Options configure a Server.
type Options struct {
	Table *registry.Table

	// Guard is shared by every worker. Nil allocates one.
	Guard *guard.Guard

	// Backend receives posts and compose requests from every worker.
	Backend worker.Backend
}

// Server accepts guest connections and runs one worker per connection.
type Server struct {
	ln   net.Listener
	opts Options

	mu      sync.Mutex
	workers map[uint64]*worker.Worker
	pending net.Conn // connection in handshake, closed by Stop
	nextID  uint64

	stopping atomic.Bool
}

// New returns a server accepting on ln.
func New(ln net.Listener, opts Options) *Server {
	if opts.Guard == nil {
		opts.Guard = new(guard.Guard)
	}
	return &Server{
		ln:      ln,
		opts:    opts,
		workers: make(map[uint64]*worker.Worker),
	}
}

// Listen binds network/addr and returns a server on it. For "unix" a stale
// socket file left by a dead process is removed; a socket with a live peer
// yields ErrAlreadyRunning.
func Listen(network, addr string, opts Options) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil && network == "unix" {
		conn, dialErr := net.DialTimeout("unix", addr, 2*time.Second)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, addr)
		}
		os.Remove(addr)
		ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("server: listen %s %s: %w", network, addr, err)
	}
	return New(ln, opts), nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Workers returns the number of workers not yet reaped.
func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Stop ends the accept loop. Serve then stops and joins every worker.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.ln.Close()
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Close()
	}
	s.mu.Unlock()
}

// Serve runs the accept loop until Stop, ctx cancellation, a client asking
// the server to exit, or a listener failure. It returns nil unless the
// listener failed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()
	defer s.drain()

	log := slogger()
	log.Info("accepting connections", "addr", s.ln.Addr().String())
	for {
		s.reap()
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				log.Info("listener closed", "addr", s.ln.Addr().String())
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		flags, ok := s.handshake(conn)
		if !ok {
			continue
		}
		if flags&wire.FlagExitServer != 0 {
			log.Info("client requested server exit")
			conn.Close()
			s.ln.Close()
			return nil
		}
		s.spawn(conn)
	}
}

// handshake reads the magic and client flags. Failed handshakes close the
// connection.
func (s *Server) handshake(conn net.Conn) (uint32, bool) {
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		conn.Close()
		return 0, false
	}
	s.pending = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	kind, err := wire.ReadHandshake(conn)
	if err == nil {
		var flags uint32
		if flags, err = wire.ReadClientFlags(conn); err == nil {
			slogger().Debug("handshake", "kind", kind, "flags", flags)
			return flags, true
		}
	}
	slogger().Warn("dropping connection", "remote", remoteAddr(conn), "err", err)
	conn.Close()
	return 0, false
}

func (s *Server) spawn(conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	w, err := worker.New(conn, worker.Options{
		ID:      id,
		Table:   s.opts.Table,
		Guard:   s.opts.Guard,
		Backend: s.opts.Backend,
	})
	if err != nil {
		slogger().Error("cannot start worker", "err", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	slogger().Info("worker spawned", "worker", id, "conn", w.Session().String(), "remote", remoteAddr(conn))
	go w.Run()
}

// reap frees finished workers and the color buffers their threads created.
func (s *Server) reap() {
	s.mu.Lock()
	var done []*worker.Worker
	for id, w := range s.workers {
		if w.Finished() {
			done = append(done, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	for _, w := range done {
		s.free(w)
	}
}

// drain force-stops and joins every remaining worker.
func (s *Server) drain() {
	s.mu.Lock()
	ws := make([]*worker.Worker, 0, len(s.workers))
	for id, w := range s.workers {
		ws = append(ws, w)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
	for _, w := range ws {
		<-w.Done()
		s.free(w)
	}
	if len(ws) > 0 {
		slogger().Info("workers drained", "count", len(ws))
	}
}

func (s *Server) free(w *worker.Worker) {
	deleted := s.opts.Table.CleanupThreadColorBuffers(w.ID())
	slogger().Debug("worker reaped", "worker", w.ID(), "colorBuffers", len(deleted))
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
