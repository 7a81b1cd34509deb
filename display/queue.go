// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"sync"

	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

type cmdKind uint8

const (
	cmdPost cmdKind = iota
	cmdViewport
	cmdClear
	cmdScreenshot
	cmdCompose
	cmdExit
)

func (k cmdKind) String() string {
	switch k {
	case cmdPost:
		return "post"
	case cmdViewport:
		return "viewport"
	case cmdClear:
		return "clear"
	case cmdScreenshot:
		return "screenshot"
	case cmdCompose:
		return "compose"
	case cmdExit:
		return "exit"
	default:
		return "unknown"
	}
}

// command is one post worker request. cb, if set, carries a hold that the
// worker drops when done.
type command struct {
	kind    cmdKind
	display uint32
	cb      *resource.ColorBuffer
	guest   bool
	width   int
	height  int
	compose wire.Compose
	shot    *shotRequest
}

// release drops the hold of a command that will not run.
func (c *command) release() {
	if c.cb != nil {
		c.cb.Drop()
		c.cb = nil
	}
	if c.shot != nil {
		c.shot.result <- shotResult{err: ErrStopped}
	}
}

// queue is the post worker command queue. It counts enqueued and completed
// commands so that producers can wait for everything they queued.
type queue struct {
	mu       sync.Mutex
	cond     sync.Cond
	items    []command
	enqueued uint64
	done     uint64
	closed   bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond.L = &q.mu
	return q
}

// push appends cmd. It fails once the queue is closed.
func (q *queue) push(cmd command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, cmd)
	q.enqueued++
	q.cond.Broadcast()
	return true
}

// pop blocks for the next command. It returns false once the queue is
// closed.
func (q *queue) pop() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return command{}, false
	}
	cmd := q.items[0]
	q.items[0] = command{}
	q.items = q.items[1:]
	return cmd, true
}

// finish marks one popped command completed.
func (q *queue) finish() {
	q.mu.Lock()
	q.done++
	q.mu.Unlock()
	q.cond.Broadcast()
}

// wait blocks until every command queued before the call has completed or
// the queue is closed.
func (q *queue) wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.enqueued
	for q.done < target && !q.closed {
		q.cond.Wait()
	}
}

// close stops the queue and returns the commands that never ran.
func (q *queue) close() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	left := q.items
	q.items = nil
	q.done += uint64(len(left))
	q.cond.Broadcast()
	return left
}
