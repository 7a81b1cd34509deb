// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/resource"
)

// ConnContext is the per-connection state the table resolves ownership
// against: the guest process id, if the guest supplied one, the legacy
// per-connection ownership sets used when it did not, and the current
// binding. A ConnContext is owned by one worker and is not safe for
// concurrent use.
type ConnContext struct {
	// ThreadID identifies the worker for thread-owned color buffers.
	ThreadID uint64

	// Thread is the worker's driver binding state. It may be nil for
	// callers that never bind.
	Thread driver.Thread

	locks guard.Token
	puid  uint64

	// Legacy ownership, used while puid is 0. Guarded by the table lock.
	contexts handleSet
	windows  handleSet

	cur binding
}

// binding is the current context and surfaces with the holds that keep
// them alive while bound.
type binding struct {
	ctx              Handle
	draw, read       Handle
	ctxObj           *resource.RenderContext
	drawObj, readObj *resource.WindowSurface
}

// NewConnContext creates a connection context.
func NewConnContext(threadID uint64, th driver.Thread) *ConnContext {
	return &ConnContext{
		ThreadID: threadID,
		Thread:   th,
		contexts: make(handleSet),
		windows:  make(handleSet),
	}
}

// Token returns the lock-order token of the connection. It is nil for a
// nil ConnContext.
func (c *ConnContext) Token() *guard.Token {
	if c == nil {
		return nil
	}
	return &c.locks
}

// SetPUID associates the connection with a guest process.
func (c *ConnContext) SetPUID(puid uint64) { c.puid = puid }

// PUID returns the guest process id, 0 if none.
func (c *ConnContext) PUID() uint64 {
	if c == nil {
		return 0
	}
	return c.puid
}

// Current returns the bound context, draw and read surface handles.
func (c *ConnContext) Current() (ctx, draw, read Handle) {
	return c.cur.ctx, c.cur.draw, c.cur.read
}

// CurrentContext returns the bound render context, or nil.
func (c *ConnContext) CurrentContext() *resource.RenderContext {
	return c.cur.ctxObj
}

// CurrentDraw returns the bound draw surface, or nil.
func (c *ConnContext) CurrentDraw() *resource.WindowSurface {
	return c.cur.drawObj
}

// BindContext makes ctx current on the connection's thread with draw and
// read surfaces. All-zero handles unbind and sweep the delayed-close queue.
// It fails on a bad handle, after Shutdown, or if the driver refuses the
// binding. The caller holds the Guard.
func (t *Table) BindContext(c *ConnContext, ctx, draw, read Handle) bool {
	var next binding
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		return false
	}

	var r reap
	if ctx != 0 || draw != 0 || read != 0 {
		rc, ok := t.contexts[ctx]
		if !ok {
			t.unlock(c)
			slogger().Warn("bind: bad context handle", "ctx", ctx)
			return false
		}
		dw, ok := t.windows[draw]
		if !ok {
			t.unlock(c)
			slogger().Warn("bind: bad draw surface handle", "draw", draw)
			return false
		}
		rw := dw
		if read != draw {
			if rw, ok = t.windows[read]; !ok {
				t.unlock(c)
				slogger().Warn("bind: bad read surface handle", "read", read)
				return false
			}
		}
		next = binding{
			ctx: ctx, draw: draw, read: read,
			ctxObj: rc, drawObj: dw.surface, readObj: rw.surface,
		}
		rc.Hold()
		dw.surface.Hold()
		rw.surface.Hold()
	} else {
		t.sweepLocked(false, &r)
	}
	t.unlock(c)
	t.release(c, &r)

	if c.Thread != nil {
		var cid driver.ContextID
		var did, rid driver.SurfaceID
		if next.ctxObj != nil {
			cid, did, rid = next.ctxObj.ID(), next.drawObj.ID(), next.readObj.ID()
		}
		if err := c.Thread.MakeCurrent(cid, did, rid); err != nil {
			slogger().Warn("make current failed", "ctx", ctx, "err", err)
			t.dropBinding(c, next)
			return false
		}
	}

	prev := c.cur
	c.cur = next
	t.dropBinding(c, prev)
	return true
}

// dropBinding releases the holds a binding took.
func (t *Table) dropBinding(c *ConnContext, b binding) {
	if b.ctxObj == nil {
		return
	}
	var r reap
	r.add(b.ctxObj)
	r.add(b.drawObj)
	r.add(b.readObj)
	t.release(c, &r)
}
