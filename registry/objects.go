// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/internal/crash"
	"github.com/gogpu/emurender/resource"
)

func (t *Table) validConfig(config int) bool {
	return config >= 0 && config < len(t.dev.Configs())
}

// CreateRenderContext creates a render context sharing objects with share,
// if non-zero, and returns its handle, or 0 on a bad config, a bad share
// handle or a driver failure. The context is owned by the caller's process,
// or by the connection when no process id is known.
func (t *Table) CreateRenderContext(c *ConnContext, config int, share Handle, api driver.API) Handle {
	if !t.validConfig(config) {
		slogger().Warn("create context: bad config", "config", config)
		return 0
	}

	var parent *resource.RenderContext
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		return 0
	}
	if share != 0 {
		p, ok := t.contexts[share]
		if !ok {
			t.unlock(c)
			slogger().Warn("create context: bad share handle", "share", share)
			return 0
		}
		p.Hold()
		parent = p
	}
	t.unlock(c)

	t.structure.Lock(c.Token())
	rc, err := resource.NewRenderContext(t.dev, config, parent, api)
	t.structure.Unlock(c.Token())
	if parent != nil {
		t.dropObject(parent)
	}
	if err != nil {
		slogger().Warn("create context failed", "api", api, "err", err)
		return 0
	}

	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(rc)
		t.release(c, &r)
		return 0
	}
	h := t.genHandleLocked()
	t.contexts[h] = rc
	if puid := c.PUID(); puid != 0 {
		t.procContexts.add(puid, h)
	} else if c != nil {
		c.contexts[h] = struct{}{}
	}
	t.unlock(c)

	slogger().Debug("render context created", "handle", h, "api", api, "share", share)
	return h
}

// DestroyRenderContext erases a render context. A context still bound on
// some connection keeps its driver object until it is unbound.
func (t *Table) DestroyRenderContext(c *ConnContext, h Handle) {
	var r reap
	t.lock(c)
	t.sweepLocked(false, &r)
	if rc, ok := t.contexts[h]; ok {
		delete(t.contexts, h)
		r.add(rc)
	}
	if puid := c.PUID(); puid != 0 {
		t.procContexts.remove(puid, h)
	} else if c != nil {
		delete(c.contexts, h)
	}
	t.unlock(c)
	t.release(c, &r)
}

// CreateWindowSurface creates a window surface and returns its handle, or
// 0 on a bad config or a driver failure.
func (t *Table) CreateWindowSurface(c *ConnContext, config, width, height int) Handle {
	if !t.validConfig(config) {
		slogger().Warn("create window surface: bad config", "config", config)
		return 0
	}

	t.structure.Lock(c.Token())
	ws, err := resource.NewWindowSurface(t.dev, config, width, height)
	t.structure.Unlock(c.Token())
	if err != nil {
		slogger().Warn("create window surface failed", "width", width, "height", height, "err", err)
		return 0
	}

	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(ws)
		t.release(c, &r)
		return 0
	}
	h := t.genHandleLocked()
	t.windows[h] = &windowRef{surface: ws}
	if puid := c.PUID(); puid != 0 {
		t.procWindows.add(puid, h)
	} else if c != nil {
		c.windows[h] = struct{}{}
	}
	t.unlock(c)
	return h
}

// DestroyWindowSurface erases a window surface, first releasing its
// attached color buffer. It reports the color buffers that were erased.
func (t *Table) DestroyWindowSurface(c *ConnContext, h Handle) []Handle {
	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		return nil
	}
	if t.destroyWindowLocked(h, false, &r) {
		if puid := c.PUID(); puid != 0 {
			t.procWindows.remove(puid, h)
		} else if c != nil {
			delete(c.windows, h)
		}
	}
	t.unlock(c)
	t.release(c, &r)
	return r.deleted
}

// destroyWindowLocked releases the attached color buffer, then erases the
// window record. The surface is dropped before the buffer.
func (t *Table) destroyWindowLocked(h Handle, forced bool, r *reap) bool {
	w, ok := t.windows[h]
	if !ok {
		return false
	}
	t.releaseColorBufferLocked(w.cb, forced, r)
	delete(t.windows, h)
	cb := w.surface.Detach()
	r.add(w.surface)
	if cb != nil {
		r.add(cb)
	}
	return true
}

// SetWindowColorBuffer attaches a color buffer to a window surface,
// resizing the surface to match. The new buffer gains a reference and the
// previously attached one loses one.
func (t *Table) SetWindowColorBuffer(c *ConnContext, win, cb Handle) bool {
	var r reap
	t.lock(c)
	w, ok := t.windows[win]
	if !ok {
		t.unlock(c)
		slogger().Warn("set window color buffer: bad window handle", "window", win)
		return false
	}
	ref, ok := t.colorBuffers[cb]
	if !ok {
		t.unlock(c)
		slogger().Debug("set window color buffer: bad color buffer handle", "cb", cb)
		return false
	}
	prev, err := w.surface.Attach(ref.cb)
	if err != nil {
		t.unlock(c)
		slogger().Warn("attach color buffer failed", "window", win, "cb", cb, "err", err)
		return false
	}
	if prev != nil {
		r.add(prev)
	}

	t.markOpenedLocked(cb, ref)
	ref.refcount++
	old := w.cb
	w.cb = cb
	t.releaseColorBufferLocked(old, false, &r)
	t.unlock(c)
	t.release(c, &r)
	return true
}

// WindowColorBuffer returns the handle attached to a window, 0 if none.
func (t *Table) WindowColorBuffer(win Handle) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[win]; ok {
		return w.cb
	}
	return 0
}

// FlushWindowColorBuffer copies a window's backing store into its attached
// color buffer.
func (t *Table) FlushWindowColorBuffer(c *ConnContext, win Handle) bool {
	t.lock(c)
	w, ok := t.windows[win]
	if !ok {
		t.unlock(c)
		slogger().Warn("flush window: bad window handle", "window", win)
		return false
	}
	s := w.surface
	s.Hold()
	t.unlock(c)

	err := s.Flush()
	var r reap
	r.add(s)
	t.release(c, &r)
	if err != nil {
		slogger().Debug("flush window failed", "window", win, "err", err)
		return false
	}
	return true
}

// CreateBuffer creates a data buffer and returns its handle, or 0.
func (t *Table) CreateBuffer(c *ConnContext, size uint64) Handle {
	b, err := resource.NewDataBuffer(t.dev, size)
	if err != nil {
		slogger().Warn("create buffer failed", "size", size, "err", err)
		return 0
	}
	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(b)
		t.release(c, &r)
		return 0
	}
	h := t.genHandleLocked()
	t.buffers[h] = b
	t.unlock(c)
	return h
}

// CreateBufferWithHandle creates a data buffer under a guest-chosen handle,
// aborting the process on a collision.
func (t *Table) CreateBufferWithHandle(c *ConnContext, h Handle, size uint64) bool {
	t.checkCollision(c, h, "buffer")

	b, err := resource.NewDataBuffer(t.dev, size)
	if err != nil {
		slogger().Warn("create buffer failed", "handle", h, "err", err)
		return false
	}
	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(b)
		t.release(c, &r)
		return false
	}
	if t.existsLocked(h) {
		t.unlock(c)
		crash.Abort("buffer handle %#x already exists", uint32(h))
	}
	t.buffers[h] = b
	t.unlock(c)
	return true
}

// CloseBuffer erases a data buffer. Unknown handles are logged and ignored.
func (t *Table) CloseBuffer(c *ConnContext, h Handle) {
	var r reap
	t.lock(c)
	b, ok := t.buffers[h]
	if ok {
		delete(t.buffers, h)
		r.add(b)
	}
	t.unlock(c)
	if !ok {
		slogger().Debug("close buffer: unknown handle", "handle", h)
		return
	}
	t.release(c, &r)
}

// BufferSize returns the size of a data buffer.
func (t *Table) BufferSize(h Handle) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[h]; ok {
		return b.Size(), true
	}
	return 0, false
}

// CreateClientImage creates a client image from an object of ctx, or from
// a native buffer if ctx is 0, and returns its handle, or 0. The image is
// owned by the caller's process, if known.
func (t *Table) CreateClientImage(c *ConnContext, ctx Handle, target, buffer uint32) Handle {
	var rc *resource.RenderContext
	if ctx != 0 {
		t.lock(c)
		p, ok := t.contexts[ctx]
		if ok {
			p.Hold()
		}
		t.unlock(c)
		if !ok {
			slogger().Warn("create image: bad context handle", "ctx", ctx)
			return 0
		}
		rc = p
	}

	img, err := resource.NewClientImage(t.dev, rc, target, buffer)
	if rc != nil {
		t.dropObject(rc)
	}
	if err != nil {
		slogger().Warn("create image failed", "target", target, "err", err)
		return 0
	}

	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(img)
		t.release(c, &r)
		return 0
	}
	h := t.genHandleLocked()
	t.images[h] = img
	if puid := c.PUID(); puid != 0 {
		t.procImages.add(puid, h)
	}
	t.unlock(c)
	return h
}

// DestroyClientImage erases a client image.
func (t *Table) DestroyClientImage(c *ConnContext, h Handle) bool {
	var r reap
	t.lock(c)
	img, ok := t.images[h]
	if ok {
		delete(t.images, h)
		r.add(img)
	}
	if puid := c.PUID(); puid != 0 {
		t.procImages.remove(puid, h)
	}
	t.unlock(c)
	t.release(c, &r)
	return ok
}
