// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/gogpu/emurender/internal/crash"
	"github.com/gogpu/emurender/resource"
)

// Errors returned by the pixel transfer operations.
var (
	ErrBadHandle = errors.New("registry: bad handle")
	ErrShutdown  = errors.New("registry: shut down")
)

// CreateColorBuffer creates a color buffer and returns its handle, or 0 if
// the driver could not create it. The buffer is recorded under the
// creating thread. With the refcount pipe it starts with one reference; on
// legacy guests it starts with one reference owned by the creating process;
// otherwise it starts at zero until opened.
func (t *Table) CreateColorBuffer(c *ConnContext, width, height int, internalFormat, fwFormat uint32) Handle {
	cb, err := resource.NewColorBuffer(t.dev, width, height, internalFormat, fwFormat)
	if err != nil {
		slogger().Warn("create color buffer failed", "width", width, "height", height, "err", err)
		return 0
	}

	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(cb)
		t.release(c, &r)
		return 0
	}
	t.sweepLocked(false, &r)
	h := t.genHandleLocked()
	t.insertColorBufferLocked(c, h, cb)
	t.unlock(c)
	t.release(c, &r)

	slogger().Debug("color buffer created", "handle", h, "width", width, "height", height)
	return h
}

// CreateColorBufferWithHandle creates a color buffer under a handle chosen
// by the guest. A handle already present in any map means guest and host
// state have diverged and the process is aborted.
func (t *Table) CreateColorBufferWithHandle(c *ConnContext, h Handle, width, height int, internalFormat, fwFormat uint32) bool {
	t.checkCollision(c, h, "color buffer")

	cb, err := resource.NewColorBuffer(t.dev, width, height, internalFormat, fwFormat)
	if err != nil {
		slogger().Warn("create color buffer failed", "handle", h, "err", err)
		return false
	}

	var r reap
	t.lock(c)
	if t.shutdown {
		t.unlock(c)
		r.add(cb)
		t.release(c, &r)
		return false
	}
	if t.existsLocked(h) {
		t.unlock(c)
		crash.Abort("color buffer handle %#x already exists", uint32(h))
	}
	t.sweepLocked(false, &r)
	t.insertColorBufferLocked(c, h, cb)
	t.unlock(c)
	t.release(c, &r)
	return true
}

// checkCollision aborts if h is zero or already present in any map.
func (t *Table) checkCollision(c *ConnContext, h Handle, what string) {
	t.lock(c)
	exists := h == 0 || t.existsLocked(h)
	t.unlock(c)
	if exists {
		crash.Abort("%s handle %#x already exists", what, uint32(h))
	}
}

func (t *Table) insertColorBufferLocked(c *ConnContext, h Handle, cb *resource.ColorBuffer) {
	ref := &colorBufferRef{cb: cb}
	switch {
	case t.features.RefCountPipe:
		ref.refcount = 1
	case t.features.legacyAlloc():
		ref.refcount = 1
		if puid := c.PUID(); puid != 0 {
			t.procColorBuffers.add(puid, h)
		}
	}
	t.colorBuffers[h] = ref
	if c != nil {
		t.threadBuffers.add(c.ThreadID, h)
	}
}

// OpenColorBuffer takes a guest reference on a color buffer and cancels
// any pending delayed close. The reference is owned by the caller's
// process, if known. It returns 0 on success and -1 for a bad handle, and
// is a no-op with the refcount pipe.
func (t *Table) OpenColorBuffer(c *ConnContext, h Handle) int {
	var r reap
	t.lock(c)
	if t.features.RefCountPipe {
		t.unlock(c)
		return 0
	}
	ref, ok := t.colorBuffers[h]
	if !ok {
		t.unlock(c)
		slogger().Warn("open color buffer: bad handle", "handle", h)
		return -1
	}
	ref.refcount++
	t.markOpenedLocked(h, ref)
	if puid := c.PUID(); puid != 0 {
		t.procColorBuffers.add(puid, h)
	}
	t.sweepLocked(false, &r)
	t.unlock(c)
	t.release(c, &r)
	return 0
}

// CloseColorBuffer drops a guest reference. A caller with a process id only
// closes buffers its process owns. Unknown handles are ignored. It reports
// whether the buffer was erased.
func (t *Table) CloseColorBuffer(c *ConnContext, h Handle) bool {
	return t.closeColorBuffer(c, h, false)
}

// CloseColorBufferForced drops a guest reference and, if it was the last
// one, erases the buffer without waiting for the grace period.
func (t *Table) CloseColorBufferForced(c *ConnContext, h Handle) bool {
	return t.closeColorBuffer(c, h, true)
}

func (t *Table) closeColorBuffer(c *ConnContext, h Handle, forced bool) bool {
	var r reap
	t.lock(c)
	if t.features.RefCountPipe {
		t.unlock(c)
		return false
	}
	deleted := false
	if puid := c.PUID(); puid != 0 {
		if t.procColorBuffers.remove(puid, h) {
			deleted = t.closeColorBufferLocked(h, forced, &r)
		}
	} else {
		deleted = t.closeColorBufferLocked(h, forced, &r)
	}
	t.unlock(c)
	t.release(c, &r)
	return deleted
}

// releaseColorBufferLocked drops one reference held by the table itself,
// such as a window attachment, in whichever counting mode is active. It is
// the single decrement-or-erase step every teardown path goes through and
// reports whether the buffer was erased.
func (t *Table) releaseColorBufferLocked(h Handle, forced bool, r *reap) bool {
	if h == 0 {
		return false
	}
	if t.features.RefCountPipe {
		return t.decRefLocked(h, r)
	}
	return t.closeColorBufferLocked(h, forced, r)
}

// closeColorBufferLocked decrements the refcount. At zero the buffer is
// erased if forced or no-delay close is set, and queued for a delayed
// close otherwise. The queue is swept afterwards.
func (t *Table) closeColorBufferLocked(h Handle, forced bool, r *reap) bool {
	if t.features.RefCountPipe {
		return false
	}
	if t.features.NoDelayClose {
		forced = true
	}
	ref, ok := t.colorBuffers[h]
	if !ok {
		// Guests close buffers the host already collected.
		return false
	}

	deleted := false
	if ref.refcount > 0 {
		ref.refcount--
	}
	if ref.refcount == 0 {
		if forced {
			t.eraseColorBufferLocked(h, ref, r)
			deleted = true
		} else if ref.closedTs.IsZero() {
			ref.closedTs = t.now()
			t.pending.ReplaceOrInsert(pendingClose{at: ref.closedTs.UnixNano(), h: h})
		}
	}

	t.sweepLocked(false, r)
	return deleted
}

// decRefLocked decrements the refcount in refcount-pipe mode, erasing the
// buffer at zero.
func (t *Table) decRefLocked(h Handle, r *reap) bool {
	ref, ok := t.colorBuffers[h]
	if !ok {
		return false
	}
	if ref.refcount > 0 {
		ref.refcount--
	}
	if ref.refcount == 0 {
		t.eraseColorBufferLocked(h, ref, r)
		return true
	}
	return false
}

func (t *Table) markOpenedLocked(h Handle, ref *colorBufferRef) {
	ref.opened = true
	if !ref.closedTs.IsZero() {
		t.pending.Delete(pendingClose{at: ref.closedTs.UnixNano(), h: h})
		ref.closedTs = time.Time{}
	}
}

func (t *Table) eraseColorBufferLocked(h Handle, ref *colorBufferRef, r *reap) {
	if !ref.closedTs.IsZero() {
		t.pending.Delete(pendingClose{at: ref.closedTs.UnixNano(), h: h})
	}
	delete(t.colorBuffers, h)
	t.procColorBuffers.removeAll(h)
	t.threadBuffers.removeAll(h)
	// A window never keeps a handle that is no longer in the table.
	for _, w := range t.windows {
		if w.cb != h {
			continue
		}
		w.cb = 0
		if cb := w.surface.Detach(); cb != nil {
			r.add(cb)
		}
	}
	r.add(ref.cb)
	r.deleted = append(r.deleted, h)
	slogger().Debug("color buffer erased", "handle", h)
}

// SweepDelayedCloses drains the final unrefs reported by the guest and
// erases every queued buffer whose grace period has passed, or all queued
// buffers if forced. It returns the erased handles.
func (t *Table) SweepDelayedCloses(c *ConnContext, forced bool) []Handle {
	var r reap
	t.lock(c)
	t.sweepLocked(forced, &r)
	t.unlock(c)
	t.release(c, &r)
	return r.deleted
}

func (t *Table) sweepLocked(forced bool, r *reap) {
drain:
	for {
		select {
		case h := <-t.lastRefs:
			t.decRefLocked(h, r)
		default:
			break drain
		}
	}

	deadline := t.now().Add(-t.grace).UnixNano()
	for {
		p, ok := t.pending.Min()
		if !ok || (!forced && p.at > deadline) {
			return
		}
		t.pending.DeleteMin()
		if ref, ok := t.colorBuffers[p.h]; ok && ref.closedTs.UnixNano() == p.at {
			ref.closedTs = time.Time{}
			t.eraseColorBufferLocked(p.h, ref, r)
		}
	}
}

// OnLastColorBufferRef queues a final unref reported through the refcount
// pipe. It never blocks; the queue is drained on the next sweep.
func (t *Table) OnLastColorBufferRef(h Handle) {
	select {
	case t.lastRefs <- h:
	default:
		slogger().Warn("too many outstanding color buffer destroys, leaking handle", "handle", h)
	}
}

// ColorBufferInfo returns the size and formats of a color buffer.
func (t *Table) ColorBufferInfo(h Handle) (resource.ColorBufferInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.colorBuffers[h]
	if !ok {
		return resource.ColorBufferInfo{}, false
	}
	return ref.cb.Info(), true
}

// ColorBufferRefCount returns the guest refcount of a color buffer.
func (t *Table) ColorBufferRefCount(h Handle) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.colorBuffers[h]
	if !ok {
		return 0, false
	}
	return ref.refcount, true
}

// SetColorBufferFrameworkFormat retags a color buffer.
func (t *Table) SetColorBufferFrameworkFormat(h Handle, fwFormat uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.colorBuffers[h]
	if !ok {
		return false
	}
	ref.cb.SetFrameworkFormat(fwFormat)
	return true
}

// AcquireColorBuffer returns a color buffer with a host-side hold. The
// caller must Drop it. The buffer stays usable even if it is erased from
// the table meanwhile.
func (t *Table) AcquireColorBuffer(h Handle) (*resource.ColorBuffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.colorBuffers[h]
	if !ok {
		return nil, false
	}
	ref.cb.Hold()
	return ref.cb, true
}

// AcquirePosted is AcquireColorBuffer for a buffer about to be presented.
// Posting counts as opening: a pending delayed close is cancelled.
func (t *Table) AcquirePosted(h Handle) (*resource.ColorBuffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.colorBuffers[h]
	if !ok {
		return nil, false
	}
	t.markOpenedLocked(h, ref)
	ref.cb.Hold()
	return ref.cb, true
}

// ReadColorBuffer reads rect of a color buffer in glFormat into dst.
func (t *Table) ReadColorBuffer(h Handle, rect image.Rectangle, glFormat uint32, dst []byte) error {
	cb, ok := t.AcquireColorBuffer(h)
	if !ok {
		return fmt.Errorf("%w: color buffer %#x", ErrBadHandle, uint32(h))
	}
	err := cb.Read(rect, glFormat, dst)
	t.dropObject(cb)
	return err
}

// UpdateColorBuffer writes src in glFormat into rect of a color buffer.
func (t *Table) UpdateColorBuffer(h Handle, rect image.Rectangle, glFormat uint32, src []byte) error {
	cb, ok := t.AcquireColorBuffer(h)
	if !ok {
		return fmt.Errorf("%w: color buffer %#x", ErrBadHandle, uint32(h))
	}
	err := cb.Update(rect, glFormat, src)
	t.dropObject(cb)
	return err
}

func (t *Table) dropObject(o resource.Object) {
	var r reap
	r.add(o)
	t.release(nil, &r)
}
