// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"maps"
	"slices"
)

// handleSet is a set of handles.
type handleSet map[Handle]struct{}

// owners maps an owner id, a guest process or a worker thread, to the
// handles it owns.
type owners map[uint64]handleSet

func (o owners) add(id uint64, h Handle) {
	s := o[id]
	if s == nil {
		s = make(handleSet)
		o[id] = s
	}
	s[h] = struct{}{}
}

// remove reports whether id owned h.
func (o owners) remove(id uint64, h Handle) bool {
	s, ok := o[id]
	if !ok {
		return false
	}
	if _, ok := s[h]; !ok {
		return false
	}
	delete(s, h)
	return true
}

// removeAll drops h from every owner.
func (o owners) removeAll(h Handle) {
	for _, s := range o {
		delete(s, h)
	}
}

func sortedHandles(s handleSet) []Handle {
	return slices.Sorted(maps.Keys(s))
}

// take removes and returns the handles owned by id.
func (o owners) take(id uint64) handleSet {
	s := o[id]
	delete(o, id)
	return s
}

// Owned returns the handles a guest process owns, for diagnostics.
func (t *Table) Owned(puid uint64) (contexts, windows, colorBuffers, images []Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedHandles(t.procContexts[puid]), sortedHandles(t.procWindows[puid]),
		sortedHandles(t.procColorBuffers[puid]), sortedHandles(t.procImages[puid])
}

// RegisterProcessCleanup registers fn to run once when the resources of
// process puid are torn down. key identifies the callback for
// UnregisterProcessCleanup; registering the same key again replaces it.
func (t *Table) RegisterProcessCleanup(puid uint64, key any, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.cleanups[puid]
	if m == nil {
		m = make(map[any]func())
		t.cleanups[puid] = m
	}
	m[key] = fn
}

// UnregisterProcessCleanup removes a callback registered with key.
func (t *Table) UnregisterProcessCleanup(puid uint64, key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.cleanups[puid]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(t.cleanups, puid)
		}
	}
}

// CleanupProcess tears down everything process puid owns: its window
// surfaces, one reference on each of its color buffers, its client images
// and its render contexts, in that order. The process is gone, so buffers
// whose last reference it held are erased without a grace period; buffers
// still referenced by another process survive. Registered cleanup
// callbacks run afterwards, outside the table lock. It returns the erased
// color buffer handles.
func (t *Table) CleanupProcess(c *ConnContext, puid uint64) []Handle {
	if puid == 0 {
		return nil
	}
	var r reap
	t.lock(c)
	t.cleanupProcessLocked(puid, true, &r)
	var callbacks []func()
	for _, fn := range t.cleanups[puid] {
		callbacks = append(callbacks, fn)
	}
	delete(t.cleanups, puid)
	t.unlock(c)

	t.release(c, &r)
	for _, fn := range callbacks {
		fn()
	}
	slogger().Debug("process cleaned up", "puid", puid, "erased", len(r.deleted), "callbacks", len(callbacks))
	return r.deleted
}

func (t *Table) cleanupProcessLocked(puid uint64, forced bool, r *reap) {
	for _, h := range sortedHandles(t.procWindows.take(puid)) {
		t.destroyWindowLocked(h, forced, r)
	}
	// A buffer is closed once per owning process; buffers shared with
	// other processes keep their remaining references.
	for _, h := range sortedHandles(t.procColorBuffers.take(puid)) {
		t.closeColorBufferLocked(h, forced, r)
	}
	for _, h := range sortedHandles(t.procImages.take(puid)) {
		if img, ok := t.images[h]; ok {
			delete(t.images, h)
			r.add(img)
		}
	}
	for _, h := range sortedHandles(t.procContexts.take(puid)) {
		if rc, ok := t.contexts[h]; ok {
			delete(t.contexts, h)
			r.add(rc)
		}
	}
}

// CleanupThread tears down the render contexts and window surfaces a
// connection owns under the legacy per-connection model, and releases its
// binding. Workers call it on exit after unbinding. It returns the erased
// color buffer handles.
func (t *Table) CleanupThread(c *ConnContext) []Handle {
	var r reap
	t.lock(c)
	for _, h := range sortedHandles(c.windows) {
		t.destroyWindowLocked(h, false, &r)
	}
	clear(c.windows)
	for _, h := range sortedHandles(c.contexts) {
		if rc, ok := t.contexts[h]; ok {
			delete(t.contexts, h)
			r.add(rc)
		}
	}
	clear(c.contexts)
	t.unlock(c)

	t.release(c, &r)
	prev := c.cur
	c.cur = binding{}
	t.dropBinding(c, prev)
	return r.deleted
}

// CleanupThreadColorBuffers erases every color buffer created by worker
// tid, regardless of reference counts. The acceptor calls it when it reaps
// the worker.
func (t *Table) CleanupThreadColorBuffers(tid uint64) []Handle {
	var r reap
	t.mu.Lock()
	for _, h := range sortedHandles(t.threadBuffers.take(tid)) {
		if ref, ok := t.colorBuffers[h]; ok {
			t.eraseColorBufferLocked(h, ref, &r)
		}
	}
	t.mu.Unlock()
	t.release(nil, &r)
	return r.deleted
}
