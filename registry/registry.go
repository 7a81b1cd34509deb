// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package registry implements the handle table: the mapping from guest
// handles to render contexts, window surfaces, color buffers, data buffers
// and client images, with color buffer reference counts, the delayed-close
// queue and per-process and per-thread ownership.
//
// All table state is protected by one exclusive lock. Driver work happens
// outside it: objects are constructed before they are inserted, and objects
// erased from the table are dropped after the lock is released. Creation and
// destruction of render contexts and window surfaces additionally take the
// structural write lock, after the registry lock has been released.
//
// Color buffers carry a guest-visible reference count. When it reaches zero
// the buffer is not freed at once: it waits out a grace period on the
// delayed-close queue, because guest allocators free and re-register the
// same buffer in quick succession. Reopening it within the grace period
// cancels the close. The queue is swept opportunistically on create, open,
// close and unbind; there is no timer.
package registry

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/resource"
)

// Handle is an opaque guest-visible resource identifier. Zero is reserved.
type Handle uint32

// DefaultGrace is the delayed-close grace period.
const DefaultGrace = 5 * time.Second

// DefaultLastRefQueue is the capacity of the queue of final unrefs reported
// by the guest refcount pipe.
const DefaultLastRefQueue = 1024

// legacyAPILevel is the first guest API level whose allocator opens color
// buffers explicitly after creating them.
const legacyAPILevel = 26

// Features are the guest capability flags that change color buffer
// reference counting.
type Features struct {
	// RefCountPipe means the guest reports the final unref of each color
	// buffer through a dedicated pipe. Open and close become no-ops.
	RefCountPipe bool

	// NoDelayClose erases color buffers as soon as their refcount reaches
	// zero instead of queueing them for the grace period.
	NoDelayClose bool

	// APILevel is the guest Android API level, 0 if unknown. Below 26 new
	// color buffers start with one reference owned by the creating process.
	APILevel int
}

func (f Features) legacyAlloc() bool {
	return f.APILevel > 0 && f.APILevel < legacyAPILevel
}

// Options configure a Table.
type Options struct {
	// Device creates and destroys the driver objects. Required.
	Device driver.Device

	// Structure is the structural lock taken when render contexts and
	// window surfaces are created or destroyed. Nil uses a private lock.
	Structure *guard.Structure

	Features Features

	// Grace is the delayed-close grace period. Zero uses DefaultGrace.
	Grace time.Duration

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time

	// OnColorBufferDeleted is called, outside the table lock, for every
	// color buffer handle erased from the table.
	OnColorBufferDeleted func(Handle)

	// LastRefQueue is the capacity of the final-unref queue. Zero uses
	// DefaultLastRefQueue.
	LastRefQueue int
}

// windowRef is a window surface and the handle of its attached color
// buffer, 0 if none.
type windowRef struct {
	surface *resource.WindowSurface
	cb      Handle
}

// colorBufferRef is a color buffer with its guest reference count.
// closedTs is non-zero while the buffer is on the delayed-close queue.
type colorBufferRef struct {
	cb       *resource.ColorBuffer
	refcount uint32
	opened   bool
	closedTs time.Time
}

// pendingClose is a delayed-close queue entry, ordered by close time and
// then by handle.
type pendingClose struct {
	at int64
	h  Handle
}

func pendingLess(a, b pendingClose) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.h < b.h
}

// Table is the handle table. It is safe for concurrent use.
type Table struct {
	dev       driver.Device
	structure *guard.Structure
	grace     time.Duration
	now       func() time.Time
	onDeleted func(Handle)
	lastRefs  chan Handle

	mu       sync.Mutex
	features Features
	shutdown bool
	next     uint32

	contexts     map[Handle]*resource.RenderContext
	windows      map[Handle]*windowRef
	colorBuffers map[Handle]*colorBufferRef
	buffers      map[Handle]*resource.DataBuffer
	images       map[Handle]*resource.ClientImage

	pending *btree.BTreeG[pendingClose]

	procContexts     owners
	procWindows      owners
	procColorBuffers owners
	procImages       owners
	threadBuffers    owners

	cleanups map[uint64]map[any]func()
}

// New creates an empty table.
func New(opts Options) *Table {
	t := &Table{
		dev:          opts.Device,
		structure:    opts.Structure,
		grace:        opts.Grace,
		now:          opts.Now,
		onDeleted:    opts.OnColorBufferDeleted,
		features:     opts.Features,
		contexts:     make(map[Handle]*resource.RenderContext),
		windows:      make(map[Handle]*windowRef),
		colorBuffers: make(map[Handle]*colorBufferRef),
		buffers:      make(map[Handle]*resource.DataBuffer),
		images:       make(map[Handle]*resource.ClientImage),
		pending:      btree.NewG(16, pendingLess),

		procContexts:     make(owners),
		procWindows:      make(owners),
		procColorBuffers: make(owners),
		procImages:       make(owners),
		threadBuffers:    make(owners),

		cleanups: make(map[uint64]map[any]func()),
	}
	if t.structure == nil {
		t.structure = new(guard.Structure)
	}
	if t.grace <= 0 {
		t.grace = DefaultGrace
	}
	if t.now == nil {
		t.now = time.Now
	}
	n := opts.LastRefQueue
	if n <= 0 {
		n = DefaultLastRefQueue
	}
	t.lastRefs = make(chan Handle, n)
	return t
}

// Device returns the driver the table creates objects with.
func (t *Table) Device() driver.Device { return t.dev }

// Structure returns the structural lock.
func (t *Table) Structure() *guard.Structure { return t.structure }

// Features returns the current feature flags.
func (t *Table) Features() Features {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

// SetFeatures replaces the feature flags. Buffers already in the table keep
// their reference counts.
func (t *Table) SetFeatures(f Features) {
	t.mu.Lock()
	t.features = f
	t.mu.Unlock()
	slogger().Debug("registry features changed",
		"refcount_pipe", f.RefCountPipe, "no_delay_close", f.NoDelayClose, "api_level", f.APILevel)
}

func (t *Table) lock(c *ConnContext) {
	c.Token().Acquire(guard.LevelRegistry)
	t.mu.Lock()
}

func (t *Table) unlock(c *ConnContext) {
	t.mu.Unlock()
	c.Token().Release(guard.LevelRegistry)
}

// genHandleLocked returns the next handle unused by every map.
func (t *Table) genHandleLocked() Handle {
	for {
		t.next++
		h := Handle(t.next)
		if h != 0 && !t.existsLocked(h) {
			return h
		}
	}
}

func (t *Table) existsLocked(h Handle) bool {
	if _, ok := t.contexts[h]; ok {
		return true
	}
	if _, ok := t.windows[h]; ok {
		return true
	}
	if _, ok := t.colorBuffers[h]; ok {
		return true
	}
	if _, ok := t.buffers[h]; ok {
		return true
	}
	_, ok := t.images[h]
	return ok
}

// Find returns the object a handle names.
func (t *Table) Find(h Handle) (resource.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(h)
}

func (t *Table) findLocked(h Handle) (resource.Object, bool) {
	if c, ok := t.contexts[h]; ok {
		return c, true
	}
	if w, ok := t.windows[h]; ok {
		return w.surface, true
	}
	if cb, ok := t.colorBuffers[h]; ok {
		return cb.cb, true
	}
	if b, ok := t.buffers[h]; ok {
		return b, true
	}
	if img, ok := t.images[h]; ok {
		return img, true
	}
	return nil, false
}

// Stats is a snapshot of table occupancy.
type Stats struct {
	RenderContexts int
	WindowSurfaces int
	ColorBuffers   int
	DataBuffers    int
	ClientImages   int
	PendingCloses  int
	Processes      int
}

// Stats returns current occupancy.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	procs := make(map[uint64]struct{})
	for _, o := range []owners{t.procContexts, t.procWindows, t.procColorBuffers, t.procImages} {
		for id := range o {
			procs[id] = struct{}{}
		}
	}
	return Stats{
		RenderContexts: len(t.contexts),
		WindowSurfaces: len(t.windows),
		ColorBuffers:   len(t.colorBuffers),
		DataBuffers:    len(t.buffers),
		ClientImages:   len(t.images),
		PendingCloses:  t.pending.Len(),
		Processes:      len(procs),
	}
}

// Shutdown erases every object and makes every later operation fail.
func (t *Table) Shutdown() {
	var r reap
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true

	for h, w := range t.windows {
		if cb := w.surface.Detach(); cb != nil {
			r.add(cb)
		}
		delete(t.windows, h)
		r.add(w.surface)
	}
	for h, ref := range t.colorBuffers {
		delete(t.colorBuffers, h)
		r.add(ref.cb)
		r.deleted = append(r.deleted, h)
	}
	for h, img := range t.images {
		delete(t.images, h)
		r.add(img)
	}
	for h, b := range t.buffers {
		delete(t.buffers, h)
		r.add(b)
	}
	for h, c := range t.contexts {
		delete(t.contexts, h)
		r.add(c)
	}
	t.pending.Clear(false)
	for _, o := range []owners{t.procContexts, t.procWindows, t.procColorBuffers, t.procImages, t.threadBuffers} {
		clear(o)
	}
	clear(t.cleanups)
	t.mu.Unlock()

	t.release(nil, &r)
	slogger().Info("registry shut down", "released", len(r.objs))
}

// reap collects objects erased under the table lock so that their driver
// objects are dropped after it is released.
type reap struct {
	objs       []resource.Object
	structural bool
	deleted    []Handle
}

func (r *reap) add(o resource.Object) {
	switch o.Kind() {
	case resource.KindRenderContext, resource.KindWindowSurface:
		r.structural = true
	}
	r.objs = append(r.objs, o)
}

// release drops the reaped objects, taking the structural write lock when
// contexts or surfaces are among them, then reports deleted color buffers.
// It must be called without the table lock.
func (t *Table) release(c *ConnContext, r *reap) {
	if len(r.objs) > 0 {
		if r.structural {
			t.structure.Lock(c.Token())
		}
		for _, o := range r.objs {
			if err := o.Drop(); err != nil {
				slogger().Warn("release driver object failed", "kind", o.Kind(), "err", err)
			}
		}
		if r.structural {
			t.structure.Unlock(c.Token())
		}
	}
	if t.onDeleted != nil {
		for _, h := range r.deleted {
			t.onDeleted(h)
		}
	}
}
