// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/gogpu/emurender/resource"
)

// DefaultReadbackDepth is the number of frames the readback worker buffers
// before it starts dropping them.
const DefaultReadbackDepth = 4

// PostFunc receives a frame posted to a display as tightly packed 4-byte
// pixels in the registered format. pixels is only valid during the call.
type PostFunc func(displayID uint32, width, height int, pixels []byte)

type postCallback struct {
	width, height int
	bgra          bool
	fn            PostFunc
	last          []byte
}

type readbackJob struct {
	display uint32
	cb      *resource.ColorBuffer
	flushed chan struct{}
}

// Readback is the readback worker. It reads posted frames back from their
// color buffers and delivers them to per-display callbacks, off the post
// worker and off the guest workers.
type Readback struct {
	jobs chan readbackJob
	done chan struct{}

	mu        sync.Mutex
	stopped   bool
	callbacks map[uint32]*postCallback
}

// NewReadback creates a readback worker buffering up to depth frames.
// depth <= 0 uses DefaultReadbackDepth.
func NewReadback(depth int) *Readback {
	if depth <= 0 {
		depth = DefaultReadbackDepth
	}
	return &Readback{
		jobs:      make(chan readbackJob, depth),
		done:      make(chan struct{}),
		callbacks: make(map[uint32]*postCallback),
	}
}

// Register installs the post callback of a display. Frames are scaled to
// width×height and delivered in glFormat, resource.GLRGBA or
// resource.GLBGRA. A display has at most one callback.
func (r *Readback) Register(displayID uint32, width, height int, glFormat uint32, fn PostFunc) error {
	if glFormat != resource.GLRGBA && glFormat != resource.GLBGRA {
		return fmt.Errorf("%w: %#x", ErrBadFormat, glFormat)
	}
	if width <= 0 || height <= 0 || fn == nil {
		return fmt.Errorf("display: bad post callback %dx%d", width, height)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callbacks[displayID] != nil {
		return ErrCallbackExists
	}
	r.callbacks[displayID] = &postCallback{
		width:  width,
		height: height,
		bgra:   glFormat == resource.GLBGRA,
		fn:     fn,
	}
	return nil
}

// Unregister removes the post callback of a display.
func (r *Readback) Unregister(displayID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callbacks[displayID] == nil {
		return false
	}
	delete(r.callbacks, displayID)
	return true
}

// Registered returns the displays with a post callback.
func (r *Readback) Registered() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.callbacks))
}

// schedule queues a readback of cb, whose hold it takes over. A full queue
// drops the frame.
func (r *Readback) schedule(displayID uint32, cb *resource.ColorBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		select {
		case r.jobs <- readbackJob{display: displayID, cb: cb}:
			return
		default:
			slogger().Debug("readback queue full, frame dropped", "display", displayID)
		}
	}
	cb.Drop()
}

// Run delivers frames until ctx is done.
func (r *Readback) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.stop()
			return nil
		case job := <-r.jobs:
			r.process(job)
		}
	}
}

func (r *Readback) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	for {
		select {
		case job := <-r.jobs:
			if job.cb != nil {
				job.cb.Drop()
			}
			if job.flushed != nil {
				close(job.flushed)
			}
		default:
			return
		}
	}
}

func (r *Readback) process(job readbackJob) {
	if job.flushed != nil {
		close(job.flushed)
		return
	}
	defer job.cb.Drop()

	r.mu.Lock()
	cbk := r.callbacks[job.display]
	var w, h int
	var bgra bool
	var fn PostFunc
	if cbk != nil {
		w, h, bgra, fn = cbk.width, cbk.height, cbk.bgra, cbk.fn
	}
	r.mu.Unlock()
	if fn == nil {
		return
	}

	img, err := job.cb.Image()
	if err != nil {
		slogger().Warn("readback failed", "display", job.display, "err", err)
		return
	}
	pix := packPixels(resize(img, w, h), 4)
	if bgra {
		for i := 0; i+3 < len(pix); i += 4 {
			pix[i], pix[i+2] = pix[i+2], pix[i]
		}
	}

	r.mu.Lock()
	if cur := r.callbacks[job.display]; cur == cbk {
		cbk.last = pix
	}
	r.mu.Unlock()

	fn(job.display, w, h, pix)
}

// ReadPixels copies the last frame delivered to the callback of a display
// into dst, after every frame already queued has been delivered.
func (r *Readback) ReadPixels(ctx context.Context, displayID uint32, dst []byte) error {
	flushed := make(chan struct{})
	select {
	case r.jobs <- readbackJob{display: displayID, flushed: flushed}:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cbk := r.callbacks[displayID]
	if cbk == nil || cbk.last == nil {
		return ErrNoFrame
	}
	if len(dst) < len(cbk.last) {
		return io.ErrShortBuffer
	}
	copy(dst, cbk.last)
	return nil
}
