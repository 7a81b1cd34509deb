// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

// Poster is the post worker. Guest workers enqueue presentation commands
// and return; a single goroutine running Run executes them in order,
// rendering posted color buffers into per-display frames.
type Poster struct {
	displays *Table
	buffers  ColorBuffers
	readback *Readback
	q        *queue

	posted atomic.Bool

	mu     sync.Mutex
	frames map[uint32]*image.NRGBA
}

// NewPoster creates a post worker. readback may be nil when no frame
// callbacks are needed.
func NewPoster(displays *Table, buffers ColorBuffers, readback *Readback) *Poster {
	return &Poster{
		displays: displays,
		buffers:  buffers,
		readback: readback,
		q:        newQueue(),
		frames:   make(map[uint32]*image.NRGBA),
	}
}

// Displays returns the display table.
func (p *Poster) Displays() *Table { return p.displays }

// Run executes commands until an exit command is processed or ctx is
// done. Commands still queued at that point are discarded.
func (p *Poster) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { p.discard(p.q.close()) })
	defer stop()

	slogger().Debug("post worker started")
	defer slogger().Debug("post worker stopped")
	for {
		cmd, ok := p.q.pop()
		if !ok {
			return nil
		}
		exit := p.exec(cmd)
		p.q.finish()
		if exit {
			p.discard(p.q.close())
			return nil
		}
	}
}

// Stop asks the worker to exit after the commands already queued.
func (p *Poster) Stop() {
	p.q.push(command{kind: cmdExit})
}

// WaitQueued blocks until every command queued so far has been executed.
func (p *Poster) WaitQueued() {
	p.q.wait()
}

func (p *Poster) enqueue(cmd command) bool {
	if !p.q.push(cmd) {
		cmd.release()
		return false
	}
	return true
}

func (p *Poster) discard(cmds []command) {
	for i := range cmds {
		cmds[i].release()
	}
}

// Post presents a color buffer on a display and delivers the frame to the
// registered post callbacks. Posting counts as opening the buffer. It
// reports false for an unknown display or color buffer.
func (p *Poster) Post(displayID uint32, h registry.Handle) bool {
	return p.post(displayID, h, true)
}

// Repost presents the last color buffer posted to a display again.
func (p *Poster) Repost(displayID uint32) bool {
	h := p.displays.LastPosted(displayID)
	if h == 0 {
		return false
	}
	return p.post(displayID, h, false)
}

func (p *Poster) post(displayID uint32, h registry.Handle, guest bool) bool {
	cb, ok := p.buffers.AcquirePosted(h)
	if !ok {
		slogger().Warn("post: bad color buffer", "display", displayID, "handle", h)
		return false
	}
	if err := p.displays.setLastPosted(displayID, h); err != nil {
		cb.Drop()
		slogger().Warn("post: bad display", "display", displayID, "handle", h)
		return false
	}
	p.scheduleReadbacks(displayID, cb)
	return p.enqueue(command{kind: cmdPost, display: displayID, cb: cb, guest: guest})
}

// scheduleReadbacks hands the frame to every registered callback: the
// posting display gets cb, others get the buffer currently bound to them.
func (p *Poster) scheduleReadbacks(displayID uint32, cb *resource.ColorBuffer) {
	if p.readback == nil {
		return
	}
	for _, id := range p.readback.Registered() {
		if id == displayID {
			cb.Hold()
			p.readback.schedule(id, cb)
			continue
		}
		bound, err := p.displays.ColorBuffer(id)
		if err != nil || bound == 0 {
			continue
		}
		other, ok := p.buffers.AcquireColorBuffer(bound)
		if !ok {
			slogger().Debug("post callback: display buffer gone", "display", id, "handle", bound)
			continue
		}
		p.readback.schedule(id, other)
	}
}

// Compose queues composition of req. Version 1 and version 2 requests for
// the default display then post the target there; a version 2 request for
// another display binds the target to that display instead.
func (p *Poster) Compose(req wire.Compose) bool {
	displayID := DefaultDisplay
	if v2, ok := req.(*wire.ComposeV2); ok {
		displayID = v2.DisplayID
	}
	if displayID != DefaultDisplay {
		if err := p.displays.SetColorBuffer(displayID, registry.Handle(req.Target())); err != nil {
			slogger().Warn("compose: bad display", "display", displayID)
			return false
		}
	}
	if !p.enqueue(command{kind: cmdCompose, compose: req}) {
		return false
	}
	if displayID == DefaultDisplay {
		return p.post(DefaultDisplay, registry.Handle(req.Target()), true)
	}
	return true
}

// Viewport resizes the frame of a display.
func (p *Poster) Viewport(displayID uint32, width, height int) bool {
	return p.enqueue(command{kind: cmdViewport, display: displayID, width: width, height: height})
}

// Clear blanks the frame of a display.
func (p *Poster) Clear(displayID uint32) bool {
	return p.enqueue(command{kind: cmdClear, display: displayID})
}

// UpdateWindow resizes or creates the window of a display, blanks it and
// presents the last posted buffer again.
func (p *Poster) UpdateWindow(displayID uint32, width, height, orientation int) error {
	if err := p.displays.UpdateWindow(displayID, width, height, orientation); err != nil {
		return err
	}
	if !p.Viewport(displayID, width, height) || !p.Clear(displayID) {
		return ErrStopped
	}
	p.Repost(displayID)
	return nil
}

// DeleteWindow removes the window of a display and its frame.
func (p *Poster) DeleteWindow(displayID uint32) error {
	if err := p.displays.DeleteWindow(displayID); err != nil {
		return err
	}
	p.Viewport(displayID, 0, 0)
	return nil
}

// HasGuestPostedFrame reports whether a guest post has been presented
// since the last reset.
func (p *Poster) HasGuestPostedFrame() bool { return p.posted.Load() }

// ResetGuestPostedFrame clears the guest posted frame flag.
func (p *Poster) ResetGuestPostedFrame() { p.posted.Store(false) }

// Frame returns a copy of the current frame of a display.
func (p *Poster) Frame(displayID uint32) (*image.NRGBA, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.frames[displayID]
	if f == nil {
		return nil, false
	}
	out := image.NewNRGBA(f.Rect)
	copy(out.Pix, f.Pix)
	return out, true
}

func (p *Poster) setFrame(displayID uint32, f *image.NRGBA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == nil {
		delete(p.frames, displayID)
		return
	}
	p.frames[displayID] = f
}

// exec runs one command on the worker goroutine and reports whether the
// worker should exit.
func (p *Poster) exec(cmd command) bool {
	switch cmd.kind {
	case cmdPost:
		p.doPost(cmd)
	case cmdViewport:
		if cmd.width <= 0 || cmd.height <= 0 {
			p.setFrame(cmd.display, nil)
			break
		}
		p.setFrame(cmd.display, blank(cmd.width, cmd.height))
	case cmdClear:
		p.mu.Lock()
		if f := p.frames[cmd.display]; f != nil {
			draw.Draw(f, f.Rect, image.NewUniform(color.NRGBA{A: 0xff}), image.Point{}, draw.Src)
		}
		p.mu.Unlock()
	case cmdCompose:
		if err := composeFrame(p.buffers, cmd.compose); err != nil {
			slogger().Warn("compose failed", "err", err)
		}
	case cmdScreenshot:
		p.doScreenshot(cmd)
	case cmdExit:
		return true
	}
	return false
}

func (p *Poster) doPost(cmd command) {
	defer cmd.cb.Drop()

	win, ok := p.displays.Window(cmd.display)
	if !ok || !win.Visible {
		slogger().Debug("post dropped: no visible window", "display", cmd.display)
		return
	}
	img, err := cmd.cb.Image()
	if err != nil {
		slogger().Warn("post: read color buffer", "display", cmd.display, "err", err)
		return
	}
	img = transformNRGBA(img, rotationTransform(win.Rotation))
	if win.Width > 0 && win.Height > 0 {
		img = resize(img, win.Width, win.Height)
	}
	p.setFrame(cmd.display, img)
	if cmd.guest {
		p.posted.Store(true)
	}
}

func blank(w, h int) *image.NRGBA {
	f := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(f.Pix); i += 4 {
		f.Pix[i] = 0xff
	}
	return f
}
