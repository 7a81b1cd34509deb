// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"context"

	"github.com/gogpu/emurender/registry"
)

// Screenshot is a captured display frame.
type Screenshot struct {
	Width, Height int
	Channels      int
	// Pix holds tightly packed RGB or RGBA rows, top first.
	Pix []byte
}

type shotRequest struct {
	channels      int
	width, height int
	rotation      int
	result        chan shotResult
}

type shotResult struct {
	shot Screenshot
	err  error
}

// Screenshot captures the buffer last posted to the default display, or
// the buffer bound to any other display. Zero width or height use the
// buffer size; a rotation of 90 or 270 degrees swaps the output size.
// The capture runs on the post worker after everything already queued.
func (p *Poster) Screenshot(ctx context.Context, displayID uint32, channels, width, height, rotation int) (Screenshot, error) {
	if channels != 3 && channels != 4 {
		return Screenshot{}, ErrBadChannels
	}

	var h registry.Handle
	if displayID == DefaultDisplay {
		h = p.displays.LastPosted(DefaultDisplay)
	} else {
		var err error
		if h, err = p.displays.ColorBuffer(displayID); err != nil {
			return Screenshot{}, err
		}
	}
	cb, ok := p.buffers.AcquireColorBuffer(h)
	if !ok {
		return Screenshot{}, ErrNoFrame
	}

	info := cb.Info()
	if width == 0 {
		width = info.Width
	}
	if height == 0 {
		height = info.Height
	}
	if rotation == 90 || rotation == 270 {
		width, height = height, width
	}

	req := &shotRequest{
		channels: channels,
		width:    width,
		height:   height,
		rotation: rotation,
		result:   make(chan shotResult, 1),
	}
	if !p.enqueue(command{kind: cmdScreenshot, display: displayID, cb: cb, shot: req}) {
		return Screenshot{}, ErrStopped
	}
	select {
	case r := <-req.result:
		return r.shot, r.err
	case <-ctx.Done():
		return Screenshot{}, ctx.Err()
	}
}

func (p *Poster) doScreenshot(cmd command) {
	defer cmd.cb.Drop()
	req := cmd.shot

	img, err := cmd.cb.Image()
	if err != nil {
		req.result <- shotResult{err: err}
		return
	}
	img = resize(transformNRGBA(img, rotationTransform(req.rotation)), req.width, req.height)
	req.result <- shotResult{shot: Screenshot{
		Width:    req.width,
		Height:   req.height,
		Channels: req.channels,
		Pix:      packPixels(img, req.channels),
	}}
}
