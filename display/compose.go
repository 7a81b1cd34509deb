// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/gogpu/emurender/internal/blend"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

// ColorBuffers resolves color buffer handles. *registry.Table implements it.
type ColorBuffers interface {
	// AcquireColorBuffer returns a held buffer; the caller drops it.
	AcquireColorBuffer(h registry.Handle) (*resource.ColorBuffer, bool)
	// AcquirePosted is AcquireColorBuffer for a buffer about to be shown.
	AcquirePosted(h registry.Handle) (*resource.ColorBuffer, bool)
}

// composeFrame renders the layers of req, bottom first, into its target
// color buffer. The target starts out transparent. Layers whose buffer
// cannot be resolved are skipped.
func composeFrame(buffers ColorBuffers, req wire.Compose) error {
	target, ok := buffers.AcquireColorBuffer(registry.Handle(req.Target()))
	if !ok {
		return fmt.Errorf("%w: compose target %#x", registry.ErrBadHandle, req.Target())
	}
	defer target.Drop()

	frame := image.NewRGBA(target.Bounds())
	for i, l := range req.Layers() {
		if err := composeLayer(buffers, frame, l); err != nil {
			slogger().Warn("compose layer skipped", "layer", i, "err", err)
		}
	}

	out := image.NewNRGBA(frame.Rect)
	draw.Draw(out, out.Rect, frame, image.Point{}, draw.Src)
	return target.SetImage(out)
}

func composeLayer(buffers ColorBuffers, frame *image.RGBA, l wire.ComposeLayer) error {
	df := l.DisplayFrame
	dr := df.Intersect(frame.Rect)
	if dr.Empty() {
		return nil
	}

	var src *image.NRGBA
	switch l.Mode {
	case wire.ComposeModeSolidColor:
		src = image.NewNRGBA(image.Rect(0, 0, df.Dx(), df.Dy()))
		draw.Draw(src, src.Rect, image.NewUniform(l.Color), image.Point{}, draw.Src)
	case wire.ComposeModeClient, wire.ComposeModeDevice, wire.ComposeModeCursor:
		cb, ok := buffers.AcquireColorBuffer(registry.Handle(l.ColorBuffer))
		if !ok {
			return fmt.Errorf("%w: layer color buffer %#x", registry.ErrBadHandle, l.ColorBuffer)
		}
		img, err := cb.Image()
		cb.Drop()
		if err != nil {
			return err
		}
		img = transformNRGBA(crop(img, l.Crop), l.Transform)
		src = resize(img, df.Dx(), df.Dy())
	default:
		return fmt.Errorf("%w: layer mode %d", wire.ErrBadCompose, l.Mode)
	}

	mode := blend.SourceOver
	if l.Blend == wire.BlendModeNone {
		mode = blend.Source
	}
	alpha := planeAlpha(l.Alpha)

	row := make([]byte, dr.Dx()*4)
	sx := src.Rect.Min.X + dr.Min.X - df.Min.X
	for y := dr.Min.Y; y < dr.Max.Y; y++ {
		sy := src.Rect.Min.Y + y - df.Min.Y
		copy(row, src.Pix[src.PixOffset(sx, sy):])
		switch l.Blend {
		case wire.BlendModeNone:
			blend.Opaque(row)
		case wire.BlendModeCoverage:
			blend.Premultiply(row)
		}
		dst := frame.Pix[frame.PixOffset(dr.Min.X, y):frame.PixOffset(dr.Max.X, y)]
		blend.Row(dst, row, mode, alpha)
	}
	return nil
}

// planeAlpha converts a [0,1] plane alpha to a byte.
func planeAlpha(a float32) byte {
	switch {
	case a <= 0:
		return 0
	case a >= 1:
		return 255
	default:
		return byte(a*255 + 0.5)
	}
}
