// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/gogpu/emurender/wire"
)

// transformPix returns the 4-byte pixels of a w×h image transformed by tr
// and the transformed size. Flips are applied before the clockwise
// quarter turn, as a hardware composer does.
func transformPix(pix []byte, stride, w, h int, tr wire.Transform) ([]byte, int, int) {
	flipH := tr&wire.TransformFlipH != 0
	flipV := tr&wire.TransformFlipV != 0
	rot := tr&wire.TransformRot90 != 0

	ow, oh := w, h
	if rot {
		ow, oh = h, w
	}
	out := make([]byte, ow*oh*4)
	for dy := range oh {
		for dx := range ow {
			x, y := dx, dy
			if rot {
				x, y = dy, h-1-dx
			}
			if flipH {
				x = w - 1 - x
			}
			if flipV {
				y = h - 1 - y
			}
			s := y*stride + x*4
			d := (dy*ow + dx) * 4
			copy(out[d:d+4], pix[s:s+4])
		}
	}
	return out, ow, oh
}

// rotationTransform maps clockwise degrees to a transform.
func rotationTransform(degrees int) wire.Transform {
	switch degrees {
	case 90:
		return wire.TransformRot90
	case 180:
		return wire.TransformRot180
	case 270:
		return wire.TransformRot270
	default:
		return wire.TransformNone
	}
}

// transformNRGBA applies tr to img.
func transformNRGBA(img *image.NRGBA, tr wire.Transform) *image.NRGBA {
	if tr == wire.TransformNone {
		return img
	}
	b := img.Rect
	pix, w, h := transformPix(img.Pix[img.PixOffset(b.Min.X, b.Min.Y):], img.Stride, b.Dx(), b.Dy(), tr)
	return &image.NRGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

// resize returns src scaled to w×h. A source of that size is returned as is.
func resize(src *image.NRGBA, w, h int) *image.NRGBA {
	if src.Rect.Dx() == w && src.Rect.Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

// crop returns the part of img selected by a floating point crop. An empty
// crop selects the whole image.
func crop(img *image.NRGBA, c wire.RectF) *image.NRGBA {
	r := image.Rect(int(c.Left+0.5), int(c.Top+0.5), int(c.Right+0.5), int(c.Bottom+0.5))
	r = r.Intersect(img.Rect)
	if r.Empty() {
		return img
	}
	return img.SubImage(r).(*image.NRGBA)
}

// packPixels writes img as tightly packed 3 or 4 channel RGBA bytes.
func packPixels(img *image.NRGBA, channels int) []byte {
	b := img.Rect
	out := make([]byte, 0, b.Dx()*b.Dy()*channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		if channels == 4 {
			out = append(out, row...)
			continue
		}
		for i := 0; i < len(row); i += 4 {
			out = append(out, row[i], row[i+1], row[i+2])
		}
	}
	return out
}
