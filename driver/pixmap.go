// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"image"
	"image/color"
	"math/bits"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// Pixmap is a rectangular pixel buffer stored in one of the formats drivers
// accept for color buffers. Rows are tightly packed.
type Pixmap struct {
	width  int
	height int
	format gputypes.TextureFormat
	bpp    int
	data   []uint8
}

// MaxDimension bounds the width and height of surfaces and textures.
const MaxDimension = 16384

// PixmapSize returns the storage size in bytes of a width x height pixmap in
// format. ok is false for negative sizes, sizes above MaxDimension and
// formats that cannot be stored.
func PixmapSize(width, height int, format gputypes.TextureFormat) (size uint64, ok bool) {
	bpp := BytesPerPixel(format)
	if bpp == 0 || width < 0 || height < 0 || width > MaxDimension || height > MaxDimension {
		return 0, false
	}
	hi, px := bits.Mul64(uint64(width), uint64(height))
	if hi != 0 {
		return 0, false
	}
	hi, size = bits.Mul64(px, uint64(bpp))
	return size, hi == 0
}

// NewPixmap creates a pixmap with the given dimensions and format.
// It returns nil if PixmapSize rejects them.
func NewPixmap(width, height int, format gputypes.TextureFormat) *Pixmap {
	if _, ok := PixmapSize(width, height, format); !ok {
		return nil
	}
	bpp := BytesPerPixel(format)
	return &Pixmap{
		width:  width,
		height: height,
		format: format,
		bpp:    bpp,
		data:   make([]uint8, width*height*bpp),
	}
}

// Width returns the width of the pixmap.
func (p *Pixmap) Width() int {
	return p.width
}

// Height returns the height of the pixmap.
func (p *Pixmap) Height() int {
	return p.height
}

// Format returns the storage format.
func (p *Pixmap) Format() gputypes.TextureFormat {
	return p.format
}

// Data returns the raw pixel data.
func (p *Pixmap) Data() []uint8 {
	return p.data
}

// Size returns the storage size in bytes.
func (p *Pixmap) Size() uint64 {
	return uint64(len(p.data))
}

// Bounds returns the pixmap rectangle.
func (p *Pixmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.width, p.height)
}

// Clear fills the entire pixmap with a color.
func (p *Pixmap) Clear(c color.NRGBA) {
	px := p.encode(c)
	for i := 0; i < len(p.data); i += p.bpp {
		copy(p.data[i:i+p.bpp], px)
	}
}

// GetPixel returns the color of a single pixel.
func (p *Pixmap) GetPixel(x, y int) color.NRGBA {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return color.NRGBA{}
	}
	i := (y*p.width + x) * p.bpp
	return p.decode(p.data[i : i+p.bpp])
}

// ReadRect copies rect out into dst, tightly packed.
func (p *Pixmap) ReadRect(rect image.Rectangle, dst []byte) error {
	if !p.fits(rect, len(dst)) {
		return ErrBadRect
	}
	row := rect.Dx() * p.bpp
	for y := 0; y < rect.Dy(); y++ {
		off := ((rect.Min.Y+y)*p.width + rect.Min.X) * p.bpp
		copy(dst[y*row:(y+1)*row], p.data[off:off+row])
	}
	return nil
}

// WriteRect copies src, tightly packed, into rect.
func (p *Pixmap) WriteRect(rect image.Rectangle, src []byte) error {
	if !p.fits(rect, len(src)) {
		return ErrBadRect
	}
	row := rect.Dx() * p.bpp
	for y := 0; y < rect.Dy(); y++ {
		off := ((rect.Min.Y+y)*p.width + rect.Min.X) * p.bpp
		copy(p.data[off:off+row], src[y*row:(y+1)*row])
	}
	return nil
}

func (p *Pixmap) fits(rect image.Rectangle, n int) bool {
	if rect.Empty() || !rect.In(p.Bounds()) {
		return false
	}
	return n >= rect.Dx()*rect.Dy()*p.bpp
}

// Resize reallocates the pixmap, discarding its contents. It reports false,
// leaving the pixmap unchanged, if PixmapSize rejects the new size.
func (p *Pixmap) Resize(width, height int) bool {
	if _, ok := PixmapSize(width, height, p.format); !ok {
		return false
	}
	p.width = width
	p.height = height
	p.data = make([]uint8, width*height*p.bpp)
	return true
}

// ToImage converts the pixmap to an image.NRGBA.
func (p *Pixmap) ToImage() *image.NRGBA {
	img := image.NewNRGBA(p.Bounds())
	if p.format == gputypes.TextureFormatRGBA8Unorm {
		copy(img.Pix, p.data)
		return img
	}
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			img.SetNRGBA(x, y, p.GetPixel(x, y))
		}
	}
	return img
}

// DrawFrom scales src over the whole pixmap, replacing its contents.
func (p *Pixmap) DrawFrom(src *Pixmap) {
	if src.width == p.width && src.height == p.height {
		p.FromImage(src.ToImage())
		return
	}
	dst := image.NewNRGBA(p.Bounds())
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src.ToImage(), src.Bounds(), draw.Src, nil)
	p.FromImage(dst)
}

// FromImage replaces the pixmap contents with img, which must have the
// same size.
func (p *Pixmap) FromImage(img *image.NRGBA) {
	if p.format == gputypes.TextureFormatRGBA8Unorm && img.Stride == p.width*4 && img.Rect.Min == (image.Point{}) {
		copy(p.data, img.Pix)
		return
	}
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			c := color.NRGBA{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2], A: img.Pix[i+3]}
			o := (y*p.width + x) * p.bpp
			copy(p.data[o:o+p.bpp], p.encode(c))
		}
	}
}

func (p *Pixmap) encode(c color.NRGBA) []byte {
	switch p.format {
	case gputypes.TextureFormatBGRA8Unorm:
		return []byte{c.B, c.G, c.R, c.A}
	case gputypes.TextureFormatR8Unorm:
		return []byte{c.R}
	default:
		return []byte{c.R, c.G, c.B, c.A}
	}
}

func (p *Pixmap) decode(b []byte) color.NRGBA {
	switch p.format {
	case gputypes.TextureFormatBGRA8Unorm:
		return color.NRGBA{R: b[2], G: b[1], B: b[0], A: b[3]}
	case gputypes.TextureFormatR8Unorm:
		return color.NRGBA{R: b[0], A: 0xff}
	default:
		return color.NRGBA{R: b[0], G: b[1], B: b[2], A: b[3]}
	}
}
