// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emurender/driver"
)

// GL pixel formats accepted for color buffers and pixel transfers.
const (
	GLAlpha     = 0x1906
	GLRGB       = 0x1907
	GLRGBA      = 0x1908
	GLLuminance = 0x1909
	GLRed       = 0x1903
	GLRGB8      = 0x8051
	GLRGBA8     = 0x8058
	GLR8        = 0x8229
	GLRGB565    = 0x8D62
	GLBGRA      = 0x80E1
)

// ErrBadFormat is returned for GL formats a color buffer cannot use.
var ErrBadFormat = errors.New("resource: unsupported pixel format")

// FormatFromGL maps a GL internal format to the storage format.
// Formats without alpha are stored with an opaque alpha channel.
func FormatFromGL(internal uint32) gputypes.TextureFormat {
	switch internal {
	case GLRGBA, GLRGBA8, GLRGB, GLRGB8, GLRGB565:
		return gputypes.TextureFormatRGBA8Unorm
	case GLBGRA:
		return gputypes.TextureFormatBGRA8Unorm
	case GLAlpha, GLLuminance, GLRed, GLR8:
		return gputypes.TextureFormatR8Unorm
	default:
		return gputypes.TextureFormatUndefined
	}
}

// ColorBufferInfo describes a color buffer.
type ColorBufferInfo struct {
	Width           int
	Height          int
	InternalFormat  uint32
	FrameworkFormat uint32
	Format          gputypes.TextureFormat
}

// ColorBuffer is a texture-backed pixel store.
type ColorBuffer struct {
	holds
	dev            driver.Device
	tex            driver.TextureID
	width          int
	height         int
	internalFormat uint32
	format         gputypes.TextureFormat
	fwFormat       atomic.Uint32
}

// NewColorBuffer creates a color buffer. fwFormat is the framework pixel
// format tag, opaque to the host.
func NewColorBuffer(dev driver.Device, width, height int, internalFormat, fwFormat uint32) (*ColorBuffer, error) {
	format := FormatFromGL(internalFormat)
	if format == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: %#x", ErrBadFormat, internalFormat)
	}
	if !validSize(width, height) || width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: color buffer %dx%d", driver.ErrBadRect, width, height)
	}
	tex, err := dev.CreateTexture(driver.TextureDescriptor{
		Label:  "colorbuffer",
		Width:  width,
		Height: height,
		Format: format,
	})
	if err != nil {
		return nil, fmt.Errorf("resource: create %dx%d color buffer: %w", width, height, err)
	}
	cb := &ColorBuffer{
		dev:            dev,
		tex:            tex,
		width:          width,
		height:         height,
		internalFormat: internalFormat,
		format:         format,
	}
	cb.fwFormat.Store(fwFormat)
	cb.init()
	return cb, nil
}

// Kind returns KindColorBuffer.
func (cb *ColorBuffer) Kind() Kind { return KindColorBuffer }

// Texture returns the backing driver texture.
func (cb *ColorBuffer) Texture() driver.TextureID { return cb.tex }

// Info returns the buffer description.
func (cb *ColorBuffer) Info() ColorBufferInfo {
	return ColorBufferInfo{
		Width:           cb.width,
		Height:          cb.height,
		InternalFormat:  cb.internalFormat,
		FrameworkFormat: cb.fwFormat.Load(),
		Format:          cb.format,
	}
}

// SetFrameworkFormat updates the framework pixel format tag.
func (cb *ColorBuffer) SetFrameworkFormat(f uint32) {
	cb.fwFormat.Store(f)
}

// Bounds returns the buffer rectangle.
func (cb *ColorBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, cb.width, cb.height)
}

// transferSize returns bytes per pixel for a GL transfer format compatible
// with the storage format, or 0.
func (cb *ColorBuffer) transferSize(glFormat uint32) int {
	switch FormatFromGL(glFormat) {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		if cb.format == gputypes.TextureFormatR8Unorm {
			return 0
		}
		return 4
	case gputypes.TextureFormatR8Unorm:
		if cb.format != gputypes.TextureFormatR8Unorm {
			return 0
		}
		return 1
	}
	return 0
}

// swizzled reports whether a transfer in glFormat swaps red and blue.
func (cb *ColorBuffer) swizzled(glFormat uint32) bool {
	f := FormatFromGL(glFormat)
	return cb.format != gputypes.TextureFormatR8Unorm && f != cb.format
}

// ReadSize returns the size in bytes of a rect read in glFormat, or 0 if the
// format is incompatible or rect is not inside the buffer.
func (cb *ColorBuffer) ReadSize(rect image.Rectangle, glFormat uint32) int {
	if !cb.inside(rect) {
		return 0
	}
	return rect.Dx() * rect.Dy() * cb.transferSize(glFormat)
}

// inside reports whether rect is a non-empty part of the buffer. Transfer
// sizes are only computed for such rects, so they stay below
// MaxDimension squared times four.
func (cb *ColorBuffer) inside(rect image.Rectangle) bool {
	return !rect.Empty() && rect.In(cb.Bounds())
}

// Read copies rect into dst in glFormat.
func (cb *ColorBuffer) Read(rect image.Rectangle, glFormat uint32, dst []byte) error {
	if cb.transferSize(glFormat) == 0 {
		return fmt.Errorf("%w: read %#x from %v", ErrBadFormat, glFormat, cb.format)
	}
	if !cb.inside(rect) {
		return fmt.Errorf("%w: read %v from %dx%d buffer", driver.ErrBadRect, rect, cb.width, cb.height)
	}
	if err := cb.dev.ReadTexture(cb.tex, rect, dst); err != nil {
		return err
	}
	if cb.swizzled(glFormat) {
		swapRB(dst[:cb.ReadSize(rect, glFormat)])
	}
	return nil
}

// Update copies src, in glFormat, into rect.
func (cb *ColorBuffer) Update(rect image.Rectangle, glFormat uint32, src []byte) error {
	bpp := cb.transferSize(glFormat)
	if bpp == 0 {
		return fmt.Errorf("%w: update %#x into %v", ErrBadFormat, glFormat, cb.format)
	}
	if !cb.inside(rect) {
		return fmt.Errorf("%w: update %v in %dx%d buffer", driver.ErrBadRect, rect, cb.width, cb.height)
	}
	if cb.swizzled(glFormat) {
		n := min(len(src), rect.Dx()*rect.Dy()*bpp)
		tmp := make([]byte, n)
		copy(tmp, src)
		swapRB(tmp)
		src = tmp
	}
	return cb.dev.WriteTexture(cb.tex, rect, src)
}

// Image reads the whole buffer as straight-alpha RGBA.
func (cb *ColorBuffer) Image() (*image.NRGBA, error) {
	img := image.NewNRGBA(cb.Bounds())
	if cb.format == gputypes.TextureFormatR8Unorm {
		tmp := make([]byte, cb.width*cb.height)
		if err := cb.dev.ReadTexture(cb.tex, cb.Bounds(), tmp); err != nil {
			return nil, err
		}
		for i, v := range tmp {
			img.Pix[4*i], img.Pix[4*i+3] = v, 0xff
		}
		return img, nil
	}
	if err := cb.Read(cb.Bounds(), GLRGBA, img.Pix); err != nil {
		return nil, err
	}
	return img, nil
}

// SetImage replaces the whole buffer contents from img, which must have
// the buffer's size.
func (cb *ColorBuffer) SetImage(img *image.NRGBA) error {
	if img.Rect.Dx() != cb.width || img.Rect.Dy() != cb.height {
		return fmt.Errorf("%w: image %v for %dx%d buffer", driver.ErrBadRect, img.Rect, cb.width, cb.height)
	}
	if cb.format == gputypes.TextureFormatR8Unorm {
		tmp := make([]byte, cb.width*cb.height)
		for i := range tmp {
			tmp[i] = img.Pix[4*i]
		}
		return cb.dev.WriteTexture(cb.tex, cb.Bounds(), tmp)
	}
	return cb.Update(cb.Bounds(), GLRGBA, img.Pix)
}

func (cb *ColorBuffer) blitFrom(s driver.SurfaceID) error {
	return cb.dev.BlitSurface(s, cb.tex)
}

// Hold takes a host-side hold.
func (cb *ColorBuffer) Hold() { cb.hold() }

// Drop releases a hold. The last drop destroys the texture.
func (cb *ColorBuffer) Drop() error {
	if !cb.drop() {
		return nil
	}
	return cb.dev.DestroyTexture(cb.tex)
}

func swapRB(b []byte) {
	for i := 0; i+3 < len(b); i += 4 {
		b[i], b[i+2] = b[i+2], b[i]
	}
}
