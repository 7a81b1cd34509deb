// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emurender/driver"
)

// dataBufferUsage is the usage every guest data buffer is created with.
const dataBufferUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageStorage |
	gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// DataBuffer is a flat GPU-visible memory block of fixed size. It has no
// guest refcount and is closed exactly once.
type DataBuffer struct {
	holds
	dev  driver.Device
	id   driver.BufferID
	size uint64
}

// NewDataBuffer creates a data buffer of size bytes.
func NewDataBuffer(dev driver.Device, size uint64) (*DataBuffer, error) {
	id, err := dev.CreateBuffer(driver.BufferDescriptor{
		Label: "databuffer",
		Size:  size,
		Usage: dataBufferUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("resource: create %d byte buffer: %w", size, err)
	}
	b := &DataBuffer{dev: dev, id: id, size: size}
	b.init()
	return b, nil
}

// Kind returns KindDataBuffer.
func (b *DataBuffer) Kind() Kind { return KindDataBuffer }

// ID returns the driver buffer.
func (b *DataBuffer) ID() driver.BufferID { return b.id }

// Size returns the size in bytes.
func (b *DataBuffer) Size() uint64 { return b.size }

// Hold takes a host-side hold.
func (b *DataBuffer) Hold() { b.hold() }

// Drop releases a hold. The last drop destroys the buffer.
func (b *DataBuffer) Drop() error {
	if !b.drop() {
		return nil
	}
	return b.dev.DestroyBuffer(b.id)
}

// ClientImage is an image created from a context-owned object and shared
// across contexts.
type ClientImage struct {
	holds
	dev    driver.Device
	id     driver.ImageID
	ctx    *RenderContext
	target uint32
	buffer uint32
}

// NewClientImage creates an image. ctx may be nil for native buffers.
func NewClientImage(dev driver.Device, ctx *RenderContext, target, buffer uint32) (*ClientImage, error) {
	var ctxID driver.ContextID
	if ctx != nil {
		ctxID = ctx.ID()
	}
	id, err := dev.CreateImage(ctxID, target, buffer)
	if err != nil {
		return nil, fmt.Errorf("resource: create image target %#x: %w", target, err)
	}
	img := &ClientImage{dev: dev, id: id, ctx: ctx, target: target, buffer: buffer}
	img.init()
	if ctx != nil {
		ctx.Hold()
	}
	return img, nil
}

// Kind returns KindClientImage.
func (img *ClientImage) Kind() Kind { return KindClientImage }

// ID returns the driver image.
func (img *ClientImage) ID() driver.ImageID { return img.id }

// Context returns the source context, or nil.
func (img *ClientImage) Context() *RenderContext { return img.ctx }

// Target returns the image target.
func (img *ClientImage) Target() uint32 { return img.target }

// Hold takes a host-side hold.
func (img *ClientImage) Hold() { img.hold() }

// Drop releases a hold. The last drop destroys the image and releases its
// hold on the source context.
func (img *ClientImage) Drop() error {
	if !img.drop() {
		return nil
	}
	err := img.dev.DestroyImage(img.id)
	if img.ctx != nil {
		if cerr := img.ctx.Drop(); err == nil {
			err = cerr
		}
	}
	return err
}
