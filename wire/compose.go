// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// Compose versions.
const (
	ComposeVersion1 uint32 = 1
	ComposeVersion2 uint32 = 2
)

// maxComposeLayers bounds the layer count accepted from a guest.
const maxComposeLayers = 64

// ErrBadCompose is returned for compose payloads that cannot be decoded.
var ErrBadCompose = errors.New("wire: bad compose request")

// ComposeMode selects how a layer is sourced.
type ComposeMode uint32

// Compose modes.
const (
	ComposeModeInvalid ComposeMode = iota
	ComposeModeClient
	ComposeModeDevice
	ComposeModeSolidColor
	ComposeModeCursor
)

// BlendMode selects how a layer is blended over the layers below it.
type BlendMode uint32

// Blend modes.
const (
	BlendModeInvalid BlendMode = iota
	BlendModeNone
	BlendModePremultiplied
	BlendModeCoverage
)

// Transform is a layer transform in hardware composer terms.
type Transform uint32

// Layer transforms.
const (
	TransformNone   Transform = 0
	TransformFlipH  Transform = 1
	TransformFlipV  Transform = 2
	TransformRot90  Transform = 4
	TransformRot180 Transform = 3
	TransformRot270 Transform = 7
)

// RectF is a floating point source crop.
type RectF struct {
	Left, Top, Right, Bottom float32
}

// ComposeLayer is one layer of a compose request, bottom layer first.
type ComposeLayer struct {
	ColorBuffer  uint32
	Mode         ComposeMode
	DisplayFrame image.Rectangle
	Crop         RectF
	Blend        BlendMode
	Alpha        float32
	Color        color.NRGBA
	Transform    Transform
}

// Compose is a decoded compose request: either *ComposeV1 or *ComposeV2.
type Compose interface {
	// Version returns the wire version of the request.
	Version() uint32
	// Target returns the color buffer the layers are composed into.
	Target() uint32
	// Layers returns the layers, bottom first.
	Layers() []ComposeLayer
}

// ComposeV1 composes into a target color buffer that is posted to the
// default display.
type ComposeV1 struct {
	TargetHandle uint32
	LayerList    []ComposeLayer
}

// ComposeV2 adds the display the composed frame is destined for.
type ComposeV2 struct {
	DisplayID    uint32
	TargetHandle uint32
	LayerList    []ComposeLayer
}

func (c *ComposeV1) Version() uint32        { return ComposeVersion1 }
func (c *ComposeV1) Target() uint32         { return c.TargetHandle }
func (c *ComposeV1) Layers() []ComposeLayer { return c.LayerList }

func (c *ComposeV2) Version() uint32        { return ComposeVersion2 }
func (c *ComposeV2) Target() uint32         { return c.TargetHandle }
func (c *ComposeV2) Layers() []ComposeLayer { return c.LayerList }

// DecodeCompose decodes a compose payload into its typed variant.
func DecodeCompose(b []byte) (Compose, error) {
	a := NewArgs(b)
	version := a.Uint32()
	if a.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompose, a.Err())
	}

	var c Compose
	switch version {
	case ComposeVersion1:
		v1 := &ComposeV1{TargetHandle: a.Uint32()}
		v1.LayerList = decodeLayers(a)
		c = v1
	case ComposeVersion2:
		v2 := &ComposeV2{DisplayID: a.Uint32(), TargetHandle: a.Uint32()}
		v2.LayerList = decodeLayers(a)
		c = v2
	default:
		return nil, fmt.Errorf("%w: version %d", ErrBadCompose, version)
	}
	if a.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompose, a.Err())
	}
	return c, nil
}

func decodeLayers(a *Args) []ComposeLayer {
	n := a.Uint32()
	if a.Err() != nil {
		return nil
	}
	if n > maxComposeLayers {
		a.err = ErrShortPayload
		return nil
	}
	layers := make([]ComposeLayer, 0, n)
	for i := uint32(0); i < n && a.Err() == nil; i++ {
		var l ComposeLayer
		l.ColorBuffer = a.Uint32()
		l.Mode = ComposeMode(a.Uint32())
		left, top, right, bottom := a.Int32(), a.Int32(), a.Int32(), a.Int32()
		l.DisplayFrame = image.Rect(int(left), int(top), int(right), int(bottom))
		l.Crop = RectF{a.Float32(), a.Float32(), a.Float32(), a.Float32()}
		l.Blend = BlendMode(a.Uint32())
		l.Alpha = a.Float32()
		l.Color = color.NRGBA{R: a.Uint8(), G: a.Uint8(), B: a.Uint8(), A: a.Uint8()}
		l.Transform = Transform(a.Uint32())
		layers = append(layers, l)
	}
	return layers
}

// EncodeCompose encodes a compose request. It is the inverse of
// DecodeCompose and is used by clients and tests.
func EncodeCompose(c Compose) []byte {
	var p Payload
	p.Uint32(c.Version())
	if v2, ok := c.(*ComposeV2); ok {
		p.Uint32(v2.DisplayID)
	}
	p.Uint32(c.Target())
	p.Uint32(uint32(len(c.Layers())))
	for _, l := range c.Layers() {
		p.Uint32(l.ColorBuffer).Uint32(uint32(l.Mode))
		p.Int32(int32(l.DisplayFrame.Min.X)).Int32(int32(l.DisplayFrame.Min.Y))
		p.Int32(int32(l.DisplayFrame.Max.X)).Int32(int32(l.DisplayFrame.Max.Y))
		p.Float32(l.Crop.Left).Float32(l.Crop.Top).Float32(l.Crop.Right).Float32(l.Crop.Bottom)
		p.Uint32(uint32(l.Blend)).Float32(l.Alpha)
		p.Raw([]byte{l.Color.R, l.Color.G, l.Color.B, l.Color.A})
		p.Uint32(uint32(l.Transform))
	}
	return p.Data()
}
