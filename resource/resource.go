// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package resource wraps driver objects as the resources guests refer to by
// handle: render contexts, window surfaces, color buffers, data buffers and
// client images.
//
// Every object carries a count of host-side holds. The handle table owns
// one hold; bindings and in-flight presentation requests take more. The
// driver object is destroyed when the last hold is dropped, so an object
// erased from the table while still bound survives until it is unbound.
// Holds are unrelated to the guest-visible color buffer refcount, which the
// handle table keeps separately.
package resource

import (
	"sync/atomic"

	"github.com/gogpu/emurender/driver"
)

// Kind identifies a resource type.
type Kind uint8

// Resource kinds.
const (
	KindNone Kind = iota
	KindRenderContext
	KindWindowSurface
	KindColorBuffer
	KindDataBuffer
	KindClientImage
)

func (k Kind) String() string {
	switch k {
	case KindRenderContext:
		return "RenderContext"
	case KindWindowSurface:
		return "WindowSurface"
	case KindColorBuffer:
		return "ColorBuffer"
	case KindDataBuffer:
		return "DataBuffer"
	case KindClientImage:
		return "ClientImage"
	default:
		return "None"
	}
}

// Object is implemented by every resource.
type Object interface {
	// Kind returns the resource type.
	Kind() Kind
	// Hold takes an additional host-side hold.
	Hold()
	// Drop releases a hold, destroying the driver object on the last one.
	Drop() error
}

// holds counts host-side holds. A new object starts with one.
type holds struct {
	n atomic.Int32
}

func (h *holds) init() { h.n.Store(1) }

func (h *holds) hold() { h.n.Add(1) }

// drop reports whether this was the last hold.
func (h *holds) drop() bool {
	n := h.n.Add(-1)
	if n < 0 {
		panic("resource: hold count went negative")
	}
	return n == 0
}

// Holds returns the current number of holds, for diagnostics and tests.
func (h *holds) Holds() int32 { return h.n.Load() }

// validSize reports whether a guest-supplied size is usable for a surface
// or texture.
func validSize(width, height int) bool {
	return width >= 0 && height >= 0 && width <= driver.MaxDimension && height <= driver.MaxDimension
}
