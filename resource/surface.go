// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/emurender/driver"
)

// ErrNoColorBuffer is returned when flushing a surface with nothing attached.
var ErrNoColorBuffer = errors.New("resource: no color buffer attached")

// WindowSurface is an off-screen drawable standing in for a guest
// on-screen surface, with at most one attached color buffer.
type WindowSurface struct {
	holds
	dev    driver.Device
	id     driver.SurfaceID
	config int

	mu       sync.Mutex
	width    int
	height   int
	attached *ColorBuffer
}

// NewWindowSurface creates a surface of the given size.
func NewWindowSurface(dev driver.Device, config, width, height int) (*WindowSurface, error) {
	if !validSize(width, height) {
		return nil, fmt.Errorf("%w: surface %dx%d", driver.ErrBadRect, width, height)
	}
	id, err := dev.CreateSurface(config, width, height)
	if err != nil {
		return nil, fmt.Errorf("resource: create %dx%d surface: %w", width, height, err)
	}
	s := &WindowSurface{dev: dev, id: id, config: config, width: width, height: height}
	s.init()
	return s, nil
}

// Kind returns KindWindowSurface.
func (s *WindowSurface) Kind() Kind { return KindWindowSurface }

// ID returns the driver surface.
func (s *WindowSurface) ID() driver.SurfaceID { return s.id }

// Config returns the framebuffer configuration.
func (s *WindowSurface) Config() int { return s.config }

// Size returns the current backing store size.
func (s *WindowSurface) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Attach attaches cb, resizing the backing store to match it, and returns
// the previously attached buffer. The surface takes a host-side hold on cb
// and the caller inherits the hold on the returned buffer.
func (s *WindowSurface) Attach(cb *ColorBuffer) (*ColorBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb != nil {
		info := cb.Info()
		if info.Width != s.width || info.Height != s.height {
			if err := s.dev.ResizeSurface(s.id, info.Width, info.Height); err != nil {
				return nil, fmt.Errorf("resource: resize surface: %w", err)
			}
			s.width, s.height = info.Width, info.Height
		}
		cb.Hold()
	}
	prev := s.attached
	s.attached = cb
	return prev, nil
}

// Detach removes the attached buffer and returns it with its hold.
func (s *WindowSurface) Detach() *ColorBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.attached
	s.attached = nil
	return prev
}

// Attached returns the attached color buffer, or nil.
func (s *WindowSurface) Attached() *ColorBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Flush copies the backing store into the attached color buffer.
func (s *WindowSurface) Flush() error {
	s.mu.Lock()
	cb := s.attached
	s.mu.Unlock()

	if cb == nil {
		return ErrNoColorBuffer
	}
	return cb.blitFrom(s.id)
}

// Hold takes a host-side hold.
func (s *WindowSurface) Hold() { s.hold() }

// Drop releases a hold. The last drop destroys the driver surface and
// releases any attached color buffer.
func (s *WindowSurface) Drop() error {
	if !s.drop() {
		return nil
	}
	err := s.dev.DestroySurface(s.id)
	if cb := s.Detach(); cb != nil {
		if cerr := cb.Drop(); err == nil {
			err = cerr
		}
	}
	return err
}
