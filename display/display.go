// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package display implements presentation: the table of guest displays and
// their host windows, the post worker that turns posted color buffers into
// display frames, composition of hardware composer layers, screenshots, and
// the readback worker that delivers frames to registered callbacks.
//
// Display 0 is the default display and always exists. Guests create more
// displays over the render-control protocol and bind a color buffer to each.
package display

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/gogpu/emurender/registry"
)

// Default window size of a display.
const (
	DefaultWidth  = 540
	DefaultHeight = 960
)

// DefaultDisplay is the id of the display that always exists.
const DefaultDisplay uint32 = 0

// Errors returned by the display operations.
var (
	ErrNoDisplay      = errors.New("display: no such display")
	ErrCallbackExists = errors.New("display: post callback already registered")
	ErrBadChannels    = errors.New("display: channels must be 3 or 4")
	ErrBadFormat      = errors.New("display: unsupported readback format")
	ErrNoFrame        = errors.New("display: nothing posted")
	ErrStopped        = errors.New("display: worker stopped")
)

// Pose is the placement of a display on the host screen.
type Pose struct {
	X, Y          int32
	Width, Height uint32
	DPI           uint32
}

// Window is the host window a display is shown in.
type Window struct {
	Width, Height int
	// Rotation in degrees clockwise: 0, 90, 180 or 270.
	Rotation int
	Visible  bool
}

// RotationFromOrientation maps a guest orientation code to degrees.
func RotationFromOrientation(orientation int) int {
	switch orientation {
	case 1:
		return 270
	case 2:
		return 180
	case 3:
		return 90
	default:
		return 0
	}
}

type entry struct {
	cb         registry.Handle
	pose       Pose
	window     Window
	hasWindow  bool
	lastPosted registry.Handle
}

// Table holds the displays. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	displays map[uint32]*entry
}

// NewTable creates a table holding the default display with a visible
// window of the given size. Zero sizes use the defaults.
func NewTable(width, height int) *Table {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	t := &Table{displays: make(map[uint32]*entry)}
	t.displays[DefaultDisplay] = &entry{
		pose:      Pose{Width: uint32(width), Height: uint32(height)},
		window:    Window{Width: width, Height: height, Visible: true},
		hasWindow: true,
	}
	return t
}

// Create allocates the lowest unused display id.
func (t *Table) Create() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := DefaultDisplay + 1
	for t.displays[id] != nil {
		id++
	}
	t.displays[id] = &entry{}
	slogger().Debug("display created", "display", id)
	return id
}

// Destroy removes a display. The default display cannot be destroyed.
func (t *Table) Destroy(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == DefaultDisplay || t.displays[id] == nil {
		return ErrNoDisplay
	}
	delete(t.displays, id)
	return nil
}

// IDs returns the live display ids in ascending order.
func (t *Table) IDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.displays))
}

// SetColorBuffer binds a color buffer to a display.
func (t *Table) SetColorBuffer(id uint32, cb registry.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return ErrNoDisplay
	}
	d.cb = cb
	return nil
}

// ColorBuffer returns the color buffer bound to a display.
func (t *Table) ColorBuffer(id uint32) (registry.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return 0, ErrNoDisplay
	}
	return d.cb, nil
}

// DisplayOf returns the display a color buffer is bound to.
func (t *Table) DisplayOf(cb registry.Handle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, d := range t.displays {
		if cb != 0 && d.cb == cb {
			return id, nil
		}
	}
	return 0, ErrNoDisplay
}

// Pose returns the placement of a display.
func (t *Table) Pose(id uint32) (Pose, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return Pose{}, ErrNoDisplay
	}
	return d.pose, nil
}

// SetPose places a display.
func (t *Table) SetPose(id uint32, p Pose) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return ErrNoDisplay
	}
	d.pose = p
	return nil
}

// UpdateWindow creates or resizes the window of a display. The window is
// made visible.
func (t *Table) UpdateWindow(id uint32, width, height, orientation int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return ErrNoDisplay
	}
	d.window = Window{
		Width:    width,
		Height:   height,
		Rotation: RotationFromOrientation(orientation),
		Visible:  true,
	}
	d.hasWindow = true
	return nil
}

// DeleteWindow removes the window of a display. Frames posted to it are
// dropped until a window is created again.
func (t *Table) DeleteWindow(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return ErrNoDisplay
	}
	d.window = Window{}
	d.hasWindow = false
	return nil
}

// SetVisible shows or hides the window of a display.
func (t *Table) SetVisible(id uint32, visible bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil || !d.hasWindow {
		return ErrNoDisplay
	}
	d.window.Visible = visible
	return nil
}

// Window returns the window of a display and whether it has one.
func (t *Table) Window(id uint32) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil || !d.hasWindow {
		return Window{}, false
	}
	return d.window, true
}

// LastPosted returns the color buffer most recently posted to a display.
func (t *Table) LastPosted(id uint32) registry.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.displays[id]; d != nil {
		return d.lastPosted
	}
	return 0
}

func (t *Table) setLastPosted(id uint32, cb registry.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.displays[id]
	if d == nil {
		return ErrNoDisplay
	}
	d.lastPosted = cb
	return nil
}

// Forget clears every reference to a deleted color buffer.
func (t *Table) Forget(cb registry.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.displays {
		if d.cb == cb {
			d.cb = 0
		}
		if d.lastPosted == cb {
			d.lastPosted = 0
		}
	}
}
