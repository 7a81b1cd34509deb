// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"errors"
	"image"

	"github.com/gogpu/gputypes"
)

// Common driver errors.
var (
	// ErrDriverNotAvailable is returned when no registered driver can be created.
	ErrDriverNotAvailable = errors.New("driver: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("driver: not initialized")

	// ErrBadObject is returned when an ID does not name a live driver object.
	ErrBadObject = errors.New("driver: bad object")

	// ErrBadFormat is returned for texture formats the driver cannot store.
	ErrBadFormat = errors.New("driver: unsupported format")

	// ErrBadRect is returned when a pixel rectangle exceeds the object bounds
	// or the caller buffer is too small.
	ErrBadRect = errors.New("driver: bad rectangle")
)

// API is the client API version a render context is created for.
type API uint32

// Client API versions.
const (
	APIGLES1 API = 1
	APIGLES2 API = 2
	APIGLES3 API = 3
)

func (a API) String() string {
	switch a {
	case APIGLES1:
		return "gles1"
	case APIGLES2:
		return "gles2"
	case APIGLES3:
		return "gles3"
	default:
		return "unknown"
	}
}

// Driver object identifiers. Zero means "none" for every kind.
type (
	ContextID uint64
	SurfaceID uint64
	TextureID uint64
	BufferID  uint64
	ImageID   uint64
)

// Strings are the identification strings reported to the guest.
type Strings struct {
	Vendor     string
	Renderer   string
	Version    string
	Extensions string
}

// Config describes one framebuffer configuration a context or surface can
// be created with.
type Config struct {
	ID           int
	Format       gputypes.TextureFormat
	DepthStencil bool
}

// TextureDescriptor describes a texture backing a color buffer.
type TextureDescriptor struct {
	Label  string
	Width  int
	Height int
	Format gputypes.TextureFormat
}

// BufferDescriptor describes a flat GPU memory block.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// Device is the black-box GPU capability the renderer replays guest calls
// against. Implementations must be safe for concurrent use; per-thread
// binding state lives in Thread.
//
// Drivers are registered via Register and selected via Get or Default.
type Device interface {
	// Name returns the driver identifier (e.g., "software").
	Name() string

	// Init initializes the driver. It must be called before any other
	// operation.
	Init() error

	// Close releases all driver resources.
	Close()

	// Strings returns vendor, renderer and version strings.
	Strings() Strings

	// Configs returns the available framebuffer configurations.
	Configs() []Config

	CreateContext(config int, share ContextID, api API) (ContextID, error)
	DestroyContext(id ContextID) error

	CreateSurface(config, width, height int) (SurfaceID, error)
	ResizeSurface(id SurfaceID, width, height int) error
	DestroySurface(id SurfaceID) error

	CreateTexture(desc TextureDescriptor) (TextureID, error)
	DestroyTexture(id TextureID) error

	// ReadTexture copies rect out of the texture into dst, tightly packed in
	// the texture's format.
	ReadTexture(id TextureID, rect image.Rectangle, dst []byte) error

	// WriteTexture copies src, tightly packed, into rect of the texture.
	WriteTexture(id TextureID, rect image.Rectangle, src []byte) error

	// BlitSurface copies the surface backing store into the texture,
	// scaling if the sizes differ.
	BlitSurface(src SurfaceID, dst TextureID) error

	CreateBuffer(desc BufferDescriptor) (BufferID, error)
	DestroyBuffer(id BufferID) error

	// CreateImage creates a client image from a context-owned object.
	CreateImage(ctx ContextID, target, buffer uint32) (ImageID, error)
	DestroyImage(id ImageID) error

	// NewThread creates binding state for one worker.
	NewThread() (Thread, error)

	// Memory returns current memory accounting.
	Memory() MemoryStats
}

// Thread is the per-worker binding state of a Device: the current context
// and draw/read surfaces, and replay of decoded GLES calls against them.
// A Thread is used by one goroutine at a time.
type Thread interface {
	// MakeCurrent binds ctx with draw and read surfaces. All zero unbinds.
	MakeCurrent(ctx ContextID, draw, read SurfaceID) error

	// Execute replays one decoded call and returns its reply bytes, if any.
	Execute(api API, opcode uint32, payload []byte) ([]byte, error)

	// Release unbinds and frees the thread state.
	Release()
}

// BytesPerPixel returns the packed pixel size for formats drivers store.
// It returns 0 for formats that cannot back a color buffer.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 0
	}
}
