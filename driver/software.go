// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emurender/wire"
)

func init() {
	Register(DriverSoftware, func(opts Options) Device {
		return NewSoftware(opts)
	})
}

// glColorBufferBit is GL_COLOR_BUFFER_BIT.
const glColorBufferBit = 0x4000

// Software is a CPU driver that keeps every surface and texture in a
// Pixmap. It interprets the clear subset of GLES and accepts every other
// call as a no-op, which is enough to drive the renderer end to end without
// a host GPU.
type Software struct {
	opts   Options
	mem    *MemoryAccount
	nextID atomic.Uint64

	mu          sync.Mutex
	initialized bool
	contexts    map[ContextID]swContext
	surfaces    map[SurfaceID]*Pixmap
	textures    map[TextureID]*Pixmap
	buffers     map[BufferID]uint64
	images      map[ImageID]ContextID
}

type swContext struct {
	api    API
	share  ContextID
	config int
}

// NewSoftware creates a software driver.
func NewSoftware(opts Options) *Software {
	return &Software{opts: opts}
}

// Name returns the driver identifier.
func (s *Software) Name() string {
	return DriverSoftware
}

// Init initializes the driver.
func (s *Software) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.mem = NewMemoryAccount(s.opts.MemoryBudget)
	s.contexts = make(map[ContextID]swContext)
	s.surfaces = make(map[SurfaceID]*Pixmap)
	s.textures = make(map[TextureID]*Pixmap)
	s.buffers = make(map[BufferID]uint64)
	s.images = make(map[ImageID]ContextID)
	s.initialized = true
	return nil
}

// Close releases all driver resources.
func (s *Software) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}
	s.mem.Close()
	s.contexts = nil
	s.surfaces = nil
	s.textures = nil
	s.buffers = nil
	s.images = nil
	s.initialized = false
}

// Strings returns the identification strings.
func (s *Software) Strings() Strings {
	renderer := "emurender software rasterizer"
	if p := s.opts.Provider; p != nil {
		if info := p.AdapterInfo(); info.Name != "" {
			renderer = fmt.Sprintf("%s (%s)", info.Name, info.Type)
		}
	}
	return Strings{
		Vendor:     "gogpu",
		Renderer:   renderer,
		Version:    "OpenGL ES 3.0 emurender",
		Extensions: "GL_OES_EGL_image GL_EXT_texture_format_BGRA8888",
	}
}

// Configs returns the available framebuffer configurations.
func (s *Software) Configs() []Config {
	format := gputypes.TextureFormatRGBA8Unorm
	if p := s.opts.Provider; p != nil && BytesPerPixel(p.SurfaceFormat()) == 4 {
		format = p.SurfaceFormat()
	}
	return []Config{
		{ID: 0, Format: format, DepthStencil: true},
		{ID: 1, Format: format},
	}
}

func (s *Software) id() uint64 {
	return s.nextID.Add(1)
}

func (s *Software) validConfig(config int) bool {
	return config >= 0 && config < len(s.Configs())
}

// CreateContext creates a render context.
func (s *Software) CreateContext(config int, share ContextID, api API) (ContextID, error) {
	if !s.validConfig(config) {
		return 0, fmt.Errorf("%w: config %d", ErrBadObject, config)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if share != 0 {
		if _, ok := s.contexts[share]; !ok {
			return 0, fmt.Errorf("%w: share context %d", ErrBadObject, share)
		}
	}
	id := ContextID(s.id())
	s.contexts[id] = swContext{api: api, share: share, config: config}
	return id, nil
}

// DestroyContext destroys a render context and the images created from it.
func (s *Software) DestroyContext(id ContextID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[id]; !ok {
		return fmt.Errorf("%w: context %d", ErrBadObject, id)
	}
	delete(s.contexts, id)
	return nil
}

// CreateSurface creates an off-screen surface.
func (s *Software) CreateSurface(config, width, height int) (SurfaceID, error) {
	if !s.validConfig(config) {
		return 0, fmt.Errorf("%w: config %d", ErrBadObject, config)
	}
	size, ok := PixmapSize(width, height, gputypes.TextureFormatRGBA8Unorm)
	if !ok {
		return 0, fmt.Errorf("%w: surface %dx%d", ErrBadRect, width, height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if err := s.mem.Alloc(MemorySurface, size); err != nil {
		return 0, err
	}
	id := SurfaceID(s.id())
	s.surfaces[id] = NewPixmap(width, height, gputypes.TextureFormatRGBA8Unorm)
	return id, nil
}

// ResizeSurface reallocates a surface, discarding its contents.
func (s *Software) ResizeSurface(id SurfaceID, width, height int) error {
	size, ok := PixmapSize(width, height, gputypes.TextureFormatRGBA8Unorm)
	if !ok {
		return fmt.Errorf("%w: surface %dx%d", ErrBadRect, width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.surfaces[id]
	if !ok {
		return fmt.Errorf("%w: surface %d", ErrBadObject, id)
	}
	if pm.Width() == width && pm.Height() == height {
		return nil
	}
	if err := s.mem.Resize(MemorySurface, pm.Size(), size); err != nil {
		return err
	}
	pm.Resize(width, height)
	return nil
}

// DestroySurface destroys a surface.
func (s *Software) DestroySurface(id SurfaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.surfaces[id]
	if !ok {
		return fmt.Errorf("%w: surface %d", ErrBadObject, id)
	}
	s.mem.Free(MemorySurface, pm.Size())
	delete(s.surfaces, id)
	return nil
}

// CreateTexture creates a texture.
func (s *Software) CreateTexture(desc TextureDescriptor) (TextureID, error) {
	if BytesPerPixel(desc.Format) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrBadFormat, desc.Format)
	}
	size, ok := PixmapSize(desc.Width, desc.Height, desc.Format)
	if !ok || desc.Width == 0 || desc.Height == 0 {
		return 0, fmt.Errorf("%w: texture %dx%d", ErrBadRect, desc.Width, desc.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if err := s.mem.Alloc(MemoryTexture, size); err != nil {
		return 0, err
	}
	id := TextureID(s.id())
	s.textures[id] = NewPixmap(desc.Width, desc.Height, desc.Format)
	return id, nil
}

// DestroyTexture destroys a texture.
func (s *Software) DestroyTexture(id TextureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrBadObject, id)
	}
	s.mem.Free(MemoryTexture, pm.Size())
	delete(s.textures, id)
	return nil
}

// ReadTexture copies rect out of a texture.
func (s *Software) ReadTexture(id TextureID, rect image.Rectangle, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrBadObject, id)
	}
	return pm.ReadRect(rect, dst)
}

// WriteTexture copies src into rect of a texture.
func (s *Software) WriteTexture(id TextureID, rect image.Rectangle, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrBadObject, id)
	}
	return pm.WriteRect(rect, src)
}

// BlitSurface copies a surface into a texture.
func (s *Software) BlitSurface(src SurfaceID, dst TextureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.surfaces[src]
	if !ok {
		return fmt.Errorf("%w: surface %d", ErrBadObject, src)
	}
	tp, ok := s.textures[dst]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrBadObject, dst)
	}
	tp.DrawFrom(sp)
	return nil
}

// CreateBuffer creates a flat memory block.
func (s *Software) CreateBuffer(desc BufferDescriptor) (BufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if err := s.mem.Alloc(MemoryBuffer, desc.Size); err != nil {
		return 0, err
	}
	id := BufferID(s.id())
	s.buffers[id] = desc.Size
	return id, nil
}

// DestroyBuffer destroys a memory block.
func (s *Software) DestroyBuffer(id BufferID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, ok := s.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrBadObject, id)
	}
	s.mem.Free(MemoryBuffer, size)
	delete(s.buffers, id)
	return nil
}

// CreateImage creates a client image. Context 0 is accepted for images
// backed by native buffers.
func (s *Software) CreateImage(ctx ContextID, target, buffer uint32) (ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if ctx != 0 {
		if _, ok := s.contexts[ctx]; !ok {
			return 0, fmt.Errorf("%w: context %d", ErrBadObject, ctx)
		}
	}
	id := ImageID(s.id())
	s.images[id] = ctx
	return id, nil
}

// DestroyImage destroys a client image.
func (s *Software) DestroyImage(id ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[id]; !ok {
		return fmt.Errorf("%w: image %d", ErrBadObject, id)
	}
	delete(s.images, id)
	return nil
}

// NewThread creates per-worker binding state.
func (s *Software) NewThread() (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return &softwareThread{dev: s}, nil
}

// Memory returns memory accounting.
func (s *Software) Memory() MemoryStats {
	s.mu.Lock()
	mem := s.mem
	s.mu.Unlock()

	if mem == nil {
		return MemoryStats{}
	}
	return mem.Stats()
}

// softwareThread holds the current binding of one worker.
type softwareThread struct {
	dev      *Software
	ctx      ContextID
	draw     SurfaceID
	read     SurfaceID
	clear    color.NRGBA
	viewport image.Rectangle
}

func (t *softwareThread) MakeCurrent(ctx ContextID, draw, read SurfaceID) error {
	if ctx == 0 && draw == 0 && read == 0 {
		t.ctx, t.draw, t.read = 0, 0, 0
		return nil
	}

	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()

	if _, ok := t.dev.contexts[ctx]; !ok {
		return fmt.Errorf("%w: context %d", ErrBadObject, ctx)
	}
	for _, id := range []SurfaceID{draw, read} {
		if _, ok := t.dev.surfaces[id]; !ok {
			return fmt.Errorf("%w: surface %d", ErrBadObject, id)
		}
	}
	t.ctx, t.draw, t.read = ctx, draw, read
	return nil
}

func (t *softwareThread) Execute(api API, opcode uint32, payload []byte) ([]byte, error) {
	if t.ctx == 0 {
		return nil, nil
	}
	switch opcode {
	case wire.GLES1ClearColor, wire.GLES2ClearColor:
		if len(payload) < 16 {
			return nil, fmt.Errorf("%w: clear color payload %d bytes", ErrBadRect, len(payload))
		}
		t.clear = color.NRGBA{
			R: unitToByte(payload[0:4]),
			G: unitToByte(payload[4:8]),
			B: unitToByte(payload[8:12]),
			A: unitToByte(payload[12:16]),
		}
	case wire.GLES1Clear, wire.GLES2Clear:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: clear payload %d bytes", ErrBadRect, len(payload))
		}
		if binary.LittleEndian.Uint32(payload)&glColorBufferBit == 0 {
			return nil, nil
		}
		t.dev.mu.Lock()
		if pm, ok := t.dev.surfaces[t.draw]; ok {
			pm.Clear(t.clear)
		}
		t.dev.mu.Unlock()
	case wire.GLES1Viewport, wire.GLES2Viewport:
		if len(payload) < 16 {
			return nil, fmt.Errorf("%w: viewport payload %d bytes", ErrBadRect, len(payload))
		}
		x := int(int32(binary.LittleEndian.Uint32(payload[0:])))
		y := int(int32(binary.LittleEndian.Uint32(payload[4:])))
		w := int(int32(binary.LittleEndian.Uint32(payload[8:])))
		h := int(int32(binary.LittleEndian.Uint32(payload[12:])))
		t.viewport = image.Rect(x, y, x+w, y+h)
	case wire.GLES1Finish, wire.GLES2Finish:
		// Finish round-trips so the guest can block on it.
		return []byte{0, 0, 0, 0}, nil
	}
	return nil, nil
}

func (t *softwareThread) Release() {
	t.ctx, t.draw, t.read = 0, 0, 0
}

func unitToByte(b []byte) uint8 {
	f := math.Float32frombits(binary.LittleEndian.Uint32(b))
	switch {
	case f <= 0 || f != f:
		return 0
	case f >= 1:
		return 0xff
	default:
		return uint8(f*255 + 0.5)
	}
}

// NullProvider is a gpucontext.DeviceProvider with no host GPU. Drivers
// given a NullProvider run headless.
type NullProvider struct{}

// Device returns nil.
func (NullProvider) Device() gpucontext.Device { return nil }

// Queue returns nil.
func (NullProvider) Queue() gpucontext.Queue { return nil }

// Adapter returns nil.
func (NullProvider) Adapter() gpucontext.Adapter { return nil }

// SurfaceFormat returns TextureFormatUndefined.
func (NullProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }

// AdapterInfo reports an unknown adapter.
func (NullProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown}
}

var (
	_ Device                    = (*Software)(nil)
	_ gpucontext.DeviceProvider = NullProvider{}
)
