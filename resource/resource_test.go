// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emurender/driver"
)

func newDevice(t *testing.T) *driver.Software {
	t.Helper()
	d := driver.NewSoftware(driver.Options{})
	if err := d.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestFormatFromGL(t *testing.T) {
	tests := []struct {
		gl   uint32
		want gputypes.TextureFormat
	}{
		{GLRGBA, gputypes.TextureFormatRGBA8Unorm},
		{GLRGB565, gputypes.TextureFormatRGBA8Unorm},
		{GLBGRA, gputypes.TextureFormatBGRA8Unorm},
		{GLLuminance, gputypes.TextureFormatR8Unorm},
		{0x1234, gputypes.TextureFormatUndefined},
	}
	for _, tt := range tests {
		if got := FormatFromGL(tt.gl); got != tt.want {
			t.Errorf("FormatFromGL(%#x) = %v, want %v", tt.gl, got, tt.want)
		}
	}
}

func TestColorBufferBadFormat(t *testing.T) {
	d := newDevice(t)
	if _, err := NewColorBuffer(d, 4, 4, 0x1234, 0); !errors.Is(err, ErrBadFormat) {
		t.Errorf("NewColorBuffer(bad format) error = %v, want ErrBadFormat", err)
	}
	if got := d.Memory().Textures; got != 0 {
		t.Errorf("Textures = %d after failed create, want 0", got)
	}
}

func TestColorBufferSizeLimits(t *testing.T) {
	d := newDevice(t)
	tests := []struct {
		name          string
		width, height int
	}{
		{"zero", 0, 4},
		{"negative", 4, -1},
		{"too wide", driver.MaxDimension + 1, 1},
		{"int32 max", 0x7fffffff, 0x7fffffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewColorBuffer(d, tt.width, tt.height, GLRGBA, 0); !errors.Is(err, driver.ErrBadRect) {
				t.Errorf("NewColorBuffer(%dx%d) error = %v, want ErrBadRect", tt.width, tt.height, err)
			}
		})
	}
	if _, err := NewWindowSurface(d, 0, 0x7fffffff, 1); !errors.Is(err, driver.ErrBadRect) {
		t.Errorf("NewWindowSurface(0x7fffffff x 1) error = %v, want ErrBadRect", err)
	}
	if got := d.Memory(); got.Textures != 0 || got.Surfaces != 0 {
		t.Errorf("Memory() = %+v after rejected creates, want nothing allocated", got)
	}
}

func TestColorBufferTransferOutsideBounds(t *testing.T) {
	d := newDevice(t)
	cb, err := NewColorBuffer(d, 4, 4, GLRGBA, 0)
	if err != nil {
		t.Fatal(err)
	}
	huge := image.Rect(0, 0, 0x7fffffff, 0x7fffffff)
	tests := []struct {
		name string
		rect image.Rectangle
	}{
		{"huge", huge},
		{"offset", image.Rect(3, 3, 5, 5)},
		{"empty", image.Rect(1, 1, 1, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n := cb.ReadSize(tt.rect, GLRGBA); n != 0 {
				t.Errorf("ReadSize(%v) = %d, want 0", tt.rect, n)
			}
			if err := cb.Read(tt.rect, GLRGBA, make([]byte, 64)); !errors.Is(err, driver.ErrBadRect) {
				t.Errorf("Read(%v) error = %v, want ErrBadRect", tt.rect, err)
			}
			// BGRA takes the swizzle path, which copies before writing.
			if err := cb.Update(tt.rect, GLBGRA, make([]byte, 64)); !errors.Is(err, driver.ErrBadRect) {
				t.Errorf("Update(%v) error = %v, want ErrBadRect", tt.rect, err)
			}
		})
	}
}

func TestColorBufferReadSwizzle(t *testing.T) {
	d := newDevice(t)
	cb, err := NewColorBuffer(d, 2, 1, GLRGBA, 0)
	if err != nil {
		t.Fatal(err)
	}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := cb.Update(cb.Bounds(), GLRGBA, src); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	tests := []struct {
		name   string
		format uint32
		want   []byte
	}{
		{"rgba", GLRGBA, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"bgra", GLBGRA, []byte{3, 2, 1, 4, 7, 6, 5, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, cb.ReadSize(cb.Bounds(), tt.format))
			if err := cb.Read(cb.Bounds(), tt.format, dst); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !bytes.Equal(dst, tt.want) {
				t.Errorf("Read() = %v, want %v", dst, tt.want)
			}
		})
	}

	if err := cb.Read(cb.Bounds(), GLLuminance, make([]byte, 2)); !errors.Is(err, ErrBadFormat) {
		t.Errorf("Read(luminance) error = %v, want ErrBadFormat", err)
	}
}

func TestColorBufferImageRoundTrip(t *testing.T) {
	d := newDevice(t)
	cb, _ := NewColorBuffer(d, 3, 3, GLBGRA, 1)

	img := image.NewNRGBA(cb.Bounds())
	img.SetNRGBA(1, 1, color.NRGBA{R: 9, G: 8, B: 7, A: 255})
	if err := cb.SetImage(img); err != nil {
		t.Fatalf("SetImage() error = %v", err)
	}
	got, err := cb.Image()
	if err != nil {
		t.Fatalf("Image() error = %v", err)
	}
	if c := got.NRGBAAt(1, 1); c != (color.NRGBA{R: 9, G: 8, B: 7, A: 255}) {
		t.Errorf("Image().At(1, 1) = %v, want {9 8 7 255}", c)
	}
	if err := cb.SetImage(image.NewNRGBA(image.Rect(0, 0, 1, 1))); !errors.Is(err, driver.ErrBadRect) {
		t.Errorf("SetImage(wrong size) error = %v, want ErrBadRect", err)
	}
}

func TestHoldsDeferDestroy(t *testing.T) {
	d := newDevice(t)
	cb, _ := NewColorBuffer(d, 2, 2, GLRGBA, 0)

	cb.Hold()
	if err := cb.Drop(); err != nil {
		t.Fatal(err)
	}
	if got := d.Memory().Textures; got != 1 {
		t.Fatalf("Textures = %d after first Drop, want 1", got)
	}
	if err := cb.Drop(); err != nil {
		t.Fatal(err)
	}
	if got := d.Memory().Textures; got != 0 {
		t.Errorf("Textures = %d after last Drop, want 0", got)
	}
}

func TestWindowSurfaceAttachResizes(t *testing.T) {
	d := newDevice(t)
	s, err := NewWindowSurface(d, 0, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	cb1, _ := NewColorBuffer(d, 8, 6, GLRGBA, 0)
	cb2, _ := NewColorBuffer(d, 2, 2, GLRGBA, 0)

	if prev, err := s.Attach(cb1); err != nil || prev != nil {
		t.Fatalf("Attach(cb1) = %v, %v, want nil, nil", prev, err)
	}
	if w, h := s.Size(); w != 8 || h != 6 {
		t.Errorf("Size() = %dx%d, want 8x6", w, h)
	}
	if cb1.Holds() != 2 {
		t.Errorf("cb1 holds = %d, want 2", cb1.Holds())
	}

	prev, err := s.Attach(cb2)
	if err != nil || prev != cb1 {
		t.Fatalf("Attach(cb2) = %v, %v, want cb1", prev, err)
	}
	_ = prev.Drop()
	if cb1.Holds() != 1 {
		t.Errorf("cb1 holds = %d after swap, want 1", cb1.Holds())
	}

	if err := s.Drop(); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if cb2.Holds() != 1 {
		t.Errorf("cb2 holds = %d after surface destroyed, want 1", cb2.Holds())
	}
}

func TestWindowSurfaceFlush(t *testing.T) {
	d := newDevice(t)
	s, _ := NewWindowSurface(d, 0, 2, 2)
	if err := s.Flush(); !errors.Is(err, ErrNoColorBuffer) {
		t.Errorf("Flush() without buffer error = %v, want ErrNoColorBuffer", err)
	}
	cb, _ := NewColorBuffer(d, 2, 2, GLRGBA, 0)
	if _, err := s.Attach(cb); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestRenderContextShareHold(t *testing.T) {
	d := newDevice(t)
	parent, err := NewRenderContext(d, 0, nil, driver.APIGLES2)
	if err != nil {
		t.Fatal(err)
	}
	child, err := NewRenderContext(d, 0, parent, driver.APIGLES2)
	if err != nil {
		t.Fatal(err)
	}
	if parent.Holds() != 2 {
		t.Errorf("parent holds = %d, want 2", parent.Holds())
	}
	if err := child.Drop(); err != nil {
		t.Fatal(err)
	}
	if parent.Holds() != 1 {
		t.Errorf("parent holds = %d after child destroyed, want 1", parent.Holds())
	}
}

func TestDataBufferAndImage(t *testing.T) {
	d := newDevice(t)
	b, err := NewDataBuffer(d, 128)
	if err != nil {
		t.Fatal(err)
	}
	if b.Size() != 128 || b.Kind() != KindDataBuffer {
		t.Errorf("DataBuffer = %d bytes kind %v, want 128 DataBuffer", b.Size(), b.Kind())
	}
	ctx, _ := NewRenderContext(d, 0, nil, driver.APIGLES2)
	img, err := NewClientImage(d, ctx, 0x30B1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Drop(); err != nil {
		t.Errorf("image Drop() error = %v", err)
	}
	if err := b.Drop(); err != nil {
		t.Errorf("buffer Drop() error = %v", err)
	}
	if got := d.Memory().Buffers; got != 0 {
		t.Errorf("Buffers = %d, want 0", got)
	}
}

func TestSaveRecords(t *testing.T) {
	d := newDevice(t)
	cb, _ := NewColorBuffer(d, 1, 1, GLRGBA, 3)
	_ = cb.Update(cb.Bounds(), GLRGBA, []byte{1, 2, 3, 4})

	var buf bytes.Buffer
	e := NewEncoder(&buf)
	cb.Save(e)
	if e.Err() != nil {
		t.Fatalf("Save() error = %v", e.Err())
	}

	b := buf.Bytes()
	if got := binary.LittleEndian.Uint32(b); got != uint32(KindColorBuffer) {
		t.Errorf("kind = %d, want %d", got, KindColorBuffer)
	}
	// kind, w, h, internal, fw, len, 4 pixel bytes
	if len(b) != 6*4+4 {
		t.Errorf("record size = %d, want %d", len(b), 6*4+4)
	}
	if !bytes.Equal(b[len(b)-4:], []byte{1, 2, 3, 4}) {
		t.Errorf("pixels = %v, want [1 2 3 4]", b[len(b)-4:])
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEncoderStickyError(t *testing.T) {
	e := NewEncoder(failWriter{})
	e.Uint32(1)
	e.Uint64(2)
	if e.Err() == nil || e.Err().Error() != "disk full" {
		t.Errorf("Err() = %v, want disk full", e.Err())
	}
}
