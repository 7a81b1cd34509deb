// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package display

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

var (
	red  = []byte{255, 0, 0, 255}
	blue = []byte{0, 0, 255, 255}
)

func newRegistry(t *testing.T) *registry.Table {
	t.Helper()
	dev := driver.NewSoftware(driver.Options{})
	if err := dev.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(dev.Close)
	return registry.New(registry.Options{Device: dev, Features: registry.Features{APILevel: 30}})
}

// filled creates a w×h color buffer holding the given pixels, repeated.
func filled(t *testing.T, tbl *registry.Table, w, h int, px ...[]byte) registry.Handle {
	t.Helper()
	cb := tbl.CreateColorBuffer(nil, w, h, resource.GLRGBA, 0)
	if cb == 0 {
		t.Fatal("CreateColorBuffer() = 0")
	}
	var pix []byte
	for i := 0; i < w*h; i++ {
		pix = append(pix, px[i%len(px)]...)
	}
	if err := tbl.UpdateColorBuffer(cb, image.Rect(0, 0, w, h), resource.GLRGBA, pix); err != nil {
		t.Fatalf("UpdateColorBuffer() error = %v", err)
	}
	return cb
}

func pixelAt(t *testing.T, tbl *registry.Table, h registry.Handle, x, y int) []byte {
	t.Helper()
	px := make([]byte, 4)
	if err := tbl.ReadColorBuffer(h, image.Rect(x, y, x+1, y+1), resource.GLRGBA, px); err != nil {
		t.Fatalf("ReadColorBuffer() error = %v", err)
	}
	return px
}

func startPoster(t *testing.T, p *Poster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func startReadback(t *testing.T, r *Readback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRotationFromOrientation(t *testing.T) {
	tests := []struct {
		orientation, want int
	}{
		{0, 0},
		{1, 270},
		{2, 180},
		{3, 90},
		{7, 0},
	}
	for _, tt := range tests {
		if got := RotationFromOrientation(tt.orientation); got != tt.want {
			t.Errorf("RotationFromOrientation(%d) = %d, want %d", tt.orientation, got, tt.want)
		}
	}
}

func TestTableDisplays(t *testing.T) {
	tbl := NewTable(0, 0)

	w, ok := tbl.Window(DefaultDisplay)
	if !ok || w.Width != DefaultWidth || w.Height != DefaultHeight || !w.Visible {
		t.Errorf("Window(0) = %+v, %v, want visible %dx%d", w, ok, DefaultWidth, DefaultHeight)
	}
	if err := tbl.Destroy(DefaultDisplay); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("Destroy(0) error = %v, want ErrNoDisplay", err)
	}

	a, b := tbl.Create(), tbl.Create()
	if a != 1 || b != 2 {
		t.Fatalf("Create() = %d, %d, want 1, 2", a, b)
	}
	if err := tbl.Destroy(a); err != nil {
		t.Fatalf("Destroy(%d) error = %v", a, err)
	}
	if got := tbl.Create(); got != a {
		t.Errorf("Create() after destroy = %d, want reused %d", got, a)
	}

	if err := tbl.SetColorBuffer(b, 42); err != nil {
		t.Fatalf("SetColorBuffer() error = %v", err)
	}
	if id, err := tbl.DisplayOf(42); err != nil || id != b {
		t.Errorf("DisplayOf(42) = %d, %v, want %d", id, err, b)
	}
	if _, err := tbl.DisplayOf(43); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("DisplayOf(43) error = %v, want ErrNoDisplay", err)
	}
	tbl.Forget(42)
	if cb, _ := tbl.ColorBuffer(b); cb != 0 {
		t.Errorf("ColorBuffer() after Forget = %d, want 0", cb)
	}

	pose := Pose{X: 10, Y: 20, Width: 300, Height: 400, DPI: 160}
	if err := tbl.SetPose(b, pose); err != nil {
		t.Fatalf("SetPose() error = %v", err)
	}
	if got, _ := tbl.Pose(b); got != pose {
		t.Errorf("Pose() = %+v, want %+v", got, pose)
	}
	if err := tbl.SetPose(99, pose); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("SetPose(99) error = %v, want ErrNoDisplay", err)
	}
}

func TestTableWindows(t *testing.T) {
	tbl := NewTable(0, 0)
	id := tbl.Create()

	if _, ok := tbl.Window(id); ok {
		t.Error("new display has a window")
	}
	if err := tbl.SetVisible(id, true); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("SetVisible() without window error = %v, want ErrNoDisplay", err)
	}
	if err := tbl.UpdateWindow(id, 720, 1280, 1); err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	want := Window{Width: 720, Height: 1280, Rotation: 270, Visible: true}
	if got, _ := tbl.Window(id); got != want {
		t.Errorf("Window() = %+v, want %+v", got, want)
	}
	tbl.SetVisible(id, false)
	if got, _ := tbl.Window(id); got.Visible {
		t.Error("window visible after SetVisible(false)")
	}
	tbl.DeleteWindow(id)
	if _, ok := tbl.Window(id); ok {
		t.Error("window present after DeleteWindow")
	}
}

func TestTransformPix(t *testing.T) {
	a, b := byte(1), byte(2)
	// A 2x1 image: a b.
	src := []byte{a, a, a, a, b, b, b, b}

	tests := []struct {
		tr   wire.Transform
		w, h int
		want []byte // first byte of each output pixel
	}{
		{wire.TransformNone, 2, 1, []byte{a, b}},
		{wire.TransformFlipH, 2, 1, []byte{b, a}},
		{wire.TransformFlipV, 2, 1, []byte{a, b}},
		{wire.TransformRot180, 2, 1, []byte{b, a}},
		{wire.TransformRot90, 1, 2, []byte{a, b}},
		{wire.TransformRot270, 1, 2, []byte{b, a}},
	}
	for _, tt := range tests {
		out, w, h := transformPix(src, 8, 2, 1, tt.tr)
		if w != tt.w || h != tt.h {
			t.Errorf("transformPix(%d) size = %dx%d, want %dx%d", tt.tr, w, h, tt.w, tt.h)
			continue
		}
		var got []byte
		for i := 0; i < len(out); i += 4 {
			got = append(got, out[i])
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("transformPix(%d) = %v, want %v", tt.tr, got, tt.want)
		}
	}
}

func TestPostRendersFrame(t *testing.T) {
	reg := newRegistry(t)
	displays := NewTable(4, 4)
	p := NewPoster(displays, reg, nil)
	startPoster(t, p)

	cb := filled(t, reg, 2, 2, red)
	if !p.Post(DefaultDisplay, cb) {
		t.Fatal("Post() = false")
	}
	p.WaitQueued()

	f, ok := p.Frame(DefaultDisplay)
	if !ok {
		t.Fatal("no frame after post")
	}
	if f.Rect != image.Rect(0, 0, 4, 4) {
		t.Errorf("frame bounds = %v, want 4x4", f.Rect)
	}
	if got := f.NRGBAAt(2, 2); got != (color.NRGBA{255, 0, 0, 255}) {
		t.Errorf("frame pixel = %v, want red", got)
	}
	if !p.HasGuestPostedFrame() {
		t.Error("HasGuestPostedFrame() = false after post")
	}
	if got := displays.LastPosted(DefaultDisplay); got != cb {
		t.Errorf("LastPosted() = %d, want %d", got, cb)
	}

	p.ResetGuestPostedFrame()
	if !p.Repost(DefaultDisplay) {
		t.Fatal("Repost() = false")
	}
	p.WaitQueued()
	if p.HasGuestPostedFrame() {
		t.Error("repost counted as a guest frame")
	}

	if p.Post(DefaultDisplay, cb+100) {
		t.Error("Post(bad handle) = true")
	}
	if p.Post(7, cb) {
		t.Error("Post(bad display) = true")
	}
}

func TestPostRotatesIntoWindow(t *testing.T) {
	reg := newRegistry(t)
	p := NewPoster(NewTable(0, 0), reg, nil)
	startPoster(t, p)

	cb := filled(t, reg, 2, 1, red, blue)
	if err := p.UpdateWindow(DefaultDisplay, 1, 2, 3); err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	p.Post(DefaultDisplay, cb)
	p.WaitQueued()

	f, _ := p.Frame(DefaultDisplay)
	if f.Rect != image.Rect(0, 0, 1, 2) {
		t.Fatalf("frame bounds = %v, want 1x2", f.Rect)
	}
	if top, bottom := f.NRGBAAt(0, 0), f.NRGBAAt(0, 1); top.R != 255 || bottom.B != 255 {
		t.Errorf("rotated frame = %v, %v, want red above blue", top, bottom)
	}
}

func TestPostSkipsHiddenWindow(t *testing.T) {
	reg := newRegistry(t)
	displays := NewTable(2, 2)
	p := NewPoster(displays, reg, nil)
	startPoster(t, p)

	displays.SetVisible(DefaultDisplay, false)
	p.Post(DefaultDisplay, filled(t, reg, 2, 2, red))
	p.WaitQueued()
	if _, ok := p.Frame(DefaultDisplay); ok {
		t.Error("hidden window received a frame")
	}
	if p.HasGuestPostedFrame() {
		t.Error("HasGuestPostedFrame() = true for dropped post")
	}
}

func TestCompose(t *testing.T) {
	reg := newRegistry(t)
	p := NewPoster(NewTable(4, 4), reg, nil)
	startPoster(t, p)

	target := filled(t, reg, 4, 4, []byte{9, 9, 9, 9})
	layer := filled(t, reg, 2, 2, red)

	req := &wire.ComposeV1{
		TargetHandle: uint32(target),
		LayerList: []wire.ComposeLayer{
			{
				Mode:         wire.ComposeModeSolidColor,
				DisplayFrame: image.Rect(0, 0, 4, 4),
				Blend:        wire.BlendModeNone,
				Alpha:        1,
				Color:        color.NRGBA{0, 0, 255, 255},
			},
			{
				ColorBuffer:  uint32(layer),
				Mode:         wire.ComposeModeClient,
				DisplayFrame: image.Rect(0, 0, 2, 2),
				Crop:         wire.RectF{Right: 2, Bottom: 2},
				Blend:        wire.BlendModePremultiplied,
				Alpha:        1,
			},
			{
				Mode:         wire.ComposeModeSolidColor,
				DisplayFrame: image.Rect(2, 2, 4, 4),
				Blend:        wire.BlendModeCoverage,
				Alpha:        1,
				Color:        color.NRGBA{0, 255, 0, 128},
			},
		},
	}
	if !p.Compose(req) {
		t.Fatal("Compose() = false")
	}
	p.WaitQueued()

	tests := []struct {
		x, y int
		want []byte
	}{
		{0, 0, red},
		{1, 1, red},
		{3, 0, blue},
		{0, 3, blue},
		{3, 3, []byte{0, 128, 127, 255}},
	}
	for _, tt := range tests {
		if got := pixelAt(t, reg, target, tt.x, tt.y); !bytes.Equal(got, tt.want) {
			t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
	if got := p.Displays().LastPosted(DefaultDisplay); got != target {
		t.Errorf("LastPosted() = %d, want composed target %d", got, target)
	}
}

func TestComposeV2BindsDisplay(t *testing.T) {
	reg := newRegistry(t)
	displays := NewTable(4, 4)
	p := NewPoster(displays, reg, nil)
	startPoster(t, p)

	id := displays.Create()
	target := filled(t, reg, 2, 2, red)
	if !p.Compose(&wire.ComposeV2{DisplayID: id, TargetHandle: uint32(target)}) {
		t.Fatal("Compose(v2) = false")
	}
	p.WaitQueued()

	if got, _ := displays.ColorBuffer(id); got != target {
		t.Errorf("ColorBuffer(%d) = %d, want %d", id, got, target)
	}
	if got := displays.LastPosted(DefaultDisplay); got != 0 {
		t.Errorf("compose for display %d posted to the default display", id)
	}
	if p.Compose(&wire.ComposeV2{DisplayID: 99, TargetHandle: uint32(target)}) {
		t.Error("Compose() for a missing display = true")
	}
}

func TestScreenshot(t *testing.T) {
	reg := newRegistry(t)
	p := NewPoster(NewTable(2, 1), reg, nil)
	startPoster(t, p)
	ctx := context.Background()

	if _, err := p.Screenshot(ctx, DefaultDisplay, 4, 0, 0, 0); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Screenshot() before post error = %v, want ErrNoFrame", err)
	}
	if _, err := p.Screenshot(ctx, DefaultDisplay, 2, 0, 0, 0); !errors.Is(err, ErrBadChannels) {
		t.Errorf("Screenshot(2 channels) error = %v, want ErrBadChannels", err)
	}

	p.Post(DefaultDisplay, filled(t, reg, 2, 1, red, blue))

	tests := []struct {
		name          string
		channels      int
		width, height int
		rotation      int
		wantW, wantH  int
		want          []byte
	}{
		{"rgba", 4, 0, 0, 0, 2, 1, append(append([]byte{}, red...), blue...)},
		{"rgb", 3, 0, 0, 0, 2, 1, []byte{255, 0, 0, 0, 0, 255}},
		{"rotated", 3, 0, 0, 90, 1, 2, []byte{255, 0, 0, 0, 0, 255}},
		{"scaled", 4, 4, 2, 0, 4, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shot, err := p.Screenshot(ctx, DefaultDisplay, tt.channels, tt.width, tt.height, tt.rotation)
			if err != nil {
				t.Fatalf("Screenshot() error = %v", err)
			}
			if shot.Width != tt.wantW || shot.Height != tt.wantH {
				t.Errorf("Screenshot() size = %dx%d, want %dx%d", shot.Width, shot.Height, tt.wantW, tt.wantH)
			}
			if n := tt.wantW * tt.wantH * tt.channels; len(shot.Pix) != n {
				t.Errorf("len(Pix) = %d, want %d", len(shot.Pix), n)
			}
			if tt.want != nil && !bytes.Equal(shot.Pix, tt.want) {
				t.Errorf("Pix = %v, want %v", shot.Pix, tt.want)
			}
		})
	}
}

func TestReadbackCallbacks(t *testing.T) {
	reg := newRegistry(t)
	rb := NewReadback(0)
	startReadback(t, rb)
	p := NewPoster(NewTable(2, 1), reg, rb)
	startPoster(t, p)

	frames := make(chan []byte, 1)
	err := rb.Register(DefaultDisplay, 2, 1, resource.GLBGRA, func(id uint32, w, h int, pix []byte) {
		frames <- append([]byte(nil), pix...)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := rb.Register(DefaultDisplay, 2, 1, resource.GLRGBA, func(uint32, int, int, []byte) {}); !errors.Is(err, ErrCallbackExists) {
		t.Errorf("second Register() error = %v, want ErrCallbackExists", err)
	}
	if err := rb.Register(5, 2, 1, resource.GLRGB, func(uint32, int, int, []byte) {}); !errors.Is(err, ErrBadFormat) {
		t.Errorf("Register(GLRGB) error = %v, want ErrBadFormat", err)
	}

	p.Post(DefaultDisplay, filled(t, reg, 2, 1, red, blue))

	want := []byte{0, 0, 255, 255, 255, 0, 0, 255}
	select {
	case got := <-frames:
		if !bytes.Equal(got, want) {
			t.Errorf("callback pixels = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("post callback not called")
	}

	dst := make([]byte, 8)
	if err := rb.ReadPixels(context.Background(), DefaultDisplay, dst); err != nil {
		t.Fatalf("ReadPixels() error = %v", err)
	}
	if !bytes.Equal(dst, want) {
		t.Errorf("ReadPixels() = %v, want %v", dst, want)
	}
	if err := rb.ReadPixels(context.Background(), 3, dst); !errors.Is(err, ErrNoFrame) {
		t.Errorf("ReadPixels(unregistered) error = %v, want ErrNoFrame", err)
	}

	if !rb.Unregister(DefaultDisplay) {
		t.Error("Unregister() = false")
	}
	if rb.Unregister(DefaultDisplay) {
		t.Error("second Unregister() = true")
	}
}

func TestPosterStop(t *testing.T) {
	reg := newRegistry(t)
	p := NewPoster(NewTable(2, 2), reg, nil)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	p.Clear(DefaultDisplay)
	p.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop")
	}
	p.WaitQueued()

	cb := filled(t, reg, 2, 2, red)
	if p.Post(DefaultDisplay, cb) {
		t.Error("Post() after stop = true")
	}
	if _, err := p.Screenshot(context.Background(), DefaultDisplay, 4, 0, 0, 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Screenshot() after stop error = %v, want ErrStopped", err)
	}
}
