// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/internal/crash"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

func newTable(t *testing.T, f registry.Features) *registry.Table {
	t.Helper()
	dev := driver.NewSoftware(driver.Options{})
	if err := dev.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(dev.Close)
	return registry.New(registry.Options{Device: dev, Features: f})
}

type client struct {
	t    *testing.T
	conn net.Conn
	w    *Worker
	ran  chan error
}

func start(t *testing.T, tbl *registry.Table, g *guard.Guard, id uint64) *client {
	t.Helper()
	server, conn := net.Pipe()
	w, err := New(server, Options{ID: id, Table: tbl, Guard: g})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c := &client{t: t, conn: conn, w: w, ran: make(chan error, 1)}
	go func() { c.ran <- w.Run() }()
	t.Cleanup(func() {
		conn.Close()
		<-w.Done()
	})
	return c
}

func payload() *wire.Payload { return new(wire.Payload) }

func (c *client) send(op uint32, p *wire.Payload) {
	c.t.Helper()
	if _, err := c.conn.Write(wire.AppendPacket(nil, op, p.Data())); err != nil {
		c.t.Fatalf("write %v: %v", wire.Op(op), err)
	}
}

// call sends one packet and reads an n-byte reply.
func (c *client) call(op wire.Op, p *wire.Payload, n int) *wire.Args {
	c.t.Helper()
	c.send(uint32(op), p)
	buf := make([]byte, n)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		c.t.Fatalf("read %v reply: %v", op, err)
	}
	return wire.NewArgs(buf)
}

func (c *client) wait() error {
	c.t.Helper()
	select {
	case err := <-c.ran:
		return err
	case <-time.After(5 * time.Second):
		c.t.Fatal("worker did not exit")
		return nil
	}
}

func floats(v ...float32) *wire.Payload {
	p := payload()
	for _, f := range v {
		p.Uint32(math.Float32bits(f))
	}
	return p
}

func TestRenderControlRoundTrip(t *testing.T) {
	c := start(t, newTable(t, registry.Features{APILevel: 30}), nil, 1)

	if got := c.call(wire.OpGetRendererVersion, payload(), 4).Uint32(); got != wire.RendererVersion {
		t.Errorf("GetRendererVersion = %d, want %d", got, wire.RendererVersion)
	}
	a := c.call(wire.OpGetEGLVersion, payload(), 12)
	if major, minor := a.Int32(), a.Int32(); major != eglMajor || minor != eglMinor {
		t.Errorf("GetEGLVersion = %d.%d, want %d.%d", major, minor, eglMajor, eglMinor)
	}
	if got := c.call(wire.OpGetNumConfigs, payload(), 4).Uint32(); got != 2 {
		t.Errorf("GetNumConfigs = %d, want 2", got)
	}
	if got := c.call(wire.OpGetFBParam, payload().Uint32(wire.FBWidth), 4).Int32(); got != 540 {
		t.Errorf("GetFBParam(width) = %d, want 540", got)
	}

	cb := c.call(wire.OpCreateColorBuffer, payload().Uint32(8).Uint32(6).Uint32(resource.GLRGBA), 4).Uint32()
	if cb == 0 {
		t.Fatal("CreateColorBuffer returned 0")
	}
	a = c.call(wire.OpGetColorBufferInfo, payload().Uint32(cb), 20)
	if ok, w, h, f := a.Int32(), a.Uint32(), a.Uint32(), a.Uint32(); ok != 0 || w != 8 || h != 6 || f != resource.GLRGBA {
		t.Errorf("GetColorBufferInfo = %d %dx%d %#x, want 0 8x6 %#x", ok, w, h, f, resource.GLRGBA)
	}
	if ok := c.call(wire.OpGetColorBufferInfo, payload().Uint32(cb+1), 20).Int32(); ok != -1 {
		t.Errorf("GetColorBufferInfo(bad) status = %d, want -1", ok)
	}
	if got := c.call(wire.OpOpenColorBuffer2, payload().Uint32(cb+1), 4).Int32(); got != -1 {
		t.Errorf("OpenColorBuffer2(bad) = %d, want -1", got)
	}
}

func TestReadUpdateColorBuffer(t *testing.T) {
	c := start(t, newTable(t, registry.Features{APILevel: 30}), nil, 1)
	cb := c.call(wire.OpCreateColorBuffer, payload().Uint32(2).Uint32(1).Uint32(resource.GLRGBA), 4).Uint32()

	pix := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p := payload().Uint32(cb).Int32(0).Int32(0).Int32(2).Int32(1).Uint32(resource.GLRGBA).Uint32(0).Bytes(pix)
	if got := c.call(wire.OpUpdateColorBuffer, p, 4).Int32(); got != 0 {
		t.Fatalf("UpdateColorBuffer = %d, want 0", got)
	}

	p = payload().Uint32(cb).Int32(0).Int32(0).Int32(2).Int32(1).Uint32(resource.GLRGBA).Uint32(0)
	a := c.call(wire.OpReadColorBuffer, p, 8)
	var got []byte
	for range 8 {
		got = append(got, a.Uint8())
	}
	if !bytes.Equal(got, pix) {
		t.Errorf("ReadColorBuffer = %v, want %v", got, pix)
	}

	// A missing buffer still replies the full transfer size.
	p = payload().Uint32(cb+7).Int32(0).Int32(0).Int32(2).Int32(1).Uint32(resource.GLRGBA).Uint32(0)
	c.call(wire.OpReadColorBuffer, p, 8)
}

func TestMakeCurrentAndClear(t *testing.T) {
	c := start(t, newTable(t, registry.Features{APILevel: 30}), nil, 1)

	ctx := c.call(wire.OpCreateContext, payload().Uint32(0).Uint32(0).Uint32(uint32(driver.APIGLES2)), 4).Uint32()
	win := c.call(wire.OpCreateWindowSurface, payload().Uint32(0).Uint32(4).Uint32(4), 4).Uint32()
	cb := c.call(wire.OpCreateColorBuffer, payload().Uint32(4).Uint32(4).Uint32(resource.GLRGBA), 4).Uint32()
	if ctx == 0 || win == 0 || cb == 0 {
		t.Fatalf("create = %d %d %d, want non-zero handles", ctx, win, cb)
	}
	c.send(uint32(wire.OpSetWindowColorBuffer), payload().Uint32(win).Uint32(cb))
	if got := c.call(wire.OpMakeCurrent, payload().Uint32(ctx).Uint32(win).Uint32(win), 4).Int32(); got != 1 {
		t.Fatalf("MakeCurrent = %d, want 1", got)
	}

	// Both GLES packets and the flush go out in one write: the decoders
	// consume them in a single pass.
	var batch []byte
	batch = wire.AppendPacket(batch, wire.GLES2ClearColor, floats(1, 0, 0, 1).Data())
	batch = wire.AppendPacket(batch, wire.GLES2Clear, payload().Uint32(0x4000).Data())
	batch = wire.AppendPacket(batch, uint32(wire.OpFlushWindowColorBuffer), payload().Uint32(win).Data())
	if _, err := c.conn.Write(batch); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		t.Fatal(err)
	}
	if got := int32(binary.LittleEndian.Uint32(reply)); got != 0 {
		t.Fatalf("FlushWindowColorBuffer = %d, want 0", got)
	}

	p := payload().Uint32(cb).Int32(1).Int32(1).Int32(1).Int32(1).Uint32(resource.GLRGBA).Uint32(0)
	a := c.call(wire.OpReadColorBuffer, p, 4)
	if got := []byte{a.Uint8(), a.Uint8(), a.Uint8(), a.Uint8()}; !bytes.Equal(got, []byte{255, 0, 0, 255}) {
		t.Errorf("pixel after clear = %v, want red", got)
	}

	if got := c.call(wire.OpMakeCurrent, payload().Uint32(ctx+100).Uint32(win).Uint32(win), 4).Int32(); got != 0 {
		t.Errorf("MakeCurrent(bad context) = %d, want 0", got)
	}
}

func TestMalformedFramingIsolated(t *testing.T) {
	tbl := newTable(t, registry.Features{APILevel: 30})
	g := new(guard.Guard)
	bad := start(t, tbl, g, 1)
	good := start(t, tbl, g, 2)

	hdr := make([]byte, wire.HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(wire.OpGetRendererVersion))
	binary.LittleEndian.PutUint32(hdr[4:], math.MaxUint32) // size -1
	bad.conn.Write(hdr)

	if err := bad.wait(); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("Run() error = %v, want ErrMalformed", err)
	}
	if _, err := bad.conn.Read(make([]byte, 1)); err == nil {
		t.Error("malformed connection still open")
	}

	if got := good.call(wire.OpGetRendererVersion, payload(), 4).Uint32(); got != wire.RendererVersion {
		t.Errorf("second connection GetRendererVersion = %d, want %d", got, wire.RendererVersion)
	}
}

func TestMalformedPackets(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
	}{
		{"opcode outside decoders", wire.AppendPacket(nil, 5, nil)},
		{"short size", []byte{0x10, 0x27, 0, 0, 4, 0, 0, 0}},
		{"short arguments", wire.AppendPacket(nil, uint32(wire.OpCreateColorBuffer), []byte{1, 2})},
		{"truncated bytes", wire.AppendPacket(nil, uint32(wire.OpCompose), payload().Uint32(100).Data())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := start(t, newTable(t, registry.Features{}), nil, 1)
			c.conn.Write(tt.packet)
			if err := c.wait(); !errors.Is(err, wire.ErrMalformed) {
				t.Errorf("Run() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestOversizeRequests(t *testing.T) {
	tbl := newTable(t, registry.Features{APILevel: 30})
	g := new(guard.Guard)
	c := start(t, tbl, g, 1)
	other := start(t, tbl, g, 2)

	const huge = 0x7fffffff
	if got := c.call(wire.OpCreateColorBuffer, payload().Uint32(huge).Uint32(huge).Uint32(resource.GLRGBA), 4).Uint32(); got != 0 {
		t.Errorf("CreateColorBuffer(huge) = %d, want 0", got)
	}
	if got := c.call(wire.OpCreateWindowSurface, payload().Uint32(0).Uint32(huge).Uint32(huge), 4).Uint32(); got != 0 {
		t.Errorf("CreateWindowSurface(huge) = %d, want 0", got)
	}

	cb := c.call(wire.OpCreateColorBuffer, payload().Uint32(4).Uint32(4).Uint32(resource.GLRGBA), 4).Uint32()
	update := payload().Uint32(cb).Int32(0).Int32(0).Int32(huge).Int32(huge).
		Uint32(resource.GLBGRA).Uint32(0).Bytes(make([]byte, 64))
	if got := c.call(wire.OpUpdateColorBuffer, update, 4).Int32(); got != -1 {
		t.Errorf("UpdateColorBuffer(huge rect) = %d, want -1", got)
	}

	c.send(uint32(wire.OpReadColorBuffer), payload().Uint32(cb).Int32(0).Int32(0).Int32(huge).Int32(huge).
		Uint32(resource.GLRGBA).Uint32(0))
	if err := c.wait(); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("Run() after huge read = %v, want ErrMalformed", err)
	}

	// Only the offending connection is dropped.
	if got := other.call(wire.OpGetRendererVersion, payload(), 4).Uint32(); got != wire.RendererVersion {
		t.Errorf("GetRendererVersion on other connection = %d, want %d", got, wire.RendererVersion)
	}
}

func TestTransferSize(t *testing.T) {
	tests := []struct {
		rect image.Rectangle
		want int
		ok   bool
	}{
		{image.Rect(0, 0, 4, 2), 32, true},
		{image.Rect(0, 0, 0, 2), 0, true},
		{image.Rect(0, 0, driver.MaxDimension+1, 1), 0, false},
		{image.Rect(0, 0, 0x7fffffff, 0x7fffffff), 0, false},
		{image.Rect(0, 0, driver.MaxDimension, driver.MaxDimension), 0, false},
	}
	for _, tt := range tests {
		n, ok := transferSize(tt.rect, resource.GLRGBA)
		if (ok && n != tt.want) || ok != tt.ok {
			t.Errorf("transferSize(%v) = %d, %v, want %d, %v", tt.rect, n, ok, tt.want, tt.ok)
		}
	}
}

func TestZeroLengthPacketAborts(t *testing.T) {
	reasons := make(chan string, 1)
	prev := crash.SetAbortFunc(func(reason string) {
		reasons <- reason
		runtime.Goexit()
	})
	t.Cleanup(func() { crash.SetAbortFunc(prev) })

	tbl := newTable(t, registry.Features{})
	server, conn := net.Pipe()
	defer conn.Close()
	w, err := New(server, Options{ID: 1, Table: tbl})
	if err != nil {
		t.Fatal(err)
	}
	go w.Run()

	conn.Write(make([]byte, wire.HeaderSize))
	select {
	case reason := <-reasons:
		if !strings.Contains(reason, "zero-length") {
			t.Errorf("abort reason = %q, want zero-length packet", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("zero-length packet did not abort")
	}
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not clean up after abort")
	}
}

func TestExitCleansUpConnectionResources(t *testing.T) {
	tbl := newTable(t, registry.Features{APILevel: 30})
	c := start(t, tbl, nil, 1)

	ctx := c.call(wire.OpCreateContext, payload().Uint32(0).Uint32(0).Uint32(uint32(driver.APIGLES2)), 4).Uint32()
	win := c.call(wire.OpCreateWindowSurface, payload().Uint32(0).Uint32(4).Uint32(4), 4).Uint32()
	if got := c.call(wire.OpMakeCurrent, payload().Uint32(ctx).Uint32(win).Uint32(win), 4).Int32(); got != 1 {
		t.Fatalf("MakeCurrent = %d, want 1", got)
	}

	c.conn.Close()
	if err := c.wait(); err != nil {
		t.Errorf("Run() error = %v, want nil on EOF", err)
	}
	if !c.w.Finished() {
		t.Error("Finished() = false after exit")
	}
	st := tbl.Stats()
	if st.RenderContexts != 0 || st.WindowSurfaces != 0 {
		t.Errorf("after exit: %d contexts, %d windows, want 0", st.RenderContexts, st.WindowSurfaces)
	}
}

// guardedDevice hands out threads that record, for every MakeCurrent,
// whether the calling worker held the Guard.
type guardedDevice struct {
	driver.Device
	th *guardedThread
}

func (d *guardedDevice) NewThread() (driver.Thread, error) {
	th, err := d.Device.NewThread()
	if err != nil {
		return nil, err
	}
	d.th.Thread = th
	return d.th, nil
}

type guardedThread struct {
	driver.Thread
	tok *guard.Token

	mu        sync.Mutex
	calls     int
	unguarded int
}

func (th *guardedThread) MakeCurrent(ctx driver.ContextID, draw, read driver.SurfaceID) error {
	th.mu.Lock()
	th.calls++
	if !th.tok.Holds(guard.LevelGuard) {
		th.unguarded++
	}
	th.mu.Unlock()
	return th.Thread.MakeCurrent(ctx, draw, read)
}

func TestBindingChangesHoldGuard(t *testing.T) {
	sw := driver.NewSoftware(driver.Options{})
	if err := sw.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sw.Close)
	dev := &guardedDevice{Device: sw, th: new(guardedThread)}
	tbl := registry.New(registry.Options{Device: dev, Features: registry.Features{APILevel: 30}})

	server, conn := net.Pipe()
	w, err := New(server, Options{ID: 1, Table: tbl})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dev.th.tok = w.cc.Token()
	c := &client{t: t, conn: conn, w: w, ran: make(chan error, 1)}
	go func() { c.ran <- w.Run() }()

	ctx := c.call(wire.OpCreateContext, payload().Uint32(0).Uint32(0).Uint32(uint32(driver.APIGLES2)), 4).Uint32()
	win := c.call(wire.OpCreateWindowSurface, payload().Uint32(0).Uint32(4).Uint32(4), 4).Uint32()
	if got := c.call(wire.OpMakeCurrent, payload().Uint32(ctx).Uint32(win).Uint32(win), 4).Int32(); got != 1 {
		t.Fatalf("MakeCurrent = %d, want 1", got)
	}
	conn.Close()
	c.wait()

	dev.th.mu.Lock()
	defer dev.th.mu.Unlock()
	if dev.th.calls < 2 {
		t.Errorf("MakeCurrent called %d times, want bind and exit unbind", dev.th.calls)
	}
	if dev.th.unguarded != 0 {
		t.Errorf("%d of %d MakeCurrent calls ran without the Guard", dev.th.unguarded, dev.th.calls)
	}
}

func TestProcessExit(t *testing.T) {
	tbl := newTable(t, registry.Features{APILevel: 25})
	c := start(t, tbl, nil, 1)

	c.send(uint32(wire.OpSetPUID), payload().Uint64(77))
	cb := c.call(wire.OpCreateColorBuffer, payload().Uint32(4).Uint32(4).Uint32(resource.GLRGBA), 4).Uint32()
	if _, ok := tbl.ColorBufferInfo(registry.Handle(cb)); !ok {
		t.Fatal("color buffer missing after create")
	}
	if got := c.call(wire.OpProcessExit, payload(), 4).Int32(); got != 0 {
		t.Errorf("ProcessExit = %d, want 0", got)
	}
	if _, ok := tbl.ColorBufferInfo(registry.Handle(cb)); ok {
		t.Error("process color buffer alive after ProcessExit")
	}
}

func TestProcessResourcesOutliveConnection(t *testing.T) {
	tbl := newTable(t, registry.Features{APILevel: 25})
	c := start(t, tbl, nil, 1)

	c.send(uint32(wire.OpSetPUID), payload().Uint64(77))
	ctx := registry.Handle(c.call(wire.OpCreateContext, payload().Uint32(0).Uint32(0).Uint32(uint32(driver.APIGLES2)), 4).Uint32())
	win := registry.Handle(c.call(wire.OpCreateWindowSurface, payload().Uint32(0).Uint32(4).Uint32(4), 4).Uint32())
	if ctx == 0 || win == 0 {
		t.Fatalf("create failed: ctx %d win %d", ctx, win)
	}

	// Other connections of the process may still use them.
	c.conn.Close()
	if err := c.wait(); err != nil {
		t.Errorf("Run() error = %v, want nil on EOF", err)
	}
	for _, h := range []registry.Handle{ctx, win} {
		if _, ok := tbl.Find(h); !ok {
			t.Errorf("process-owned handle %d erased when its connection closed", h)
		}
	}

	tbl.CleanupProcess(nil, 77)
	for _, h := range []registry.Handle{ctx, win} {
		if _, ok := tbl.Find(h); ok {
			t.Errorf("handle %d alive after CleanupProcess", h)
		}
	}
}

func TestDisplayOps(t *testing.T) {
	c := start(t, newTable(t, registry.Features{APILevel: 30}), nil, 1)

	a := c.call(wire.OpCreateDisplay, payload(), 8)
	ok, id := a.Int32(), a.Uint32()
	if ok != 0 || id == 0 {
		t.Fatalf("CreateDisplay = %d, %d, want 0 and a non-zero id", ok, id)
	}
	if got := c.call(wire.OpSetDisplayColorBuffer, payload().Uint32(id).Uint32(9), 4).Int32(); got != 0 {
		t.Errorf("SetDisplayColorBuffer = %d, want 0", got)
	}
	a = c.call(wire.OpGetColorBufferDisplay, payload().Uint32(9), 8)
	if ok, got := a.Int32(), a.Uint32(); ok != 0 || got != id {
		t.Errorf("GetColorBufferDisplay = %d, %d, want 0, %d", ok, got, id)
	}
	if got := c.call(wire.OpSetDisplayPose, payload().Uint32(id).Int32(5).Int32(6).Uint32(100).Uint32(200), 4).Int32(); got != 0 {
		t.Errorf("SetDisplayPose = %d, want 0", got)
	}
	a = c.call(wire.OpGetDisplayPose, payload().Uint32(id), 20)
	if ok, x, y, w, h := a.Int32(), a.Int32(), a.Int32(), a.Uint32(), a.Uint32(); ok != 0 || x != 5 || y != 6 || w != 100 || h != 200 {
		t.Errorf("GetDisplayPose = %d (%d,%d) %dx%d, want 0 (5,6) 100x200", ok, x, y, w, h)
	}
	if got := c.call(wire.OpDestroyDisplay, payload().Uint32(0), 4).Int32(); got != -1 {
		t.Errorf("DestroyDisplay(0) = %d, want -1", got)
	}
	if got := c.call(wire.OpDestroyDisplay, payload().Uint32(id), 4).Int32(); got != 0 {
		t.Errorf("DestroyDisplay(%d) = %d, want 0", id, got)
	}
}
