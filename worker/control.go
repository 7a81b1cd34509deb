// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package worker

import (
	"fmt"
	"image"

	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/resource"
	"github.com/gogpu/emurender/wire"
)

// EGL version reported to guests.
const (
	eglMajor = 1
	eglMinor = 4
)

// Defaults for framebuffer parameters a display does not specify.
const (
	defaultDPI = 240
	defaultFPS = 60
)

// rcHandler handles one render-control opcode. args is the minimum payload
// size; shorter payloads are malformed.
type rcHandler struct {
	args int
	fn   func(w *Worker, a *wire.Args) error
}

var rcHandlers = map[wire.Op]rcHandler{
	wire.OpGetRendererVersion:            {0, (*Worker).rcGetRendererVersion},
	wire.OpGetEGLVersion:                 {0, (*Worker).rcGetEGLVersion},
	wire.OpQueryEGLString:                {4, (*Worker).rcQueryEGLString},
	wire.OpGetGLString:                   {4, (*Worker).rcGetGLString},
	wire.OpGetNumConfigs:                 {0, (*Worker).rcGetNumConfigs},
	wire.OpGetFBParam:                    {4, (*Worker).rcGetFBParam},
	wire.OpCreateContext:                 {12, (*Worker).rcCreateContext},
	wire.OpDestroyContext:                {4, (*Worker).rcDestroyContext},
	wire.OpCreateWindowSurface:           {12, (*Worker).rcCreateWindowSurface},
	wire.OpDestroyWindowSurface:          {4, (*Worker).rcDestroyWindowSurface},
	wire.OpCreateColorBuffer:             {12, (*Worker).rcCreateColorBuffer},
	wire.OpOpenColorBuffer:               {4, (*Worker).rcOpenColorBuffer},
	wire.OpCloseColorBuffer:              {4, (*Worker).rcCloseColorBuffer},
	wire.OpSetWindowColorBuffer:          {8, (*Worker).rcSetWindowColorBuffer},
	wire.OpFlushWindowColorBuffer:        {4, (*Worker).rcFlushWindowColorBuffer},
	wire.OpMakeCurrent:                   {12, (*Worker).rcMakeCurrent},
	wire.OpFBPost:                        {4, (*Worker).rcFBPost},
	wire.OpFBSetSwapInterval:             {4, (*Worker).rcFBSetSwapInterval},
	wire.OpReadColorBuffer:               {28, (*Worker).rcReadColorBuffer},
	wire.OpUpdateColorBuffer:             {32, (*Worker).rcUpdateColorBuffer},
	wire.OpOpenColorBuffer2:              {4, (*Worker).rcOpenColorBuffer2},
	wire.OpCreateClientImage:             {12, (*Worker).rcCreateClientImage},
	wire.OpDestroyClientImage:            {4, (*Worker).rcDestroyClientImage},
	wire.OpSetPUID:                       {8, (*Worker).rcSetPUID},
	wire.OpFlushWindowColorBufferAsync:   {4, (*Worker).rcFlushWindowColorBufferAsync},
	wire.OpCompose:                       {4, (*Worker).rcCompose},
	wire.OpCreateDisplay:                 {0, (*Worker).rcCreateDisplay},
	wire.OpDestroyDisplay:                {4, (*Worker).rcDestroyDisplay},
	wire.OpSetDisplayColorBuffer:         {8, (*Worker).rcSetDisplayColorBuffer},
	wire.OpGetDisplayColorBuffer:         {4, (*Worker).rcGetDisplayColorBuffer},
	wire.OpGetColorBufferDisplay:         {4, (*Worker).rcGetColorBufferDisplay},
	wire.OpGetDisplayPose:                {4, (*Worker).rcGetDisplayPose},
	wire.OpSetDisplayPose:                {20, (*Worker).rcSetDisplayPose},
	wire.OpCreateColorBufferWithHandle:   {16, (*Worker).rcCreateColorBufferWithHandle},
	wire.OpGetColorBufferInfo:            {4, (*Worker).rcGetColorBufferInfo},
	wire.OpCreateBuffer:                  {8, (*Worker).rcCreateBuffer},
	wire.OpCreateBufferWithHandle:        {12, (*Worker).rcCreateBufferWithHandle},
	wire.OpCloseBuffer:                   {4, (*Worker).rcCloseBuffer},
	wire.OpProcessExit:                   {0, (*Worker).rcProcessExit},
	wire.OpSetColorBufferFrameworkFormat: {8, (*Worker).rcSetColorBufferFrameworkFormat},
}

// control decodes one render-control packet. Unknown opcodes are skipped.
func (w *Worker) control(op uint32, payload []byte) error {
	h, ok := rcHandlers[wire.Op(op)]
	if !ok {
		w.log.Warn("unknown render control opcode", "opcode", op)
		return nil
	}
	if len(payload) < h.args {
		return fmt.Errorf("%w: %v payload %d bytes, want %d", wire.ErrMalformed, wire.Op(op), len(payload), h.args)
	}
	w.log.Debug("render control", "op", wire.Op(op))
	a := wire.NewArgs(payload)
	if err := h.fn(w, a); err != nil {
		return err
	}
	if err := a.Err(); err != nil {
		return fmt.Errorf("%w: %v: %w", wire.ErrMalformed, wire.Op(op), err)
	}
	return nil
}

func handle(a *wire.Args) registry.Handle { return registry.Handle(a.Uint32()) }

// status maps success to 0 and failure to -1.
func status(ok bool) int32 {
	if ok {
		return 0
	}
	return -1
}

func (w *Worker) rcGetRendererVersion(*wire.Args) error {
	w.reply.Uint32(wire.RendererVersion)
	return nil
}

func (w *Worker) rcGetEGLVersion(*wire.Args) error {
	w.reply.Int32(eglMajor).Int32(eglMinor).Int32(1)
	return nil
}

func (w *Worker) rcQueryEGLString(a *wire.Args) error {
	s := w.tbl.Device().Strings()
	var out string
	switch a.Uint32() {
	case wire.EGLVendor:
		out = s.Vendor
	case wire.EGLVersion:
		out = fmt.Sprintf("%d.%d", eglMajor, eglMinor)
	}
	w.reply.Bytes(append([]byte(out), 0))
	return nil
}

func (w *Worker) rcGetGLString(a *wire.Args) error {
	s := w.tbl.Device().Strings()
	var out string
	switch a.Uint32() {
	case wire.GLVendor:
		out = s.Vendor
	case wire.GLRenderer:
		out = s.Renderer
	case wire.GLVersion:
		out = s.Version
	case wire.GLExtensions:
		out = s.Extensions
	}
	w.reply.Bytes(append([]byte(out), 0))
	return nil
}

func (w *Worker) rcGetNumConfigs(*wire.Args) error {
	w.reply.Uint32(uint32(len(w.tbl.Device().Configs())))
	return nil
}

func (w *Worker) rcGetFBParam(a *wire.Args) error {
	var v int32
	win, _ := w.displays().Window(display.DefaultDisplay)
	pose, _ := w.displays().Pose(display.DefaultDisplay)
	dpi := int32(pose.DPI)
	if dpi == 0 {
		dpi = defaultDPI
	}
	switch a.Uint32() {
	case wire.FBWidth:
		v = int32(win.Width)
	case wire.FBHeight:
		v = int32(win.Height)
	case wire.FBXDPI, wire.FBYDPI:
		v = dpi
	case wire.FBFPS:
		v = defaultFPS
	}
	w.reply.Int32(v)
	return nil
}

func (w *Worker) rcCreateContext(a *wire.Args) error {
	config, share, api := int(a.Uint32()), handle(a), driver.API(a.Uint32())
	w.reply.Uint32(uint32(w.tbl.CreateRenderContext(w.cc, config, share, api)))
	return nil
}

func (w *Worker) rcDestroyContext(a *wire.Args) error {
	w.tbl.DestroyRenderContext(w.cc, handle(a))
	return nil
}

func (w *Worker) rcCreateWindowSurface(a *wire.Args) error {
	config, width, height := int(a.Uint32()), int(a.Uint32()), int(a.Uint32())
	w.reply.Uint32(uint32(w.tbl.CreateWindowSurface(w.cc, config, width, height)))
	return nil
}

func (w *Worker) rcDestroyWindowSurface(a *wire.Args) error {
	w.tbl.DestroyWindowSurface(w.cc, handle(a))
	return nil
}

func (w *Worker) rcCreateColorBuffer(a *wire.Args) error {
	width, height, format := int(a.Uint32()), int(a.Uint32()), a.Uint32()
	w.reply.Uint32(uint32(w.tbl.CreateColorBuffer(w.cc, width, height, format, 0)))
	return nil
}

func (w *Worker) rcCreateColorBufferWithHandle(a *wire.Args) error {
	width, height, format, h := int(a.Uint32()), int(a.Uint32()), a.Uint32(), handle(a)
	w.tbl.CreateColorBufferWithHandle(w.cc, h, width, height, format, 0)
	return nil
}

func (w *Worker) rcOpenColorBuffer(a *wire.Args) error {
	w.tbl.OpenColorBuffer(w.cc, handle(a))
	return nil
}

func (w *Worker) rcOpenColorBuffer2(a *wire.Args) error {
	w.reply.Int32(int32(w.tbl.OpenColorBuffer(w.cc, handle(a))))
	return nil
}

func (w *Worker) rcCloseColorBuffer(a *wire.Args) error {
	w.tbl.CloseColorBuffer(w.cc, handle(a))
	return nil
}

func (w *Worker) rcSetWindowColorBuffer(a *wire.Args) error {
	win, cb := handle(a), handle(a)
	w.tbl.SetWindowColorBuffer(w.cc, win, cb)
	return nil
}

func (w *Worker) rcFlushWindowColorBuffer(a *wire.Args) error {
	w.reply.Int32(status(w.tbl.FlushWindowColorBuffer(w.cc, handle(a))))
	return nil
}

func (w *Worker) rcFlushWindowColorBufferAsync(a *wire.Args) error {
	w.tbl.FlushWindowColorBuffer(w.cc, handle(a))
	return nil
}

func (w *Worker) rcMakeCurrent(a *wire.Args) error {
	ctx, draw, read := handle(a), handle(a), handle(a)
	w.reply.Bool(w.tbl.BindContext(w.cc, ctx, draw, read))
	return nil
}

func (w *Worker) rcFBPost(a *wire.Args) error {
	w.backend.Post(display.DefaultDisplay, handle(a))
	return nil
}

func (w *Worker) rcFBSetSwapInterval(*wire.Args) error {
	return nil
}

// transferRect reads x, y, width, height, format and type.
func transferRect(a *wire.Args) (image.Rectangle, uint32) {
	x, y := int(a.Int32()), int(a.Int32())
	width, height := int(a.Int32()), int(a.Int32())
	format := a.Uint32()
	a.Uint32() // type, always GL_UNSIGNED_BYTE
	return image.Rect(x, y, x+width, y+height), format
}

// transferSize is the byte size of a pixel transfer. The guest sizes its
// read buffer the same way, so a failed read still replies that many bytes.
// ok is false when no color buffer can be that large, or the reply would
// exceed MaxPacketSize.
func transferSize(rect image.Rectangle, glFormat uint32) (n int, ok bool) {
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return 0, true
	}
	if rect.Dx() > driver.MaxDimension || rect.Dy() > driver.MaxDimension {
		return 0, false
	}
	n = rect.Dx() * rect.Dy() * driver.BytesPerPixel(resource.FormatFromGL(glFormat))
	return n, n <= MaxPacketSize
}

func (w *Worker) rcReadColorBuffer(a *wire.Args) error {
	h := handle(a)
	rect, format := transferRect(a)
	n, ok := transferSize(rect, format)
	if !ok {
		return fmt.Errorf("%w: read of %v", wire.ErrMalformed, rect)
	}
	pix := make([]byte, n)
	if n > 0 {
		if err := w.tbl.ReadColorBuffer(h, rect, format, pix); err != nil {
			w.log.Warn("read color buffer failed", "handle", h, "err", err)
		}
	}
	w.reply.Raw(pix)
	return nil
}

func (w *Worker) rcUpdateColorBuffer(a *wire.Args) error {
	h := handle(a)
	rect, format := transferRect(a)
	pix := a.Bytes()
	if a.Err() != nil {
		return nil
	}
	err := w.tbl.UpdateColorBuffer(h, rect, format, pix)
	if err != nil {
		w.log.Warn("update color buffer failed", "handle", h, "err", err)
	}
	w.reply.Int32(status(err == nil))
	return nil
}

func (w *Worker) rcCreateClientImage(a *wire.Args) error {
	ctx, target, buffer := handle(a), a.Uint32(), a.Uint32()
	w.reply.Uint32(uint32(w.tbl.CreateClientImage(w.cc, ctx, target, buffer)))
	return nil
}

func (w *Worker) rcDestroyClientImage(a *wire.Args) error {
	w.reply.Bool(w.tbl.DestroyClientImage(w.cc, handle(a)))
	return nil
}

func (w *Worker) rcSetPUID(a *wire.Args) error {
	puid := a.Uint64()
	w.cc.SetPUID(puid)
	w.log.Debug("process attached", "puid", puid)
	return nil
}

func (w *Worker) rcProcessExit(*wire.Args) error {
	if puid := w.cc.PUID(); puid != 0 {
		deleted := w.tbl.CleanupProcess(w.cc, puid)
		w.log.Debug("process exited", "puid", puid, "colorBuffers", len(deleted))
	}
	w.reply.Int32(0)
	return nil
}

func (w *Worker) rcCompose(a *wire.Args) error {
	payload := a.Bytes()
	if a.Err() != nil {
		return nil
	}
	req, err := wire.DecodeCompose(payload)
	if err != nil {
		w.log.Warn("bad compose request", "err", err)
		w.reply.Int32(-1)
		return nil
	}
	w.reply.Int32(status(w.backend.Compose(req)))
	return nil
}

func (w *Worker) displays() *display.Table { return w.backend.Displays() }

func (w *Worker) rcCreateDisplay(*wire.Args) error {
	w.reply.Int32(0).Uint32(w.displays().Create())
	return nil
}

func (w *Worker) rcDestroyDisplay(a *wire.Args) error {
	w.reply.Int32(status(w.displays().Destroy(a.Uint32()) == nil))
	return nil
}

func (w *Worker) rcSetDisplayColorBuffer(a *wire.Args) error {
	id, cb := a.Uint32(), handle(a)
	w.reply.Int32(status(w.displays().SetColorBuffer(id, cb) == nil))
	return nil
}

func (w *Worker) rcGetDisplayColorBuffer(a *wire.Args) error {
	cb, err := w.displays().ColorBuffer(a.Uint32())
	w.reply.Int32(status(err == nil)).Uint32(uint32(cb))
	return nil
}

func (w *Worker) rcGetColorBufferDisplay(a *wire.Args) error {
	id, err := w.displays().DisplayOf(handle(a))
	w.reply.Int32(status(err == nil)).Uint32(id)
	return nil
}

func (w *Worker) rcGetDisplayPose(a *wire.Args) error {
	p, err := w.displays().Pose(a.Uint32())
	w.reply.Int32(status(err == nil)).Int32(p.X).Int32(p.Y).Uint32(p.Width).Uint32(p.Height)
	return nil
}

func (w *Worker) rcSetDisplayPose(a *wire.Args) error {
	id := a.Uint32()
	p := display.Pose{X: a.Int32(), Y: a.Int32(), Width: a.Uint32(), Height: a.Uint32()}
	d := w.displays()
	if old, err := d.Pose(id); err == nil {
		p.DPI = old.DPI
	}
	w.reply.Int32(status(d.SetPose(id, p) == nil))
	return nil
}

func (w *Worker) rcGetColorBufferInfo(a *wire.Args) error {
	info, ok := w.tbl.ColorBufferInfo(handle(a))
	w.reply.Int32(status(ok)).
		Uint32(uint32(info.Width)).
		Uint32(uint32(info.Height)).
		Uint32(info.InternalFormat).
		Uint32(info.FrameworkFormat)
	return nil
}

func (w *Worker) rcCreateBuffer(a *wire.Args) error {
	w.reply.Uint32(uint32(w.tbl.CreateBuffer(w.cc, a.Uint64())))
	return nil
}

func (w *Worker) rcCreateBufferWithHandle(a *wire.Args) error {
	size, h := a.Uint64(), handle(a)
	w.tbl.CreateBufferWithHandle(w.cc, h, size)
	return nil
}

func (w *Worker) rcCloseBuffer(a *wire.Args) error {
	w.tbl.CloseBuffer(w.cc, handle(a))
	return nil
}

func (w *Worker) rcSetColorBufferFrameworkFormat(a *wire.Args) error {
	h, f := handle(a), a.Uint32()
	w.tbl.SetColorBufferFrameworkFormat(h, f)
	return nil
}
