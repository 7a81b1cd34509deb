package emurender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/guard"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/server"
	"github.com/gogpu/emurender/wire"
	"github.com/gogpu/emurender/worker"
)

// Sentinel errors.
var (
	ErrStarted    = errors.New("emurender: renderer already started")
	ErrNotStarted = errors.New("emurender: renderer not started")
	ErrStopped    = errors.New("emurender: renderer stopped")
)

// Renderer is one renderer backend instance: the driver device, the handle
// table, the displays with their post and readback workers, and the
// connection acceptor. Instances are independent; several may run in one
// process.
type Renderer struct {
	id uuid.UUID

	dev     driver.Device
	ownsDev bool

	guard    *guard.Guard
	tbl      *registry.Table
	displays *display.Table
	readback *display.Readback
	poster   *display.Poster
	srv      *server.Server // nil without a listener

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

var _ worker.Backend = (*Renderer)(nil)

// New creates a renderer. The driver is opened and the listener bound, but
// nothing runs until Start.
func New(opts ...Option) (*Renderer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{id: uuid.New(), guard: new(guard.Guard)}

	r.dev = o.device
	if r.dev == nil {
		dev, err := driver.Open(o.driverName, driver.Options{
			Provider:     o.provider,
			MemoryBudget: o.memoryBudget,
		})
		if err != nil {
			return nil, fmt.Errorf("emurender: open driver %q: %w", o.driverName, err)
		}
		r.dev, r.ownsDev = dev, true
	}

	r.displays = display.NewTable(o.width, o.height)
	r.tbl = registry.New(registry.Options{
		Device:               r.dev,
		Features:             o.features,
		Grace:                o.grace,
		Now:                  o.now,
		OnColorBufferDeleted: r.displays.Forget,
	})
	r.readback = display.NewReadback(o.readbackDepth)
	r.poster = display.NewPoster(r.displays, r.tbl, r.readback)

	ln := o.listener
	if ln == nil && o.addr != "" {
		srv, err := server.Listen(o.network, o.addr, server.Options{Table: r.tbl, Guard: r.guard, Backend: r})
		if err != nil {
			r.closeDevice()
			return nil, err
		}
		r.srv = srv
	} else if ln != nil {
		r.srv = server.New(ln, server.Options{Table: r.tbl, Guard: r.guard, Backend: r})
	}

	Logger().Info("renderer created", "instance", r.id.String(), "driver", r.dev.Name(), "addr", r.Addr())
	return r, nil
}

// ID returns the renderer instance id recorded in snapshots.
func (r *Renderer) ID() uuid.UUID { return r.id }

// Addr returns the listener address, or nil without an acceptor.
func (r *Renderer) Addr() net.Addr {
	if r.srv == nil {
		return nil
	}
	return r.srv.Addr()
}

// Table returns the handle table.
func (r *Renderer) Table() *registry.Table { return r.tbl }

// Displays returns the display table.
func (r *Renderer) Displays() *display.Table { return r.displays }

// Start launches the post worker, the readback worker and, with a listener,
// the accept loop. They run until Stop or until ctx is done.
func (r *Renderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.poster.Run(gctx) })
	g.Go(func() error { return r.readback.Run(gctx) })
	if r.srv != nil {
		g.Go(func() error {
			err := r.srv.Serve(gctx)
			if err != nil {
				return fmt.Errorf("emurender: %w", err)
			}
			return nil
		})
	}
	r.group = g
	Logger().Info("renderer started", "instance", r.id.String())
	return nil
}

// Wait blocks until the workers started by Start have exited and returns
// the first error among them.
func (r *Renderer) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop shuts the renderer down: the acceptor stops and joins its workers,
// then the post and readback workers exit and every table object is
// destroyed. With wait, posts already queued are presented first. Stop is
// idempotent; the renderer cannot be restarted.
func (r *Renderer) Stop(wait bool) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	g, cancel := r.group, r.cancel
	r.mu.Unlock()

	if r.srv != nil {
		r.srv.Stop()
	}
	var err error
	if g != nil {
		if wait {
			r.poster.WaitQueued()
		}
		cancel()
		err = g.Wait()
	}
	r.tbl.Shutdown()
	r.closeDevice()
	Logger().Info("renderer stopped", "instance", r.id.String())
	return err
}

func (r *Renderer) closeDevice() {
	if r.ownsDev {
		r.dev.Close()
	}
}

// Post presents color buffer cb on a display.
func (r *Renderer) Post(displayID uint32, cb registry.Handle) bool {
	return r.poster.Post(displayID, cb)
}

// Compose queues a compose request.
func (r *Renderer) Compose(req wire.Compose) bool {
	return r.poster.Compose(req)
}

// SetPostCallback delivers every frame posted to a display to fn, scaled
// to width x height in glFormat (GL_RGBA or GL_BGRA_EXT). Callbacks run on
// the readback worker.
func (r *Renderer) SetPostCallback(displayID uint32, width, height int, glFormat uint32, fn display.PostFunc) error {
	return r.readback.Register(displayID, width, height, glFormat, fn)
}

// RemovePostCallback removes a display's frame callback.
func (r *Renderer) RemovePostCallback(displayID uint32) bool {
	return r.readback.Unregister(displayID)
}

// ReadPixels copies the last frame delivered to a display's callback into
// dst once every pending readback has completed.
func (r *Renderer) ReadPixels(ctx context.Context, displayID uint32, dst []byte) error {
	return r.readback.ReadPixels(ctx, displayID, dst)
}

// Screenshot captures a display. channels is 3 or 4; zero width or height
// keeps the color buffer size; rotation is 0, 90, 180 or 270 degrees
// clockwise.
func (r *Renderer) Screenshot(ctx context.Context, displayID uint32, channels, width, height, rotation int) (display.Screenshot, error) {
	return r.poster.Screenshot(ctx, displayID, channels, width, height, rotation)
}

// RegisterProcessCleanup runs fn when guest process puid is cleaned up.
// A later registration with the same key replaces the earlier one.
func (r *Renderer) RegisterProcessCleanup(puid uint64, key any, fn func()) {
	r.tbl.RegisterProcessCleanup(puid, key, fn)
}

// UnregisterProcessCleanup removes a registration.
func (r *Renderer) UnregisterProcessCleanup(puid uint64, key any) {
	r.tbl.UnregisterProcessCleanup(puid, key)
}

// CleanupProcess tears down everything guest process puid owns, as if it
// had exited, and returns the number of color buffers erased.
func (r *Renderer) CleanupProcess(puid uint64) int {
	r.guard.Lock(nil)
	defer r.guard.Unlock(nil)
	return len(r.tbl.CleanupProcess(nil, puid))
}

// UpdateWindow resizes or rotates a display's window and re-presents its
// last frame.
func (r *Renderer) UpdateWindow(displayID uint32, width, height, orientation int) error {
	return r.poster.UpdateWindow(displayID, width, height, orientation)
}

// DeleteWindow detaches a display's window; posts to it are dropped until
// a new window is set.
func (r *Renderer) DeleteWindow(displayID uint32) error {
	return r.poster.DeleteWindow(displayID)
}

// SetDisplayVisible shows or hides a display's window. Showing it
// re-presents the last frame.
func (r *Renderer) SetDisplayVisible(displayID uint32, visible bool) error {
	if err := r.displays.SetVisible(displayID, visible); err != nil {
		return err
	}
	if visible {
		r.poster.Repost(displayID)
	}
	return nil
}

// Repost presents the last posted color buffer again.
func (r *Renderer) Repost(displayID uint32) bool {
	return r.poster.Repost(displayID)
}

// HasGuestPostedFrame reports whether the guest has posted since the last
// reset.
func (r *Renderer) HasGuestPostedFrame() bool { return r.poster.HasGuestPostedFrame() }

// ResetGuestPostedFrame clears the guest-posted flag.
func (r *Renderer) ResetGuestPostedFrame() { r.poster.ResetGuestPostedFrame() }

// Features returns the guest feature flags.
func (r *Renderer) Features() registry.Features { return r.tbl.Features() }

// SetFeatures changes the guest feature flags.
func (r *Renderer) SetFeatures(f registry.Features) { r.tbl.SetFeatures(f) }

// Stats is a point-in-time view of renderer occupancy.
type Stats struct {
	registry.Stats
	Memory   driver.MemoryStats
	Workers  int
	Displays int
}

// Stats returns current occupancy.
func (r *Renderer) Stats() Stats {
	s := Stats{
		Stats:    r.tbl.Stats(),
		Memory:   r.dev.Memory(),
		Displays: len(r.displays.IDs()),
	}
	if r.srv != nil {
		s.Workers = r.srv.Workers()
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("workers=%d displays=%d contexts=%d windows=%d colorbuffers=%d (pending close %d) buffers=%d images=%d processes=%d memory=%s/%s",
		s.Workers, s.Displays, s.RenderContexts, s.WindowSurfaces, s.ColorBuffers, s.PendingCloses,
		s.DataBuffers, s.ClientImages, s.Processes,
		units.BytesSize(float64(s.Memory.UsedBytes)), units.BytesSize(float64(s.Memory.TotalBytes)))
}
