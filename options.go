package emurender

import (
	"net"
	"time"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/emurender/config"
	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/registry"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := emurender.New(
//	    emurender.WithAddress("unix", "/run/emu/render.sock"),
//	    emurender.WithFeatures(registry.Features{APILevel: 30}),
//	)
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	network, addr string
	listener      net.Listener

	driverName   string
	device       driver.Device
	provider     gpucontext.DeviceProvider
	memoryBudget uint64

	features registry.Features
	grace    time.Duration
	now      func() time.Time

	width, height int
	readbackDepth int
}

func defaultOptions() options {
	return options{
		width:         display.DefaultWidth,
		height:        display.DefaultHeight,
		readbackDepth: display.DefaultReadbackDepth,
	}
}

// WithAddress makes the renderer listen on network/addr ("unix" or "tcp").
// Without an address or listener the renderer runs without an acceptor.
func WithAddress(network, addr string) Option {
	return func(o *options) {
		o.network, o.addr = network, addr
	}
}

// WithListener makes the renderer accept on ln. It takes precedence over
// WithAddress.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.listener = ln
	}
}

// WithDriver selects a registered driver by name. Empty picks the highest
// priority driver available.
func WithDriver(name string) Option {
	return func(o *options) {
		o.driverName = name
	}
}

// WithDevice uses an already initialized device. The caller keeps
// ownership and closes it after the renderer stops.
func WithDevice(d driver.Device) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithDeviceProvider hands a host GPU device to the driver.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithMemoryBudget caps driver allocations in bytes.
func WithMemoryBudget(n uint64) Option {
	return func(o *options) {
		o.memoryBudget = n
	}
}

// WithFeatures sets the guest feature flags.
func WithFeatures(f registry.Features) Option {
	return func(o *options) {
		o.features = f
	}
}

// WithGrace sets the delayed-close grace period.
func WithGrace(d time.Duration) Option {
	return func(o *options) {
		o.grace = d
	}
}

// WithClock replaces time.Now for delayed-close timing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDisplaySize sets the size of the default display.
func WithDisplaySize(width, height int) Option {
	return func(o *options) {
		o.width, o.height = width, height
	}
}

// WithReadbackDepth sets how many frames the readback worker buffers
// before dropping.
func WithReadbackDepth(n int) Option {
	return func(o *options) {
		o.readbackDepth = n
	}
}

// WithConfig applies a loaded configuration file.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		o.network, o.addr = c.Network(), c.Socket
		o.driverName = c.Driver
		o.memoryBudget = uint64(c.MemoryBudget)
		o.features = registry.Features{
			RefCountPipe: c.RefCountPipe,
			NoDelayClose: c.NoDelayClose,
			APILevel:     c.APILevel,
		}
		o.grace = c.DelayedCloseGrace.Std()
		if c.Display.Width > 0 {
			o.width = c.Display.Width
		}
		if c.Display.Height > 0 {
			o.height = c.Display.Height
		}
	}
}
