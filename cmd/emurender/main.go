// Command emurender runs the emulator renderer backend.
//
// It listens for guest connections on a unix socket or TCP address, and
// optionally streams posted frames to websocket subscribers and offers an
// interactive debug console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dc0d/onexit"
	"golang.org/x/term"

	"github.com/gogpu/emurender"
	"github.com/gogpu/emurender/config"
	"github.com/gogpu/emurender/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "emurender:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		socket     = flag.String("socket", "", "unix socket path or host:port to listen on")
		driverName = flag.String("driver", "", "driver name (default: best available)")
		apiLevel   = flag.Int("api-level", 0, "guest Android API level")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
		frames     = flag.String("frames", "", "serve posted frames over websocket on this address")
		console    = flag.Bool("console", false, "start the interactive debug console")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.Socket = *socket
		case "driver":
			cfg.Driver = *driverName
		case "api-level":
			cfg.APILevel = *apiLevel
		case "log-level":
			cfg.LogLevel = *logLevel
		case "frames":
			cfg.FramesAddr = *frames
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level())
	emurender.SetLogger(newLogger(level))
	log := emurender.Logger()

	r, err := emurender.New(emurender.WithConfig(cfg))
	if err != nil {
		return err
	}
	onexit.Register(func() { r.Stop(false) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.Start(ctx); err != nil {
		return err
	}
	log.Info("renderer listening", "addr", r.Addr().String(), "network", cfg.Network())

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(c *config.Config) {
				level.Set(c.Level())
				f := r.Features()
				f.NoDelayClose = c.NoDelayClose
				r.SetFeatures(f)
			})
			if err != nil {
				log.Warn("config hot reload disabled", "err", err)
			}
		}()
	}

	if cfg.FramesAddr != "" {
		fs, err := newFrameServer(r, cfg.FramesAddr, cfg.Display.Width, cfg.Display.Height)
		if err != nil {
			r.Stop(false)
			return err
		}
		go fs.serve()
		defer fs.close()
		log.Info("frame stream listening", "addr", fs.addr())
	}

	if *console {
		go func() {
			runConsole(ctx, r)
			stop()
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- r.Wait() }()
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("renderer failed", "err", err)
		}
	}
	return r.Stop(true)
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// features formats the guest feature flags for the console.
func features(f registry.Features) string {
	return fmt.Sprintf("api_level=%d refcount_pipe=%v no_delay_close=%v", f.APILevel, f.RefCountPipe, f.NoDelayClose)
}
