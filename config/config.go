// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads the renderer configuration from a TOML file and
// watches it for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

// Sentinel errors.
var (
	ErrInvalid = errors.New("config: invalid value")
)

// Defaults.
const (
	DefaultSocket = "emurender.sock"
	DefaultGrace  = 5 * time.Second
)

// Config is the renderer configuration.
type Config struct {
	// Socket is a unix socket path, or host:port for TCP.
	Socket string `toml:"socket"`

	// Driver selects a registered driver by name. Empty picks the highest
	// priority one available.
	Driver string `toml:"driver"`

	// APILevel is the guest system API level; below 26 color buffers are
	// process owned from creation.
	APILevel int `toml:"api_level"`

	RefCountPipe      bool     `toml:"refcount_pipe"`
	NoDelayClose      bool     `toml:"no_delay_close"`
	DelayedCloseGrace Duration `toml:"delayed_close_grace"`

	Display Display `toml:"display"`

	// MemoryBudget caps driver allocations, e.g. "512MiB". Zero means the
	// driver default.
	MemoryBudget Size `toml:"memory_budget"`

	LogLevel string `toml:"log_level"`

	// FramesAddr, if set, serves posted frames over websocket on this
	// address.
	FramesAddr string `toml:"frames_addr"`
}

// Display holds the default display size.
type Display struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Socket:            DefaultSocket,
		APILevel:          30,
		DelayedCloseGrace: Duration(DefaultGrace),
		Display:           Display{Width: 540, Height: 960},
		LogLevel:          "info",
	}
}

// Load reads path over the defaults. Keys the file sets but Config does not
// know are logged and ignored.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	for _, k := range md.Undecoded() {
		slogger().Warn("unknown config key", "file", path, "key", k.String())
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	slogger().Debug("config loaded", "file", path)
	return c, nil
}

// Write stores c at path, creating the directory if needed.
func Write(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("%w: empty socket", ErrInvalid)
	}
	if c.APILevel < 0 {
		return fmt.Errorf("%w: api_level %d", ErrInvalid, c.APILevel)
	}
	if c.DelayedCloseGrace < 0 {
		return fmt.Errorf("%w: delayed_close_grace %v", ErrInvalid, c.DelayedCloseGrace)
	}
	if c.Display.Width < 0 || c.Display.Height < 0 {
		return fmt.Errorf("%w: display %dx%d", ErrInvalid, c.Display.Width, c.Display.Height)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Network returns the listener network for Socket: "tcp" when it has a
// port, "unix" otherwise.
func (c *Config) Network() string {
	if strings.Contains(c.Socket, "/") {
		return "unix"
	}
	if _, _, err := net.SplitHostPort(c.Socket); err == nil {
		return "tcp"
	}
	return "unix"
}

// Level returns the parsed log level. Validate has already rejected bad
// values; anything else falls back to Info.
func (c *Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel parses a slog level name. Empty is Info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
	}
	return l, nil
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalid, b)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Size is a byte count written in human form ("512MiB", "1g").
type Size uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(b []byte) error {
	v, err := units.RAMInBytes(string(b))
	if err != nil || v < 0 {
		return fmt.Errorf("%w: size %q", ErrInvalid, b)
	}
	*s = Size(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}
