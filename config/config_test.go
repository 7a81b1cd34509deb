// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emurender.toml")
	writeFile(t, path, `
socket = "127.0.0.1:5556"
api_level = 25
no_delay_close = true
delayed_close_grace = "2s"
memory_budget = "512MiB"
log_level = "debug"
unknown_key = 1

[display]
width = 1080
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Socket", c.Socket, "127.0.0.1:5556"},
		{"Network", c.Network(), "tcp"},
		{"APILevel", c.APILevel, 25},
		{"NoDelayClose", c.NoDelayClose, true},
		{"Grace", c.DelayedCloseGrace.Std(), 2 * time.Second},
		{"MemoryBudget", uint64(c.MemoryBudget), uint64(512 << 20)},
		{"Level", c.Level(), slog.LevelDebug},
		{"Width", c.Display.Width, 1080},
		{"Height default", c.Display.Height, 960},
		{"Driver default", c.Driver, ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", `socket = `},
		{"bad size", `memory_budget = "lots"`},
		{"bad duration", `delayed_close_grace = "soon"`},
		{"bad level", `log_level = "loud"`},
		{"negative api level", `api_level = -1`},
		{"empty socket", `socket = ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.toml")
			writeFile(t, path, tt.body)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%q) error = nil, want error", tt.body)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "emurender.toml")
	c := Default()
	c.MemoryBudget = 256 << 20
	c.RefCountPipe = true
	if err := Write(path, c); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *got != *c {
		t.Errorf("Load(Write(c)) = %+v, want %+v", *got, *c)
	}
}

func TestNetwork(t *testing.T) {
	tests := []struct {
		socket string
		want   string
	}{
		{"emurender.sock", "unix"},
		{"/run/emu/render.sock", "unix"},
		{"localhost:5556", "tcp"},
		{":0", "tcp"},
	}
	for _, tt := range tests {
		c := &Config{Socket: tt.socket}
		if got := c.Network(); got != tt.want {
			t.Errorf("Network(%q) = %q, want %q", tt.socket, got, tt.want)
		}
	}
}

func TestSizeText(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"512MiB", 512 << 20},
		{"1g", 1 << 30},
		{"4096", 4096},
	}
	for _, tt := range tests {
		var s Size
		if err := s.UnmarshalText([]byte(tt.in)); err != nil {
			t.Errorf("UnmarshalText(%q) error = %v", tt.in, err)
			continue
		}
		if s != tt.want {
			t.Errorf("UnmarshalText(%q) = %d, want %d", tt.in, s, tt.want)
		}
	}
	if got := Size(512 << 20).String(); got != "512MiB" {
		t.Errorf("String() = %q, want 512MiB", got)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emurender.toml")
	writeFile(t, path, `no_delay_close = false`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, path, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}) }()

	// Writes repeat until the watcher has registered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for done := false; !done; {
		writeFile(t, path, `no_delay_close = true`)
		select {
		case c := <-got:
			if !c.NoDelayClose {
				t.Errorf("reloaded NoDelayClose = false, want true")
			}
			done = true
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}

	// An invalid file is skipped. Reloads queued by the loop above may
	// still arrive; they carry the earlier valid content.
	writeFile(t, path, `log_level = "loud"`)
	select {
	case c := <-got:
		if c.LogLevel != "info" {
			t.Errorf("invalid config applied: log_level %q", c.LogLevel)
		}
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Watch() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
