// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"sort"
	"sync"

	"github.com/gogpu/gpucontext"
)

// Options are passed to a driver factory.
type Options struct {
	// Provider is the host GPU device the driver renders with, if any.
	Provider gpucontext.DeviceProvider

	// MemoryBudget caps the bytes of textures, surfaces and buffers the
	// driver allocates. Zero selects DefaultMemoryBudget.
	MemoryBudget uint64
}

// Factory creates a new driver instance.
type Factory func(opts Options) Device

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Factory)
	// Priority order for driver selection (first registered wins).
	driverPriority = []string{DriverHost, DriverSoftware}
)

// Well-known driver names.
const (
	// DriverHost is the slot for an out-of-tree driver that renders on the
	// host GPU. Nothing in this module registers it; a binary that links
	// such a driver registers it under this name from init, and Default
	// then prefers it over the software driver.
	DriverHost = "host"

	// DriverSoftware is the built-in CPU driver, registered by this package.
	DriverSoftware = "software"
)

// Register registers a driver factory with the given name.
// This is typically called from init() functions.
// If a driver with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[name] = factory
}

// Unregister removes a driver from the registry.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(drivers, name)
}

// Available returns the registered driver names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a driver with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := drivers[name]
	return ok
}

// Get returns a driver instance by name, or nil if it is not registered.
func Get(name string, opts Options) Device {
	registryMu.RLock()
	factory, ok := drivers[name]
	registryMu.RUnlock()

	if !ok {
		return nil
	}
	return factory(opts)
}

// Default returns the best available driver based on priority.
// Returns nil if no drivers are registered.
func Default(opts Options) Device {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range driverPriority {
		if factory, ok := drivers[name]; ok {
			if d := factory(opts); d != nil {
				return d
			}
		}
	}

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d := drivers[name](opts); d != nil {
			return d
		}
	}
	return nil
}

// MustDefault returns the default driver or panics.
func MustDefault(opts Options) Device {
	d := Default(opts)
	if d == nil {
		panic("driver: no driver available")
	}
	return d
}

// Open creates the named driver, or the default one when name is empty,
// and initializes it.
func Open(name string, opts Options) (Device, error) {
	var d Device
	if name == "" {
		d = Default(opts)
	} else {
		d = Get(name, opts)
	}
	if d == nil {
		return nil, ErrDriverNotAvailable
	}
	if err := d.Init(); err != nil {
		return nil, err
	}
	slogger().Info("driver initialized", "name", d.Name(), "renderer", d.Strings().Renderer)
	return d, nil
}
