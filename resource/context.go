// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"fmt"

	"github.com/gogpu/emurender/driver"
)

// RenderContext is a GPU rendering context bound to a client API version,
// optionally sharing objects with a parent context.
type RenderContext struct {
	holds
	dev    driver.Device
	id     driver.ContextID
	config int
	api    driver.API
	share  *RenderContext
}

// NewRenderContext creates a context. share may be nil.
func NewRenderContext(dev driver.Device, config int, share *RenderContext, api driver.API) (*RenderContext, error) {
	var shareID driver.ContextID
	if share != nil {
		shareID = share.id
	}
	id, err := dev.CreateContext(config, shareID, api)
	if err != nil {
		return nil, fmt.Errorf("resource: create %v context: %w", api, err)
	}
	c := &RenderContext{dev: dev, id: id, config: config, api: api, share: share}
	c.init()
	if share != nil {
		share.Hold()
	}
	return c, nil
}

// Kind returns KindRenderContext.
func (c *RenderContext) Kind() Kind { return KindRenderContext }

// ID returns the driver context.
func (c *RenderContext) ID() driver.ContextID { return c.id }

// API returns the client API version.
func (c *RenderContext) API() driver.API { return c.api }

// Config returns the framebuffer configuration.
func (c *RenderContext) Config() int { return c.config }

// Share returns the parent context, or nil.
func (c *RenderContext) Share() *RenderContext { return c.share }

// Hold takes a host-side hold.
func (c *RenderContext) Hold() { c.hold() }

// Drop releases a hold. The last drop destroys the driver context and
// releases the hold on the parent.
func (c *RenderContext) Drop() error {
	if !c.drop() {
		return nil
	}
	err := c.dev.DestroyContext(c.id)
	if c.share != nil {
		if serr := c.share.Drop(); err == nil {
			err = serr
		}
	}
	return err
}
