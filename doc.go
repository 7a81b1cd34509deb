// Package emurender is the host-side renderer backend of an Android
// emulator.
//
// # Overview
//
// Guest processes open one connection each to the renderer and stream
// batches of encoded GLES and render-control calls. The renderer replays
// them against a single host driver device, keeps the table of guest-visible
// handles (render contexts, window surfaces, color buffers, data buffers and
// client images) and presents posted color buffers on emulator displays.
//
// # Quick Start
//
//	r, err := emurender.New(emurender.WithAddress("unix", "/run/emu/render.sock"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Stop(true)
//
//	r.SetPostCallback(0, 540, 960, resource.GLRGBA, func(id uint32, w, h int, pix []byte) {
//	    // frame posted to display 0
//	})
//
// # Architecture
//
// The module is organized into:
//   - Renderer (this package): lifecycle, options and the host-side control
//     surface
//   - server: the acceptor, one worker per connection
//   - worker: per-connection decode loop and render-control decoder
//   - registry: the handle table, reference counts, delayed close and
//     process/thread ownership
//   - guard: the decode Guard and the structural lock
//   - display: displays, the post and readback workers, compose and
//     screenshots
//   - driver: the GPU capability interface and the software driver
//   - wire: handshake, packet framing and opcodes
//
// # Concurrency
//
// Every decode round of every worker holds the Guard, so calls from
// different connections never interleave on the driver. The GLES decoders
// additionally hold the structural lock shared; creating or destroying
// contexts and window surfaces takes it exclusively. Posts are executed on
// one post worker and frame callbacks on one readback worker, so a slow
// consumer never blocks decoding.
//
// # Logging
//
// Nothing is logged by default. Call [SetLogger] to route log records of
// every sub-package to a [log/slog] logger.
package emurender
