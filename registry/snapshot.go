// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"maps"
	"slices"

	"github.com/gogpu/emurender/resource"
)

// Save writes the table: the handle counter, then render contexts, window
// surfaces, color buffers, data buffers and client images as count-prefixed
// lists of handle plus object record, then the per-process ownership of
// windows, color buffers, images and contexts. Owners with no handles are
// skipped. Workers must be quiescent while the table is saved.
func (t *Table) Save(e *resource.Encoder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.Uint32(t.next)

	ctxHandles := make(map[*resource.RenderContext]Handle, len(t.contexts))
	for h, rc := range t.contexts {
		ctxHandles[rc] = h
	}

	keys := slices.Sorted(maps.Keys(t.contexts))
	e.Uint32(uint32(len(keys)))
	for _, h := range keys {
		rc := t.contexts[h]
		e.Uint32(uint32(h))
		e.Uint32(uint32(ctxHandles[rc.Share()]))
		rc.Save(e)
	}

	keys = slices.Sorted(maps.Keys(t.windows))
	e.Uint32(uint32(len(keys)))
	for _, h := range keys {
		w := t.windows[h]
		e.Uint32(uint32(h))
		w.surface.Save(e)
		e.Uint32(uint32(w.cb))
	}

	now := t.now()
	keys = slices.Sorted(maps.Keys(t.colorBuffers))
	e.Uint32(uint32(len(keys)))
	for _, h := range keys {
		ref := t.colorBuffers[h]
		e.Uint32(uint32(h))
		ref.cb.Save(e)
		e.Uint32(ref.refcount)
		e.Bool(ref.opened)
		var sinceClose int64
		if !ref.closedTs.IsZero() {
			sinceClose = max(now.Sub(ref.closedTs).Milliseconds(), 0)
		}
		e.Int64(sinceClose)
	}

	keys = slices.Sorted(maps.Keys(t.buffers))
	e.Uint32(uint32(len(keys)))
	for _, h := range keys {
		e.Uint32(uint32(h))
		t.buffers[h].Save(e)
	}

	keys = slices.Sorted(maps.Keys(t.images))
	e.Uint32(uint32(len(keys)))
	for _, h := range keys {
		img := t.images[h]
		e.Uint32(uint32(h))
		e.Uint32(uint32(ctxHandles[img.Context()]))
		img.Save(e)
	}

	for _, o := range []owners{t.procWindows, t.procColorBuffers, t.procImages, t.procContexts} {
		saveOwners(e, o)
	}
	return e.Err()
}

func saveOwners(e *resource.Encoder, o owners) {
	var ids []uint64
	for id, s := range o {
		if len(s) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	e.Uint32(uint32(len(ids)))
	for _, id := range ids {
		hs := sortedHandles(o[id])
		e.Uint64(id)
		e.Uint32(uint32(len(hs)))
		for _, h := range hs {
			e.Uint32(uint32(h))
		}
	}
}
