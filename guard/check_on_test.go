// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build lockcheck

package guard

import "testing"

func TestOutOfOrderPanics(t *testing.T) {
	tok := &Token{}
	tok.Acquire(LevelRegistry)

	defer func() {
		if recover() == nil {
			t.Error("acquiring guard while holding registry did not panic")
		}
	}()
	var g Guard
	g.Lock(tok)
}
