// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package guard provides the two named locks that serialize access to the
// shared GPU binding.
//
// Guard is the exclusive call-level lock: a worker holds it for a whole
// decode round so that binding state stays consistent while the decoders run
// in sequence. Structure is the read/write lock over the set of live render
// contexts and window surfaces: replay takes it shared, creation and
// destruction of contexts and surfaces take it exclusive.
//
// Acquisition order is fixed:
//
//	Guard -> registry lock -> Structure
//
// Each goroutine carries a Token recording what it holds. Built with the
// lockcheck tag, acquiring out of order panics; otherwise the Token only
// records state.
package guard

import (
	"fmt"
	"sync"
)

// Level identifies one lock in the acquisition order.
type Level uint8

// Locks in acquisition order. A goroutine may only acquire a level higher
// than every level it already holds.
const (
	LevelGuard Level = 1 << iota
	LevelRegistry
	LevelStructure
)

func (l Level) String() string {
	switch l {
	case LevelGuard:
		return "guard"
	case LevelRegistry:
		return "registry"
	case LevelStructure:
		return "structure"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Token tracks the locks held by one goroutine. A nil *Token is valid and
// disables tracking for out-of-band callers.
type Token struct {
	held Level
}

// Holds reports whether the token currently holds l.
func (t *Token) Holds(l Level) bool {
	return t != nil && t.held&l != 0
}

// Acquire records that l is about to be taken.
func (t *Token) Acquire(l Level) {
	if t == nil {
		return
	}
	if checkOrder && violates(t.held, l) {
		panic(fmt.Sprintf("guard: acquiring %v while holding %v", l, t.held))
	}
	t.held |= l
}

// Release records that l was released.
func (t *Token) Release(l Level) {
	if t == nil {
		return
	}
	if checkOrder && t.held&l == 0 {
		panic(fmt.Sprintf("guard: releasing %v which is not held", l))
	}
	t.held &^= l
}

// violates reports whether taking next while holding held breaks the order.
// Any held level at or above next is a violation, including re-entry.
func violates(held, next Level) bool {
	return held&^(next-1) != 0
}

// Guard is the exclusive call-level lock around GPU binding state.
type Guard struct {
	mu sync.Mutex
}

// Lock acquires the guard on behalf of t.
func (g *Guard) Lock(t *Token) {
	t.Acquire(LevelGuard)
	g.mu.Lock()
}

// Unlock releases the guard.
func (g *Guard) Unlock(t *Token) {
	g.mu.Unlock()
	t.Release(LevelGuard)
}

// Structure is the read/write lock over the live context and surface set.
type Structure struct {
	mu sync.RWMutex
}

// RLock takes the structural lock shared, for ordinary replay.
func (s *Structure) RLock(t *Token) {
	t.Acquire(LevelStructure)
	s.mu.RLock()
}

// RUnlock releases a shared hold.
func (s *Structure) RUnlock(t *Token) {
	s.mu.RUnlock()
	t.Release(LevelStructure)
}

// Lock takes the structural lock exclusive, for creating or destroying
// render contexts and window surfaces.
func (s *Structure) Lock(t *Token) {
	t.Acquire(LevelStructure)
	s.mu.Lock()
}

// Unlock releases an exclusive hold.
func (s *Structure) Unlock(t *Token) {
	s.mu.Unlock()
	t.Release(LevelStructure)
}
