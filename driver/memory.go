// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"
)

// Memory accounting errors.
var (
	// ErrMemoryBudgetExceeded is returned when an allocation would exceed
	// the budget.
	ErrMemoryBudgetExceeded = errors.New("driver: memory budget exceeded")

	// ErrMemoryAccountClosed is returned when allocating from a closed account.
	ErrMemoryAccountClosed = errors.New("driver: memory account closed")
)

// DefaultMemoryBudget is the memory budget used when none is configured.
const DefaultMemoryBudget uint64 = 512 * units.MiB

// MemoryKind classifies an allocation for statistics.
type MemoryKind int

// Allocation kinds.
const (
	MemorySurface MemoryKind = iota
	MemoryTexture
	MemoryBuffer
	memoryKinds
)

// MemoryStats contains driver memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// Surfaces, Textures and Buffers count live allocations per kind.
	Surfaces int
	Textures int
	Buffers  int

	// Rejected counts allocations refused for exceeding the budget.
	Rejected uint64
}

// Utilization is the fraction of the budget in use.
func (s MemoryStats) Utilization() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %s/%s, %d surfaces, %d textures, %d buffers, %d rejected]",
		s.Utilization()*100,
		units.BytesSize(float64(s.UsedBytes)),
		units.BytesSize(float64(s.TotalBytes)),
		s.Surfaces, s.Textures, s.Buffers,
		s.Rejected)
}

// MemoryAccount tracks driver allocations against a budget. Guest-visible
// objects are pinned by their handles, so nothing is evicted: an
// allocation that does not fit fails.
//
// MemoryAccount is safe for concurrent use.
type MemoryAccount struct {
	mu       sync.Mutex
	budget   uint64
	used     uint64
	counts   [memoryKinds]int
	rejected uint64
	closed   bool
}

// NewMemoryAccount creates an account with the given budget in bytes.
// A zero budget selects DefaultMemoryBudget.
func NewMemoryAccount(budget uint64) *MemoryAccount {
	if budget == 0 {
		budget = DefaultMemoryBudget
	}
	return &MemoryAccount{budget: budget}
}

// Alloc reserves size bytes of the given kind.
func (m *MemoryAccount) Alloc(kind MemoryKind, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryAccountClosed
	}
	if m.used+size > m.budget || m.used+size < m.used {
		m.rejected++
		return fmt.Errorf("%w: %s requested, %s of %s in use",
			ErrMemoryBudgetExceeded,
			units.BytesSize(float64(size)),
			units.BytesSize(float64(m.used)),
			units.BytesSize(float64(m.budget)))
	}
	m.used += size
	m.counts[kind]++
	return nil
}

// Free returns size bytes of the given kind to the budget.
func (m *MemoryAccount) Free(kind MemoryKind, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if size > m.used {
		size = m.used
	}
	m.used -= size
	if m.counts[kind] > 0 {
		m.counts[kind]--
	}
}

// Resize moves an existing allocation from oldSize to newSize.
func (m *MemoryAccount) Resize(kind MemoryKind, oldSize, newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryAccountClosed
	}
	next := m.used - min(oldSize, m.used) + newSize
	if next > m.budget {
		m.rejected++
		return fmt.Errorf("%w: resize to %s", ErrMemoryBudgetExceeded, units.BytesSize(float64(newSize)))
	}
	m.used = next
	return nil
}

// SetBudget updates the budget. Current allocations are kept even if they
// exceed the new budget; later allocations fail until usage drops.
func (m *MemoryAccount) SetBudget(budget uint64) {
	if budget == 0 {
		budget = DefaultMemoryBudget
	}
	m.mu.Lock()
	m.budget = budget
	m.mu.Unlock()
}

// Stats returns current memory usage statistics.
func (m *MemoryAccount) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MemoryStats{
		TotalBytes: m.budget,
		UsedBytes:  m.used,
		Surfaces:   m.counts[MemorySurface],
		Textures:   m.counts[MemoryTexture],
		Buffers:    m.counts[MemoryBuffer],
		Rejected:   m.rejected,
	}
}

// Close marks the account closed and zeroes usage.
func (m *MemoryAccount) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used = 0
	m.counts = [memoryKinds]int{}
	m.closed = true
}
