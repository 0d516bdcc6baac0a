package geo

import (
	"context"
	"sort"
	"sync"
)

// Index maps cells to the drivers currently located in them.
type Index interface {
	// Insert adds driverID to cell. Inserting twice is a no-op.
	Insert(ctx context.Context, driverID string, cell CellID) error
	// Remove drops driverID from cell. Empty cells are discarded.
	Remove(ctx context.Context, driverID string, cell CellID) error
	// Move relocates driverID from one cell to another as a single step.
	Move(ctx context.Context, driverID string, from, to CellID) error
	// RingQuery returns the drivers located within k hops of center, sorted by ID.
	RingQuery(ctx context.Context, center CellID, k int) ([]string, error)
	// CellsQuery returns the drivers located in any of cells, sorted by ID.
	CellsQuery(ctx context.Context, cells []CellID) ([]string, error)
}

const shardCount = 64

type shard struct {
	mu    sync.RWMutex
	cells map[CellID]map[string]struct{}
}

// MemoryIndex is an in-process Index sharded by cell. Operations never block
// on I/O and never return an error.
type MemoryIndex struct {
	grid   Grid
	shards [shardCount]*shard
}

func NewMemoryIndex(grid Grid) *MemoryIndex {
	idx := &MemoryIndex{grid: grid}
	for i := range idx.shards {
		idx.shards[i] = &shard{cells: make(map[CellID]map[string]struct{})}
	}
	return idx
}

func shardOf(cell CellID) int {
	// low bits of an H3 index are mostly unused digits, mix the high ones in
	h := uint64(cell)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h % shardCount)
}

func (m *MemoryIndex) Insert(_ context.Context, driverID string, cell CellID) error {
	s := m.shards[shardOf(cell)]
	s.mu.Lock()
	s.add(driverID, cell)
	s.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, driverID string, cell CellID) error {
	s := m.shards[shardOf(cell)]
	s.mu.Lock()
	s.remove(driverID, cell)
	s.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Move(ctx context.Context, driverID string, from, to CellID) error {
	if from == to {
		return m.Insert(ctx, driverID, to)
	}

	i, j := shardOf(from), shardOf(to)
	if i == j {
		s := m.shards[i]
		s.mu.Lock()
		s.remove(driverID, from)
		s.add(driverID, to)
		s.mu.Unlock()
		return nil
	}

	// fixed lock order keeps concurrent moves from deadlocking
	first, second := m.shards[i], m.shards[j]
	if j < i {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	m.shards[i].remove(driverID, from)
	m.shards[j].add(driverID, to)
	second.mu.Unlock()
	first.mu.Unlock()
	return nil
}

func (m *MemoryIndex) RingQuery(ctx context.Context, center CellID, k int) ([]string, error) {
	return m.CellsQuery(ctx, m.grid.Disk(center, k))
}

func (m *MemoryIndex) CellsQuery(_ context.Context, cells []CellID) ([]string, error) {
	if len(cells) == 0 {
		return []string{}, nil
	}

	seen := make(map[string]struct{})
	for _, cell := range cells {
		s := m.shards[shardOf(cell)]
		s.mu.RLock()
		for id := range s.cells[cell] {
			seen[id] = struct{}{}
		}
		s.mu.RUnlock()
	}

	return sortedKeys(seen), nil
}

// Members returns the drivers in a single cell.
func (m *MemoryIndex) Members(cell CellID) []string {
	s := m.shards[shardOf(cell)]
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.cells[cell]))
	for id := range s.cells[cell] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the whole index. Shards are read one at a time, so the
// result is only consistent when no writers are running.
func (m *MemoryIndex) Snapshot() map[CellID][]string {
	out := make(map[CellID][]string)
	for _, s := range m.shards {
		s.mu.RLock()
		for cell, members := range s.cells {
			out[cell] = sortedKeys(members)
		}
		s.mu.RUnlock()
	}
	return out
}

// CellCount returns the number of non-empty cells.
func (m *MemoryIndex) CellCount() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.cells)
		s.mu.RUnlock()
	}
	return n
}

func (s *shard) add(driverID string, cell CellID) {
	members, ok := s.cells[cell]
	if !ok {
		members = make(map[string]struct{})
		s.cells[cell] = members
	}
	members[driverID] = struct{}{}
}

func (s *shard) remove(driverID string, cell CellID) {
	members, ok := s.cells[cell]
	if !ok {
		return
	}
	delete(members, driverID)
	if len(members) == 0 {
		delete(s.cells, cell)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
