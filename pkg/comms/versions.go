package comms

import (
	"context"
	"sync"
)

// VersionSource hands out the host's monotonic state versions, one per completed handshake.
type VersionSource interface {
	NextVersion(ctx context.Context, surfaceID string) (int64, error)
}

// MemoryVersions keeps per-surface counters in process memory.
type MemoryVersions struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryVersions creates an empty counter set.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{counters: make(map[string]int64)}
}

// NextVersion increments and returns the counter of surfaceID.
func (m *MemoryVersions) NextVersion(_ context.Context, surfaceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[surfaceID]++
	return m.counters[surfaceID], nil
}

// Current returns the last version handed out for surfaceID, 0 if none.
func (m *MemoryVersions) Current(surfaceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[surfaceID]
}
