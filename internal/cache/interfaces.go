package cache

import (
	"time"

	"resourcecache/internal/memory"
)

// Entry is a cached resource: its key, the block holding its bytes, and the
// size recorded at admission
type Entry struct {
	Key        string
	Block      memory.Block
	Size       int64
	AdmittedAt time.Time
}

// Freer releases the block behind an evicted entry. *memory.Allocator
// satisfies it.
type Freer interface {
	Free(b memory.Block) error
}

// EvictionPolicy orders entries for eviction. Implementations are called with
// the cache lock held and need no locking of their own.
type EvictionPolicy interface {
	// Must be O(1) for cache performance
	OnInsert(entry *Entry)
	OnAccess(entry *Entry)
	OnDelete(entry *Entry)

	// Get next eviction candidate - MUST be O(1)
	NextEvictionCandidate() *Entry

	// Keys lists tracked keys, next candidate first
	Keys() []string

	// Policy metadata
	PolicyName() string
}

// Stats provides metrics about cache usage
type Stats struct {
	Policy string `json:"policy"`

	// Memory metrics
	MaxSize        int64   `json:"max_size"`
	CurrentSize    int64   `json:"current_size"`
	MemoryPressure float64 `json:"memory_pressure"`

	// Operation metrics
	Entries    int   `json:"entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Admissions int64 `json:"admissions"`
	Evictions  int64 `json:"evictions"`
	Oversized  int64 `json:"oversized"`
	FreeErrors int64 `json:"free_errors"`

	LastAccess time.Time `json:"last_access"`
	CreatedAt  time.Time `json:"created_at"`
}

// HitRate returns hits over lookups, 0 when nothing was looked up
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
