package memory

import (
	"sync/atomic"

	"resourcecache/internal/errkind"
)

// Backend provides raw memory regions. Release must receive exactly the slice
// returned by Alloc.
type Backend interface {
	Alloc(size int) ([]byte, error)
	Release(buf []byte) error
	Name() string
}

// BackendStats counts calls made against a backend
type BackendStats struct {
	Allocations int64
	Releases    int64
	LiveBytes   int64
}

// HeapBackend allocates from the Go heap. Release drops the reference and the
// garbage collector reclaims the region.
type HeapBackend struct {
	allocations atomic.Int64
	releases    atomic.Int64
	liveBytes   atomic.Int64
}

// NewHeapBackend creates a heap backend
func NewHeapBackend() *HeapBackend {
	return &HeapBackend{}
}

func (h *HeapBackend) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errkind.Misuse("invalid allocation size: %d", size)
	}
	buf := make([]byte, size)
	h.allocations.Add(1)
	h.liveBytes.Add(int64(size))
	return buf, nil
}

func (h *HeapBackend) Release(buf []byte) error {
	if buf == nil {
		return nil
	}
	h.releases.Add(1)
	h.liveBytes.Add(-int64(cap(buf)))
	return nil
}

func (h *HeapBackend) Name() string { return "heap" }

// Stats returns a snapshot of the backend counters
func (h *HeapBackend) Stats() BackendStats {
	return BackendStats{
		Allocations: h.allocations.Load(),
		Releases:    h.releases.Load(),
		LiveBytes:   h.liveBytes.Load(),
	}
}

// NewBackend returns the backend registered under name ("heap" or "mmap")
func NewBackend(name string) (Backend, error) {
	switch name {
	case "", "heap":
		return NewHeapBackend(), nil
	case "mmap":
		b, err := NewMmapBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, errkind.Misuse("unknown memory backend %q", name)
	}
}
