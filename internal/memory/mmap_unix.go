//go:build linux || darwin

package memory

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"resourcecache/internal/errkind"
)

// MmapBackend maps anonymous private pages for every region. The regions live
// outside the Go heap: the collector neither scans nor moves them, and Release
// unmaps them immediately.
type MmapBackend struct {
	allocations atomic.Int64
	releases    atomic.Int64
	liveBytes   atomic.Int64
}

// NewMmapBackend creates an mmap backend
func NewMmapBackend() (*MmapBackend, error) {
	return &MmapBackend{}, nil
}

func (m *MmapBackend) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errkind.Misuse("invalid allocation size: %d", size)
	}
	m.allocations.Add(1)
	if size == 0 {
		// mmap rejects empty mappings
		return []byte{}, nil
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		m.allocations.Add(-1)
		return nil, errkind.Allocation(err, "mmap %d bytes", size)
	}
	m.liveBytes.Add(int64(size))
	return buf, nil
}

func (m *MmapBackend) Release(buf []byte) error {
	if buf == nil {
		return nil
	}
	m.releases.Add(1)
	if cap(buf) == 0 {
		return nil
	}
	size := cap(buf)
	if err := unix.Munmap(buf[:size]); err != nil {
		m.releases.Add(-1)
		return errkind.Allocation(err, "munmap %d bytes", size)
	}
	m.liveBytes.Add(-int64(size))
	return nil
}

func (m *MmapBackend) Name() string { return "mmap" }

// Stats returns a snapshot of the backend counters
func (m *MmapBackend) Stats() BackendStats {
	return BackendStats{
		Allocations: m.allocations.Load(),
		Releases:    m.releases.Load(),
		LiveBytes:   m.liveBytes.Load(),
	}
}
