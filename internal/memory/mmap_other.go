//go:build !linux && !darwin

package memory

import (
	"resourcecache/internal/errkind"
)

// MmapBackend is unavailable on this platform
type MmapBackend struct {
	HeapBackend
}

// NewMmapBackend reports that anonymous mappings are not supported here
func NewMmapBackend() (*MmapBackend, error) {
	return nil, errkind.Misuse("mmap backend is not supported on this platform")
}
