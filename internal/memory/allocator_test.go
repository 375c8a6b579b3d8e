package memory

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"

	"resourcecache/internal/errkind"
)

func newTestAllocator(t *testing.T, blockSize int) (*Allocator, *Pool, *countingBackend) {
	t.Helper()
	pool, backend := newTestPool(t, blockSize, 0)
	return NewAllocator(AllocatorConfig{Pool: pool}), pool, backend
}

func TestAllocator_Routing(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantPooled bool
	}{
		{"Zero size", 0, true},
		{"Small request", 100, true},
		{"Exactly one block", 1024, true},
		{"Larger than a block", 4096, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, _, _ := newTestAllocator(t, 1024)

			b, err := alloc.Alloc(tt.size)
			if err != nil {
				t.Fatalf("Alloc(%d) unexpected error = %v", tt.size, err)
			}
			if b.IsZero() {
				t.Fatal("Expected a non-null block")
			}

			size, err := alloc.Size(b)
			if err != nil {
				t.Fatalf("Size() unexpected error = %v", err)
			}
			if size != tt.size {
				t.Errorf("Size() = %d, want %d", size, tt.size)
			}

			stats := alloc.Stats()
			if tt.wantPooled && stats.PooledAllocs != 1 {
				t.Errorf("Expected pooled allocation, got stats %+v", stats)
			}
			if !tt.wantPooled && stats.RawAllocs != 1 {
				t.Errorf("Expected raw allocation, got stats %+v", stats)
			}
		})
	}
}

func TestAllocator_PooledRegionIsZeroed(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 64)

	b, _ := alloc.Alloc(64)
	buf, _ := alloc.Bytes(b)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := alloc.Free(b); err != nil {
		t.Fatalf("Failed to free: %v", err)
	}

	b, _ = alloc.Alloc(32)
	buf, _ = alloc.Bytes(b)
	if !bytes.Equal(buf, make([]byte, 32)) {
		t.Error("Expected recycled region to be zeroed")
	}
	if cap(buf) != 32 {
		t.Errorf("Expected view capacity 32, got %d", cap(buf))
	}
}

func TestAllocator_FreeReturnsToPool(t *testing.T) {
	alloc, pool, backend := newTestAllocator(t, 1024)

	small, _ := alloc.Alloc(10)
	large, _ := alloc.Alloc(2048)

	if err := alloc.Free(small); err != nil {
		t.Fatalf("Failed to free small block: %v", err)
	}
	if pool.FreeCount() != 1 {
		t.Errorf("Expected pooled region back in the pool, got %d free", pool.FreeCount())
	}

	if err := alloc.Free(large); err != nil {
		t.Fatalf("Failed to free large block: %v", err)
	}
	if backend.releases.Load() != 1 {
		t.Errorf("Expected raw region released to the backend, got %d releases", backend.releases.Load())
	}
	if alloc.LiveBytes() != 0 {
		t.Errorf("Expected 0 live bytes, got %d", alloc.LiveBytes())
	}
	if len(alloc.Live()) != 0 {
		t.Errorf("Expected no live blocks, got %d", len(alloc.Live()))
	}
}

func TestAllocator_FreeMisuse(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 64)

	if err := alloc.Free(Block{}); err != nil {
		t.Errorf("Expected freeing the null block to be a no-op, got %v", err)
	}

	b, _ := alloc.Alloc(8)
	if err := alloc.Free(b); err != nil {
		t.Fatalf("Failed to free: %v", err)
	}
	if err := alloc.Free(b); !errors.Is(err, ErrStaleBlock) {
		t.Errorf("Expected stale block on double free, got %v", err)
	}

	other, _, _ := newTestAllocator(t, 64)
	ob, _ := other.Alloc(8)
	if err := alloc.Free(ob); !errors.Is(err, ErrForeignBlock) {
		t.Errorf("Expected foreign block, got %v", err)
	}

	if _, err := alloc.Alloc(-1); !errors.Is(err, errkind.ErrMisuse) {
		t.Errorf("Expected misuse for negative size, got %v", err)
	}

	if got := alloc.Stats().Misuses; got != 3 {
		t.Errorf("Expected 3 misuses, got %d", got)
	}
}

func TestAllocator_Realloc(t *testing.T) {
	tests := []struct {
		name    string
		from    int
		to      int
		wantLen int
	}{
		{"Grow within pool", 16, 64, 16},
		{"Grow past pool", 32, 4096, 32},
		{"Shrink", 100, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, _, _ := newTestAllocator(t, 128)

			b, _ := alloc.Alloc(tt.from)
			buf, _ := alloc.Bytes(b)
			for i := range buf {
				buf[i] = byte(i + 1)
			}
			want := append([]byte(nil), buf[:tt.wantLen]...)

			nb, err := alloc.Realloc(b, tt.to)
			if err != nil {
				t.Fatalf("Realloc() unexpected error = %v", err)
			}
			got, _ := alloc.Bytes(nb)
			if len(got) != tt.to {
				t.Errorf("Expected new size %d, got %d", tt.to, len(got))
			}
			if !bytes.Equal(got[:tt.wantLen], want) {
				t.Error("Expected contents to be preserved")
			}
			if _, err := alloc.Bytes(b); !errors.Is(err, ErrStaleBlock) {
				t.Errorf("Expected old block to be freed, got %v", err)
			}
			if alloc.Stats().Reallocs != 1 {
				t.Errorf("Expected 1 realloc, got %d", alloc.Stats().Reallocs)
			}
		})
	}
}

func TestAllocator_ReallocNullIsAlloc(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 128)

	b, err := alloc.Realloc(Block{}, 0)
	if err != nil {
		t.Fatalf("Realloc() unexpected error = %v", err)
	}
	if b.IsZero() {
		t.Error("Expected a valid block for a zero-size realloc")
	}
}

func TestAllocator_BackendFailure(t *testing.T) {
	alloc, _, backend := newTestAllocator(t, 64)
	backend.failNext.Store(true)

	_, err := alloc.Alloc(1 << 20)
	if !errkind.IsFatal(err) {
		t.Fatalf("Expected fatal allocation failure, got %v", err)
	}
	if alloc.Stats().Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", alloc.Stats().Failures)
	}
}

func TestAllocator_WithoutPool(t *testing.T) {
	heap := NewHeapBackend()
	alloc := NewAllocator(AllocatorConfig{Backend: heap})

	b, err := alloc.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc() unexpected error = %v", err)
	}
	if heap.Stats().Allocations != 1 {
		t.Errorf("Expected backend allocation, got %d", heap.Stats().Allocations)
	}
	if err := alloc.ClearPool(); err != nil {
		t.Errorf("ClearPool() without a pool should be a no-op, got %v", err)
	}
	alloc.Free(b)
	if heap.Stats().LiveBytes != 0 {
		t.Errorf("Expected 0 live backend bytes, got %d", heap.Stats().LiveBytes)
	}
}

func TestAllocator_PeakLiveBytes(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 1024)

	a, _ := alloc.Alloc(300)
	b, _ := alloc.Alloc(700)
	alloc.Free(a)
	alloc.Free(b)
	alloc.Alloc(100)

	stats := alloc.Stats()
	if stats.PeakLiveBytes != 1000 {
		t.Errorf("Expected peak of 1000 bytes, got %d", stats.PeakLiveBytes)
	}
	if stats.LiveBytes != 100 {
		t.Errorf("Expected 100 live bytes, got %d", stats.LiveBytes)
	}
	if stats.LiveBlocks != 1 {
		t.Errorf("Expected 1 live block, got %d", stats.LiveBlocks)
	}
}

func TestNewBackend(t *testing.T) {
	if _, err := NewBackend("heap"); err != nil {
		t.Errorf("NewBackend(heap) unexpected error = %v", err)
	}
	if _, err := NewBackend("tape"); !errors.Is(err, errkind.ErrMisuse) {
		t.Errorf("Expected misuse for unknown backend, got %v", err)
	}
}

func BenchmarkAllocator_SmallAllocFree(b *testing.B) {
	pool, _ := NewPool(PoolConfig{BlockSize: 4096, InitialCount: 8})
	alloc := NewAllocator(AllocatorConfig{Pool: pool})
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		blk, err := alloc.Alloc(512)
		if err != nil {
			b.Fatalf("Alloc failed: %v", err)
		}
		alloc.Free(blk)
	}
}
