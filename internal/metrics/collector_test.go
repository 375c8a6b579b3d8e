package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"resourcecache/internal/heartbeat"
	"resourcecache/internal/memory"
	"resourcecache/internal/resource"
)

func newTestManager(t *testing.T) *resource.Manager {
	t.Helper()
	pool, err := memory.NewPool(memory.PoolConfig{Name: "metrics", BlockSize: 64, InitialCount: 1})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	m, err := resource.NewManager(resource.Options{
		Allocator:    memory.NewAllocator(memory.AllocatorConfig{Pool: pool}),
		MaxCacheSize: 1024,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	m.Cache().SetPressureHandlers(nil, nil, nil)
	return m
}

func TestCollector_CacheMetrics(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "five.txt")
	if err := os.WriteFile(path, []byte("12345"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	ctx := context.Background()
	m.LoadResource(ctx, path, true)
	m.LoadResource(ctx, path, true)

	expected := `
# HELP resourcecache_cache_bytes Sum of recorded entry sizes.
# TYPE resourcecache_cache_bytes gauge
resourcecache_cache_bytes 5
# HELP resourcecache_cache_entries Cached resources.
# TYPE resourcecache_cache_entries gauge
resourcecache_cache_entries 1
# HELP resourcecache_cache_lookups_total Cache lookups, by result.
# TYPE resourcecache_cache_lookups_total counter
resourcecache_cache_lookups_total{result="hit"} 1
resourcecache_cache_lookups_total{result="miss"} 1
`
	c := NewCollector(m, nil)
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"resourcecache_cache_bytes", "resourcecache_cache_entries", "resourcecache_cache_lookups_total"); err != nil {
		t.Errorf("Unexpected metrics: %v", err)
	}
}

func TestCollector_PoolAndAllocatorMetrics(t *testing.T) {
	m := newTestManager(t)
	c := NewCollector(m, nil)

	if got := testutil.CollectAndCount(c, "resourcecache_pool_rents_total"); got != 2 {
		t.Errorf("Expected 2 rent series, got %d", got)
	}
	if got := testutil.CollectAndCount(c, "resourcecache_allocator_allocations_total"); got != 2 {
		t.Errorf("Expected 2 allocation series, got %d", got)
	}
}

func TestCollector_HeartbeatMetrics(t *testing.T) {
	s := heartbeat.NewScheduler(heartbeat.Options{Clock: clock.NewMock()})
	defer s.Close()

	for _, name := range []string{"a", "b"} {
		inst, _ := heartbeat.NewInstance(name, time.Second, func(context.Context) error { return nil })
		s.Register(inst)
	}

	c := NewCollector(nil, s)
	if got := testutil.CollectAndCount(c, "resourcecache_heartbeat_running"); got != 2 {
		t.Errorf("Expected 2 running series, got %d", got)
	}
}

func TestCollector_Registers(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(newTestManager(t), nil)); err != nil {
		t.Fatalf("Register() unexpected error = %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather() unexpected error = %v", err)
	}
}
