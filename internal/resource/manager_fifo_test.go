//go:build linux || darwin

package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"resourcecache/internal/memory"
)

type loadResult struct {
	block memory.Block
	err   error
}

func waitForRequests(t *testing.T, m *Manager, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Requests < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d requests", n)
		}
		time.Sleep(time.Millisecond)
	}
	// let the caller get past the cache lookup and join the flight
	time.Sleep(20 * time.Millisecond)
}

func receive(t *testing.T, ch <-chan loadResult, what string) loadResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
		return loadResult{}
	}
}

func TestManager_CoalescedLoadSurvivesCallerCancel(t *testing.T) {
	m := newTestManager(t, 0, true)
	path := filepath.Join(t.TempDir(), "slow.fifo")
	// opening a fifo blocks until a writer shows up, holding the load in flight
	if err := unix.Mkfifo(path, 0644); err != nil {
		t.Skipf("mkfifo unavailable: %v", err)
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	first := make(chan loadResult, 1)
	go func() {
		b, err := m.LoadResource(firstCtx, path, true)
		first <- loadResult{b, err}
	}()
	waitForRequests(t, m, 1)

	second := make(chan loadResult, 1)
	go func() {
		b, err := m.LoadResource(context.Background(), path, true)
		second <- loadResult{b, err}
	}()
	waitForRequests(t, m, 2)

	cancelFirst()
	if res := receive(t, first, "the cancelled caller"); !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Expected context.Canceled for the cancelled caller, got %v", res.err)
	}

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open fifo for writing: %v", err)
	}
	w.Close()

	res := receive(t, second, "the live caller")
	if res.err != nil {
		t.Fatalf("Expected the live caller to succeed, got %v", res.err)
	}
	if cached, ok := m.Cache().Peek(mustKey(t, path)); !ok || cached != res.block {
		t.Error("Expected the shared load to be cached")
	}
	if reads := m.Stats().DiskReads; reads != 1 {
		t.Errorf("Expected 1 disk read, got %d", reads)
	}
}

func mustKey(t *testing.T, path string) string {
	t.Helper()
	key, err := Key(path)
	if err != nil {
		t.Fatalf("Key() unexpected error = %v", err)
	}
	return key
}
