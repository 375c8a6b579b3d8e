package memory

import (
	"fmt"
	"sync/atomic"

	"resourcecache/internal/errkind"
)

var (
	// ErrNullBlock is returned when the zero Block is dereferenced
	ErrNullBlock = errkind.Misuse("null block")
	// ErrStaleBlock is returned for a handle whose region was already returned or freed
	ErrStaleBlock = errkind.Misuse("stale block handle")
	// ErrForeignBlock is returned for a handle issued by a different pool or allocator
	ErrForeignBlock = errkind.Misuse("block handle belongs to another owner")
)

// Block is an ownership handle to a memory region. It is a plain value: copying
// it does not duplicate the region. Only the Pool or Allocator that issued a
// Block can resolve it, and a Block stops resolving once it has been returned
// or freed. The zero Block is the null handle.
type Block struct {
	owner uint32
	index uint32
	gen   uint32
}

// IsZero reports whether b is the null handle
func (b Block) IsZero() bool {
	return b == Block{}
}

func (b Block) String() string {
	if b.IsZero() {
		return "block(nil)"
	}
	return fmt.Sprintf("block(%d:%d#%d)", b.owner, b.index, b.gen)
}

var ownerSeq atomic.Uint32

func nextOwner() uint32 {
	return ownerSeq.Add(1)
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// table maps Blocks to values with generation checks. Slots are reused LIFO.
// Callers provide their own locking.
type table[T any] struct {
	owner uint32
	slots []slot[T]
	free  []uint32
	live  int
}

func newTable[T any]() *table[T] {
	return &table[T]{owner: nextOwner()}
}

func (t *table[T]) insert(v T) Block {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{gen: 1})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.used = true
	s.val = v
	t.live++
	return Block{owner: t.owner, index: idx, gen: s.gen}
}

func (t *table[T]) lookup(b Block) (*slot[T], error) {
	if b.IsZero() {
		return nil, ErrNullBlock
	}
	if b.owner != t.owner {
		return nil, ErrForeignBlock
	}
	if int(b.index) >= len(t.slots) {
		return nil, ErrForeignBlock
	}
	s := &t.slots[b.index]
	if !s.used || s.gen != b.gen {
		return nil, ErrStaleBlock
	}
	return s, nil
}

func (t *table[T]) get(b Block) (T, error) {
	s, err := t.lookup(b)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

func (t *table[T]) remove(b Block) (T, error) {
	var zero T
	s, err := t.lookup(b)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, b.index)
	t.live--
	return v, nil
}

func (t *table[T]) each(fn func(Block, T)) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used {
			fn(Block{owner: t.owner, index: uint32(i), gen: s.gen}, s.val)
		}
	}
}
