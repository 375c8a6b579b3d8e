package cache

import (
	"container/list"
)

// InsertionOrderPolicy evicts the oldest admitted entry first. Access does not
// reorder entries, and re-admitting a key moves it to the back of the queue.
type InsertionOrderPolicy struct {
	queue *list.List
	index map[string]*list.Element
}

// NewInsertionOrderPolicy creates an empty insertion-order policy
func NewInsertionOrderPolicy() *InsertionOrderPolicy {
	return &InsertionOrderPolicy{
		queue: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (p *InsertionOrderPolicy) OnInsert(entry *Entry) {
	if el, ok := p.index[entry.Key]; ok {
		p.queue.Remove(el)
	}
	p.index[entry.Key] = p.queue.PushBack(entry)
}

// OnAccess is a no-op: lookups never change eviction order
func (p *InsertionOrderPolicy) OnAccess(*Entry) {}

func (p *InsertionOrderPolicy) OnDelete(entry *Entry) {
	if el, ok := p.index[entry.Key]; ok {
		p.queue.Remove(el)
		delete(p.index, entry.Key)
	}
}

func (p *InsertionOrderPolicy) NextEvictionCandidate() *Entry {
	front := p.queue.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

func (p *InsertionOrderPolicy) Keys() []string {
	keys := make([]string, 0, p.queue.Len())
	for el := p.queue.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).Key)
	}
	return keys
}

func (p *InsertionOrderPolicy) PolicyName() string {
	return "insertion-order"
}
