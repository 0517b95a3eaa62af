package shellcache

import (
	"sort"
	"sync"
)

// MemoryStorage keeps partitions in process memory. Each partition is an LRU
// bounded by maxBytes; zero means unbounded.
type MemoryStorage struct {
	maxBytes int64

	mu     sync.Mutex
	parts  map[string]*memPartition
	closed bool
}

func NewMemoryStorage(maxBytes int64) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes, parts: map[string]*memPartition{}}
}

func (s *MemoryStorage) Open(name string) (Partition, error) {
	if err := validPartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	p := &memPartition{name: name, maxBytes: s.maxBytes, items: map[string]*memItem{}}
	s.parts[name] = p
	return p, nil
}

func (s *MemoryStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.parts))
	for name := range s.parts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Drop(name string) error {
	s.mu.Lock()
	p, ok := s.parts[name]
	delete(s.parts, name)
	s.mu.Unlock()
	if ok {
		p.clear()
	}
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.parts = map[string]*memPartition{}
	return nil
}

// TotalSize is the approximate number of bytes held across partitions.
func (s *MemoryStorage) TotalSize() int64 {
	s.mu.Lock()
	parts := make([]*memPartition, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.Unlock()
	var total int64
	for _, p := range parts {
		total += p.totalSize()
	}
	return total
}

type memItem struct {
	key  string
	ent  Entry
	size int64
	prev *memItem
	next *memItem
}

type memPartition struct {
	name     string
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Get(key string) (Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	p.moveToFront(it)
	return it.ent.Clone(), true, nil
}

func (p *memPartition) Put(key string, ent Entry) error {
	ent = ent.Clone()
	sz := ent.size()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxBytes > 0 && sz > p.maxBytes {
		// too big for the budget; an older copy would be stale now
		p.deleteLocked(key)
		return nil
	}

	if it, ok := p.items[key]; ok {
		p.total -= it.size
		it.ent = ent
		it.size = sz
		p.total += sz
		p.moveToFront(it)
	} else {
		it := &memItem{key: key, ent: ent, size: sz}
		p.items[key] = it
		p.addToFront(it)
		p.total += sz
	}

	for p.maxBytes > 0 && p.total > p.maxBytes && p.tail != nil && p.tail != p.head {
		p.deleteLocked(p.tail.key)
	}
	return nil
}

func (p *memPartition) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteLocked(key)
	return nil
}

func (p *memPartition) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items), nil
}

func (p *memPartition) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.items))
	for k := range p.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (p *memPartition) totalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *memPartition) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = map[string]*memItem{}
	p.head, p.tail = nil, nil
	p.total = 0
}

func (p *memPartition) deleteLocked(key string) {
	it, ok := p.items[key]
	if !ok {
		return
	}
	p.remove(it)
	delete(p.items, key)
	p.total -= it.size
}

func (p *memPartition) addToFront(it *memItem) {
	it.prev = nil
	it.next = p.head
	if p.head != nil {
		p.head.prev = it
	}
	p.head = it
	if p.tail == nil {
		p.tail = it
	}
}

func (p *memPartition) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		p.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		p.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (p *memPartition) moveToFront(it *memItem) {
	if p.head == it {
		return
	}
	p.remove(it)
	p.addToFront(it)
}
