package preload

import (
	"container/list"
	"sync"
)

type asset struct {
	uri   string
	bytes []byte
}

// residentStore keeps fetched assets up to a byte budget, dropping the
// oldest first.
type residentStore struct {
	mu      sync.Mutex
	limit   int64
	size    int64
	order   *list.List
	entries map[string]*list.Element
}

func newResidentStore(limit int64) *residentStore {
	return &residentStore{
		limit:   limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (s *residentStore) has(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[uri]
	return ok
}

func (s *residentStore) get(uri string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[uri]
	if !ok {
		return nil, false
	}
	return el.Value.(*asset).bytes, true
}

// put stores b and returns how many assets were evicted. Assets larger
// than the whole budget are not kept.
func (s *residentStore) put(uri string, b []byte) (evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(b))
	if n > s.limit {
		return 0
	}
	if el, ok := s.entries[uri]; ok {
		s.size -= int64(len(el.Value.(*asset).bytes))
		s.order.Remove(el)
		delete(s.entries, uri)
	}
	for s.size+n > s.limit && s.order.Len() > 0 {
		oldest := s.order.Front()
		a := oldest.Value.(*asset)
		s.order.Remove(oldest)
		delete(s.entries, a.uri)
		s.size -= int64(len(a.bytes))
		evicted++
	}
	s.entries[uri] = s.order.PushBack(&asset{uri: uri, bytes: b})
	s.size += n
	return evicted
}

func (s *residentStore) stats() (count int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.size
}
