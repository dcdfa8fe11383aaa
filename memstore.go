package cm

import (
	"sync"
	"time"
)

// MemStore is an in-process Store. Records survive machine restarts within
// the process, which is what tests of crash recovery need.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte

	// CommitDelay postpones commit completion.
	CommitDelay time.Duration
	// CommitErr, when set, fails every commit without applying it.
	CommitErr error
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Begin(update bool) (Txn, error) {
	return &memTxn{s: s, update: update, writes: make(map[string][]byte)}, nil
}

func (s *MemStore) Close() error { return nil }

// Len returns the number of stored keys.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type memTxn struct {
	s      *MemStore
	update bool
	writes map[string][]byte // nil value marks a delete
	done   bool
}

func (t *memTxn) Get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	v, ok := t.s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memTxn) Put(key string, value []byte) error {
	if !t.update || t.done {
		return ErrClosed
	}
	t.writes[key] = append([]byte{}, value...)
	return nil
}

func (t *memTxn) Delete(key string) error {
	if !t.update || t.done {
		return ErrClosed
	}
	t.writes[key] = nil
	return nil
}

func (t *memTxn) Commit() <-chan error {
	ch := make(chan error, 1)
	if t.done {
		ch <- ErrClosed
		return ch
	}
	t.done = true
	go func() {
		if d := t.s.CommitDelay; d > 0 {
			time.Sleep(d)
		}
		t.s.mu.Lock()
		if err := t.s.CommitErr; err != nil {
			t.s.mu.Unlock()
			ch <- err
			return
		}
		for k, v := range t.writes {
			if v == nil {
				delete(t.s.data, k)
				continue
			}
			t.s.data[k] = v
		}
		t.s.mu.Unlock()
		ch <- nil
	}()
	return ch
}

func (t *memTxn) Discard() { t.done = true }
