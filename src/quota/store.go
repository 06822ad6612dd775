package quota

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is the ledger state of one API key.
type Record struct {
	Key      string
	Tier     Tier
	Count    int64
	ResetsAt time.Time
}

// Store holds records. Apply must run fn with exclusive access to the key's
// record, so that a read-modify-write of one key is atomic. Different keys
// should not contend. A shared external store implements the same contract
// with its own locking.
type Store interface {
	// Apply calls fn with the key's record, or a zero record with exists
	// false. Changes are kept only when fn returns true.
	Apply(key string, fn func(rec *Record, exists bool) (keep bool))

	// Get returns a copy of the key's record.
	Get(key string) (Record, bool)

	// Len returns the number of stored records.
	Len() int
}

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// MemoryStore is an in-process Store. Keys are spread over 64 independently
// locked shards.
type MemoryStore struct {
	shards [shardCount]shard
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*Record)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) Apply(key string, fn func(rec *Record, exists bool) bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok {
		scratch := *rec
		if fn(&scratch, true) {
			*rec = scratch
		}
		return
	}

	rec := &Record{Key: key}
	if fn(rec, false) {
		rec.Key = key
		sh.records[key] = rec
	}
}

func (s *MemoryStore) Get(key string) (Record, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
