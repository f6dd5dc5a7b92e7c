package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/galdor/go-vr/pkg/vr"
	"github.com/google/btree"
)

const storageKeyPrefix = "kv/"

type storeEntry struct {
	Key   string
	Value string
}

// Store is the replicated state machine. Entries are kept in memory, ordered
// by key; modified entries are written to the replica storage each time a
// checkpoint is created.
type Store struct {
	entries *btree.BTreeG[storeEntry]

	// Keys modified since the last checkpoint
	dirtyKeys map[string]struct{}

	mu sync.RWMutex
}

func NewStore() *Store {
	s := Store{
		entries:   newStoreTree(),
		dirtyKeys: make(map[string]struct{}),
	}

	return &s
}

func newStoreTree() *btree.BTreeG[storeEntry] {
	return btree.NewG[storeEntry](32, func(a, b storeEntry) bool {
		return a.Key < b.Key
	})
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	entry, found := s.entries.Get(storeEntry{Key: key})
	s.mu.RUnlock()

	return entry.Value, found
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.entries.Len()
}

// Keys returns all keys starting with prefix in lexicographic order.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string

	s.entries.AscendGreaterOrEqual(storeEntry{Key: prefix},
		func(entry storeEntry) bool {
			if !strings.HasPrefix(entry.Key, prefix) {
				return false
			}

			keys = append(keys, entry.Key)
			return true
		})

	return keys
}

func (s *Store) ApplyOperations(ops []Op) ([]OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]OpResult, len(ops))

	for i, op := range ops {
		results[i] = s.applyOp(op)
	}

	return results, nil
}

func (s *Store) applyOp(op Op) OpResult {
	var result OpResult

	switch op.Type {
	case OpTypeGet:
		if entry, found := s.entries.Get(storeEntry{Key: op.Key}); found {
			result.Found = true
			result.Value = entry.Value
		}

	case OpTypePut:
		previous, found := s.entries.ReplaceOrInsert(storeEntry{
			Key:   op.Key,
			Value: op.Value,
		})
		if found {
			result.Found = true
			result.Value = previous.Value
		}

		s.dirtyKeys[op.Key] = struct{}{}

	case OpTypeDelete:
		if previous, found := s.entries.Delete(storeEntry{Key: op.Key}); found {
			result.Found = true
			result.Value = previous.Value
		}

		s.dirtyKeys[op.Key] = struct{}{}
	}

	// Invalid operations are rejected before being submitted; if one reaches
	// the log anyway, it has no effect on any replica.
	return result
}

// SaveState writes the keys modified since the last checkpoint. They are
// only considered saved once the transaction is committed.
func (s *Store) SaveState(tx vr.StorageTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	savedKeys := make([]string, 0, len(s.dirtyKeys))

	for key := range s.dirtyKeys {
		storageKey := []byte(storageKeyPrefix + key)

		entry, found := s.entries.Get(storeEntry{Key: key})
		if found {
			if err := tx.Upsert(storageKey, []byte(entry.Value)); err != nil {
				return fmt.Errorf("cannot write key %q: %w", key, err)
			}
		} else {
			if err := tx.Delete(storageKey); err != nil {
				return fmt.Errorf("cannot delete key %q: %w", key, err)
			}
		}

		savedKeys = append(savedKeys, key)
	}

	tx.OnCommit(func() {
		s.mu.Lock()
		for _, key := range savedKeys {
			delete(s.dirtyKeys, key)
		}
		s.mu.Unlock()
	})

	return nil
}

func (s *Store) RestoreState(storage vr.Storage) error {
	entries := newStoreTree()

	prefix := []byte(storageKeyPrefix)

	err := storage.ForEach(prefix, func(key, value []byte) error {
		entries.ReplaceOrInsert(storeEntry{
			Key:   string(key[len(prefix):]),
			Value: string(value),
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot read entries: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.dirtyKeys = make(map[string]struct{})
	s.mu.Unlock()

	return nil
}
