package tier

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const backendLevelDB = "leveldb"

// LevelDBStore persists tiers in a local leveldb database.
//
// Layout:
//
//	t:<name>             tier marker
//	e:<name>\x00<key>    gob encoded Entry
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func markerKey(name string) []byte {
	return []byte("t:" + name)
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + "\x00")
}

func (s *LevelDBStore) Open(_ context.Context, name string) (Tier, error) {
	if name == "" {
		return nil, fmt.Errorf("tier name cannot be empty")
	}
	if err := s.db.Put(markerKey(name), nil, nil); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "open").Inc()
		return nil, fmt.Errorf("leveldb put marker: %w", err)
	}
	return &levelTier{db: s.db, name: name}, nil
}

func (s *LevelDBStore) Delete(_ context.Context, name string) (bool, error) {
	existed, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return false, fmt.Errorf("leveldb has: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))

	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		// Iterator keys are only valid until the next call.
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return false, fmt.Errorf("leveldb iterate: %w", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return false, fmt.Errorf("leveldb write: %w", err)
	}
	return existed, nil
}

func (s *LevelDBStore) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("t:")), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte("t:"))))
	}
	if err := it.Error(); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "names").Inc()
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type levelTier struct {
	db   *leveldb.DB
	name string
}

func (t *levelTier) Name() string {
	return t.name
}

func (t *levelTier) entryKey(key Key) []byte {
	return append(entryPrefix(t.name), key.String()...)
}

func (t *levelTier) Get(_ context.Context, key Key) (*Entry, error) {
	b, err := t.db.Get(t.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			observeGet(t.name, false)
			return nil, ErrMiss
		}
		TierErrors.WithLabelValues(backendLevelDB, "get").Inc()
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	var entry Entry
	if err := decodeGob(b, &entry); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	observeGet(t.name, true)
	return &entry, nil
}

func (t *levelTier) Put(_ context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("tier entry cannot be nil")
	}
	b, err := encodeGob(entry)
	if err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "put").Inc()
		return fmt.Errorf("encode tier entry: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(markerKey(t.name), nil)
	batch.Put(t.entryKey(key), b)
	if err := t.db.Write(batch, nil); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "put").Inc()
		return fmt.Errorf("leveldb put: %w", err)
	}
	observePut(t.name, entry)
	return nil
}

func (t *levelTier) Delete(_ context.Context, key Key) (bool, error) {
	k := t.entryKey(key)
	existed, err := t.db.Has(k, nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has: %w", err)
	}
	if err := t.db.Delete(k, nil); err != nil {
		TierErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return false, fmt.Errorf("leveldb delete: %w", err)
	}
	return existed, nil
}

func (t *levelTier) Keys(_ context.Context) ([]Key, error) {
	prefix := entryPrefix(t.name)
	it := t.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		k, err := ParseKey(string(bytes.TrimPrefix(it.Key(), prefix)))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
