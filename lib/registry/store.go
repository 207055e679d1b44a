package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	json "github.com/json-iterator/go"
)

// MemoryStore is an in-memory Registry.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Merge implements Registry.
func (m *MemoryStore) Merge(rec *Record) error {
	if rec == nil || rec.Filename == "" {
		return fmt.Errorf("cannot merge record without filename")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Filename] = rec
	return nil
}

// Lookup implements Registry.
func (m *MemoryStore) Lookup(filename string) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[filename]
	return rec, ok, nil
}

// List implements Registry.
func (m *MemoryStore) List() ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

var pluginsBucket = []byte("plugins")

// BoltStore is a Registry persisted in a bolt database, one JSON document per file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the registry cache at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pluginsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Merge implements Registry.
func (b *BoltStore) Merge(rec *Record) error {
	if rec == nil || rec.Filename == "" {
		return fmt.Errorf("cannot merge record without filename")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.Filename, err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pluginsBucket).Put([]byte(rec.Filename), data)
	})
}

// Lookup implements Registry.
func (b *BoltStore) Lookup(filename string) (*Record, bool, error) {
	var rec *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(pluginsBucket).Get([]byte(filename))
		if data == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read record %s: %w", filename, err)
	}
	return rec, rec != nil, nil
}

// List implements Registry. Bolt keys are sorted, so records come out ordered by filename.
func (b *BoltStore) List() ([]*Record, error) {
	var out []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pluginsBucket).ForEach(func(k, v []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Remove deletes the record for filename, e.g. when the file disappeared.
func (b *BoltStore) Remove(filename string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pluginsBucket)
		if bucket.Get([]byte(filename)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(filename))
	})
}

// Close releases the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
