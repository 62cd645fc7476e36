// Package kvstore wraps an embedded ordered key-value engine (Badger) with
// prefix-scoped "sublevels" and atomic batch writes, the storage primitive
// that internal/repo builds the Bridge Repository on top of.
package kvstore

import (
	"bytes"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a thin wrapper around a Badger database. All keys are composed
// of a sublevel prefix plus a caller-chosen key, separated by ':', so
// distinct logical namespaces (bindings, mappings, cursors, hashes, ...)
// can share one on-disk database without colliding.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogAdapter{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	slog.Info("kvstore opened", "dir", dir)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sublevel returns a namespaced view of the store. All keys written or read
// through the returned Sublevel are transparently prefixed with name+":".
func (s *Store) Sublevel(name string) *Sublevel {
	return &Sublevel{store: s, prefix: []byte(name + ":")}
}

// Sublevel is a prefix-scoped view over a Store.
type Sublevel struct {
	store  *Store
	prefix []byte
}

func (l *Sublevel) key(k string) []byte {
	return append(append([]byte{}, l.prefix...), k...)
}

// Get reads the value for k. Returns (nil, false, nil) when absent.
func (l *Sublevel) Get(k string) ([]byte, bool, error) {
	var val []byte
	err := l.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(l.key(k))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", k, err)
	}
	return val, val != nil, nil
}

// Set writes a single key. For multiple related writes, prefer Batch so
// they commit atomically.
func (l *Sublevel) Set(k string, v []byte) error {
	err := l.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(l.key(k), v)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (l *Sublevel) Delete(k string) error {
	err := l.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(l.key(k))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

// ScanPrefix iterates all keys (within this sublevel) starting with keyPrefix,
// in key order, calling fn with the suffix after the sublevel prefix and the
// value. Iteration stops early if fn returns false.
func (l *Sublevel) ScanPrefix(keyPrefix string, fn func(key string, value []byte) (bool, error)) error {
	fullPrefix := l.key(keyPrefix)
	return l.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key := bytes.TrimPrefix(item.KeyCopy(nil), l.prefix)
			cont, err := fn(string(key), val)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// Batch accumulates writes to be committed atomically across Set/Batch calls.
type Batch struct {
	store *Store
	ops   []batchOp
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// NewBatch starts a new atomic batch against the underlying store. Writes
// queued via (*Sublevel).BatchSet/BatchDelete on any sublevel of the same
// store can be committed together with Commit.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// BatchSet queues a write within this sublevel for the given batch.
func (l *Sublevel) BatchSet(b *Batch, k string, v []byte) {
	b.ops = append(b.ops, batchOp{key: l.key(k), value: v})
}

// BatchDelete queues a delete within this sublevel for the given batch.
func (l *Sublevel) BatchDelete(b *Batch, k string) {
	b.ops = append(b.ops, batchOp{key: l.key(k), delete: true})
}

// Commit applies every queued operation atomically: either all writes
// become visible or none do.
func (b *Batch) Commit() error {
	if len(b.ops) == 0 {
		return nil
	}
	err := b.store.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			if op.delete {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch of %d ops: %w", len(b.ops), err)
	}
	return nil
}

// badgerLogAdapter routes Badger's internal logging through slog at debug
// level; Badger is chatty at info level about compaction internals that
// aren't useful to bridge operators.
type badgerLogAdapter struct{}

func (badgerLogAdapter) Errorf(f string, a ...interface{})   { slog.Error(fmt.Sprintf(f, a...)) }
func (badgerLogAdapter) Warningf(f string, a ...interface{}) { slog.Warn(fmt.Sprintf(f, a...)) }
func (badgerLogAdapter) Infof(f string, a ...interface{})    { slog.Debug(fmt.Sprintf(f, a...)) }
func (badgerLogAdapter) Debugf(f string, a ...interface{})   { slog.Debug(fmt.Sprintf(f, a...)) }
