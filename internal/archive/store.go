package archive

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/dgraph-io/badger/v4"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Supported backends.
const (
	KindBolt   = "bolt"
	KindBadger = "badger"
	KindPebble = "pebble"
)

var errMissing = errors.New("key not found")

// store is the point-lookup surface every backend offers. Get returns
// errMissing for an absent key.
type store interface {
	Set(key, val []byte) error
	Get(key []byte) ([]byte, error)
	io.Closer
}

func openStore(kind, dir string, noSync bool) (store, error) {
	switch kind {
	case KindBolt:
		s, err := raftboltdb.New(raftboltdb.Options{
			Path:   filepath.Join(dir, "archive.db"),
			NoSync: noSync,
		})
		if err != nil {
			return nil, fmt.Errorf("create bolt archive: %w", err)
		}
		return boltStore{s}, nil
	case KindBadger:
		opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
		opts.Logger = nil
		opts.SyncWrites = !noSync
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("create badger archive: %w", err)
		}
		return badgerStore{db}, nil
	case KindPebble:
		db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
			MemTableSize:          16 << 20,
			L0CompactionThreshold: 8,
		})
		if err != nil {
			return nil, fmt.Errorf("create pebble archive: %w", err)
		}
		return &pebbleStore{db: db, noSync: noSync}, nil
	default:
		return nil, fmt.Errorf("unsupported archive store %q (expected bolt, badger, or pebble)", kind)
	}
}

type boltStore struct {
	s *raftboltdb.BoltStore
}

func (b boltStore) Set(key, val []byte) error { return b.s.Set(key, val) }

func (b boltStore) Get(key []byte) ([]byte, error) {
	v, err := b.s.Get(key)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return nil, errMissing
	}
	return v, err
}

func (b boltStore) Close() error { return b.s.Close() }

type badgerStore struct {
	db *badger.DB
}

func (b badgerStore) Set(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (b badgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errMissing
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b badgerStore) Close() error { return b.db.Close() }

type pebbleStore struct {
	db     *pebble.DB
	noSync bool
}

func (p *pebbleStore) syncOpt() *pebble.WriteOptions {
	if p.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (p *pebbleStore) Set(key, val []byte) error {
	return p.db.Set(key, val, p.syncOpt())
}

func (p *pebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errMissing
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

func (p *pebbleStore) Close() error { return p.db.Close() }
