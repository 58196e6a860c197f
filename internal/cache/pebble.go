package cache

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/nfrund/chatsync/internal/domain"
)

const pebbleKeyPrefix = "scope:"

// PebbleStore keeps snapshots in a pebble database, one key per scope.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble database at path. A nil fsys
// means the OS filesystem; tests pass vfs.NewMem().
func OpenPebbleStore(path string, fsys vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fsys != nil {
		opts.FS = fsys
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble cache at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(pebbleKeyPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Put(key string, blob []byte) error {
	return s.db.Set([]byte(pebbleKeyPrefix+key), blob, pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
