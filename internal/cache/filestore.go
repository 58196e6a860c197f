package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
)

const snapshotExt = ".snap"

// FileStore keeps one snapshot file per scope on an afero filesystem.
// Writes go to a temporary file that is renamed over the target.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
// Pass afero.NewOsFs() for disk and afero.NewMemMapFs() in tests.
func NewFileStore(fsys afero.Fs, dir string) (*FileStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{fs: fsys, dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	// PathEscape also escapes '/', so a scope can never leave dir.
	return filepath.Join(s.dir, url.PathEscape(key)+snapshotExt)
}

func (s *FileStore) Get(key string) ([]byte, error) {
	b, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return b, err
}

func (s *FileStore) Put(key string, blob []byte) error {
	final := s.path(key)
	tmp := final + "." + uuid.NewString() + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Keys lists the scopes that have a snapshot on disk.
func (s *FileStore) Keys() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || filepath.Ext(name) != snapshotExt {
			continue
		}
		key, err := url.PathUnescape(name[:len(name)-len(snapshotExt)])
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *FileStore) Close() error { return nil }
