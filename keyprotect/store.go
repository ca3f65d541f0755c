package keyprotect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkisouverain/caengine/storage"
)

// ErrBlobNotFound is returned by BlobStore.ReadBlob for unknown names.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists named byte blobs. RemoveBlob must treat a missing blob
// as success.
type BlobStore interface {
	WriteBlob(ctx context.Context, name string, data []byte) error
	ReadBlob(ctx context.Context, name string) ([]byte, error)
	RemoveBlob(ctx context.Context, name string) error
}

// ---------------------------------------------------------------------------
// DirStore
// ---------------------------------------------------------------------------

// DirStore keeps blobs as owner-only files in a single directory.
type DirStore struct {
	dir string
}

var _ BlobStore = (*DirStore)(nil)

// NewDirStore returns a DirStore rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// WriteBlob writes data atomically via a temporary file and rename.
func (s *DirStore) WriteBlob(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

func (s *DirStore) ReadBlob(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrBlobNotFound)
	}
	return data, err
}

func (s *DirStore) RemoveBlob(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// RepoStore
// ---------------------------------------------------------------------------

const recordTypeKeyBlob = "key_blob"

// RepoStore keeps blobs as records in a storage.Repository, so that key
// containers live in the same database as the CA records.
type RepoStore struct {
	repo storage.Repository
}

var _ BlobStore = (*RepoStore)(nil)

// NewRepoStore returns a RepoStore backed by repo.
func NewRepoStore(repo storage.Repository) *RepoStore {
	return &RepoStore{repo: repo}
}

func (s *RepoStore) WriteBlob(ctx context.Context, name string, data []byte) error {
	return s.repo.Put(ctx, recordTypeKeyBlob, name, &storage.Record{Ver: 1, Data: data})
}

func (s *RepoStore) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	rec, err := s.repo.Get(ctx, recordTypeKeyBlob, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrBlobNotFound)
		}
		return nil, err
	}
	return rec.Data, nil
}

func (s *RepoStore) RemoveBlob(ctx context.Context, name string) error {
	err := s.repo.Delete(ctx, recordTypeKeyBlob, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
