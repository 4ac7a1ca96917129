package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// FSStore lays objects out on disk addressed by SHA-256:
//
//	<root>/
//	  objects/ab/cdef1234...   (first 2 hash chars = subdir)
//	  refs/<build-id>.json     (artifact path -> hash list)
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore creates the store directories under root.
func NewFSStore(root string) (*FSStore, error) {
	for _, dir := range []string{
		filepath.Join(root, "objects"),
		filepath.Join(root, "refs"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, derrors.InternalError("artifact store directory not creatable").
				WithContext("path", dir).
				WithCause(err).
				Build()
		}
	}
	return &FSStore{root: root}, nil
}

// PutFile hashes and ingests one artifact. An object that already exists is
// not rewritten; only the build's ref list grows.
func (s *FSStore) PutFile(ctx context.Context, buildID, relPath, absPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return "", derrors.InternalError("artifact not readable").
			WithContext("path", absPath).
			WithCause(err).
			Build()
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", derrors.InternalError("artifact hashing failed").
			WithContext("path", absPath).
			WithCause(err).
			Build()
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	objPath := s.objectPath(hash)
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		if err := s.writeObject(objPath, absPath); err != nil {
			return "", err
		}
	}

	refs, err := s.readRefsLocked(buildID)
	if err != nil {
		return "", err
	}
	refs = append(refs, Ref{
		Path:     relPath,
		Hash:     hash,
		Size:     size,
		StoredAt: time.Now().UTC(),
	})
	if err := s.writeRefsLocked(buildID, refs); err != nil {
		return "", err
	}
	return hash, nil
}

// Refs lists the build's stored artifacts. Unknown builds have none.
func (s *FSStore) Refs(ctx context.Context, buildID string) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRefsLocked(buildID)
}

// Open streams one object by hash.
func (s *FSStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, derrors.NotFoundError("no object with that hash").
				WithContext("hash", hash).
				Build()
		}
		return nil, derrors.InternalError("object not readable").
			WithContext("hash", hash).
			WithCause(err).
			Build()
	}
	return f, nil
}

func (s *FSStore) Close() error { return nil }

func (s *FSStore) objectPath(hash string) string {
	if len(hash) < 3 {
		return filepath.Join(s.root, "objects", hash)
	}
	return filepath.Join(s.root, "objects", hash[:2], hash[2:])
}

// writeObject copies via a temp file so a crash never leaves a truncated
// object under its final hash.
func (s *FSStore) writeObject(objPath, srcPath string) error {
	if err := os.MkdirAll(filepath.Dir(objPath), 0o750); err != nil {
		return derrors.InternalError("object directory not creatable").WithCause(err).Build()
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return derrors.InternalError("artifact not readable").WithCause(err).Build()
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".ingest-*")
	if err != nil {
		return derrors.InternalError("object temp file not creatable").WithCause(err).Build()
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return derrors.InternalError("object write failed").WithCause(err).Build()
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return derrors.InternalError("object write failed").WithCause(err).Build()
	}
	return os.Rename(tmp.Name(), objPath)
}

func (s *FSStore) readRefsLocked(buildID string) ([]Ref, error) {
	data, err := os.ReadFile(s.refsPath(buildID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, derrors.InternalError("artifact refs not readable").
			WithContext("build-id", buildID).
			WithCause(err).
			Build()
	}
	var refs []Ref
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, derrors.InternalError("artifact refs corrupted").
			WithContext("build-id", buildID).
			WithCause(err).
			Build()
	}
	return refs, nil
}

func (s *FSStore) writeRefsLocked(buildID string, refs []Ref) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return derrors.InternalError("artifact refs marshaling failed").WithCause(err).Build()
	}
	if err := os.WriteFile(s.refsPath(buildID), data, 0o640); err != nil {
		return derrors.InternalError("artifact refs not writable").
			WithContext("build-id", buildID).
			WithCause(err).
			Build()
	}
	return nil
}

func (s *FSStore) refsPath(buildID string) string {
	return filepath.Join(s.root, "refs", buildID+".json")
}
