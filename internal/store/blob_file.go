package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// FileBlobStore is a BlobStore that keeps payloads on the local
// filesystem under a content-addressed layout rooted at dataDir. Each
// bucket gets its own subdirectory, and within each bucket payloads are
// addressed by their full SHA-256 hexadecimal hash, with the first two
// characters used as a subdirectory prefix.
type FileBlobStore struct {
	dataDir string
}

// NewFileBlobStore creates a new FileBlobStore rooted at dataDir.
func NewFileBlobStore(dataDir string) *FileBlobStore {
	return &FileBlobStore{dataDir: dataDir}
}

func (s *FileBlobStore) blobPath(bucket, handle string) (string, error) {
	if len(handle) < 2 {
		return "", newError(KindInvalidArgument, "blob.path", "invalid handle length: %d", len(handle))
	}
	return filepath.Join(s.dataDir, bucket, handle[:2], handle), nil
}

func (s *FileBlobStore) Put(bucket string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	handle := hex.EncodeToString(sum[:])

	path, err := s.blobPath(bucket, handle)
	if err != nil {
		return "", err
	}

	// If a payload with the same hash and size already exists in any
	// bucket, create a hard link instead of writing a new copy.
	pattern := filepath.Join(s.dataDir, "*", handle[:2], handle)
	matches, _ := filepath.Glob(pattern)
	for _, existing := range matches {
		if existing == path {
			return handle, nil
		}
		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != int64(len(data)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", wrapIOFailure("blob.put", err)
		}
		if err := os.Link(existing, path); err == nil {
			return handle, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", wrapIOFailure("blob.put", err)
	}

	// Write to a temp file and rename into place so a handle is never
	// visible with partial content.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", wrapIOFailure("blob.put", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", wrapIOFailure("blob.put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", wrapIOFailure("blob.put", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", wrapIOFailure("blob.put", err)
	}

	return handle, nil
}

func (s *FileBlobStore) Get(bucket string, handle string) ([]byte, error) {
	path, err := s.blobPath(bucket, handle)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "blob.get", "no payload for handle %s", handle)
		}
		return nil, wrapIOFailure("blob.get", err)
	}
	return data, nil
}

func (s *FileBlobStore) Exists(bucket string, handle string) (bool, error) {
	path, err := s.blobPath(bucket, handle)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapIOFailure("blob.exists", err)
	}
	return true, nil
}

func (s *FileBlobStore) Delete(bucket string, handle string) error {
	path, err := s.blobPath(bucket, handle)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return newError(KindNotFound, "blob.delete", "no payload for handle %s", handle)
		}
		return wrapIOFailure("blob.delete", err)
	}
	return nil
}

func (s *FileBlobStore) DeleteBucket(bucket string) error {
	if bucket == "" {
		return newError(KindInvalidArgument, "blob.deleteBucket", "bucket must not be empty")
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, bucket)); err != nil {
		return wrapIOFailure("blob.deleteBucket", err)
	}
	return nil
}

var _ BlobStore = (*FileBlobStore)(nil)
