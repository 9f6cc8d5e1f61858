package store

import (
	"strings"
	"time"
)

// DefaultContentType is assumed when a caller does not declare one.
const DefaultContentType = "application/octet-stream"

// maxKeyLength is the S3 limit on object key length in bytes.
const maxKeyLength = 1024

// Object describes one named, immutable version of content within a
// bucket. Writes replace the whole Object; there is no partial mutation.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	Metadata     map[string]string
	LastModified time.Time

	// blobHandle is the payload's content hash in the blob store.
	blobHandle string
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// normalizeMetadata lower-cases user metadata keys so that lookups are
// case-insensitive regardless of how the wire layer capitalized them.
// The returned map is a copy; nil input yields nil.
func normalizeMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	normalized := make(map[string]string, len(metadata))
	for k, v := range metadata {
		normalized[strings.ToLower(k)] = v
	}
	return normalized
}
