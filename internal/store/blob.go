package store

// BlobStore is the byte-addressable persistence layer beneath the
// catalog and the multipart coordinator. Payloads are content-addressed:
// Put computes the handle from the bytes themselves, and once Put
// returns, Get on that handle yields identical bytes until Delete.
// A handle either exists with complete content or does not exist at
// all; partial writes are never observable.
type BlobStore interface {
	// Put stores data under the given bucket and returns its handle,
	// the lower-case hex SHA-256 of the payload.
	Put(bucket string, data []byte) (handle string, err error)

	// Get retrieves the payload previously stored under the given
	// bucket and handle. A missing handle yields a KindNotFound error.
	Get(bucket string, handle string) ([]byte, error)

	// Exists reports whether the handle is present in the bucket.
	Exists(bucket string, handle string) (bool, error)

	// Delete removes the payload for the given handle. A missing handle
	// yields a KindNotFound error.
	Delete(bucket string, handle string) error

	// DeleteBucket removes all payloads stored under the given bucket.
	DeleteBucket(bucket string) error
}
