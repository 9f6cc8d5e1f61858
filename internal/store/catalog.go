package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Catalog is the authoritative mapping of (bucket, key) to the current
// object version. It keeps metadata rows in SQLite and payloads in a
// BlobStore, and serializes mutations of the same key so that a reader
// always observes either the state before or after a write, never a
// torn mix: every write installs a fully-formed replacement row.
type Catalog struct {
	db    *sql.DB
	blobs BlobStore
	keys  keyLocks

	// hashes serializes blob lifetime decisions per (bucket, hash):
	// the dedup-or-write in putObject against the count-and-delete in
	// releaseBlob. Without it a release can remove a payload between
	// another key's dedup check and its row insert.
	hashes keyLocks
}

// BucketInfo describes one bucket for listings.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// ByteRange selects an inclusive byte range of an object's content.
// End < 0 means "to the end of the content".
type ByteRange struct {
	Start int64
	End   int64
}

// ContentRange describes the slice actually returned by a ranged Get.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// OpenCatalog opens (creating if necessary) the metadata database at
// dir/metadata.sqlite and returns a Catalog backed by blobs.
func OpenCatalog(ctx context.Context, dir string, blobs BlobStore) (*Catalog, error) {
	// Foreign keys must be on for bucket deletes to cascade; the busy
	// timeout covers concurrent writers sharing the pool.
	dsn := filepath.Join(dir, "metadata.sqlite") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Catalog{db: db, blobs: blobs}, nil
}

// initSchema initializes the metadata database schema by applying all
// SQL files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Close closes the underlying metadata database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// keyLocks provides per-key critical sections without a global lock
// across unrelated keys. Locks are striped by key hash, so mutations of
// the same (bucket, key) always serialize.
type keyLocks struct {
	stripes [128]sync.Mutex
}

func (l *keyLocks) lock(bucket, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu
}

// BucketExists checks whether a bucket with the given name exists.
func (c *Catalog) BucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, wrapIOFailure("catalog.bucketExists", err)
	}
	return count > 0, nil
}

// EnsureBucket makes sure the given bucket exists, creating it if
// necessary. It returns true if the bucket was created, false if it
// already existed.
func (c *Catalog) EnsureBucket(ctx context.Context, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return false, wrapIOFailure("catalog.ensureBucket", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, wrapIOFailure("catalog.ensureBucket", err)
	}
	return rows > 0, nil
}

// ListBuckets returns all buckets in name order.
func (c *Catalog) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, wrapIOFailure("catalog.listBuckets", err)
	}
	defer rows.Close()

	var buckets []BucketInfo
	for rows.Next() {
		var b BucketInfo
		if err := rows.Scan(&b.Name, &b.CreatedAt); err != nil {
			return nil, wrapIOFailure("catalog.listBuckets", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes the bucket's metadata row (cascading its object
// rows) and all payloads stored for it. It returns a KindNotFound error
// when the bucket does not exist.
func (c *Catalog) DeleteBucket(ctx context.Context, bucket string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return newError(KindNotFound, "catalog.deleteBucket", "no such bucket %s", bucket)
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		return wrapIOFailure("catalog.deleteBucket", err)
	}
	return c.blobs.DeleteBucket(bucket)
}

// Put stores content as the current object at (bucket, key), replacing
// any previous version atomically. The entity tag is the hex SHA-256 of
// the content. The bucket is created if it does not exist.
func (c *Catalog) Put(ctx context.Context, bucket, key string, content []byte, contentType string, metadata map[string]string) (*Object, error) {
	sum := sha256.Sum256(content)
	return c.putObject(ctx, bucket, key, content, contentType, metadata, hex.EncodeToString(sum[:]))
}

// putObject is the shared install path for Put and for multipart
// completion, which supplies its own composite entity tag.
func (c *Catalog) putObject(ctx context.Context, bucket, key string, content []byte, contentType string, metadata map[string]string, etag string) (*Object, error) {
	if !isValidObjectKey(key) {
		return nil, newError(KindInvalidArgument, "catalog.put", "invalid object key")
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	metadata = normalizeMetadata(metadata)

	if _, err := c.EnsureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	contentSum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(contentSum[:])

	mu := c.keys.lock(bucket, key)
	defer mu.Unlock()

	// The hash lock is held from the dedup-or-write through the row
	// insert. A concurrent releaseBlob of the same payload either runs
	// first (the file is gone, Put rewrites it) or waits until the new
	// row is visible and counts it.
	hmu := c.hashes.lock(bucket, contentHash)

	// The payload is written first; the metadata row swap afterwards is
	// what makes the new version visible. A failure in between leaves
	// the previous version fully intact.
	handle, err := c.blobs.Put(bucket, content)
	if err != nil {
		hmu.Unlock()
		return nil, err
	}

	oldHash, err := c.currentHash(ctx, bucket, key)
	if err != nil {
		hmu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO objects(bucket, key, hash, etag, size, content_type, metadata, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	hash=excluded.hash,
		 	etag=excluded.etag,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	metadata=excluded.metadata,
		 	modified_at=excluded.modified_at`,
		bucket, key, handle, etag, len(content), contentType, metaJSON, now, now,
	)
	hmu.Unlock()
	if err != nil {
		return nil, wrapIOFailure("catalog.put", err)
	}

	if oldHash != "" && oldHash != handle {
		c.releaseBlob(ctx, bucket, oldHash)
	}

	return &Object{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(content)),
		ContentType:  contentType,
		ETag:         etag,
		Metadata:     metadata,
		LastModified: now,
	}, nil
}

// getBlobRetries bounds the row re-reads a Get performs when a
// concurrent replacement releases the payload it was about to read.
const getBlobRetries = 3

// Get returns the current object at (bucket, key) together with its
// payload. When rng is non-nil the payload is sliced to the requested
// range: the end is clamped to the content length, and a start at or
// beyond the length yields a KindRangeNotSatisfiable error.
func (c *Catalog) Get(ctx context.Context, bucket, key string, rng *ByteRange) (*Object, []byte, *ContentRange, error) {
	var (
		obj  *Object
		data []byte
	)

	// Readers do not take the per-key lock, so a replacement can
	// release the payload between the row read and the blob read.
	// Re-resolving the row converges on the replacement's after-state
	// (or NotFound if the key was deleted).
	for attempt := 0; ; attempt++ {
		var err error
		obj, err = c.Head(ctx, bucket, key)
		if err != nil {
			return nil, nil, nil, err
		}

		data, err = c.blobs.Get(bucket, obj.blobHandle)
		if err == nil {
			break
		}
		if !IsNotFound(err) {
			return nil, nil, nil, err
		}
		if attempt == getBlobRetries {
			// The row kept pointing at a missing payload across
			// retries: the medium lost data underneath us. Surface it
			// as an I/O failure, not a 404.
			return nil, nil, nil, wrapIOFailure("catalog.get", err)
		}
	}

	if rng == nil {
		return obj, data, nil, nil
	}

	start, end := rng.Start, rng.End
	if start < 0 {
		start = 0
	}
	if start >= obj.Size {
		return nil, nil, nil, newError(KindRangeNotSatisfiable, "catalog.get",
			"range start %d beyond content length %d", start, obj.Size)
	}
	if end < 0 || end >= obj.Size {
		end = obj.Size - 1
	}
	if start > end {
		return nil, nil, nil, newError(KindInvalidArgument, "catalog.get", "range start %d after end %d", start, end)
	}

	return obj, data[start : end+1], &ContentRange{Start: start, End: end, Total: obj.Size}, nil
}

// Head returns the current object's metadata without its payload.
func (c *Catalog) Head(ctx context.Context, bucket, key string) (*Object, error) {
	var (
		obj      Object
		hash     string
		ct       sql.NullString
		metaJSON sql.NullString
	)

	err := c.db.QueryRowContext(ctx,
		`SELECT hash, etag, size, content_type, metadata, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&hash, &obj.ETag, &obj.Size, &ct, &metaJSON, &obj.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindNotFound, "catalog.head", "no such key %s/%s", bucket, key)
	}
	if err != nil {
		return nil, wrapIOFailure("catalog.head", err)
	}

	obj.Bucket = bucket
	obj.Key = key
	obj.ContentType = DefaultContentType
	if ct.Valid {
		obj.ContentType = ct.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &obj.Metadata); err != nil {
			return nil, wrapIOFailure("catalog.head", err)
		}
	}

	obj.blobHandle = hash
	return &obj, nil
}

// Delete removes the current object at (bucket, key). It is idempotent:
// the bool reports whether an object existed, and deleting an absent
// key is not an error.
func (c *Catalog) Delete(ctx context.Context, bucket, key string) (bool, error) {
	mu := c.keys.lock(bucket, key)
	defer mu.Unlock()

	hash, err := c.currentHash(ctx, bucket, key)
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return false, wrapIOFailure("catalog.delete", err)
	}

	c.releaseBlob(ctx, bucket, hash)
	return true, nil
}

// currentHash returns the blob hash of the current object at
// (bucket, key), or "" when no object exists.
func (c *Catalog) currentHash(ctx context.Context, bucket, key string) (string, error) {
	var hash string
	err := c.db.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapIOFailure("catalog.currentHash", err)
	}
	return hash, nil
}

// releaseBlob deletes the payload for hash if no object row references
// it anymore. Cleanup is best-effort: losing it leaks a payload file
// but never breaks a caller-visible guarantee.
func (c *Catalog) releaseBlob(ctx context.Context, bucket, hash string) {
	// Serializes against putObject's dedup-or-write for the same
	// payload, so the refcount can never miss a row that is about to
	// reference the file.
	mu := c.hashes.lock(bucket, hash)
	defer mu.Unlock()

	var refs int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND hash = ?`, bucket, hash).Scan(&refs); err != nil {
		slog.Warn("Blob refcount lookup failed", "bucket", bucket, "hash", hash, "err", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := c.blobs.Delete(bucket, hash); err != nil && !IsNotFound(err) {
		slog.Warn("Unreferenced blob cleanup failed", "bucket", bucket, "hash", hash, "err", err)
	}
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", newError(KindInvalidArgument, "catalog.put", "unencodable metadata: %v", err)
	}
	return string(raw), nil
}
