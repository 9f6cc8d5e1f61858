package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// UploadState tracks a multipart upload through its lifecycle.
type UploadState int

const (
	// UploadCreated is the initial state, before any part arrives.
	UploadCreated UploadState = iota
	// UploadUploading holds while at least one part is staged.
	UploadUploading
	// UploadCompleted is terminal: the assembled object was installed.
	UploadCompleted
	// UploadAborted is terminal: staged parts were discarded.
	UploadAborted
)

func (s UploadState) String() string {
	switch s {
	case UploadCreated:
		return "created"
	case UploadUploading:
		return "uploading"
	case UploadCompleted:
		return "completed"
	case UploadAborted:
		return "aborted"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

func (s UploadState) terminal() bool {
	return s == UploadCompleted || s == UploadAborted
}

// validTransitions holds the only state changes an upload may make.
var validTransitions = map[UploadState][]UploadState{
	UploadCreated:   {UploadUploading, UploadCompleted, UploadAborted},
	UploadUploading: {UploadUploading, UploadCompleted, UploadAborted},
}

func canTransition(from, to UploadState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stagedPart records one received part. The payload itself lives in
// the blob store under the upload's staging area.
type stagedPart struct {
	number     int
	etag       string
	handle     string
	size       int64
	modifiedAt time.Time
}

func partLess(a, b stagedPart) bool {
	return a.number < b.number
}

// upload is the coordinator's record of one in-flight multipart
// upload. mu serializes part recording against the terminal
// complete/abort transition, so exactly one terminal transition wins.
type upload struct {
	id          string
	bucket      string
	key         string
	contentType string
	metadata    map[string]string
	createdAt   time.Time

	mu    sync.Mutex
	state UploadState
	parts *btree.BTreeG[stagedPart]
}

// transitionLocked moves the upload to next, or reports the states
// that made the move illegal. Callers hold u.mu.
func (u *upload) transitionLocked(op string, next UploadState) error {
	if !canTransition(u.state, next) {
		return newError(KindInvalidUploadState, op,
			"upload %s cannot go from %s to %s", u.id, u.state, next)
	}
	u.state = next
	return nil
}

// CompletedPart is one entry of a completion request: the caller's
// declaration of which staged part goes where in the final object.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// PartInfo describes one staged part for listings.
type PartInfo struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

// Upload is the caller-visible description of a multipart upload.
type Upload struct {
	ID        string
	Bucket    string
	Key       string
	CreatedAt time.Time
}

// Coordinator owns the multipart upload registry. Part payloads are
// staged in the blob store under a per-upload pseudo-bucket, so
// aborting or completing an upload can discard its staging area
// without touching payloads referenced by the catalog.
type Coordinator struct {
	catalog *Catalog
	blobs   BlobStore

	mu      sync.Mutex
	uploads map[string]*upload
}

// NewCoordinator returns a Coordinator that installs completed objects
// through catalog and stages parts in blobs.
func NewCoordinator(catalog *Catalog, blobs BlobStore) *Coordinator {
	return &Coordinator{
		catalog: catalog,
		blobs:   blobs,
		uploads: make(map[string]*upload),
	}
}

// stagingBucket is where an upload's part payloads live until the
// upload reaches a terminal state. The leading dot keeps it out of any
// valid bucket's namespace.
func stagingBucket(uploadID string) string {
	return ".uploads/" + uploadID
}

// CreateUpload registers a new multipart upload for (bucket, key) and
// returns its identity. The target key is validated now so a doomed
// upload fails before any part is transferred.
func (c *Coordinator) CreateUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (*Upload, error) {
	if !isValidObjectKey(key) {
		return nil, newError(KindInvalidArgument, "multipart.create", "invalid object key")
	}

	if _, err := c.catalog.EnsureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	u := &upload{
		id:          uuid.NewString(),
		bucket:      bucket,
		key:         key,
		contentType: contentType,
		metadata:    normalizeMetadata(metadata),
		createdAt:   time.Now().UTC(),
		state:       UploadCreated,
		parts:       btree.NewG(2, partLess),
	}

	c.mu.Lock()
	c.uploads[u.id] = u
	c.mu.Unlock()

	return &Upload{ID: u.id, Bucket: u.bucket, Key: u.key, CreatedAt: u.createdAt}, nil
}

// lookup returns the live upload for id. Terminal uploads are
// indistinguishable from unknown ones to callers.
func (c *Coordinator) lookup(op, id string) (*upload, error) {
	c.mu.Lock()
	u, ok := c.uploads[id]
	c.mu.Unlock()
	if !ok {
		return nil, newError(KindNotFound, op, "no such upload %s", id)
	}
	return u, nil
}

// remove drops a terminal upload from the registry. Concurrent holders
// of the *upload still see its terminal state through u.mu.
func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.uploads, id)
	c.mu.Unlock()
}

// UploadPart stages data as part partNumber of the upload. Re-sending
// a part number replaces the earlier payload. Returns the part's
// entity tag, the hex SHA-256 of its content.
func (c *Coordinator) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 {
		return "", newError(KindInvalidArgument, "multipart.uploadPart", "part number must be positive, got %d", partNumber)
	}

	u, err := c.lookup("multipart.uploadPart", uploadID)
	if err != nil {
		return "", err
	}

	// The payload write happens outside the upload lock so slow part
	// transfers do not serialize against each other.
	handle, err := c.blobs.Put(stagingBucket(uploadID), data)
	if err != nil {
		return "", err
	}

	part := stagedPart{
		number:     partNumber,
		etag:       handle,
		handle:     handle,
		size:       int64(len(data)),
		modifiedAt: time.Now().UTC(),
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.terminal() {
		return "", newError(KindNotFound, "multipart.uploadPart", "no such upload %s", uploadID)
	}
	if err := u.transitionLocked("multipart.uploadPart", UploadUploading); err != nil {
		return "", err
	}
	u.parts.ReplaceOrInsert(part)

	return part.etag, nil
}

// ListParts returns the staged parts of the upload in part number
// order.
func (c *Coordinator) ListParts(ctx context.Context, uploadID string) ([]PartInfo, error) {
	u, err := c.lookup("multipart.listParts", uploadID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.terminal() {
		return nil, newError(KindNotFound, "multipart.listParts", "no such upload %s", uploadID)
	}

	parts := make([]PartInfo, 0, u.parts.Len())
	u.parts.Ascend(func(p stagedPart) bool {
		parts = append(parts, PartInfo{
			PartNumber:   p.number,
			ETag:         p.etag,
			Size:         p.size,
			LastModified: p.modifiedAt,
		})
		return true
	})
	return parts, nil
}

// Complete assembles the declared parts, in declared order, into the
// final object and installs it through the catalog. Every declared
// (partNumber, etag) pair must match a staged part. On any failure the
// upload stays live with its parts retained, so the caller can retry
// or abort.
func (c *Coordinator) Complete(ctx context.Context, uploadID string, parts []CompletedPart) (*Object, error) {
	if len(parts) == 0 {
		return nil, newError(KindInvalidArgument, "multipart.complete", "no parts declared")
	}

	u, err := c.lookup("multipart.complete", uploadID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.terminal() {
		return nil, newError(KindNotFound, "multipart.complete", "no such upload %s", uploadID)
	}

	staged := make([]stagedPart, 0, len(parts))
	for _, declared := range parts {
		p, ok := u.parts.Get(stagedPart{number: declared.PartNumber})
		if !ok {
			return nil, newError(KindInvalidPart, "multipart.complete",
				"part %d was never uploaded", declared.PartNumber)
		}
		if declared.ETag != p.etag {
			return nil, newError(KindInvalidPart, "multipart.complete",
				"part %d etag mismatch", declared.PartNumber)
		}
		staged = append(staged, p)
	}

	var content bytes.Buffer
	for _, p := range staged {
		data, err := c.blobs.Get(stagingBucket(uploadID), p.handle)
		if err != nil {
			return nil, err
		}
		content.Write(data)
	}

	etag, err := compositeETag(staged)
	if err != nil {
		return nil, err
	}

	obj, err := c.catalog.putObject(ctx, u.bucket, u.key, content.Bytes(), u.contentType, u.metadata, etag)
	if err != nil {
		return nil, err
	}

	if err := u.transitionLocked("multipart.complete", UploadCompleted); err != nil {
		return nil, err
	}
	c.discardStaging(u)
	c.remove(uploadID)

	return obj, nil
}

// Abort discards the upload's staged parts and drops the upload from
// the registry. A terminal or unknown upload reports KindNotFound,
// matching every other operation; an in-flight racer that already
// holds the upload and finds it aborted gets a no-op.
func (c *Coordinator) Abort(ctx context.Context, uploadID string) error {
	u, err := c.lookup("multipart.abort", uploadID)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case UploadAborted:
		return nil
	case UploadCompleted:
		return newError(KindNotFound, "multipart.abort", "no such upload %s", uploadID)
	}

	if err := u.transitionLocked("multipart.abort", UploadAborted); err != nil {
		return err
	}
	c.discardStaging(u)
	c.remove(uploadID)
	return nil
}

// discardStaging drops the upload's staged payloads and part index
// after a terminal transition. Best-effort: a leftover staging
// directory leaks disk, never correctness.
func (c *Coordinator) discardStaging(u *upload) {
	if err := c.blobs.DeleteBucket(stagingBucket(u.id)); err != nil && !IsNotFound(err) {
		slog.Warn("Staged part cleanup failed", "upload", u.id, "err", err)
	}
	u.parts.Clear(false)
}

// compositeETag derives the multipart entity tag: the hex SHA-256 over
// the concatenated raw digests of each part, suffixed with the part
// count. The suffix distinguishes it from a plain content hash.
func compositeETag(parts []stagedPart) (string, error) {
	h := sha256.New()
	for _, p := range parts {
		raw, err := hex.DecodeString(p.etag)
		if err != nil {
			return "", newError(KindInvalidPart, "multipart.complete", "malformed part etag %q", p.etag)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}
