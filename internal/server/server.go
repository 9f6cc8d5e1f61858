package server

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cellar/internal/store"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

type Config struct {
	DataDir string
	Region  string

	// MaxKeys caps listing page sizes and doubles as the default when
	// the request does not name one. Zero means 1000.
	MaxKeys int

	// BatchDeleteLimit caps the keys accepted in one batch delete
	// request. Zero means 1000.
	BatchDeleteLimit int
}

// Server provides a minimal S3-compatible HTTP API over the core
// storage engine.
type Server struct {
	cfg     Config
	catalog *store.Catalog
	uploads *store.Coordinator
}

// NewServer initializes the storage engine under cfg.DataDir and
// returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 1000
	}

	if cfg.BatchDeleteLimit <= 0 {
		cfg.BatchDeleteLimit = 1000
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	blobs := store.NewFileBlobStore(cfg.DataDir)

	catalog, err := store.OpenCatalog(ctx, cfg.DataDir, blobs)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		catalog: catalog,
		uploads: store.NewCoordinator(catalog, blobs),
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.catalog.Close()
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}

	// Must consist only of lowercase letters, digits, dots, or hyphens,
	// and must start and end with a letter or digit.
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	ip := net.ParseIP(name)
	return ip == nil
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// notFoundMessages gives the canonical sentence for each not-found
// code; which code applies depends on the operation, so handlers pass
// it to writeStoreError.
var notFoundMessages = map[string]string{
	"NoSuchKey":    "The specified key does not exist.",
	"NoSuchBucket": "The specified bucket does not exist.",
	"NoSuchUpload": "The specified upload does not exist.",
}

// writeStoreError maps a core engine error onto the wire. notFoundCode
// names the S3 code a KindNotFound error means for this operation.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, notFoundCode string) {
	kind, ok := store.ErrorKind(err)
	if !ok {
		slog.Error("Unclassified storage error", "path", r.URL.Path, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	switch kind {
	case store.KindNotFound:
		writeS3Error(w, notFoundCode, notFoundMessages[notFoundCode], r.URL.Path, http.StatusNotFound)
	case store.KindRangeNotSatisfiable:
		writeS3Error(w, "InvalidRange", "The requested range is not satisfiable.", r.URL.Path, http.StatusRequestedRangeNotSatisfiable)
	case store.KindInvalidArgument:
		writeS3Error(w, "InvalidArgument", "Invalid argument.", r.URL.Path, http.StatusBadRequest)
	case store.KindInvalidPart:
		writeS3Error(w, "InvalidPart", "One or more of the specified parts could not be found.", r.URL.Path, http.StatusBadRequest)
	case store.KindInvalidUploadState:
		writeS3Error(w, "InvalidRequest", "The upload does not allow this operation.", r.URL.Path, http.StatusConflict)
	default:
		slog.Error("Storage failure", "path", r.URL.Path, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
	}
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats an entity tag value for an HTTP header.
func createETag(etag string) string {
	return fmt.Sprintf("\"%s\"", etag)
}

// extractUserMetadata collects x-amz-meta-* headers as user metadata,
// keys lower-cased without the prefix.
func extractUserMetadata(h http.Header) map[string]string {
	var metadata map[string]string
	for headerKey, values := range h {
		lower := strings.ToLower(headerKey)
		if !strings.HasPrefix(lower, "x-amz-meta-") || len(values) == 0 {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
	}
	return metadata
}

// parseRangeHeader parses a "bytes=start-end" Range header. An omitted
// end means "to the end of the content".
func parseRangeHeader(rangeHeader string) (store.ByteRange, error) {
	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return store.ByteRange{}, fmt.Errorf("invalid range header format")
	}

	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return store.ByteRange{}, fmt.Errorf("invalid range format")
	}

	rng := store.ByteRange{End: -1}
	if parts[0] != "" {
		start, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return store.ByteRange{}, err
		}
		rng.Start = start
	}
	if parts[1] != "" {
		end, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return store.ByteRange{}, err
		}
		rng.End = end
	}

	return rng, nil
}

// parseMaxKeys reads the max-keys query parameter, defaulting to the
// configured cap. The ok result is false when the parameter is present
// but not a number; a zero or negative value passes through for the
// engine to reject. Values above the cap are clamped, as S3 does.
func (s *Server) parseMaxKeys(raw string) (int, bool) {
	if raw == "" {
		return s.cfg.MaxKeys, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if v > s.cfg.MaxKeys {
		v = s.cfg.MaxKeys
	}
	return v, true
}

// setObjectHeaders writes the standard response headers for an object,
// including its user metadata.
func setObjectHeaders(w http.ResponseWriter, obj *store.Object) {
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(obj.ETag))
	w.Header().Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
}

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketPut implements PUT /bucket[?subresource].
func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("versioning"):
		s.writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		s.writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "PutBucketLifecycleConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		s.writeNotImplemented(w, r, "PutBucketReplication")
	default:
		s.handleCreateBucket(w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket[?subresource], such as DeleteObjects.
func (s *Server) handleBucketPost(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(w, r, bucket)
	default:
		s.writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between the two
// ListObjects schemes and bucket-level read APIs.
func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(w, r, bucket)
	case q.Has("versioning"):
		s.writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(w, r, bucket)
	case q.Has("versions"):
		s.writeNotImplemented(w, r, "ListObjectVersions")
	case q.Has("uploads"):
		s.writeNotImplemented(w, r, "ListMultipartUploads")
	default:
		s.handleListObjects(w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket.
func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	s.handleDeleteBucket(w, r, bucket)
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	exists, err := s.catalog.BucketExists(r.Context(), bucket)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}
	if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	// S3-compatible HEAD bucket: 200 with no body.
	w.WriteHeader(http.StatusOK)
}

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPut implements PUT /bucket/key, either UploadPart or
// PutObject depending on the query.
func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	if uploadID := q.Get("uploadId"); uploadID != "" {
		if r.Header.Get("x-amz-copy-source") != "" {
			s.writeNotImplemented(w, r, "UploadPartCopy")
			return
		}
		s.handleUploadPart(w, r, uploadID, q.Get("partNumber"))
		return
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		s.writeNotImplemented(w, r, "CopyObject")
		return
	}

	s.handlePutObject(w, r, bucket, key)
}

// handleObjectGet implements GET /bucket/key to retrieve an object or
// list an upload's parts.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleListParts(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("attributes"):
		s.writeNotImplemented(w, r, "GetObjectAttributes")
	default:
		s.handleGetObject(w, r, bucket, key)
	}
}

// handleObjectDelete implements DELETE /bucket/key, either
// AbortMultipartUpload or DeleteObject depending on the query.
func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	if q.Has("uploadId") {
		s.handleAbortMultipartUpload(w, r, q.Get("uploadId"))
		return
	}
	s.handleDeleteObject(w, r, bucket, key)
}

// handleObjectPost implements POST /bucket/key[?subresource] operations
// such as CreateMultipartUpload and CompleteMultipartUpload.
func (s *Server) handleObjectPost(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		s.writeNotImplemented(w, r, "RestoreObject")
	default:
		s.writeNotImplemented(w, r, "ObjectPost")
	}
}

// ------ Individual API HTTP handlers ------

// handleCreateBucket implements PUT /bucket to create a new bucket.
func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	created, err := s.catalog.EnsureBucket(r.Context(), bucket)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}
	if !created {
		writeS3Error(w, "BucketAlreadyExists", "The requested bucket name is not available.", r.URL.Path, http.StatusConflict)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket implements DELETE /bucket.
func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.catalog.DeleteBucket(r.Context(), bucket); err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBucketLocation implements GET /bucket?location.
func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.catalog.BucketExists(r.Context(), bucket)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}
	if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	type LocationConstraint struct {
		XMLName xml.Name `xml:"LocationConstraint"`
		XMLNS   string   `xml:"xmlns,attr"`
		Value   string   `xml:",chardata"`
	}
	_ = writeXMLResponse(w, LocationConstraint{XMLNS: s3XMLNamespace, Value: s.cfg.Region})
}

// handleListBuckets implements GET / to list all buckets.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.catalog.ListBuckets(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	result := ListAllMyBucketsResult{XMLNS: s3XMLNamespace}
	result.Owner.ID = "cellar"
	result.Owner.DisplayName = "cellar"
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, struct {
			Name         string `xml:"Name"`
			CreationDate string `xml:"CreationDate"`
		}{
			Name:         b.Name,
			CreationDate: b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if err := writeXMLResponse(w, result); err != nil {
		slog.Error("Encode ListBuckets response", "err", err)
	}
}

// handlePutObject implements PUT /bucket/key to store an object.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Read object body", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	obj, err := s.catalog.Put(r.Context(), bucket, key, body, r.Header.Get("Content-Type"), extractUserMetadata(r.Header))
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	w.Header().Set("ETag", createETag(obj.ETag))
	w.WriteHeader(http.StatusOK)
}

// handleGetObject implements GET /bucket/key, honoring the Range header.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	var rng *store.ByteRange
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		parsed, err := parseRangeHeader(rangeHeader)
		if err != nil {
			writeS3Error(w, "InvalidRange", err.Error(), r.URL.Path, http.StatusRequestedRangeNotSatisfiable)
			return
		}
		rng = &parsed
	}

	obj, data, cr, err := s.catalog.Get(r.Context(), bucket, key, rng)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchKey")
		return
	}

	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data)), 10))

	if cr != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", cr.Start, cr.End, cr.Total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := w.Write(data); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleObjectHead implements HEAD /bucket/key.
func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	obj, err := s.catalog.Head(r.Context(), bucket, key)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchKey")
		return
	}

	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// handleDeleteObject implements DELETE /bucket/key. Deletion is
// idempotent: an absent key still yields 204.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if _, err := s.catalog.Delete(r.Context(), bucket, key); err != nil {
		writeStoreError(w, r, err, "NoSuchKey")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteObjects implements POST /bucket?delete to remove a batch
// of keys in one request.
func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	var deleteReq DeleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&deleteReq); err != nil {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if len(deleteReq.Objects) > s.cfg.BatchDeleteLimit {
		writeS3Error(w, "InvalidArgument",
			fmt.Sprintf("A batch delete may name at most %d keys.", s.cfg.BatchDeleteLimit),
			r.URL.Path, http.StatusBadRequest)
		return
	}

	keys := make([]string, len(deleteReq.Objects))
	for i, obj := range deleteReq.Objects {
		keys[i] = obj.Key
	}

	outcomes, err := s.catalog.DeleteObjects(r.Context(), bucket, keys)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	result := DeleteResult{XMLNS: s3XMLNamespace}
	for _, out := range outcomes {
		if out.Err != nil {
			result.Errors = append(result.Errors, DeleteError{
				Key:     out.Key,
				Code:    "InternalError",
				Message: out.Err.Error(),
			})
			continue
		}
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, DeletedObject{Key: out.Key})
		}
	}

	if err := writeXMLResponse(w, result); err != nil {
		slog.Error("Encode DeleteObjects response", "bucket", bucket, "err", err)
	}
}

// requireBucket writes NoSuchBucket and returns false when the bucket
// does not exist.
func (s *Server) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := s.catalog.BucketExists(r.Context(), bucket)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return false
	}
	if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return false
	}
	return true
}

// handleListObjects implements GET /bucket, the marker-paginated v1
// listing.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	marker := q.Get("marker")
	maxKeys, ok := s.parseMaxKeys(q.Get("max-keys"))
	if !ok {
		writeS3Error(w, "InvalidArgument", "Invalid max-keys value.", r.URL.Path, http.StatusBadRequest)
		return
	}

	page, err := s.catalog.ListObjects(r.Context(), bucket, prefix, marker, maxKeys)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	response := ListBucketResult{
		XMLNS:       s3XMLNamespace,
		Name:        bucket,
		Prefix:      prefix,
		Marker:      marker,
		NextMarker:  page.NextMarker,
		MaxKeys:     maxKeys,
		IsTruncated: page.IsTruncated,
		Contents:    toContents(page.Objects),
	}

	if err := writeXMLResponse(w, response); err != nil {
		slog.Error("Encode ListObjects response", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements GET /bucket?list-type=2, the
// continuation-token-paginated listing.
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	token := q.Get("continuation-token")
	startAfter := ""
	if token == "" {
		startAfter = q.Get("start-after")
	}
	maxKeys, ok := s.parseMaxKeys(q.Get("max-keys"))
	if !ok {
		writeS3Error(w, "InvalidArgument", "Invalid max-keys value.", r.URL.Path, http.StatusBadRequest)
		return
	}

	page, err := s.catalog.ListObjectsV2(r.Context(), bucket, prefix, token, startAfter, maxKeys)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	// KeyCount is a v2-only field, emitted even when zero.
	keyCount := len(page.Objects)

	response := ListBucketResult{
		XMLNS:                 s3XMLNamespace,
		Name:                  bucket,
		Prefix:                prefix,
		MaxKeys:               maxKeys,
		IsTruncated:           page.IsTruncated,
		Contents:              toContents(page.Objects),
		KeyCount:              &keyCount,
		ContinuationToken:     token,
		NextContinuationToken: page.NextContinuationToken,
		StartAfter:            startAfter,
	}

	if err := writeXMLResponse(w, response); err != nil {
		slog.Error("Encode ListObjectsV2 response", "bucket", bucket, "err", err)
	}
}

func toContents(objects []store.ObjectSummary) []ObjectSummary {
	contents := make([]ObjectSummary, 0, len(objects))
	for _, obj := range objects {
		contents = append(contents, ObjectSummary{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
			ETag:         createETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	return contents
}

// handleCreateMultipartUpload implements POST /bucket/key?uploads.
func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	up, err := s.uploads.CreateUpload(r.Context(), bucket, key, r.Header.Get("Content-Type"), extractUserMetadata(r.Header))
	if err != nil {
		writeStoreError(w, r, err, "NoSuchBucket")
		return
	}

	result := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: up.ID,
	}

	if err := writeXMLResponse(w, result); err != nil {
		slog.Error("Encode CreateMultipartUpload response", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID.
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, uploadID string, partNumberRaw string) {
	partNumber, err := strconv.Atoi(partNumberRaw)
	if err != nil {
		writeS3Error(w, "InvalidArgument", "Invalid part number.", r.URL.Path, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Read part body", "upload", uploadID, "part", partNumber, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	etag, err := s.uploads.UploadPart(r.Context(), uploadID, partNumber, body)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchUpload")
		return
	}

	w.Header().Set("ETag", createETag(etag))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID.
func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	var completeReq CompleteMultipartUploadRequest
	if err := xml.NewDecoder(r.Body).Decode(&completeReq); err != nil {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed.", r.URL.Path, http.StatusBadRequest)
		return
	}

	parts := make([]store.CompletedPart, len(completeReq.Parts))
	for i, p := range completeReq.Parts {
		parts[i] = store.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       strings.Trim(p.ETag, "\""),
		}
	}

	obj, err := s.uploads.Complete(r.Context(), uploadID, parts)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchUpload")
		return
	}

	result := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(obj.ETag),
	}

	if err := writeXMLResponse(w, result); err != nil {
		slog.Error("Encode CompleteMultipartUpload response", "bucket", bucket, "key", key, "err", err)
	}
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID.
// An unknown upload still yields 204: the abort's goal is already met.
func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if err := s.uploads.Abort(r.Context(), uploadID); err != nil && !store.IsNotFound(err) {
		writeStoreError(w, r, err, "NoSuchUpload")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListParts implements GET /bucket/key?uploadId=ID.
func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	parts, err := s.uploads.ListParts(r.Context(), uploadID)
	if err != nil {
		writeStoreError(w, r, err, "NoSuchUpload")
		return
	}

	result := ListPartsResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, PartItem{
			PartNumber:   p.PartNumber,
			LastModified: p.LastModified.UTC().Format(time.RFC3339),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
	}

	if err := writeXMLResponse(w, result); err != nil {
		slog.Error("Encode ListParts response", "upload", uploadID, "err", err)
	}
}
