package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	dir := t.TempDir()
	blobs := NewFileBlobStore(dir)

	cat, err := OpenCatalog(context.Background(), dir, blobs)
	require.NoError(t, err, "opening catalog")
	t.Cleanup(func() { cat.Close() })

	return cat
}

func TestCatalogPutGetRoundtrip(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	payload := []byte("hello catalog")
	meta := map[string]string{"X-Custom": "value"}

	obj, err := cat.Put(ctx, "bucket", "greeting.txt", payload, "text/plain", meta)
	require.NoError(t, err, "Put error")

	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), obj.ETag, "ETag should be the payload's SHA-256")
	require.Equal(t, int64(len(payload)), obj.Size, "Size mismatch")
	require.Equal(t, "value", obj.Metadata["x-custom"], "metadata keys should be lower-cased")

	got, data, cr, err := cat.Get(ctx, "bucket", "greeting.txt", nil)
	require.NoError(t, err, "Get error")
	require.Nil(t, cr, "full read should not report a content range")
	require.Equal(t, payload, data, "payload mismatch")
	require.Equal(t, obj.ETag, got.ETag, "ETag mismatch between Put and Get")
	require.Equal(t, "text/plain", got.ContentType, "content type mismatch")
	require.Equal(t, "value", got.Metadata["x-custom"], "metadata lost on read")
}

func TestCatalogPutDefaultsContentType(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	obj, err := cat.Put(context.Background(), "bucket", "key", []byte("x"), "", nil)
	require.NoError(t, err, "Put error")
	require.Equal(t, DefaultContentType, obj.ContentType, "empty content type should default")
}

func TestCatalogPutRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	for _, key := range []string{"", "bad\x00key", string(bytes.Repeat([]byte("k"), maxKeyLength+1))} {
		_, err := cat.Put(ctx, "bucket", key, []byte("x"), "", nil)
		require.True(t, IsKind(err, KindInvalidArgument), "expected InvalidArgument for key %q", key)
	}
}

func TestCatalogPutReplacesAtomically(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	first, err := cat.Put(ctx, "bucket", "key", []byte("version one"), "", nil)
	require.NoError(t, err, "first Put error")

	second, err := cat.Put(ctx, "bucket", "key", []byte("version two"), "", nil)
	require.NoError(t, err, "second Put error")
	require.NotEqual(t, first.ETag, second.ETag, "replacement should change the ETag")

	_, data, _, err := cat.Get(ctx, "bucket", "key", nil)
	require.NoError(t, err, "Get error")
	require.Equal(t, []byte("version two"), data, "reader should observe the replacement")

	// The first version's payload is unreferenced and should be gone.
	ok, err := cat.blobs.Exists("bucket", first.ETag)
	require.NoError(t, err, "Exists error")
	require.False(t, ok, "replaced payload should have been released")
}

func TestCatalogRangeReads(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	// 100 bytes: "0123456789" repeated ten times.
	payload := bytes.Repeat([]byte("0123456789"), 10)
	_, err := cat.Put(ctx, "bucket", "digits", payload, "", nil)
	require.NoError(t, err, "Put error")

	tests := []struct {
		name      string
		rng       ByteRange
		wantBody  []byte
		wantStart int64
		wantEnd   int64
	}{
		{
			name:      "interior slice",
			rng:       ByteRange{Start: 10, End: 19},
			wantBody:  []byte("0123456789"),
			wantStart: 10,
			wantEnd:   19,
		},
		{
			name:      "open ended suffix",
			rng:       ByteRange{Start: 95, End: -1},
			wantBody:  []byte("56789"),
			wantStart: 95,
			wantEnd:   99,
		},
		{
			name:      "end clamped to content length",
			rng:       ByteRange{Start: 90, End: 500},
			wantBody:  []byte("0123456789"),
			wantStart: 90,
			wantEnd:   99,
		},
		{
			name:      "single byte",
			rng:       ByteRange{Start: 0, End: 0},
			wantBody:  []byte("0"),
			wantStart: 0,
			wantEnd:   0,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, data, cr, err := cat.Get(ctx, "bucket", "digits", &tc.rng)
			require.NoError(t, err, "Get error")
			require.Equal(t, tc.wantBody, data, "body mismatch")
			require.NotNil(t, cr, "ranged read should report a content range")
			require.Equal(t, tc.wantStart, cr.Start, "content range start")
			require.Equal(t, tc.wantEnd, cr.End, "content range end")
			require.Equal(t, int64(100), cr.Total, "content range total")
		})
	}
}

func TestCatalogRangeBeyondLength(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	_, err := cat.Put(ctx, "bucket", "small", bytes.Repeat([]byte("x"), 100), "", nil)
	require.NoError(t, err, "Put error")

	_, _, _, err = cat.Get(ctx, "bucket", "small", &ByteRange{Start: 120, End: -1})
	require.True(t, IsKind(err, KindRangeNotSatisfiable), "start beyond length should not be satisfiable")

	_, _, _, err = cat.Get(ctx, "bucket", "small", &ByteRange{Start: 100, End: 110})
	require.True(t, IsKind(err, KindRangeNotSatisfiable), "start at length should not be satisfiable")
}

func TestCatalogGetMissingKey(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	_, _, _, err := cat.Get(context.Background(), "bucket", "absent", nil)
	require.True(t, IsNotFound(err), "expected NotFound for absent key")

	_, err = cat.Head(context.Background(), "bucket", "absent")
	require.True(t, IsNotFound(err), "expected NotFound from Head for absent key")
}

func TestCatalogDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	obj, err := cat.Put(ctx, "bucket", "key", []byte("payload"), "", nil)
	require.NoError(t, err, "Put error")

	existed, err := cat.Delete(ctx, "bucket", "key")
	require.NoError(t, err, "first Delete error")
	require.True(t, existed, "first delete should report the object existed")

	existed, err = cat.Delete(ctx, "bucket", "key")
	require.NoError(t, err, "second Delete error")
	require.False(t, existed, "second delete should report absence, not error")

	ok, err := cat.blobs.Exists("bucket", obj.ETag)
	require.NoError(t, err, "Exists error")
	require.False(t, ok, "deleted payload should have been released")
}

func TestCatalogDeleteKeepsSharedPayload(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	payload := []byte("shared content")
	_, err := cat.Put(ctx, "bucket", "one", payload, "", nil)
	require.NoError(t, err, "Put one error")
	_, err = cat.Put(ctx, "bucket", "two", payload, "", nil)
	require.NoError(t, err, "Put two error")

	_, err = cat.Delete(ctx, "bucket", "one")
	require.NoError(t, err, "Delete error")

	// "two" still references the same content.
	_, data, _, err := cat.Get(ctx, "bucket", "two", nil)
	require.NoError(t, err, "Get error after sibling delete")
	require.Equal(t, payload, data, "shared payload lost")
}

func TestCatalogConcurrentPutsSameKey(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("writer %d payload", i))
			_, err := cat.Put(ctx, "bucket", "contended", payload, "", nil)
			require.NoError(t, err, "concurrent Put error")
		}(i)
	}
	wg.Wait()

	// Whichever writer won, the surviving state must be one writer's
	// complete payload, never a torn mix.
	obj, data, _, err := cat.Get(ctx, "bucket", "contended", nil)
	require.NoError(t, err, "Get error after concurrent puts")
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), obj.ETag, "payload and ETag must agree")
	require.Regexp(t, `^writer \d payload$`, string(data), "payload should be one writer's whole write")
}

func TestCatalogGetDuringReplace(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("before state"),
		[]byte("after state"),
	}
	_, err := cat.Put(ctx, "bucket", "replaced", payloads[0], "", nil)
	require.NoError(t, err, "seeding Put error")

	// One writer alternates between two payloads while readers hammer
	// the key. Every read must observe the before- or after-state of
	// some replacement, never an I/O failure from a released payload.
	const (
		readers = 8
		rounds  = 400
	)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < rounds; i++ {
			_, err := cat.Put(ctx, "bucket", "replaced", payloads[i%2], "", nil)
			require.NoError(t, err, "replacing Put error")
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				obj, data, _, err := cat.Get(ctx, "bucket", "replaced", nil)
				require.NoError(t, err, "Get during replacement error")
				sum := sha256.Sum256(data)
				require.Equal(t, hex.EncodeToString(sum[:]), obj.ETag, "payload and ETag must agree")
			}
		}()
	}
	wg.Wait()
}

func TestCatalogDedupPutRacingDelete(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	// key1 and key2 share a payload. Deleting key1 while key2's Put is
	// in flight must never leave key2's row pointing at a removed
	// payload file: the dedup check and the unreferenced-blob cleanup
	// serialize per payload hash.
	payload := []byte("shared payload")
	const rounds = 200
	for i := 0; i < rounds; i++ {
		key1 := fmt.Sprintf("dedup-a-%d", i)
		key2 := fmt.Sprintf("dedup-b-%d", i)

		_, err := cat.Put(ctx, "bucket", key1, payload, "", nil)
		require.NoError(t, err, "seeding Put error")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := cat.Put(ctx, "bucket", key2, payload, "", nil)
			require.NoError(t, err, "racing Put error")
		}()
		go func() {
			defer wg.Done()
			_, err := cat.Delete(ctx, "bucket", key1)
			require.NoError(t, err, "racing Delete error")
		}()
		wg.Wait()

		_, data, _, err := cat.Get(ctx, "bucket", key2, nil)
		require.NoError(t, err, "Get after racing delete error")
		require.Equal(t, payload, data, "surviving key must keep its payload")

		_, err = cat.Delete(ctx, "bucket", key2)
		require.NoError(t, err, "cleanup Delete error")
	}
}

func TestCatalogBucketLifecycle(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()

	created, err := cat.EnsureBucket(ctx, "fresh")
	require.NoError(t, err, "EnsureBucket error")
	require.True(t, created, "first ensure should create")

	created, err = cat.EnsureBucket(ctx, "fresh")
	require.NoError(t, err, "second EnsureBucket error")
	require.False(t, created, "second ensure should find the existing bucket")

	exists, err := cat.BucketExists(ctx, "fresh")
	require.NoError(t, err, "BucketExists error")
	require.True(t, exists, "bucket should exist")

	buckets, err := cat.ListBuckets(ctx)
	require.NoError(t, err, "ListBuckets error")
	require.Len(t, buckets, 1, "bucket count")
	require.Equal(t, "fresh", buckets[0].Name, "bucket name")

	_, err = cat.Put(ctx, "fresh", "key", []byte("x"), "", nil)
	require.NoError(t, err, "Put error")

	require.NoError(t, cat.DeleteBucket(ctx, "fresh"), "DeleteBucket error")

	exists, err = cat.BucketExists(ctx, "fresh")
	require.NoError(t, err, "BucketExists error after delete")
	require.False(t, exists, "bucket should be gone")

	_, err = cat.Head(ctx, "fresh", "key")
	require.True(t, IsNotFound(err), "object rows should cascade with the bucket")

	err = cat.DeleteBucket(ctx, "fresh")
	require.True(t, IsNotFound(err), "deleting an absent bucket should report NotFound")
}
