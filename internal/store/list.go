package store

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
)

// ObjectSummary is one listing entry. It carries the metadata a listing
// response needs without loading the payload.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListPage is one page of an ordered key enumeration. Listings are
// weakly consistent: keys inserted or deleted between page requests may
// or may not appear, but keys untouched for the whole walk are returned
// exactly once, in ascending byte order.
type ListPage struct {
	Objects     []ObjectSummary
	IsTruncated bool

	// NextMarker is the marker-scheme cursor (the last key of this
	// page). Set only when IsTruncated.
	NextMarker string

	// NextContinuationToken is the token-scheme cursor, an opaque
	// encoding of the resume point. Set only when IsTruncated.
	NextContinuationToken string
}

// ListObjects enumerates keys with marker semantics: keys strictly
// greater than marker, filtered by prefix, at most maxKeys per page.
func (c *Catalog) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	page, err := c.listPage(ctx, bucket, prefix, marker, maxKeys)
	if err != nil {
		return nil, err
	}
	if page.IsTruncated {
		page.NextMarker = page.Objects[len(page.Objects)-1].Key
	}
	return page, nil
}

// ListObjectsV2 enumerates keys with continuation-token semantics. A
// non-empty token takes precedence over startAfter. A token that does
// not decode to a valid resume point still succeeds, resuming from the
// nearest greater key, since the key it named may have been deleted
// between pages anyway.
func (c *Catalog) ListObjectsV2(ctx context.Context, bucket, prefix, token, startAfter string, maxKeys int) (*ListPage, error) {
	after := startAfter
	if token != "" {
		after = decodeContinuationToken(token)
	}

	page, err := c.listPage(ctx, bucket, prefix, after, maxKeys)
	if err != nil {
		return nil, err
	}
	if page.IsTruncated {
		page.NextContinuationToken = encodeContinuationToken(page.Objects[len(page.Objects)-1].Key)
	}
	return page, nil
}

// listPage is the shared enumeration under both cursor schemes: keys
// strictly greater than after, in ascending byte order.
func (c *Catalog) listPage(ctx context.Context, bucket, prefix, after string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		return nil, newError(KindInvalidArgument, "catalog.list", "max keys must be positive, got %d", maxKeys)
	}

	// Fetch up to maxKeys+1 to determine truncation.
	args := []any{bucket}
	query := `SELECT key, etag, size, modified_at FROM objects WHERE bucket = ?`
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	if after != "" {
		query += " AND key > ?"
		args = append(args, after)
	}
	query += " ORDER BY key LIMIT ?"
	args = append(args, maxKeys+1)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapIOFailure("catalog.list", err)
	}
	defer rows.Close()

	var page ListPage
	for rows.Next() {
		var s ObjectSummary
		if err := rows.Scan(&s.Key, &s.ETag, &s.Size, &s.LastModified); err != nil {
			return nil, wrapIOFailure("catalog.list", err)
		}
		if len(page.Objects) == maxKeys {
			page.IsTruncated = true
			break
		}
		page.Objects = append(page.Objects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIOFailure("catalog.list", err)
	}

	return &page, nil
}

// escapeLike escapes the LIKE metacharacters in a literal prefix so
// that keys containing % or _ filter exactly.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func encodeContinuationToken(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// decodeContinuationToken recovers the resume key from a token. Tokens
// that fail to decode are used verbatim as the resume point, which
// keeps the walk ordered rather than failing the request.
func decodeContinuationToken(token string) string {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return token
	}
	return string(raw)
}
