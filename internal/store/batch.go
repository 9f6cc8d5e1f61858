package store

import "context"

// maxBatchDeleteKeys is the S3 cap on keys per batch delete request.
const maxBatchDeleteKeys = 1000

// DeleteOutcome reports the result for one key of a batch delete.
// Err is nil when the key is gone, whether or not it existed before.
type DeleteOutcome struct {
	Key string
	Err error
}

// DeleteObjects removes every named key, independently. A key that
// fails does not stop the rest of the batch; each key's outcome is
// reported in input order. Deleting an absent key succeeds.
func (c *Catalog) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteOutcome, error) {
	if len(keys) == 0 {
		return nil, newError(KindInvalidArgument, "catalog.deleteObjects", "no keys to delete")
	}
	if len(keys) > maxBatchDeleteKeys {
		return nil, newError(KindInvalidArgument, "catalog.deleteObjects",
			"%d keys exceeds the per-request limit of %d", len(keys), maxBatchDeleteKeys)
	}

	outcomes := make([]DeleteOutcome, 0, len(keys))
	for _, key := range keys {
		_, err := c.Delete(ctx, bucket, key)
		outcomes = append(outcomes, DeleteOutcome{Key: key, Err: err})
	}
	return outcomes, nil
}
