package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName    = "example-bucket"
	ObjectName    = "example.txt"
	ObjectContent = "Hello from the Cellar example!\n"
)

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// UploadFile uploads an object to the specified bucket.
func UploadFile(ctx context.Context, client *minio.Client, bucketName string, objectName string, objectContent []byte) error {
	reader := bytes.NewReader(objectContent)
	_, err := client.PutObject(ctx, bucketName, objectName, reader, int64(len(objectContent)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"origin": "example"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", objectName, bucketName, err)
	}

	slog.Info("Uploaded object to bucket", "object", objectName, "bucket", bucketName)
	return nil
}

// ListBucketObjects lists all objects in the specified bucket.
func ListBucketObjects(ctx context.Context, client *minio.Client, bucketName string) error {
	slog.Info("Objects in bucket", "bucket", bucketName)
	for objectInfo := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Object in bucket", "key", objectInfo.Key, "size", objectInfo.Size)
	}
	return nil
}

// RangeReadExample reads a byte range of an object and logs it.
func RangeReadExample(ctx context.Context, client *minio.Client, bucketName string, objectName string) error {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(6, 11); err != nil {
		return fmt.Errorf("failed to set range: %w", err)
	}

	obj, err := client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return fmt.Errorf("failed to get object range: %w", err)
	}
	defer obj.Close()

	slice, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read object range: %w", err)
	}

	slog.Info("Read object range", "object", objectName, "bytes", string(slice))
	return nil
}

// BatchDeleteExample uploads a handful of throwaway objects and removes
// them with a single batch delete request.
func BatchDeleteExample(ctx context.Context, client *minio.Client, bucketName string) error {
	keys := []string{"batch/one.txt", "batch/two.txt", "batch/three.txt"}
	for _, key := range keys {
		if err := UploadFile(ctx, client, bucketName, key, []byte("temporary content")); err != nil {
			return err
		}
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	for result := range client.RemoveObjects(ctx, bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("failed to batch-delete %q: %w", result.ObjectName, result.Err)
		}
	}

	slog.Info("Batch-deleted objects", "bucket", bucketName, "count", len(keys))
	return nil
}

// MultipartUploadExample drives the multipart lifecycle using the
// low-level Core client.
func MultipartUploadExample(ctx context.Context, client *minio.Client) error {

	const (
		bucket = "multipart-example-bucket"
		object = "assembled.bin"
	)

	creds, err := client.GetCreds()
	if err != nil {
		return fmt.Errorf("failed to get client credentials: %w", err)
	}

	endpointURL := client.EndpointURL()

	coreClient, err := minio.NewCore(endpointURL.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure:       false,
		BucketLookup: minio.BucketLookupPath,
	})

	if err != nil {
		return fmt.Errorf("failed to create core client: %w", err)
	}

	if err := coreClient.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
	}

	// Initiate multipart upload.
	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	log := slog.With("bucket", bucket, "object", object, "upload_id", uploadID)
	log.Info("Started multipart upload")

	partData := [][]byte{
		bytes.Repeat([]byte("AAAA"), 256*1024),
		bytes.Repeat([]byte("BBBB"), 256*1024),
		bytes.Repeat([]byte("CCCC"), 128*1024), // smaller last part
	}

	var parts []minio.CompletePart
	totalLength := 0

	for i, data := range partData {
		partNumber := i + 1

		objPart, err := coreClient.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       objPart.ETag,
		})
		totalLength += len(data)
	}

	// Complete the multipart upload.
	_, err = coreClient.CompleteMultipartUpload(ctx, bucket, object, uploadID, parts, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	log.Info("Completed multipart upload", "total_size", totalLength)
	return nil
}

func Run(ctx context.Context, client *minio.Client) error {
	// Ensure bucket exists.
	if err := EnsureBucket(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	// 1. Upload an example.txt file.
	if err := UploadFile(ctx, client, BucketName, ObjectName, []byte(ObjectContent)); err != nil {
		return fmt.Errorf("failed to upload example file: %w", err)
	}

	// 2. List the contents of the bucket.
	if err := ListBucketObjects(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to list bucket objects: %w", err)
	}

	// 3. Read a byte range back.
	if err := RangeReadExample(ctx, client, BucketName, ObjectName); err != nil {
		return fmt.Errorf("failed to read object range: %w", err)
	}

	// 4. Batch-delete a handful of objects.
	if err := BatchDeleteExample(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to run batch delete example: %w", err)
	}

	// 5. Demonstrate multipart upload using the low-level Core client.
	if err := MultipartUploadExample(ctx, client); err != nil {
		return fmt.Errorf("failed to run multipart upload example: %w", err)
	}

	return nil
}

func main() {
	endpoint := getenv("CELLAR_ENDPOINT", "localhost:8080")
	accessKey := getenv("CELLAR_ACCESS_KEY", "cellar")
	secretKey := getenv("CELLAR_SECRET_KEY", "cellar")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})

	if err != nil {
		slog.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if err := Run(ctx, client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
