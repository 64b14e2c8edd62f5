package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/dittocache/pkg/cache"
)

// S3Target stores backups in an S3 (or S3-compatible) bucket:
//
//	<prefix>objects/<fingerprint>        copied blobs
//	<prefix>manifests/<snapshot-id>.json manifest documents
//
// S3 PutObject is atomic per key, so no staging dance is needed: an
// interrupted upload never becomes visible.
type S3Target struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Target creates an S3 backup target. The client is built by the
// configuration layer so endpoint, credentials, and retry policy are
// decided in one place.
func NewS3Target(client *s3.Client, bucket, prefix string) *S3Target {
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	return &S3Target{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (t *S3Target) objectKey(fp cache.Fingerprint) string {
	return t.prefix + "objects/" + fp.String()
}

func (t *S3Target) manifestKey(snapshotID string) string {
	return t.prefix + "manifests/" + snapshotID + ".json"
}

// Has checks object existence with a HEAD request.
func (t *S3Target) Has(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.objectKey(fp)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check backup object existence: %w", err)
	}

	return true, nil
}

// Store uploads the content for fp.
func (t *S3Target) Store(ctx context.Context, fp cache.Fingerprint, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.objectKey(fp)),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := t.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload backup object: %w", err)
	}
	return nil
}

// Delete removes the copy for fp. S3 DeleteObject succeeds on missing
// keys, matching the Target contract.
func (t *S3Target) Delete(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.objectKey(fp)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete backup object: %w", err)
	}
	return nil
}

// StoreManifest uploads the manifest document.
func (t *S3Target) StoreManifest(ctx context.Context, manifest cache.BackupManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.manifestKey(manifest.SnapshotID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}

// DeleteManifest removes a manifest document.
func (t *S3Target) DeleteManifest(ctx context.Context, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.manifestKey(snapshotID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// Name identifies the target in logs.
func (t *S3Target) Name() string {
	return "s3://" + t.bucket + "/" + t.prefix
}
