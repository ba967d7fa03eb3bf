// Package tier routes artifacts to storage classes by access pattern:
// originals go cold, latency-sensitive variants go hot, the rest warm.
// Each tier is a separate bucket on an S3-compatible backend.
package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gophoto/photoflow/internal/model"
)

// ErrNotFound is returned by Delete and Load when the blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Buckets maps each tier to its bucket name.
type Buckets struct {
	Cold string
	Warm string
	Hot  string
}

func (b Buckets) forTier(t model.Tier) string {
	switch t {
	case model.TierCold:
		return b.Cold
	case model.TierWarm:
		return b.Warm
	default:
		return b.Hot
	}
}

// Router stores and serves blobs across the tier buckets.
type Router struct {
	client  *minio.Client
	buckets Buckets
}

// New connects to the object storage backend and creates any tier bucket
// that does not exist yet.
func New(ctx context.Context, endpoint, accessKey, secretKey string, useSSL bool, buckets Buckets) (*Router, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	for _, bucket := range []string{buckets.Cold, buckets.Warm, buckets.Hot} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check if bucket %s exists: %w", bucket, err)
		}

		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
	}

	return &Router{client: client, buckets: buckets}, nil
}

// Put writes data under the given key in the tier's bucket. The same
// tier+key always lands on the same object, so reprocessing a variant
// overwrites in place instead of accumulating duplicates.
func (r *Router) Put(ctx context.Context, t model.Tier, key string, data []byte, contentType string) (model.BlobRef, error) {
	_, err := r.client.PutObject(ctx, r.buckets.forTier(t), key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return model.BlobRef{}, classify(fmt.Sprintf("put %s/%s", t, key), err)
	}

	return model.BlobRef{Key: key, Tier: t}, nil
}

// Load opens the blob for reading.
func (r *Router) Load(ctx context.Context, ref model.BlobRef) (io.ReadCloser, error) {
	obj, err := r.client.GetObject(ctx, r.buckets.forTier(ref.Tier), ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(fmt.Sprintf("load %s/%s", ref.Tier, ref.Key), err)
	}

	return obj, nil
}

// Exists reports whether the blob still resolves. Used by the idempotence
// check before regenerating a variant already marked completed.
func (r *Router) Exists(ctx context.Context, ref model.BlobRef) (bool, error) {
	_, err := r.client.StatObject(ctx, r.buckets.forTier(ref.Tier), ref.Key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, classify(fmt.Sprintf("stat %s/%s", ref.Tier, ref.Key), err)
	}

	return true, nil
}

// SignedURL returns a time-limited link for direct retrieval of the blob.
func (r *Router) SignedURL(ctx context.Context, ref model.BlobRef, ttl time.Duration) (string, error) {
	u, err := r.client.PresignedGetObject(ctx, r.buckets.forTier(ref.Tier), ref.Key, ttl, url.Values{})
	if err != nil {
		return "", classify(fmt.Sprintf("presign %s/%s", ref.Tier, ref.Key), err)
	}

	return u.String(), nil
}

// Delete removes the blob. Deleting a blob that is already gone returns
// ErrNotFound.
func (r *Router) Delete(ctx context.Context, ref model.BlobRef) error {
	bucket := r.buckets.forTier(ref.Tier)

	if _, err := r.client.StatObject(ctx, bucket, ref.Key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return classify(fmt.Sprintf("stat %s/%s", ref.Tier, ref.Key), err)
	}

	if err := r.client.RemoveObject(ctx, bucket, ref.Key, minio.RemoveObjectOptions{}); err != nil {
		return classify(fmt.Sprintf("delete %s/%s", ref.Tier, ref.Key), err)
	}

	return nil
}

// List returns every key under the prefix in the tier's bucket. The
// reconciliation sweep uses it to find blobs whose image record is gone.
func (r *Router) List(ctx context.Context, t model.Tier, prefix string) ([]string, error) {
	var keys []string

	for obj := range r.client.ListObjects(ctx, r.buckets.forTier(t), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(fmt.Sprintf("list %s/%s", t, prefix), obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// OriginalKey builds the deterministic key for an image's original bytes.
func OriginalKey(galleryID, imageID string, format string) string {
	return fmt.Sprintf("%s/%s/original.%s", galleryID, imageID, ext(format))
}

// VariantKey builds the deterministic key for one variant artifact.
// Re-running generation for the same variant always targets the same key.
func VariantKey(galleryID, imageID, variant string, format string) string {
	return fmt.Sprintf("%s/%s/%s.%s", galleryID, imageID, variant, ext(format))
}

// GalleryPrefix is the key prefix shared by everything a gallery owns.
func GalleryPrefix(galleryID string) string {
	return galleryID + "/"
}

// ImagePrefix is the key prefix shared by everything one image owns.
func ImagePrefix(galleryID, imageID string) string {
	return fmt.Sprintf("%s/%s/", galleryID, imageID)
}

func ext(format string) string {
	switch format {
	case "jpeg", "jpg", "":
		return "jpg"
	default:
		return format
	}
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

// classify maps backend failures onto the processing error taxonomy: quota
// rejections are permanent for the attempt, everything else from the network
// or the backend is worth retrying. err must be the raw client error, not a
// wrapped one: ToErrorResponse inspects the error value itself.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	if strings.Contains(minio.ToErrorResponse(err).Code, "Quota") {
		return &model.QuotaError{Err: wrapped}
	}

	return model.Transient(wrapped)
}
