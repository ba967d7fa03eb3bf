package image

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/gophoto/photoflow/internal/model"
	"github.com/gophoto/photoflow/internal/storage/tier"
)

// ErrNotFailed is returned by Reprocess for an image that is not failed:
// only the explicit external re-trigger may re-enter processing from failed.
var ErrNotFailed = errors.New("image is not in failed status")

// stateStore defines the repository operations the service needs.
type stateStore interface {
	Create(ctx context.Context, img *model.Image) error
	Get(ctx context.Context, id uuid.UUID) (model.Image, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]model.Image, error)
	Update(ctx context.Context, img *model.Image) error
	Delete(ctx context.Context, id uuid.UUID) (model.Image, error)
	GalleryImageIDs(ctx context.Context, galleryID uuid.UUID) (map[uuid.UUID]struct{}, error)
}

// blobRouter defines the storage tier router operations the service needs.
type blobRouter interface {
	Put(ctx context.Context, t model.Tier, key string, data []byte, contentType string) (model.BlobRef, error)
	Delete(ctx context.Context, ref model.BlobRef) error
	SignedURL(ctx context.Context, ref model.BlobRef, ttl time.Duration) (string, error)
	List(ctx context.Context, t model.Tier, prefix string) ([]string, error)
}

// taskQueue defines the enqueue side of the job queue.
type taskQueue interface {
	Enqueue(ctx context.Context, imageID uuid.UUID) error
}

// Service provides the ingestion boundary and the read side of the
// processing pipeline. Upload validation and authorization happen upstream;
// the byte stream arriving here is already accepted.
type Service struct {
	store  stateStore
	router blobRouter
	queue  taskQueue

	specs        []model.VariantSpec
	signedURLTTL time.Duration
}

// NewService creates a Service over the given collaborators.
func NewService(store stateStore, router blobRouter, queue taskQueue, specs []model.VariantSpec, signedURLTTL time.Duration) *Service {
	return &Service{
		store:        store,
		router:       router,
		queue:        queue,
		specs:        specs,
		signedURLTTL: signedURLTTL,
	}
}

// Ingest persists the validated original to cold storage, creates the
// pending state record with the full variant set, and enqueues the
// processing task. It returns as soon as the task is enqueued; the caller
// never waits on variant generation.
func (s *Service) Ingest(ctx context.Context, galleryID uuid.UUID, data []byte, declaredContentType string) (model.Image, error) {
	id := uuid.New()

	key := tier.OriginalKey(galleryID.String(), id.String(), formatOf(declaredContentType))
	ref, err := s.router.Put(ctx, model.TierCold, key, data, declaredContentType)
	if err != nil {
		return model.Image{}, fmt.Errorf("ingest: failed to store original: %w", err)
	}

	img := model.NewImage(galleryID, ref, declaredContentType, int64(len(data)), s.specs)
	img.ID = id

	if err := s.store.Create(ctx, &img); err != nil {
		return model.Image{}, fmt.Errorf("ingest: failed to create image record: %w", err)
	}

	if err := s.queue.Enqueue(ctx, img.ID); err != nil {
		return model.Image{}, fmt.Errorf("ingest: failed to enqueue task: %w", err)
	}

	return img, nil
}

// VariantStatusView is one variant's slice of the polling response. The URL
// is present only once the variant is completed.
type VariantStatusView struct {
	Status model.VariantStatus `json:"status"`
	URL    string              `json:"url,omitempty"`
}

// StatusView is the polling response for one image.
type StatusView struct {
	ImageID          uuid.UUID                    `json:"image_id"`
	ProcessingStatus model.ProcessingStatus       `json:"processing_status"`
	Variants         map[string]VariantStatusView `json:"variants"`
}

// Status reports the current processing truth for one image. Read-only: no
// work is triggered, nothing is mutated.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (StatusView, error) {
	img, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}

	return s.statusView(ctx, img), nil
}

// StatusMany reports status for a batch of images. IDs without a record are
// omitted from the result.
func (s *Service) StatusMany(ctx context.Context, ids []uuid.UUID) ([]StatusView, error) {
	images, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]StatusView, 0, len(images))
	for _, img := range images {
		views = append(views, s.statusView(ctx, img))
	}

	return views, nil
}

func (s *Service) statusView(ctx context.Context, img model.Image) StatusView {
	variants := make(map[string]VariantStatusView, len(img.Variants))

	for name, rec := range img.Variants {
		view := VariantStatusView{Status: rec.Status}

		if rec.Status == model.VariantCompleted && !rec.BlobRef.Zero() {
			url, err := s.router.SignedURL(ctx, rec.BlobRef, s.signedURLTTL)
			if err != nil {
				zlog.Logger.Err(err).
					Str("image_id", img.ID.String()).
					Str("variant", name).
					Msg("failed to sign variant url")
			} else {
				view.URL = url
			}
		}

		variants[name] = view
	}

	return StatusView{
		ImageID:          img.ID,
		ProcessingStatus: img.Status,
		Variants:         variants,
	}
}

// Delete removes the image record first, then best-effort deletes the
// original and every stored variant blob. A task in flight for this image
// notices the gone record and aborts; any blob it managed to write just
// before is picked up by the reconciliation sweep.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	img, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}

	s.deleteBlob(ctx, img.Original)
	for _, rec := range img.Variants {
		if !rec.BlobRef.Zero() {
			s.deleteBlob(ctx, rec.BlobRef)
		}
	}

	return nil
}

func (s *Service) deleteBlob(ctx context.Context, ref model.BlobRef) {
	if err := s.router.Delete(ctx, ref); err != nil && !errors.Is(err, tier.ErrNotFound) {
		zlog.Logger.Err(err).Str("key", ref.Key).Msg("failed to delete blob")
	}
}

// Reprocess is the explicit external re-trigger for a failed image: failed
// variants go back to pending, error text clears, and the image re-enters
// processing outside the automatic retry budget.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (model.Image, error) {
	img, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Image{}, err
	}

	if img.Status != model.StatusFailed {
		return model.Image{}, ErrNotFailed
	}

	for name, rec := range img.Variants {
		if rec.Status == model.VariantFailed {
			img.Variants[name] = model.VariantRecord{Status: model.VariantPending}
		}
	}

	next, err := img.Status.Transition(model.StatusProcessing)
	if err != nil {
		return model.Image{}, err
	}
	img.Status = next
	img.ProcessingCompletedAt = nil
	img.ProcessingErrors = ""

	if err := s.store.Update(ctx, &img); err != nil {
		return model.Image{}, fmt.Errorf("reprocess: failed to update image: %w", err)
	}

	if err := s.queue.Enqueue(ctx, img.ID); err != nil {
		return model.Image{}, fmt.Errorf("reprocess: failed to enqueue task: %w", err)
	}

	return img, nil
}

// ReconcileGallery sweeps the gallery's storage prefix across all tiers and
// deletes blobs whose image record no longer exists. It returns the number
// of orphaned blobs removed.
func (s *Service) ReconcileGallery(ctx context.Context, galleryID uuid.UUID) (int, error) {
	ids, err := s.store.GalleryImageIDs(ctx, galleryID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	prefix := tier.GalleryPrefix(galleryID.String())
	removed := 0

	for _, t := range []model.Tier{model.TierCold, model.TierWarm, model.TierHot} {
		keys, err := s.router.List(ctx, t, prefix)
		if err != nil {
			return removed, fmt.Errorf("reconcile: list %s: %w", t, err)
		}

		for _, key := range keys {
			imageID, ok := imageIDFromKey(key)
			if !ok {
				continue
			}
			if _, owned := ids[imageID]; owned {
				continue
			}

			if err := s.router.Delete(ctx, model.BlobRef{Key: key, Tier: t}); err != nil {
				if errors.Is(err, tier.ErrNotFound) {
					continue
				}
				return removed, fmt.Errorf("reconcile: delete %s: %w", key, err)
			}
			removed++
		}
	}

	return removed, nil
}

// imageIDFromKey extracts the image id segment from a
// "<gallery>/<image>/<artifact>" key.
func imageIDFromKey(key string) (uuid.UUID, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}

// formatOf maps a declared content type onto the storage key extension.
func formatOf(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/tiff":
		return "tiff"
	case "image/bmp":
		return "bmp"
	default:
		return "jpeg"
	}
}
