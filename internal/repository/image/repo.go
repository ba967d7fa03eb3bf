package image

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/gophoto/photoflow/internal/model"
)

// Repository is the durable processing state store for images.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new image record, assigning the next position within the
// gallery so positions reflect arrival order. The record starts at version 1.
func (r *Repository) Create(ctx context.Context, img *model.Image) error {
	query := `
		INSERT INTO images (
			id, gallery_id, original_key, original_tier, content_type, byte_size,
			status, variants, position, version
		)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM images WHERE gallery_id = $2),
			1
		)
		RETURNING position, version, created_at
   `

	variantsJSON, err := json.Marshal(img.Variants)
	if err != nil {
		return fmt.Errorf("create: failed to marshal variants: %w", err)
	}

	err = r.db.Master.QueryRowContext(
		ctx, query,
		img.ID, img.GalleryID, img.Original.Key, img.Original.Tier,
		img.ContentType, img.ByteSize, img.Status, variantsJSON,
	).Scan(&img.Position, &img.Version, &img.CreatedAt)
	if err != nil {
		return fmt.Errorf("create: failed to save image: %w", err)
	}

	return nil
}

// Get retrieves an image record by ID. Reads go to the master: the worker
// re-reads records it just wrote under optimistic versioning, and a lagging
// replica would surface a phantom version conflict.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (model.Image, error) {
	query := `
		SELECT gallery_id, original_key, original_tier, content_type, byte_size,
		       width, height, status, variants,
		       processing_started_at, processing_completed_at, processing_errors,
		       position, version, created_at
		FROM images
		WHERE id = $1
    `

	var (
		img          model.Image
		variantsJSON []byte
	)
	img.ID = id

	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&img.GalleryID, &img.Original.Key, &img.Original.Tier,
		&img.ContentType, &img.ByteSize,
		&img.Width, &img.Height, &img.Status, &variantsJSON,
		&img.ProcessingStartedAt, &img.ProcessingCompletedAt, &img.ProcessingErrors,
		&img.Position, &img.Version, &img.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, model.ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	if err := json.Unmarshal(variantsJSON, &img.Variants); err != nil {
		return model.Image{}, fmt.Errorf("get: failed to unmarshal variants: %w", err)
	}

	return img, nil
}

// GetMany retrieves the records for the given IDs. Missing IDs are simply
// absent from the result; the status API reports them individually.
func (r *Repository) GetMany(ctx context.Context, ids []uuid.UUID) ([]model.Image, error) {
	images := make([]model.Image, 0, len(ids))

	for _, id := range ids {
		img, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrImageNotFound) {
				continue
			}
			return nil, err
		}
		images = append(images, img)
	}

	return images, nil
}

// Update writes the mutable processing fields guarded by the optimistic
// version check. A stale or missing record yields ErrVersionConflict or
// ErrImageNotFound; the worker treats either as "abort, the record moved
// under us", which under single-writer discipline means deletion raced us.
func (r *Repository) Update(ctx context.Context, img *model.Image) error {
	query := `
		UPDATE images
		SET content_type = $3, width = $4, height = $5, status = $6, variants = $7,
		    processing_started_at = $8, processing_completed_at = $9,
		    processing_errors = $10, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
    `

	variantsJSON, err := json.Marshal(img.Variants)
	if err != nil {
		return fmt.Errorf("update: failed to marshal variants: %w", err)
	}

	err = r.db.Master.QueryRowContext(
		ctx, query,
		img.ID, img.Version,
		img.ContentType, img.Width, img.Height, img.Status, variantsJSON,
		img.ProcessingStartedAt, img.ProcessingCompletedAt, img.ProcessingErrors,
	).Scan(&img.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update: failed to update image: %w", err)
	}

	// No row matched id+version. Distinguish gone from stale on the master,
	// the node the UPDATE just ran against.
	var exists bool
	checkErr := r.db.Master.QueryRowContext(
		ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, img.ID,
	).Scan(&exists)
	if checkErr != nil {
		return fmt.Errorf("update: failed to check image existence: %w", checkErr)
	}

	if !exists {
		return model.ErrImageNotFound
	}

	return model.ErrVersionConflict
}

// Delete removes an image record by ID and returns the deleted record so
// the caller can cascade blob deletion.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (model.Image, error) {
	img, err := r.Get(ctx, id)
	if err != nil {
		return model.Image{}, err
	}

	rows, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return model.Image{}, fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := rows.RowsAffected()
	if err != nil {
		return model.Image{}, fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return model.Image{}, model.ErrImageNotFound
	}

	return img, nil
}

// Exists reports whether a record for the image is still present. The worker
// calls this before every storage mutation to honor the deletion race, so
// the answer must come from the master, not a lagging replica.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Master.QueryRowContext(
		ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}

	return exists, nil
}

// GalleryImageIDs returns the ids of every image a gallery owns, used by the
// orphan reconciliation sweep.
func (r *Repository) GalleryImageIDs(ctx context.Context, galleryID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := r.db.Master.QueryContext(
		ctx, `SELECT id FROM images WHERE gallery_id = $1`, galleryID,
	)
	if err != nil {
		return nil, fmt.Errorf("gallery image ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("gallery image ids: scan: %w", err)
		}
		ids[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gallery image ids: rows: %w", err)
	}

	return ids, nil
}
