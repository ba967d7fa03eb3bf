package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/gophoto/photoflow/internal/api/respond"
	"github.com/gophoto/photoflow/internal/model"
	imagesvc "github.com/gophoto/photoflow/internal/service/image"
)

// maxUploadBytes caps an accepted upload body; anything larger is rejected
// outright. Size and type validation proper happens in the upload layer
// upstream.
const maxUploadBytes = 64 << 20

// service defines the interface for image pipeline operations.
type service interface {
	Ingest(ctx context.Context, galleryID uuid.UUID, data []byte, declaredContentType string) (model.Image, error)
	Status(ctx context.Context, id uuid.UUID) (imagesvc.StatusView, error)
	StatusMany(ctx context.Context, ids []uuid.UUID) ([]imagesvc.StatusView, error)
	Reprocess(ctx context.Context, id uuid.UUID) (model.Image, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler provides HTTP handlers for the processing pipeline endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Ingest accepts a validated image byte stream for a gallery and returns
// synchronously once the original is stored and the task is enqueued.
func (h *Handler) Ingest(c *ginext.Context) {
	galleryID, err := uuid.Parse(c.Param("gallery_id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid gallery id: %v", err))
		return
	}

	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing content type"))
		return
	}

	// Read one byte past the cap so a too-large body is detected and
	// rejected instead of being fed into the pipeline truncated.
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to read upload body")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to read body"))
		return
	}

	if len(data) == 0 {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("empty body"))
		return
	}

	if len(data) > maxUploadBytes {
		respond.Fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", maxUploadBytes))
		return
	}

	img, err := h.service.Ingest(c.Request.Context(), galleryID, data, contentType)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to ingest image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to ingest image"))
		return
	}

	respond.Accepted(c, map[string]interface{}{
		"image_id":          img.ID,
		"processing_status": img.Status,
	})
}

// Status returns the processing truth for one image. Read-only and cheap:
// polling it never triggers work.
func (h *Handler) Status(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	view, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get image status")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get status"))
		return
	}

	respond.OK(c, view)
}

// StatusBatch returns status for a comma-separated list of ids.
func (h *Handler) StatusBatch(c *ginext.Context) {
	raw := c.Query("ids")
	if raw == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("ids query parameter is required"))
		return
	}

	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id %q", part))
			return
		}
		ids = append(ids, id)
	}

	views, err := h.service.StatusMany(c.Request.Context(), ids)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to get batch status")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get status"))
		return
	}

	respond.OK(c, views)
}

// Reprocess re-triggers processing for a failed image.
func (h *Handler) Reprocess(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	img, err := h.service.Reprocess(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrImageNotFound):
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
		case errors.Is(err, imagesvc.ErrNotFailed):
			respond.Fail(c, http.StatusConflict, err)
		default:
			zlog.Logger.Err(err).Msg("failed to reprocess image")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to reprocess image"))
		}
		return
	}

	respond.Accepted(c, map[string]interface{}{
		"image_id":          img.ID,
		"processing_status": img.Status,
	})
}

// Delete removes an image record and cascades blob deletion.
func (h *Handler) Delete(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to delete image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to delete image"))
		return
	}

	c.Status(http.StatusNoContent)
}
