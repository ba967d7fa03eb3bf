package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/gophoto/photoflow/internal/api/handlers/image"
)

func Setup(h *image.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.POST("/galleries/:gallery_id/images", h.Ingest) // ingest a validated upload
	api.GET("/images/status", h.StatusBatch)            // batch status poll
	api.GET("/images/:id/status", h.Status)             // single status poll
	api.POST("/images/:id/reprocess", h.Reprocess)      // external re-trigger for failed images
	api.DELETE("/images/:id", h.Delete)                 // cascade delete

	return r
}
