package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the lifecycle status of an image as a whole.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusRetrying   ProcessingStatus = "retrying"
)

// transitions holds the allowed status edges. failed -> processing is the
// explicit external re-trigger; everything else is driven by the worker.
var transitions = map[ProcessingStatus][]ProcessingStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusProcessing},
	StatusFailed:     {StatusProcessing},
	StatusCompleted:  {},
}

// CanTransition reports whether the edge from s to next is allowed.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition returns next if the edge from s is allowed, or an error naming
// the rejected edge. All status mutations go through this function so that
// an illegal write cannot be expressed at a call site.
func (s ProcessingStatus) Transition(next ProcessingStatus) (ProcessingStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal status transition %s -> %s", s, next)
	}
	return next, nil
}

// Terminal reports whether no worker-driven edge leaves s.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// VariantStatus is the outcome of one derived artifact.
type VariantStatus string

const (
	VariantPending   VariantStatus = "pending"
	VariantCompleted VariantStatus = "completed"
	VariantFailed    VariantStatus = "failed"
)

// Tier is a storage class chosen by access-frequency pattern.
type Tier string

const (
	TierCold Tier = "cold"
	TierWarm Tier = "warm"
	TierHot  Tier = "hot"
)

// BlobRef identifies one stored byte object: a deterministic key plus the
// tier it lives in.
type BlobRef struct {
	Key  string `json:"key"`
	Tier Tier   `json:"tier"`
}

// Zero reports whether the ref points at nothing.
func (r BlobRef) Zero() bool {
	return r.Key == ""
}

// VariantSpec describes one derived artifact: the bounding box the result
// must fit in, the encoding target, and the tier it is stored in.
type VariantSpec struct {
	Name      string `json:"name" mapstructure:"name"`
	MaxWidth  int    `json:"max_width" mapstructure:"max_width"`
	MaxHeight int    `json:"max_height" mapstructure:"max_height"`
	Format    string `json:"format" mapstructure:"format"`
	Quality   int    `json:"quality" mapstructure:"quality"`
	Tier      Tier   `json:"tier" mapstructure:"tier"`
	Watermark bool   `json:"watermark" mapstructure:"watermark"`
}

// VariantRecord is the per-variant processing outcome stored on the image.
type VariantRecord struct {
	Status      VariantStatus `json:"status"`
	BlobRef     BlobRef       `json:"blob_ref"`
	Error       string        `json:"error,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Image is one uploaded photo and the full processing state around it.
// The variants map always carries the complete configured variant set,
// pending entries included, so pollers never see a partial key set.
type Image struct {
	ID        uuid.UUID `json:"id"`
	GalleryID uuid.UUID `json:"gallery_id"`

	Original    BlobRef `json:"original"`
	ContentType string  `json:"content_type"`
	ByteSize    int64   `json:"byte_size"`
	Width       *int    `json:"width,omitempty"`
	Height      *int    `json:"height,omitempty"`

	Status   ProcessingStatus         `json:"processing_status"`
	Variants map[string]VariantRecord `json:"variants"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingErrors      string     `json:"processing_errors,omitempty"`

	Position  int       `json:"position"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// NewImage builds a pending image record with every configured variant
// already present as pending.
func NewImage(galleryID uuid.UUID, original BlobRef, contentType string, byteSize int64, specs []VariantSpec) Image {
	variants := make(map[string]VariantRecord, len(specs))
	for _, spec := range specs {
		variants[spec.Name] = VariantRecord{Status: VariantPending}
	}

	return Image{
		ID:          uuid.New(),
		GalleryID:   galleryID,
		Original:    original,
		ContentType: contentType,
		ByteSize:    byteSize,
		Status:      StatusPending,
		Variants:    variants,
	}
}

// AllVariantsCompleted reports whether every variant record is completed.
func (img Image) AllVariantsCompleted() bool {
	for _, v := range img.Variants {
		if v.Status != VariantCompleted {
			return false
		}
	}
	return true
}

// PendingVariantCount counts variants that have not reached an outcome yet.
func (img Image) PendingVariantCount() int {
	n := 0
	for _, v := range img.Variants {
		if v.Status == VariantPending {
			n++
		}
	}
	return n
}
