// Package metadata derives image facts (format, pixel dimensions) from an
// accepted original byte stream.
package metadata

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/gophoto/photoflow/internal/model"
)

// Info is what extraction yields for a decodable original.
type Info struct {
	Format string
	Width  int
	Height int
}

// Extract reads the image header and returns its format and dimensions.
// A stream that does not decode as a supported image format is a permanent
// failure: no amount of retrying fixes corrupt bytes, so the error is never
// retried and callers short-circuit to failed.
func Extract(data []byte, declaredContentType string) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, model.Permanent(
			fmt.Errorf("decode image declared as %q: %w", declaredContentType, err),
		)
	}

	return Info{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
