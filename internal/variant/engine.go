// Package variant turns an original image into derived artifacts: resized,
// re-encoded, EXIF-free copies sized for their delivery context.
package variant

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/gophoto/photoflow/internal/model"
)

// Engine generates one derived image per call. It holds no per-image state;
// the same engine is shared by every worker.
type Engine struct {
	watermarkText string
	watermarkFont string
}

// New creates an Engine. An empty watermarkText disables watermarking even
// for specs that request it.
func New(watermarkText, watermarkFont string) *Engine {
	return &Engine{
		watermarkText: watermarkText,
		watermarkFont: watermarkFont,
	}
}

// Result is one generated variant: the encoded bytes plus the dimensions
// they decode to.
type Result struct {
	Data        []byte
	Width       int
	Height      int
	ContentType string
}

// Generate decodes the original, fits it into the spec's bounding box
// without ever upscaling, optionally overlays the watermark, and re-encodes
// to the target format at the spec quality. The re-encode path goes through
// a raw pixel buffer, so EXIF and every other metadata block of the original
// never reach the derived artifact. Orientation is applied before the strip
// so the variant still displays upright.
func (e *Engine) Generate(original []byte, spec model.VariantSpec) (Result, error) {
	src, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, model.Permanent(fmt.Errorf("decode original: %w", err))
	}

	out := fit(src, spec.MaxWidth, spec.MaxHeight)

	if spec.Watermark && e.watermarkText != "" {
		out, err = e.watermark(out)
		if err != nil {
			return Result{}, model.Permanent(fmt.Errorf("watermark: %w", err))
		}
	}

	format, contentType, err := encoding(spec.Format)
	if err != nil {
		return Result{}, model.Permanent(err)
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, out, format, imaging.JPEGQuality(spec.Quality)); err != nil {
		return Result{}, model.Permanent(fmt.Errorf("encode %s: %w", spec.Format, err))
	}

	b := out.Bounds()

	return Result{
		Data:        buf.Bytes(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		ContentType: contentType,
	}, nil
}

// fit scales src to fit the box preserving aspect ratio. The scale factor is
// min(maxW/w, maxH/h, 1.0): a source already inside the box passes through
// at its own size.
func fit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return src
	}
	return imaging.Fit(src, maxW, maxH, imaging.Lanczos)
}

// watermark draws the configured text in the bottom-right corner, sized
// relative to the image width the way the proofing previews expect.
func (e *Engine) watermark(src image.Image) (image.Image, error) {
	dc := gg.NewContextForImage(src)
	dc.SetColor(color.White)

	fontSize := float64(dc.Width()) * 0.04
	if fontSize < 12 {
		fontSize = 12
	}

	if err := dc.LoadFontFace(e.watermarkFont, fontSize); err != nil {
		return nil, fmt.Errorf("load font %s: %w", e.watermarkFont, err)
	}

	tw, th := dc.MeasureString(e.watermarkText)

	margin := 10.0
	x := float64(dc.Width()) - tw - margin
	y := float64(dc.Height()) - th - margin

	dc.DrawStringAnchored(e.watermarkText, x, y, 0, 1)
	dc.Fill()

	return dc.Image(), nil
}

func encoding(format string) (imaging.Format, string, error) {
	switch format {
	case "jpeg", "jpg", "":
		return imaging.JPEG, "image/jpeg", nil
	case "png":
		return imaging.PNG, "image/png", nil
	case "gif":
		return imaging.GIF, "image/gif", nil
	default:
		return 0, "", fmt.Errorf("unsupported target format: %s", format)
	}
}
