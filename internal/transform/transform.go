// Package transform decodes, resizes and re-encodes images.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/webp"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/metrics"
)

// DefaultQuality is used when no quality is requested.
const DefaultQuality = 60

// Supported output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Options describe an output rendition. Zero Width and Height keep the
// source dimensions.
type Options struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

// Detect sniffs the MIME type of data and reports whether it is an image.
func Detect(data []byte) (string, bool) {
	m := mimetype.Detect(data)
	mime := m.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime, strings.HasPrefix(mime, "image/")
}

// NormalizeFormat maps a requested format to a supported output format.
func NormalizeFormat(format string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "png":
		return FormatPNG, true
	case "webp":
		return FormatWebP, true
	}
	return "", false
}

// ContentType returns the MIME type of an output format.
func ContentType(format string) string {
	switch format {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "image/webp"
	}
}

// Decode decodes data and applies its EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	start := time.Now()
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.WrapInvalid("decode image", fmt.Errorf("%v: %w", err, errs.ErrInvalidContent))
	}
	img = applyOrientation(img, orientation(data))
	metrics.ObserveTransform("decode", time.Since(start))
	return img, nil
}

// orientation reads the EXIF orientation tag, defaulting to 1.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

// applyOrientation transforms an image according to an EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Resize bounds img by width and height without ever enlarging it. A zero
// bound is unconstrained; the aspect ratio is kept.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	switch {
	case width > 0 && height > 0:
		// Fit returns a copy when the source is already within bounds.
		return imaging.Fit(img, width, height, imaging.Lanczos)
	case width > 0 && width < srcW:
		return imaging.Resize(img, width, 0, imaging.Lanczos)
	case height > 0 && height < srcH:
		return imaging.Resize(img, 0, height, imaging.Lanczos)
	default:
		return img
	}
}

// Encode writes img in format at quality. Quality is ignored for PNG.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	start := time.Now()
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		format = FormatWebP
		err = webp.Encode(&buf, img, webp.Options{Quality: quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	metrics.ObserveTransform("encode_"+format, time.Since(start))
	return buf.Bytes(), nil
}

// Apply decodes data, resizes it per opts and encodes the result.
func Apply(data []byte, opts Options) ([]byte, string, error) {
	format, ok := NormalizeFormat(opts.Format)
	if !ok {
		format = FormatWebP
	}
	img, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	out, err := Encode(Resize(img, opts.Width, opts.Height), format, opts.Quality)
	if err != nil {
		return nil, "", err
	}
	return out, ContentType(format), nil
}

// Placeholder renders a 1x1 transparent-white image in format.
func Placeholder(format string) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
	if f, ok := NormalizeFormat(format); ok {
		format = f
	}
	data, err := Encode(img, format, 100)
	if err != nil {
		return nil
	}
	return data
}
