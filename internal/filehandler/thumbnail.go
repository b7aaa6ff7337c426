package filehandler

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// DefaultThumbnailMaxDimension is the maximum dimension (width or height) for thumbnails.
const DefaultThumbnailMaxDimension = 320

// GenerateThumbnail downsizes image bytes for preview rendering. It returns the
// thumbnail bytes and MIME type.
//
// Images already within maxDimension are returned unchanged. Larger images are
// resized with CatmullRom and encoded as PNG when the source was PNG (to keep
// transparency) and as JPEG otherwise. Formats the Go decoders cannot read are
// an error; callers fall back to serving the original.
func GenerateThumbnail(data []byte, mimeType string, maxDimension int) ([]byte, string, error) {
	if maxDimension <= 0 {
		maxDimension = DefaultThumbnailMaxDimension
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	if origWidth <= maxDimension && origHeight <= maxDimension {
		return data, mimeType, nil
	}

	newWidth, newHeight := calculateThumbnailDimensions(origWidth, origHeight, maxDimension)
	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	outMIME := "image/jpeg"
	if format == "png" {
		outMIME = "image/png"
		err = png.Encode(&buf, resized)
	} else {
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	log.Debug().
		Str("format", format).
		Int("origWidth", origWidth).
		Int("origHeight", origHeight).
		Int("newWidth", newWidth).
		Int("newHeight", newHeight).
		Int("outputSize", buf.Len()).
		Msg("Thumbnail generated")

	return buf.Bytes(), outMIME, nil
}

// calculateThumbnailDimensions calculates new dimensions maintaining aspect ratio.
func calculateThumbnailDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	if width > height {
		newHeight := max(1, int(float64(height)*float64(maxDimension)/float64(width)))
		return maxDimension, newHeight
	}

	newWidth := max(1, int(float64(width)*float64(maxDimension)/float64(height)))
	return newWidth, maxDimension
}
