// Package filehandler validates and inspects the images a user selects before
// they are bound to a preview or sent to the cloaking service.
//
// Validation is deliberately shallow: an upload is accepted when it is typed as
// an image (declared MIME type, file extension, or sniffed content) and is under
// the size ceiling. Decoding is attempted for dimensions and EXIF, but an image
// the Go decoders cannot read (HEIC, for instance) is still accepted and left to
// the service.
package filehandler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxUploadBytes is the size ceiling for a selected image (10 MB).
const DefaultMaxUploadBytes int64 = 10 << 20

// SupportedImageExtensions defines the file extensions accepted when the upload
// carries no usable MIME type.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",
}

// Validation failures. Callers match them with errors.Is.
var (
	ErrEmptyFile = errors.New("file is empty")
	ErrNotImage  = errors.New("only image files are allowed")
	ErrTooLarge  = errors.New("file is too large")
)

// Upload is a file as the user handed it over: a name, the MIME type the
// browser or OS declared (possibly empty), and the content.
type Upload struct {
	Name     string
	MIMEType string
	Data     []byte
}

// ImageFile is an upload that passed validation.
type ImageFile struct {
	Name     string
	MIMEType string
	Size     int64

	// Decoded header information. Zero when the Go decoders do not support
	// the format.
	Format string
	Width  int
	Height int

	Data     []byte
	Metadata *ImageMetadata
}

// Validate checks that u is an image under maxBytes (DefaultMaxUploadBytes when
// maxBytes <= 0) and returns it as an ImageFile. The returned error wraps one of
// ErrEmptyFile, ErrNotImage or ErrTooLarge.
func Validate(u Upload, maxBytes int64) (*ImageFile, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	size := int64(len(u.Data))
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", displayName(u.Name), ErrEmptyFile)
	}
	if size > maxBytes {
		return nil, fmt.Errorf("%s is %s, limit is %s: %w",
			displayName(u.Name), FormatSize(size), FormatSize(maxBytes), ErrTooLarge)
	}

	mimeType, ok := imageMIMEType(u)
	if !ok {
		return nil, fmt.Errorf("%s: %w", displayName(u.Name), ErrNotImage)
	}

	file := &ImageFile{
		Name:     u.Name,
		MIMEType: mimeType,
		Size:     size,
		Data:     u.Data,
	}

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(u.Data)); err == nil {
		file.Format = format
		file.Width = cfg.Width
		file.Height = cfg.Height
	} else {
		log.Debug().Err(err).Str("name", u.Name).Str("mimeType", mimeType).
			Msg("Image header not decodable, accepting by type")
	}

	if meta, err := ExtractImageMetadata(u.Data); err == nil {
		file.Metadata = meta
	}

	log.Debug().
		Str("name", u.Name).
		Str("mimeType", mimeType).
		Int64("sizeBytes", size).
		Int("width", file.Width).
		Int("height", file.Height).
		Msg("Image validated")

	return file, nil
}

// imageMIMEType resolves the upload's type: the declared type wins when it is
// specific, then the extension, then content sniffing.
func imageMIMEType(u Upload) (string, bool) {
	declared := strings.ToLower(strings.TrimSpace(u.MIMEType))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared, strings.HasPrefix(declared, "image/")
	}

	if mimeType, err := GetMIMEType(filepath.Ext(u.Name)); err == nil {
		return mimeType, true
	}

	sniffed := http.DetectContentType(u.Data)
	return sniffed, strings.HasPrefix(sniffed, "image/")
}

// LoadImageFile reads a file from disk into an Upload, typing it by extension.
func LoadImageFile(filePath string) (Upload, error) {
	log.Debug().Str("path", filePath).Msg("Loading image file")

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Upload{}, fmt.Errorf("file not found: %s", filePath)
		}
		return Upload{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return Upload{}, fmt.Errorf("path is a directory, not a file: %s", filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to read file: %w", err)
	}

	mimeType, _ := GetMIMEType(filepath.Ext(filePath))
	return Upload{
		Name:     filepath.Base(filePath),
		MIMEType: mimeType,
		Data:     data,
	}, nil
}

// GetMIMEType returns the MIME type for a given file extension.
func GetMIMEType(ext string) (string, error) {
	if mimeType, ok := SupportedImageExtensions[strings.ToLower(ext)]; ok {
		return mimeType, nil
	}
	return "", fmt.Errorf("unsupported file extension: %s", ext)
}

// IsImage returns true if the file extension corresponds to an image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// FormatSize renders a byte count the way error messages show it.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func displayName(name string) string {
	if name == "" {
		return "file"
	}
	return name
}

// CoordinatesToDMS converts decimal degrees to degrees, minutes, seconds format.
func CoordinatesToDMS(lat, lon float64) string {
	latDir := "N"
	if lat < 0 {
		latDir = "S"
		lat = -lat
	}

	lonDir := "E"
	if lon < 0 {
		lonDir = "W"
		lon = -lon
	}

	latDeg := int(lat)
	latMin := int((lat - float64(latDeg)) * 60)
	latSec := ((lat-float64(latDeg))*60 - float64(latMin)) * 60

	lonDeg := int(lon)
	lonMin := int((lon - float64(lonDeg)) * 60)
	lonSec := ((lon-float64(lonDeg))*60 - float64(lonMin)) * 60

	return fmt.Sprintf("%d°%d'%.2f\"%s, %d°%d'%.2f\"%s",
		latDeg, latMin, latSec, latDir,
		lonDeg, lonMin, lonSec, lonDir)
}
