package filehandler

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// ImageMetadata contains the EXIF fields worth surfacing to a user who is about
// to send a personal photo to a remote service.
type ImageMetadata struct {
	// GPS coordinates (converted from EXIF Rational format to float64)
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	HasGPS    bool    `json:"hasGps"`

	DateTaken time.Time `json:"dateTaken,omitempty"`
	HasDate   bool      `json:"hasDate"`

	CameraMake  string `json:"cameraMake,omitempty"`
	CameraModel string `json:"cameraModel,omitempty"`
}

// ExtractImageMetadata reads EXIF metadata from in-memory image bytes using the
// imagemeta library. It returns an error for images that carry no EXIF block,
// which is the common case for PNG and WebP.
func ExtractImageMetadata(data []byte) (*ImageMetadata, error) {
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	metadata := &ImageMetadata{}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		metadata.Latitude = gps.Latitude()
		metadata.Longitude = gps.Longitude()
		metadata.HasGPS = true
	}

	// Priority: DateTimeOriginal > CreateDate > ModifyDate
	if !exifData.DateTimeOriginal().IsZero() {
		metadata.DateTaken = exifData.DateTimeOriginal()
		metadata.HasDate = true
	} else if !exifData.CreateDate().IsZero() {
		metadata.DateTaken = exifData.CreateDate()
		metadata.HasDate = true
	} else if !exifData.ModifyDate().IsZero() {
		metadata.DateTaken = exifData.ModifyDate()
		metadata.HasDate = true
	}

	metadata.CameraMake = strings.TrimSpace(exifData.Make)
	metadata.CameraModel = strings.TrimSpace(exifData.Model)

	log.Debug().
		Bool("hasGps", metadata.HasGPS).
		Bool("hasDate", metadata.HasDate).
		Str("camera", metadata.Camera()).
		Msg("Image metadata extraction complete")

	return metadata, nil
}

// Camera returns "Make Model", or "" when neither is set.
func (m *ImageMetadata) Camera() string {
	return strings.TrimSpace(m.CameraMake + " " + m.CameraModel)
}

// PrivacyNotice describes identifying metadata embedded in the image, or
// returns "" when there is none worth mentioning.
func (m *ImageMetadata) PrivacyNotice() string {
	if m == nil {
		return ""
	}
	var parts []string
	if m.HasGPS {
		parts = append(parts, "GPS location "+CoordinatesToDMS(m.Latitude, m.Longitude))
	}
	if m.HasDate {
		parts = append(parts, "capture time "+m.DateTaken.Format("Jan 2, 2006 3:04 PM"))
	}
	if cam := m.Camera(); cam != "" {
		parts = append(parts, "camera "+cam)
	}
	if len(parts) == 0 {
		return ""
	}
	return "This image carries " + strings.Join(parts, ", ") + "."
}
