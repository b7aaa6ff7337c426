package cloak

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultImageMIME is the type the service encodes cloaked images as.
const DefaultImageMIME = "image/png"

// EncodeDataURL returns data as a base64 data URL of the given MIME type.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = DefaultImageMIME
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64Image accepts either a bare base64 string or a base64 data URL
// and returns the decoded bytes with the MIME type named by the URL
// (DefaultImageMIME for bare strings).
func DecodeBase64Image(s string) (data []byte, mimeType string, err error) {
	s = strings.TrimSpace(s)
	mimeType = DefaultImageMIME

	if strings.HasPrefix(s, "data:") {
		header, payload, found := strings.Cut(s, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URL")
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("data URL is not base64 encoded")
		}
		if mt := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64"); mt != "" {
			mimeType = mt
		}
		s = payload
	}

	if s == "" {
		return nil, "", fmt.Errorf("empty image payload")
	}

	data, err = base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some encoders drop the padding.
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, "", fmt.Errorf("invalid base64: %w", err)
		}
		data = raw
	}
	return data, mimeType, nil
}

// NormalizeImageURL turns an image string from the service into something a
// browser can render: data URLs pass through, bare base64 gets the PNG prefix.
func NormalizeImageURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "data:") {
		return s
	}
	return "data:" + DefaultImageMIME + ";base64," + s
}
