// Package cloak holds the data model shared by every cloaking surface: the
// request built at submit time, the interpreted result, and the typed errors
// that separate local validation from transport and interpretation failures.
package cloak

import "strconv"

// Image is an in-memory image payload ready to be sent as a multipart file part.
type Image struct {
	Filename string
	MIMEType string
	Data     []byte
}

// DataURL returns the image as a base64 data URL.
func (i Image) DataURL() string {
	return EncodeDataURL(i.MIMEType, i.Data)
}

// Messages for the two ways a request can be incomplete.
const (
	MsgMissingSource = "Please upload an image first."
	MsgMissingTarget = "Please upload a target image for targeted cloaking."
)

// TransformRequest is the immutable value submitted to the cloaking service.
// Build it with NewTransformRequest; the zero value is not a valid request.
type TransformRequest struct {
	source    Image
	intensity float64
	targeted  bool
	target    Image
}

// NewTransformRequest validates and builds a request. A nil or empty source is
// rejected, and so is a targeted request without a target image. These failures
// are validation errors and must never be sent over the wire.
func NewTransformRequest(source *Image, intensity float64, targeted bool, target *Image) (TransformRequest, error) {
	if source == nil || len(source.Data) == 0 {
		return TransformRequest{}, Validationf(MsgMissingSource)
	}
	req := TransformRequest{
		source:    *source,
		intensity: intensity,
		targeted:  targeted,
	}
	if targeted {
		if target == nil || len(target.Data) == 0 {
			return TransformRequest{}, Validationf(MsgMissingTarget)
		}
		req.target = *target
	}
	return req, nil
}

// Source returns the image to cloak.
func (r TransformRequest) Source() Image { return r.source }

// Intensity returns the perturbation strength.
func (r TransformRequest) Intensity() float64 { return r.intensity }

// IntensityString formats the intensity the way the service parses it.
func (r TransformRequest) IntensityString() string {
	return strconv.FormatFloat(r.intensity, 'f', -1, 64)
}

// Targeted reports whether the request carries a reference image.
func (r TransformRequest) Targeted() bool { return r.targeted }

// Target returns the reference image; ok is false for untargeted requests.
func (r TransformRequest) Target() (img Image, ok bool) {
	return r.target, r.targeted
}
