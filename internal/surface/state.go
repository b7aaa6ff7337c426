package surface

import (
	"fmt"

	"github.com/fpang/mirage/internal/service"
)

// State is the lifecycle position of a single-image surface.
type State int

const (
	Idle State = iota
	ImageSelected
	Submitting
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:          "idle",
	ImageSelected: "image_selected",
	Submitting:    "submitting",
	Succeeded:     "succeeded",
	Failed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Variant describes one single-image surface.
type Variant struct {
	Name             string
	Endpoint         service.Endpoint
	MaxIntensity     float64
	DefaultIntensity float64
	// Targetable surfaces accept a reference image for targeted cloaking.
	Targetable bool
}

// The two single-image surfaces.
var (
	Art = Variant{
		Name:             "art",
		Endpoint:         service.ArtCloakEndpoint,
		MaxIntensity:     0.2,
		DefaultIntensity: 0.01,
	}
	Face = Variant{
		Name:             "face",
		Endpoint:         service.FaceCloakEndpoint,
		MaxIntensity:     0.1,
		DefaultIntensity: 0.01,
		Targetable:       true,
	}
)

// VariantByName returns the surface named name ("art" or "face").
func VariantByName(name string) (Variant, bool) {
	switch name {
	case Art.Name:
		return Art, true
	case Face.Name:
		return Face, true
	default:
		return Variant{}, false
	}
}

// ClampIntensity bounds v to [0, MaxIntensity].
func (v Variant) ClampIntensity(x float64) float64 {
	if x != x || x < 0 { // NaN or negative
		return 0
	}
	if x > v.MaxIntensity {
		return v.MaxIntensity
	}
	return x
}
