package surface

import (
	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/preview"
)

// PreviewInfo describes a bound image without its bytes.
type PreviewInfo struct {
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// PrivacyNotice mentions identifying EXIF data, when there is any.
	PrivacyNotice string `json:"privacyNotice,omitempty"`
}

// Snapshot is an immutable copy of a controller's state for rendering.
type Snapshot struct {
	Surface      string  `json:"surface"`
	State        State   `json:"state"`
	Intensity    float64 `json:"intensity"`
	MaxIntensity float64 `json:"maxIntensity"`
	Targetable   bool    `json:"targetable"`
	Targeted     bool    `json:"targeted"`

	Source *PreviewInfo `json:"source,omitempty"`
	Target *PreviewInfo `json:"target,omitempty"`

	Result        *cloak.TransformResult `json:"result,omitempty"`
	Metrics       []cloak.MetricRow      `json:"metrics,omitempty"`
	AttackSuccess *bool                  `json:"attackSuccess,omitempty"`

	Error       *Failure `json:"error,omitempty"`
	Notice      string   `json:"notice,omitempty"`
	OperationID string   `json:"operationId,omitempty"`
	Version     uint64   `json:"version"`
}

// Busy reports whether a submission is in flight.
func (s Snapshot) Busy() bool { return s.State == Submitting }

// CanSubmit reports whether Submit would start a request.
func (s Snapshot) CanSubmit() bool {
	if s.Source == nil || s.State == Submitting || s.State == Idle {
		return false
	}
	return !s.Targeted || s.Target != nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Surface:      c.variant.Name,
		State:        c.state,
		Intensity:    c.intensity,
		MaxIntensity: c.variant.MaxIntensity,
		Targetable:   c.variant.Targetable,
		Targeted:     c.variant.Targetable && c.targeted,
		Source:       previewInfo(c.source.Current()),
		Notice:       c.notice,
		Version:      c.version,
	}
	if c.target != nil {
		snap.Target = previewInfo(c.target.Current())
	}
	if c.state == Submitting {
		snap.OperationID = c.opID
	}
	if c.failure != nil {
		f := *c.failure
		snap.Error = &f
	}
	if c.result != nil {
		snap.Result = c.result
		snap.Metrics = cloak.MetricRows(c.result.Metrics)
		if success, reported := c.result.AttackSuccess(); reported {
			snap.AttackSuccess = &success
		}
	}
	return snap
}

func previewInfo(b *preview.Binding) *PreviewInfo {
	if b == nil {
		return nil
	}
	f := b.File()
	info := &PreviewInfo{
		Handle:   b.Handle(),
		Name:     f.Name,
		MIMEType: f.MIMEType,
		Size:     f.Size,
		Width:    f.Width,
		Height:   f.Height,
	}
	if f.Metadata != nil {
		info.PrivacyNotice = f.Metadata.PrivacyNotice()
	}
	return info
}
