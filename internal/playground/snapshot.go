package playground

import "strings"

// DraftImage describes the attached draft image.
type DraftImage struct {
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Snapshot is an immutable copy of the playground state.
type Snapshot struct {
	Turns       []Turn      `json:"turns"`
	DraftText   string      `json:"draftText"`
	DraftImage  *DraftImage `json:"draftImage,omitempty"`
	Tag         string      `json:"tag,omitempty"`
	Tags        []Tag       `json:"tags"`
	Submitting  bool        `json:"submitting"`
	OperationID string      `json:"operationId,omitempty"`
	Notice      string      `json:"notice,omitempty"`
	Version     uint64      `json:"version"`
}

// CanSend reports whether Send would start a request.
func (s Snapshot) CanSend() bool {
	if s.Submitting || s.Tag == "" {
		return false
	}
	return strings.TrimSpace(s.DraftText) != "" || s.DraftImage != nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Turns:       append([]Turn{}, c.turns...),
		DraftText:   c.draftText,
		Tag:         c.tag,
		Tags:        Tags,
		Submitting:  c.opID != "",
		OperationID: c.opID,
		Notice:      c.notice,
		Version:     c.version,
	}
	if b := c.draft.Current(); b != nil {
		f := b.File()
		snap.DraftImage = &DraftImage{Handle: b.Handle(), Name: f.Name, MIMEType: f.MIMEType, Size: f.Size}
	}
	return snap
}
