// Package workspace groups the controllers that belong to one browser session
// and manages the set of live sessions for the web host.
package workspace

import (
	"context"
	"time"

	"github.com/fpang/mirage/internal/playground"
	"github.com/fpang/mirage/internal/preview"
	"github.com/fpang/mirage/internal/service"
	"github.com/fpang/mirage/internal/surface"
)

// Deps are shared by every workspace.
type Deps struct {
	Transformer    service.Transformer
	Chatter        service.Chatter
	MaxUploadBytes int64
	// Context is the parent of every outbound request.
	Context context.Context
}

// Workspace is one session's art surface, face surface and playground. All
// three register their previews in the same registry.
type Workspace struct {
	ID         string
	Created    time.Time
	Registry   *preview.Registry
	Art        *surface.Controller
	Face       *surface.Controller
	Playground *playground.Controller
}

// New builds a workspace with fresh controllers.
func New(id string, d Deps) *Workspace {
	reg := preview.NewRegistry()
	surfaceOpts := surface.Options{
		Registry:       reg,
		MaxUploadBytes: d.MaxUploadBytes,
		Context:        d.Context,
	}
	return &Workspace{
		ID:       id,
		Created:  time.Now(),
		Registry: reg,
		Art:      surface.New(surface.Art, d.Transformer, surfaceOpts),
		Face:     surface.New(surface.Face, d.Transformer, surfaceOpts),
		Playground: playground.New(d.Chatter, playground.Options{
			Registry:       reg,
			MaxUploadBytes: d.MaxUploadBytes,
			Context:        d.Context,
		}),
	}
}

// Surface returns the single-image controller named name.
func (w *Workspace) Surface(name string) (*surface.Controller, bool) {
	switch name {
	case surface.Art.Name:
		return w.Art, true
	case surface.Face.Name:
		return w.Face, true
	default:
		return nil, false
	}
}

// Close tears down every controller and releases any binding left over.
// It returns the number of stragglers the registry had to release, which is
// zero when the controllers cleaned up after themselves.
func (w *Workspace) Close() int {
	w.Art.Close()
	w.Face.Close()
	w.Playground.Close()
	return w.Registry.ReleaseAll()
}
