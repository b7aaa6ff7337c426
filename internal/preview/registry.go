// Package preview tracks the transient handles that make a selected image
// renderable before it is submitted.
//
// A Binding couples a validated file to an opaque handle (a UUID). Hosts serve
// the bytes behind a handle while it is live; once released the handle stops
// resolving. Each controller owns its bindings through a Slot, which keeps at
// most one live binding and releases the old one whenever a new file is bound.
package preview

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Binding is a selected file and its preview handle.
type Binding struct {
	handle   string
	slot     string
	file     *filehandler.ImageFile
	created  time.Time
	released atomic.Bool
	registry *Registry
}

// Handle returns the opaque preview handle.
func (b *Binding) Handle() string { return b.handle }

// Slot returns the name of the slot the binding was created for.
func (b *Binding) Slot() string { return b.slot }

// File returns the validated file.
func (b *Binding) File() *filehandler.ImageFile { return b.file }

// CreatedAt returns when the binding was created.
func (b *Binding) CreatedAt() time.Time { return b.created }

// Image returns the file as a request payload.
func (b *Binding) Image() cloak.Image {
	return cloak.Image{
		Filename: b.file.Name,
		MIMEType: b.file.MIMEType,
		Data:     b.file.Data,
	}
}

// DataURL returns the file as a base64 data URL.
func (b *Binding) DataURL() string {
	return cloak.EncodeDataURL(b.file.MIMEType, b.file.Data)
}

// Released reports whether Release has been called.
func (b *Binding) Released() bool { return b.released.Load() }

// Release drops the handle. Only the first call has an effect; it returns
// true for that call.
func (b *Binding) Release() bool {
	if !b.released.CompareAndSwap(false, true) {
		return false
	}
	b.registry.remove(b)
	return true
}

// Stats is a point-in-time count of bindings.
type Stats struct {
	Live     int   `json:"live"`
	Created  int64 `json:"created"`
	Released int64 `json:"released"`
}

// Registry resolves preview handles. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	created  atomic.Int64
	released atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Bind creates a live binding for file under slot.
func (r *Registry) Bind(slot string, file *filehandler.ImageFile) *Binding {
	b := &Binding{
		handle:   uuid.NewString(),
		slot:     slot,
		file:     file,
		created:  time.Now(),
		registry: r,
	}

	r.mu.Lock()
	r.bindings[b.handle] = b
	r.mu.Unlock()
	r.created.Add(1)

	log.Debug().
		Str("handle", b.handle).
		Str("slot", slot).
		Str("name", file.Name).
		Int64("sizeBytes", file.Size).
		Msg("Preview bound")
	return b
}

// Lookup returns the live binding for handle.
func (r *Registry) Lookup(handle string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[handle]
	return b, ok
}

// LiveCount returns the number of live bindings created for slot.
func (r *Registry) LiveCount(slot string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.bindings {
		if b.slot == slot {
			n++
		}
	}
	return n
}

// Stats returns the current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	live := len(r.bindings)
	r.mu.RUnlock()
	return Stats{
		Live:     live,
		Created:  r.created.Load(),
		Released: r.released.Load(),
	}
}

// ReleaseAll releases every live binding and returns how many it released.
func (r *Registry) ReleaseAll() int {
	r.mu.RLock()
	live := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		live = append(live, b)
	}
	r.mu.RUnlock()

	n := 0
	for _, b := range live {
		if b.Release() {
			n++
		}
	}
	return n
}

func (r *Registry) remove(b *Binding) {
	r.mu.Lock()
	delete(r.bindings, b.handle)
	r.mu.Unlock()
	r.released.Add(1)

	log.Debug().
		Str("handle", b.handle).
		Str("slot", b.slot).
		Dur("lifetime", time.Since(b.created)).
		Msg("Preview released")
}
