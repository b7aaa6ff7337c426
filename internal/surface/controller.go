// Package surface implements the single-image cloaking controller: one image
// (plus an optional reference image), one intensity, and at most one request
// in flight.
//
// The controller is UI-agnostic. Hosts call its operations from their own
// event handlers and render Snapshot values, either by polling Snapshot or by
// subscribing to change notifications.
package surface

import (
	"context"
	"errors"
	"sync"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/preview"
	"github.com/fpang/mirage/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = errors.New("a submission is already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("surface is closed")
	// ErrNotTargetable is returned by target operations on the art surface.
	ErrNotTargetable = errors.New("this surface does not support targeted cloaking")
)

// Launcher runs a submission. The default starts a goroutine; tests inject a
// launcher that holds the work until they release it.
type Launcher func(func())

// GoLauncher runs f on a new goroutine.
func GoLauncher(f func()) { go f() }

// Options configures a Controller. Zero fields take defaults.
type Options struct {
	// Registry owns the preview handles. A private registry is created when nil.
	Registry       *preview.Registry
	MaxUploadBytes int64
	Launcher       Launcher
	// Context is the parent of every request. Cancelling it aborts in-flight
	// requests, which then resolve as transport failures.
	Context context.Context
}

// Failure is the reason a submission failed.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Controller drives one single-image surface. It is safe for concurrent use.
type Controller struct {
	variant     Variant
	transformer service.Transformer
	launch      Launcher
	ctx         context.Context
	maxUpload   int64

	mu        sync.Mutex
	state     State
	source    *preview.Slot
	target    *preview.Slot
	targeted  bool
	intensity float64
	result    *cloak.TransformResult
	failure   *Failure
	notice    string
	opID      string
	settled   chan struct{}
	closed    bool
	version   uint64

	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates a controller for variant that submits through t.
func New(variant Variant, t service.Transformer, opts Options) *Controller {
	if opts.Registry == nil {
		opts.Registry = preview.NewRegistry()
	}
	if opts.Launcher == nil {
		opts.Launcher = GoLauncher
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = filehandler.DefaultMaxUploadBytes
	}

	c := &Controller{
		variant:     variant,
		transformer: t,
		launch:      opts.Launcher,
		ctx:         opts.Context,
		maxUpload:   opts.MaxUploadBytes,
		intensity:   variant.ClampIntensity(variant.DefaultIntensity),
		source:      preview.NewSlot(opts.Registry, variant.Name+"/source"),
		listeners:   make(map[int]func(Snapshot)),
	}
	if variant.Targetable {
		c.target = preview.NewSlot(opts.Registry, variant.Name+"/target")
	}
	return c
}

// Variant returns the surface description.
func (c *Controller) Variant() Variant { return c.variant }

// SelectSource validates u and binds it as the image to cloak. Any previous
// result is discarded. On a validation failure nothing changes except the
// notice, and the returned error is a cloak validation error wrapping the
// filehandler sentinel.
func (c *Controller) SelectSource(u filehandler.Upload) error {
	file, verr := filehandler.Validate(u, c.maxUpload)

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if verr != nil {
		err := validationError(verr, c.maxUpload)
		c.notice = err.Message
		c.changedLocked()
		c.unlockAndNotify()
		return err
	}

	b := c.source.Replace(file)
	c.state = ImageSelected
	c.result = nil
	c.failure = nil
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify()

	log.Info().
		Str("surface", c.variant.Name).
		Str("handle", b.Handle()).
		Str("name", file.Name).
		Int64("sizeBytes", file.Size).
		Msg("Source image selected")
	return nil
}

// SelectTarget validates u and binds it as the reference image. The surface
// state does not change.
func (c *Controller) SelectTarget(u filehandler.Upload) error {
	if !c.variant.Targetable {
		return ErrNotTargetable
	}
	file, verr := filehandler.Validate(u, c.maxUpload)

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if verr != nil {
		err := validationError(verr, c.maxUpload)
		c.notice = err.Message
		c.changedLocked()
		c.unlockAndNotify()
		return err
	}

	b := c.target.Replace(file)
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify()

	log.Info().
		Str("surface", c.variant.Name).
		Str("handle", b.Handle()).
		Str("name", file.Name).
		Msg("Target image selected")
	return nil
}

// ClearTarget releases the reference image.
func (c *Controller) ClearTarget() error {
	if !c.variant.Targetable {
		return ErrNotTargetable
	}
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.target.Clear()
	c.changedLocked()
	c.unlockAndNotify()
	return nil
}

// SetTargeted switches targeted mode. Turning it off keeps the reference
// image bound so it is still there when the mode is turned back on.
func (c *Controller) SetTargeted(on bool) error {
	if !c.variant.Targetable {
		if on {
			return ErrNotTargetable
		}
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.targeted == on {
		c.mu.Unlock()
		return nil
	}
	c.targeted = on
	c.changedLocked()
	c.unlockAndNotify()
	return nil
}

// SetIntensity sets the perturbation strength, clamped to the surface range,
// and returns the value actually stored.
func (c *Controller) SetIntensity(v float64) float64 {
	v = c.variant.ClampIntensity(v)
	c.mu.Lock()
	if c.closed || c.intensity == v {
		c.mu.Unlock()
		return v
	}
	c.intensity = v
	c.changedLocked()
	c.unlockAndNotify()
	return v
}

// Submit starts one cloaking request and returns its operation ID without
// waiting for it. It requires a selected image (and a reference image when
// targeted); otherwise it returns a validation error and sends nothing. A
// surface that already failed or succeeded may submit again with the image it
// still holds. While a request is in flight Submit returns ErrBusy and has no
// effect.
func (c *Controller) Submit() (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.state == Submitting {
		c.mu.Unlock()
		return "", ErrBusy
	}

	ready := c.state == ImageSelected ||
		((c.state == Succeeded || c.state == Failed) && c.source.Bound())
	if !ready {
		err := cloak.Validationf(cloak.MsgMissingSource)
		c.notice = err.Message
		c.changedLocked()
		c.unlockAndNotify()
		return "", err
	}

	req, err := c.buildRequestLocked()
	if err != nil {
		var cerr *cloak.Error
		if errors.As(err, &cerr) {
			c.notice = cerr.Message
		}
		c.changedLocked()
		c.unlockAndNotify()
		return "", err
	}

	// A retry returns to ImageSelected before submitting again.
	var retried []Snapshot
	if c.state != ImageSelected {
		c.state = ImageSelected
		c.result = nil
		c.failure = nil
		c.notice = ""
		c.changedLocked()
		if len(c.listeners) > 0 {
			retried = append(retried, c.snapshotLocked())
		}
	}

	opID := uuid.NewString()
	c.state = Submitting
	c.opID = opID
	c.settled = make(chan struct{})
	c.result = nil
	c.failure = nil
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify(retried...)

	log.Info().
		Str("surface", c.variant.Name).
		Str("operationId", opID).
		Float64("intensity", req.Intensity()).
		Bool("targeted", req.Targeted()).
		Msg("Submission started")

	c.launch(func() {
		result, err := c.transformer.Transform(c.ctx, c.variant.Endpoint, req)
		c.resolve(opID, result, err)
	})
	return opID, nil
}

func (c *Controller) buildRequestLocked() (cloak.TransformRequest, error) {
	src := c.source.Current().Image()
	targeted := c.variant.Targetable && c.targeted
	var target *cloak.Image
	if targeted && c.target.Bound() {
		img := c.target.Current().Image()
		target = &img
	}
	return cloak.NewTransformRequest(&src, c.intensity, targeted, target)
}

// resolve applies the outcome of operation opID. Outcomes for an operation
// that is no longer current (cleared, closed, or superseded) are dropped.
func (c *Controller) resolve(opID string, result *cloak.TransformResult, err error) {
	c.mu.Lock()
	if c.closed || c.state != Submitting || c.opID != opID {
		c.mu.Unlock()
		log.Debug().
			Str("surface", c.variant.Name).
			Str("operationId", opID).
			Msg("Ignoring stale submission result")
		return
	}

	if err != nil {
		c.state = Failed
		c.failure = &Failure{Kind: cloak.KindOf(err).String(), Message: failureMessage(err)}
		log.Warn().Err(err).
			Str("surface", c.variant.Name).
			Str("operationId", opID).
			Str("kind", c.failure.Kind).
			Msg("Submission failed")
	} else {
		c.state = Succeeded
		c.result = result
		log.Info().
			Str("surface", c.variant.Name).
			Str("operationId", opID).
			Str("result", result.String()).
			Msg("Submission succeeded")
	}
	c.settleLocked()
	c.changedLocked()
	c.unlockAndNotify()
}

// Clear releases every binding, discards any result and returns to Idle. A
// request still in flight is not cancelled; its outcome is ignored.
func (c *Controller) Clear() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.changedLocked()
	c.unlockAndNotify()
	log.Debug().Str("surface", c.variant.Name).Msg("Surface cleared")
}

// Close tears the controller down: bindings are released, listeners are
// dropped and later operations return ErrClosed. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked()
	c.closed = true
	c.listeners = make(map[int]func(Snapshot))
}

func (c *Controller) resetLocked() {
	c.source.Clear()
	if c.target != nil {
		c.target.Clear()
	}
	c.state = Idle
	c.result = nil
	c.failure = nil
	c.notice = ""
	c.opID = ""
	c.settleLocked()
}

func (c *Controller) settleLocked() {
	if c.settled != nil {
		close(c.settled)
		c.settled = nil
	}
}

func (c *Controller) guardLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state == Submitting {
		return ErrBusy
	}
	return nil
}

// Result returns the last successful result, or nil.
func (c *Controller) Result() *cloak.TransformResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitSettled blocks until no submission is in flight or ctx is done, then
// returns the current snapshot.
func (c *Controller) WaitSettled(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	ch := c.settled
	c.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

// Subscribe registers fn to receive a snapshot after every change. fn runs on
// the goroutine that made the change, outside the controller lock.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) changedLocked() { c.version++ }

// unlockAndNotify releases the lock and delivers the new snapshot, preceded
// by any intermediate snapshots taken under the same lock.
func (c *Controller) unlockAndNotify(before ...Snapshot) {
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snaps := append(before, c.snapshotLocked())
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, snap := range snaps {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

func validationError(err error, maxUpload int64) *cloak.Error {
	msg := err.Error()
	switch {
	case errors.Is(err, filehandler.ErrNotImage):
		msg = "Only image files are allowed."
	case errors.Is(err, filehandler.ErrTooLarge):
		msg = "Image must be " + filehandler.FormatSize(maxUpload) + " or smaller."
	case errors.Is(err, filehandler.ErrEmptyFile):
		msg = "The selected file is empty."
	}
	return &cloak.Error{Kind: cloak.KindValidation, Message: msg, Err: err}
}

// failureMessage prefers the message the server put in its error body.
func failureMessage(err error) string {
	var se *service.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
