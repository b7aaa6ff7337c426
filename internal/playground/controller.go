// Package playground implements the conversational controller: an
// append-only turn log, a draft (text plus at most one image), a selected tag,
// and at most one chat request in flight.
package playground

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/preview"
	"github.com/fpang/mirage/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrorReply replaces the pending turn when the chat request fails.
const ErrorReply = "Error: Could not get response from server."

// DraftSlot names the registry slot that holds the draft image.
const DraftSlot = "playground/draft"

var (
	// ErrEmptyDraft is returned by Send when there is neither text nor an image.
	ErrEmptyDraft = errors.New("nothing to send")
	// ErrTagRequired is returned by Send when no tag is selected.
	ErrTagRequired = &cloak.Error{Kind: cloak.KindValidation, Message: "Please select a tag (Face Cloak, Art Cloak, etc.)"}
	// ErrBusy is returned while a reply is pending.
	ErrBusy = errors.New("a message is already being answered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("playground is closed")
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation log.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text,omitempty"`
	// Image is a data URL.
	Image   string `json:"image,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// Launcher runs a request; see surface.Launcher.
type Launcher func(func())

// GoLauncher runs f on a new goroutine.
func GoLauncher(f func()) { go f() }

// Options configures a Controller. Zero fields take defaults.
type Options struct {
	Registry       *preview.Registry
	MaxUploadBytes int64
	Launcher       Launcher
	Context        context.Context
}

// Controller drives the conversation. It is safe for concurrent use.
type Controller struct {
	chatter   service.Chatter
	launch    Launcher
	ctx       context.Context
	maxUpload int64

	mu         sync.Mutex
	turns      []Turn
	pendingIdx int
	draftText  string
	draft      *preview.Slot
	tag        string
	opID       string
	settled    chan struct{}
	notice     string
	closed     bool
	version    uint64

	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates a playground that sends through ch.
func New(ch service.Chatter, opts Options) *Controller {
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
	return &Controller{
		chatter:    ch,
		launch:     opts.Launcher,
		ctx:        opts.Context,
		maxUpload:  opts.MaxUploadBytes,
		draft:      preview.NewSlot(opts.Registry, DraftSlot),
		pendingIdx: -1,
		listeners:  make(map[int]func(Snapshot)),
	}
}

// SetDraftText replaces the draft text.
func (c *Controller) SetDraftText(text string) {
	c.mu.Lock()
	if c.closed || c.draftText == text {
		c.mu.Unlock()
		return
	}
	c.draftText = text
	c.changedLocked()
	c.unlockAndNotify()
}

// AttachDraftImage validates u and binds it as the draft image, releasing the
// previous one.
func (c *Controller) AttachDraftImage(u filehandler.Upload) error {
	file, verr := filehandler.Validate(u, c.maxUpload)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if verr != nil {
		err := &cloak.Error{Kind: cloak.KindValidation, Message: uploadMessage(verr, c.maxUpload), Err: verr}
		c.notice = err.Message
		c.changedLocked()
		c.unlockAndNotify()
		return err
	}
	b := c.draft.Replace(file)
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify()

	log.Debug().
		Str("handle", b.Handle()).
		Str("name", file.Name).
		Int64("sizeBytes", file.Size).
		Msg("Draft image attached")
	return nil
}

// ClearDraftImage releases the draft image, if any.
func (c *Controller) ClearDraftImage() {
	c.mu.Lock()
	if c.closed || !c.draft.Bound() {
		c.mu.Unlock()
		return
	}
	c.draft.Clear()
	c.changedLocked()
	c.unlockAndNotify()
}

// SelectTag records the category for the next message. It may be called while
// a reply is pending.
func (c *Controller) SelectTag(id string) error {
	if _, ok := LookupTag(id); !ok {
		return cloak.Validationf("unknown tag %q", id)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tag = id
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify()
	return nil
}

// Send appends the draft as a user turn followed by a pending assistant turn,
// clears the draft, and starts one chat request. It returns the operation ID
// without waiting for the reply.
func (c *Controller) Send() (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.opID != "" {
		c.mu.Unlock()
		return "", ErrBusy
	}
	if strings.TrimSpace(c.draftText) == "" && !c.draft.Bound() {
		c.mu.Unlock()
		return "", ErrEmptyDraft
	}
	tag, ok := LookupTag(c.tag)
	if !ok {
		c.notice = ErrTagRequired.Message
		c.changedLocked()
		c.unlockAndNotify()
		return "", ErrTagRequired
	}

	var image string
	if b := c.draft.Current(); b != nil {
		image = b.DataURL()
	}
	req := service.ChatRequest{
		Message:    c.draftText,
		Tag:        tag.ID,
		TagMessage: TagMessage(tag),
		Image:      image,
	}

	c.turns = append(c.turns, Turn{Role: RoleUser, Text: c.draftText, Image: image, Tag: tag.ID})
	c.turns = append(c.turns, Turn{Role: RoleAssistant, Pending: true})
	c.pendingIdx = len(c.turns) - 1

	opID := uuid.NewString()
	c.opID = opID
	c.settled = make(chan struct{})
	c.draftText = ""
	c.draft.Clear()
	c.notice = ""
	c.changedLocked()
	c.unlockAndNotify()

	log.Info().
		Str("operationId", opID).
		Str("tag", tag.ID).
		Bool("hasImage", image != "").
		Msg("Chat message sent")

	c.launch(func() {
		reply, err := c.chatter.Chat(c.ctx, req)
		c.resolve(opID, reply, err)
	})
	return opID, nil
}

// resolve fills the pending turn for operation opID. Replies for an operation
// that is no longer current are dropped.
func (c *Controller) resolve(opID string, reply *service.ChatReply, err error) {
	c.mu.Lock()
	if c.closed || c.opID == "" || c.opID != opID {
		c.mu.Unlock()
		log.Debug().Str("operationId", opID).Msg("Ignoring stale chat reply")
		return
	}

	turn := Turn{Role: RoleAssistant}
	if err != nil || reply == nil {
		turn.Text = ErrorReply
		log.Warn().Err(err).
			Str("operationId", opID).
			Str("kind", cloak.KindOf(err).String()).
			Msg("Chat request failed")
	} else {
		turn.Text = reply.Text
		turn.Image = cloak.NormalizeImageURL(reply.Image)
		log.Info().
			Str("operationId", opID).
			Int("replyLength", len(reply.Text)).
			Bool("hasImage", turn.Image != "").
			Msg("Chat reply applied")
	}
	c.turns[c.pendingIdx] = turn
	c.pendingIdx = -1
	c.opID = ""
	c.settleLocked()
	c.changedLocked()
	c.unlockAndNotify()
}

// Reset clears the log, the draft and the tag. A reply still in flight is
// ignored when it arrives.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.changedLocked()
	c.unlockAndNotify()
	log.Debug().Msg("Playground reset")
}

// Close releases the draft binding and drops listeners. It is idempotent.
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
	c.turns = nil
	c.pendingIdx = -1
	c.draftText = ""
	c.draft.Clear()
	c.tag = ""
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

// Turns returns a copy of the log.
func (c *Controller) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// WaitSettled blocks until no reply is pending or ctx is done.
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

// Subscribe registers fn to receive a snapshot after every change.
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

func (c *Controller) unlockAndNotify() {
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func uploadMessage(err error, maxUpload int64) string {
	switch {
	case errors.Is(err, filehandler.ErrNotImage):
		return "Only image files are allowed."
	case errors.Is(err, filehandler.ErrTooLarge):
		return "Image must be " + filehandler.FormatSize(maxUpload) + " or smaller."
	case errors.Is(err, filehandler.ErrEmptyFile):
		return "The selected file is empty."
	}
	return err.Error()
}
