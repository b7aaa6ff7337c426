package surface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/fpang/mirage/internal/preview"
	"github.com/fpang/mirage/internal/service"
)

// fakeTransformer records requests and returns a canned outcome.
type fakeTransformer struct {
	mu     sync.Mutex
	reqs   []cloak.TransformRequest
	eps    []service.Endpoint
	result *cloak.TransformResult
	err    error
}

func (f *fakeTransformer) Transform(_ context.Context, ep service.Endpoint, req cloak.TransformRequest) (*cloak.TransformResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.eps = append(f.eps, ep)
	return f.result, f.err
}

func (f *fakeTransformer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// heldLauncher queues submissions until the test releases them.
type heldLauncher struct {
	mu      sync.Mutex
	pending []func()
}

func (h *heldLauncher) launch(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, f)
}

func (h *heldLauncher) runAll() {
	h.mu.Lock()
	fns := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 3))); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func untargetedResult(t *testing.T) *cloak.TransformResult {
	t.Helper()
	result, err := cloak.Interpret(map[string]any{
		"cloaked_image":            base64.StdEncoding.EncodeToString(pngBytes(t)),
		"original_top_predictions": []any{map[string]any{"class": "cat", "prob": 0.9}},
		"cloaked_top_predictions":  []any{map[string]any{"class": "cat", "prob": 0.2}},
	})
	if err != nil {
		t.Fatalf("failed to build result: %v", err)
	}
	return result
}

func jpegUpload(size int) filehandler.Upload {
	return filehandler.Upload{Name: "photo.jpg", MIMEType: "image/jpeg", Data: make([]byte, size)}
}

func newTestController(variant Variant, tr service.Transformer) (*Controller, *heldLauncher, *preview.Registry) {
	h := &heldLauncher{}
	reg := preview.NewRegistry()
	c := New(variant, tr, Options{Registry: reg, Launcher: h.launch})
	return c, h, reg
}

func TestUntargetedSubmitSucceeds(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Art, tr)

	if err := c.SelectSource(jpegUpload(2 << 20)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if got := c.SetIntensity(0.05); got != 0.05 {
		t.Errorf("SetIntensity = %v, want 0.05", got)
	}

	opID, err := c.Submit()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != Submitting || snap.OperationID != opID {
		t.Fatalf("after Submit: state %v op %q, want submitting %q", snap.State, snap.OperationID, opID)
	}

	h.runAll()

	snap = c.Snapshot()
	if snap.State != Succeeded {
		t.Fatalf("state = %v, want succeeded (error %+v)", snap.State, snap.Error)
	}
	if got := snap.Result.OriginalPredictions[0].Probability; got != 0.9 {
		t.Errorf("originalPredictions[0].probability = %v, want 0.9", got)
	}
	if tr.calls() != 1 {
		t.Errorf("requests = %d, want 1", tr.calls())
	}
	req := tr.reqs[0]
	if req.Intensity() != 0.05 || req.Targeted() {
		t.Errorf("request = intensity %v targeted %v", req.Intensity(), req.Targeted())
	}
	if tr.eps[0].Path != "/art-cloak" {
		t.Errorf("endpoint = %s", tr.eps[0].Path)
	}
	if snap.Source == nil {
		t.Error("source should stay bound after success")
	}
}

func TestTargetedSubmitWithoutTargetIsNoop(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Face, tr)

	if err := c.SelectSource(jpegUpload(1024)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if err := c.SetTargeted(true); err != nil {
		t.Fatalf("SetTargeted: %v", err)
	}

	_, err := c.Submit()
	if !cloak.IsValidation(err) {
		t.Fatalf("Submit error = %v, want validation error", err)
	}
	h.runAll()

	snap := c.Snapshot()
	if snap.State != ImageSelected {
		t.Errorf("state = %v, want image_selected", snap.State)
	}
	if snap.Notice != cloak.MsgMissingTarget {
		t.Errorf("notice = %q, want %q", snap.Notice, cloak.MsgMissingTarget)
	}
	if tr.calls() != 0 {
		t.Errorf("requests = %d, want 0", tr.calls())
	}
}

func TestSecondSubmitWhileSubmittingIsBusy(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Art, tr)

	if err := c.SelectSource(jpegUpload(1024)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	first, err := c.Submit()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	before := c.Snapshot()

	if _, err := c.Submit(); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit error = %v, want ErrBusy", err)
	}
	after := c.Snapshot()
	if after.Version != before.Version || after.OperationID != first {
		t.Errorf("second Submit changed state: %+v -> %+v", before, after)
	}

	h.runAll()
	if tr.calls() != 1 {
		t.Errorf("requests = %d, want 1", tr.calls())
	}
}

func TestTeardownReleasesBindingsOnce(t *testing.T) {
	c, _, reg := newTestController(Face, &fakeTransformer{})

	if err := c.SelectSource(jpegUpload(1024)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if err := c.SelectTarget(jpegUpload(512)); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	src, _ := reg.Lookup(c.Snapshot().Source.Handle)

	c.Close()
	c.Close()

	if !src.Released() {
		t.Error("source binding should be released")
	}
	stats := reg.Stats()
	if stats.Live != 0 || stats.Created != 2 || stats.Released != 2 {
		t.Errorf("Stats = %+v, want 2 created, 2 released, 0 live", stats)
	}
	if err := c.SelectSource(jpegUpload(10)); !errors.Is(err, ErrClosed) {
		t.Errorf("SelectSource after Close = %v, want ErrClosed", err)
	}
}

func TestSelectSourceKeepsOneBinding(t *testing.T) {
	c, _, reg := newTestController(Art, &fakeTransformer{})
	for i := 0; i < 4; i++ {
		if err := c.SelectSource(jpegUpload(100 + i)); err != nil {
			t.Fatalf("SelectSource %d: %v", i, err)
		}
		if n := reg.LiveCount("art/source"); n != 1 {
			t.Fatalf("live bindings after selection %d = %d, want 1", i, n)
		}
	}
}

func TestSelectSourceValidation(t *testing.T) {
	tests := []struct {
		name     string
		upload   filehandler.Upload
		sentinel error
		notice   string
	}{
		{"not an image", filehandler.Upload{Name: "a.txt", MIMEType: "text/plain", Data: []byte("x")}, filehandler.ErrNotImage, "Only image files are allowed."},
		{"too large", jpegUpload(10<<20 + 1), filehandler.ErrTooLarge, "Image must be 10.0 MB or smaller."},
		{"empty", filehandler.Upload{Name: "a.png", MIMEType: "image/png"}, filehandler.ErrEmptyFile, "The selected file is empty."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransformer{result: untargetedResult(t)}
			c, h, reg := newTestController(Art, tr)
			if err := c.SelectSource(jpegUpload(64)); err != nil {
				t.Fatalf("SelectSource: %v", err)
			}
			good := c.Snapshot().Source.Handle

			err := c.SelectSource(tt.upload)
			if !cloak.IsValidation(err) || !errors.Is(err, tt.sentinel) {
				t.Fatalf("error = %v, want validation wrapping %v", err, tt.sentinel)
			}

			snap := c.Snapshot()
			if snap.State != ImageSelected || snap.Source.Handle != good {
				t.Errorf("state changed on validation failure: %+v", snap)
			}
			if snap.Notice != tt.notice {
				t.Errorf("notice = %q, want %q", snap.Notice, tt.notice)
			}
			if _, ok := reg.Lookup(good); !ok {
				t.Error("previous binding should survive a rejected selection")
			}
			h.runAll()
			if tr.calls() != 0 {
				t.Errorf("requests = %d, want 0", tr.calls())
			}
		})
	}
}

func TestSubmitFromIdleReportsMissingInput(t *testing.T) {
	tr := &fakeTransformer{}
	c, _, _ := newTestController(Art, tr)

	_, err := c.Submit()
	if !cloak.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
	snap := c.Snapshot()
	if snap.State != Idle || snap.Notice != cloak.MsgMissingSource {
		t.Errorf("snapshot = %+v", snap)
	}
	if tr.calls() != 0 {
		t.Errorf("requests = %d, want 0", tr.calls())
	}
}

func TestFailureKeepsImageForRetry(t *testing.T) {
	tr := &fakeTransformer{err: &cloak.Error{
		Kind:    cloak.KindTransport,
		Message: "server returned 400",
		Err:     &service.StatusError{StatusCode: 400, Message: "No image provided"},
	}}
	c, h, _ := newTestController(Art, tr)

	if err := c.SelectSource(jpegUpload(64)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.runAll()

	snap := c.Snapshot()
	if snap.State != Failed {
		t.Fatalf("state = %v, want failed", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != "transport" || snap.Error.Message != "No image provided" {
		t.Errorf("error = %+v", snap.Error)
	}
	if snap.Source == nil {
		t.Fatal("source should survive a failure")
	}

	// retry with the same image
	tr.mu.Lock()
	tr.err = nil
	tr.result = untargetedResult(t)
	tr.mu.Unlock()

	if _, err := c.Submit(); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if snap := c.Snapshot(); snap.Error != nil || snap.State != Submitting {
		t.Errorf("retry should clear the error and submit: %+v", snap)
	}
	h.runAll()
	if c.State() != Succeeded {
		t.Errorf("state after retry = %v, want succeeded", c.State())
	}
	if tr.calls() != 2 {
		t.Errorf("requests = %d, want 2", tr.calls())
	}
}

func TestRetryReturnsToImageSelectedFirst(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Art, tr)

	if err := c.SelectSource(jpegUpload(64)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.runAll()

	var states []State
	var sawResult bool
	unsubscribe := c.Subscribe(func(s Snapshot) {
		states = append(states, s.State)
		if s.State == ImageSelected && s.Result != nil {
			sawResult = true
		}
	})
	defer unsubscribe()

	if _, err := c.Submit(); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	h.runAll()

	want := []State{ImageSelected, Submitting, Succeeded}
	if len(states) != len(want) {
		t.Fatalf("notified states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, states[i], want[i])
		}
	}
	if sawResult {
		t.Error("ImageSelected snapshot should not carry the previous result")
	}
}

func TestInterpretationFailure(t *testing.T) {
	_, ierr := cloak.Interpret(map[string]any{"cloaked_image": "aGVsbG8="})
	tr := &fakeTransformer{err: ierr}
	c, h, _ := newTestController(Art, tr)

	c.SelectSource(jpegUpload(64))
	c.Submit()
	h.runAll()

	snap := c.Snapshot()
	if snap.State != Failed || snap.Error.Kind != "interpretation" {
		t.Errorf("snapshot = state %v error %+v", snap.State, snap.Error)
	}
}

func TestStaleResultIgnoredAfterClear(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, reg := newTestController(Art, tr)

	c.SelectSource(jpegUpload(64))
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Clear()
	if reg.Stats().Live != 0 {
		t.Errorf("Clear should release bindings, live = %d", reg.Stats().Live)
	}

	// select and submit again before the first response lands
	c.SelectSource(jpegUpload(65))
	second, err := c.Submit()
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	h.mu.Lock()
	first := h.pending[0]
	h.pending = h.pending[1:]
	h.mu.Unlock()
	first()

	snap := c.Snapshot()
	if snap.State != Submitting || snap.OperationID != second {
		t.Fatalf("stale response applied: state %v op %q", snap.State, snap.OperationID)
	}

	h.runAll()
	if c.State() != Succeeded {
		t.Errorf("state = %v, want succeeded", c.State())
	}
}

func TestStaleResultIgnoredAfterClose(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Art, tr)

	c.SelectSource(jpegUpload(64))
	c.Submit()
	c.Close()
	h.runAll()

	if snap := c.Snapshot(); snap.State != Idle || snap.Result != nil {
		t.Errorf("closed controller applied a late result: %+v", snap)
	}
}

func TestBusyRejectsSelection(t *testing.T) {
	c, _, _ := newTestController(Face, &fakeTransformer{})
	c.SelectSource(jpegUpload(64))
	c.Submit()

	if err := c.SelectSource(jpegUpload(65)); !errors.Is(err, ErrBusy) {
		t.Errorf("SelectSource while submitting = %v, want ErrBusy", err)
	}
	if err := c.SelectTarget(jpegUpload(65)); !errors.Is(err, ErrBusy) {
		t.Errorf("SelectTarget while submitting = %v, want ErrBusy", err)
	}
}

func TestTargetedSubmitCarriesTarget(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c, h, _ := newTestController(Face, tr)

	c.SelectSource(jpegUpload(64))
	if err := c.SelectTarget(filehandler.Upload{Name: "ref.png", MIMEType: "image/png", Data: pngBytes(t)}); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	c.SetTargeted(true)
	if c.Snapshot().State != ImageSelected {
		t.Error("SelectTarget should not change the surface state")
	}
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.runAll()

	target, ok := tr.reqs[0].Target()
	if !ok || target.Filename != "ref.png" {
		t.Errorf("Target = %+v, %v", target, ok)
	}

	// switching targeted off keeps the reference bound but stops sending it
	c.SetTargeted(false)
	if c.Snapshot().Target == nil {
		t.Error("target binding should survive SetTargeted(false)")
	}
	c.Submit()
	h.runAll()
	if _, ok := tr.reqs[1].Target(); ok {
		t.Error("untargeted submit should not carry a target")
	}
}

func TestArtIsNotTargetable(t *testing.T) {
	c, _, _ := newTestController(Art, &fakeTransformer{})
	if err := c.SetTargeted(true); !errors.Is(err, ErrNotTargetable) {
		t.Errorf("SetTargeted(true) = %v", err)
	}
	if err := c.SelectTarget(jpegUpload(10)); !errors.Is(err, ErrNotTargetable) {
		t.Errorf("SelectTarget = %v", err)
	}
	if c.Snapshot().Targeted {
		t.Error("art surface should never report targeted")
	}
}

func TestSetIntensityClamps(t *testing.T) {
	tests := []struct {
		variant Variant
		in      float64
		want    float64
	}{
		{Art, 0.05, 0.05},
		{Art, 0.5, 0.2},
		{Face, 0.15, 0.1},
		{Face, -1, 0},
	}
	for _, tt := range tests {
		c, _, _ := newTestController(tt.variant, &fakeTransformer{})
		if c.Snapshot().Intensity != 0.01 {
			t.Errorf("%s default intensity = %v, want 0.01", tt.variant.Name, c.Snapshot().Intensity)
		}
		if got := c.SetIntensity(tt.in); got != tt.want {
			t.Errorf("%s SetIntensity(%v) = %v, want %v", tt.variant.Name, tt.in, got, tt.want)
		}
	}
}

func TestSubscribeAndWaitSettled(t *testing.T) {
	tr := &fakeTransformer{result: untargetedResult(t)}
	c := New(Art, tr, Options{})
	defer c.Close()

	var mu sync.Mutex
	var states []State
	done := make(chan struct{})
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
		if s.State == Succeeded {
			close(done)
		}
	})

	c.SelectSource(jpegUpload(64))
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if snap.State != Succeeded {
		t.Errorf("state = %v, want succeeded", snap.State)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("listener never saw the success")
	}
	unsubscribe()
	c.Clear()

	mu.Lock()
	defer mu.Unlock()
	want := []State{ImageSelected, Submitting, Succeeded}
	if len(states) != len(want) {
		t.Fatalf("notified states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSnapshotJSON(t *testing.T) {
	tr := &fakeTransformer{}
	tr.result, _ = cloak.Interpret(map[string]any{
		"cloaked_image": base64.StdEncoding.EncodeToString(pngBytes(t)),
		"response": map[string]any{
			"similarity_drop": 0.05,
			"attack_success":  false,
		},
	})
	c, h, _ := newTestController(Face, tr)
	c.SelectSource(jpegUpload(64))
	c.Submit()
	h.runAll()

	b, err := json.Marshal(c.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	json.Unmarshal(b, &doc)

	if doc["state"] != "succeeded" || doc["surface"] != "face" {
		t.Errorf("state/surface = %v/%v", doc["state"], doc["surface"])
	}
	if doc["attackSuccess"] != false {
		t.Errorf("attackSuccess = %v, want false", doc["attackSuccess"])
	}
	rows, _ := doc["metrics"].([]any)
	if len(rows) != 1 {
		t.Fatalf("metrics = %v", doc["metrics"])
	}
	if bar := rows[0].(map[string]any)["bar"]; bar != float64(40) {
		t.Errorf("similarity_drop bar = %v, want 40", bar)
	}
}

// End to end through the real client: the request count seen by the server
// stays at one across a double submit.
func TestSubmitAgainstServer(t *testing.T) {
	metrics.SetOutput(io.Discard)
	t.Cleanup(func() { metrics.SetOutput(os.Stdout) })

	var hits atomic.Int32
	release := make(chan struct{})
	payload := map[string]any{
		"cloaked_image":            base64.StdEncoding.EncodeToString(pngBytes(t)),
		"original_top_predictions": []any{map[string]any{"class": "cat", "prob": 0.9}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := service.NewClient(service.Options{CloakURL: server.URL, HTTPClient: server.Client()})
	c := New(Art, client, Options{})
	defer c.Close()

	c.SelectSource(jpegUpload(2 << 20))
	if _, err := c.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.Submit(); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit = %v, want ErrBusy", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if snap.State != Succeeded {
		t.Fatalf("state = %v (error %+v)", snap.State, snap.Error)
	}
	if hits.Load() != 1 {
		t.Errorf("server saw %d requests, want 1", hits.Load())
	}
}
