package service

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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/metrics"
)

// newTestClient creates a Client pointing both services at a test HTTP server.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	metrics.SetOutput(io.Discard)
	t.Cleanup(func() { metrics.SetOutput(os.Stdout) })
	return NewClient(Options{
		CloakURL:   server.URL,
		ChatURL:    server.URL,
		HTTPClient: server.Client(),
	})
}

func pngBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func mustRequest(t *testing.T, targeted bool) cloak.TransformRequest {
	t.Helper()
	src := &cloak.Image{Filename: "cat.jpg", MIMEType: "image/jpeg", Data: []byte("source-bytes")}
	var target *cloak.Image
	if targeted {
		target = &cloak.Image{Filename: "ref.png", MIMEType: "image/png", Data: []byte("target-bytes")}
	}
	req, err := cloak.NewTransformRequest(src, 0.05, targeted, target)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

func readPart(t *testing.T, r *http.Request, field string) (string, string) {
	t.Helper()
	f, hdr, err := r.FormFile(field)
	if err != nil {
		t.Errorf("missing file part %q: %v", field, err)
		return "", ""
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	return string(data), hdr.Header.Get("Content-Type")
}

func TestTransformArt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/art-cloak" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart: %v", err)
			return
		}

		data, ct := readPart(t, r, "image")
		if data != "source-bytes" || ct != "image/jpeg" {
			t.Errorf("image part = %q (%s)", data, ct)
		}
		if got := r.FormValue("intensity"); got != "0.05" {
			t.Errorf("intensity = %q, want 0.05", got)
		}
		if _, ok := r.MultipartForm.Value["targeted"]; ok {
			t.Error("art endpoint should not receive a targeted field")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"cloaked_image":            pngBase64(t),
			"original_top_predictions": []any{map[string]any{"class": "cat", "prob": 0.9}},
			"cloaked_top_predictions":  []any{map[string]any{"class": "cat", "prob": 0.2}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	result, err := client.Transform(context.Background(), ArtCloakEndpoint, mustRequest(t, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request, got %d", calls.Load())
	}
	if result.OriginalPredictions[0].Probability != 0.9 {
		t.Errorf("original prob = %v, want 0.9", result.OriginalPredictions[0].Probability)
	}
}

func TestTransformFace(t *testing.T) {
	tests := []struct {
		name     string
		targeted bool
	}{
		{"untargeted", false},
		{"targeted", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/face-cloak" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("failed to parse multipart: %v", err)
					return
				}

				if data, _ := readPart(t, r, "file"); data != "source-bytes" {
					t.Errorf("file part = %q", data)
				}
				_, hasTarget := r.MultipartForm.File["target_image"]
				if hasTarget != tt.targeted {
					t.Errorf("target_image present = %v, want %v", hasTarget, tt.targeted)
				}
				wantFlag := "false"
				if tt.targeted {
					wantFlag = "true"
					if data, ct := readPart(t, r, "target_image"); data != "target-bytes" || ct != "image/png" {
						t.Errorf("target part = %q (%s)", data, ct)
					}
				}
				if got := r.FormValue("targeted"); got != wantFlag {
					t.Errorf("targeted = %q, want %q", got, wantFlag)
				}

				json.NewEncoder(w).Encode(map[string]any{
					"cloaked_image": pngBase64(t),
					"response": map[string]any{
						"similarity_drop": 0.1,
						"attack_success":  true,
					},
				})
			}))
			defer server.Close()

			client := newTestClient(t, server)
			result, err := client.Transform(context.Background(), FaceCloakEndpoint, mustRequest(t, tt.targeted))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok, reported := result.AttackSuccess(); !ok || !reported {
				t.Errorf("AttackSuccess = (%v, %v)", ok, reported)
			}
		})
	}
}

func TestTransformErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind cloak.ErrorKind
		wantMsg  string
	}{
		{
			name:     "server error message passthrough",
			status:   http.StatusBadRequest,
			body:     `{"error": "Targeted attack requires target_image"}`,
			wantKind: cloak.KindTransport,
			wantMsg:  "Targeted attack requires target_image",
		},
		{
			name:     "plain text 500",
			status:   http.StatusInternalServerError,
			body:     "boom",
			wantKind: cloak.KindTransport,
			wantMsg:  "boom",
		},
		{
			name:     "success without image",
			status:   http.StatusOK,
			body:     `{"response": {"similarity_drop": 0.1}}`,
			wantKind: cloak.KindInterpretation,
		},
		{
			name:     "success with garbage image",
			status:   http.StatusOK,
			body:     `{"cloaked_image": "aGVsbG8="}`,
			wantKind: cloak.KindInterpretation,
		},
		{
			name:     "success with non-JSON body",
			status:   http.StatusOK,
			body:     `<html>`,
			wantKind: cloak.KindInterpretation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server)
			_, err := client.Transform(context.Background(), ArtCloakEndpoint, mustRequest(t, false))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := cloak.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %v, want %v (err: %v)", got, tt.wantKind, err)
			}
			if tt.wantMsg != "" {
				var se *StatusError
				if !errors.As(err, &se) {
					t.Fatalf("expected StatusError, got %v", err)
				}
				if se.StatusCode != tt.status || se.Message != tt.wantMsg {
					t.Errorf("StatusError = %+v", se)
				}
			}
		})
	}
}

func TestTransformConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client := newTestClient(t, server)
	server.Close()

	_, err := client.Transform(context.Background(), ArtCloakEndpoint, mustRequest(t, false))
	if cloak.KindOf(err) != cloak.KindTransport {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
			return
		}
		if req["message"] != "hello" || req["tag"] != "art-cloak" || req["tag_message"] != "I want to art cloak this image." {
			t.Errorf("unexpected body: %v", req)
		}
		if req["image"] != "data:image/png;base64,AAAA" {
			t.Errorf("image = %v", req["image"])
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "done", "image": "QUJD"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	reply, err := client.Chat(context.Background(), ChatRequest{
		Message:    "hello",
		Tag:        "art-cloak",
		TagMessage: "I want to art cloak this image.",
		Image:      "data:image/png;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Text != "done" {
		t.Errorf("Text = %q, want done", reply.Text)
	}
	if reply.Image != "data:image/png;base64,QUJD" {
		t.Errorf("Image = %q, want normalized data URL", reply.Image)
	}
}

func TestChatOmitsEmptyImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"image"`) {
			t.Errorf("image should be omitted: %s", body)
		}
		w.Write([]byte(`{"response": "text only"}`))
	}))
	defer server.Close()

	reply, err := newTestClient(t, server).Chat(context.Background(), ChatRequest{Message: "hi", Tag: "face-cloak"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Image != "" {
		t.Errorf("Image = %q, want empty", reply.Image)
	}
}

func TestChatTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	metrics.SetOutput(io.Discard)
	t.Cleanup(func() { metrics.SetOutput(os.Stdout) })
	client := NewClient(Options{ChatURL: server.URL, HTTPClient: server.Client(), ChatTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.Chat(context.Background(), ChatRequest{Message: "hi", Tag: "art-cloak"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if cloak.KindOf(err) != cloak.KindTransport {
		t.Errorf("expected transport error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not applied, took %s", time.Since(start))
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Options{CloakURL: "http://cloak.local/"})
	if c.CloakURL() != "http://cloak.local" {
		t.Errorf("CloakURL = %q, trailing slash should be trimmed", c.CloakURL())
	}
	if c.ChatURL() != DefaultChatURL {
		t.Errorf("ChatURL = %q, want default", c.ChatURL())
	}
	if c.ChatTimeout() != DefaultChatTimeout {
		t.Errorf("ChatTimeout = %s, want %s", c.ChatTimeout(), DefaultChatTimeout)
	}
}
