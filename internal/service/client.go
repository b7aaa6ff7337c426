// Package service is the HTTP client for the remote cloaking service and the
// chat service behind the playground.
//
// The cloaking service exposes one multipart endpoint per surface. Both return
// JSON with a base64 "cloaked_image" plus optional predictions and metrics,
// which the client hands to cloak.Interpret. The chat service takes a JSON
// message and answers with text and an optional image.
//
// Every call is one attempt: no retries and no backoff. Failures come back as
// *cloak.Error so the controllers can tell transport problems from bad
// payloads.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCloakURL is where the cloaking service listens in development.
	DefaultCloakURL = "http://127.0.0.1:8080"

	// DefaultChatURL is where the chat service listens in development.
	DefaultChatURL = "http://localhost:8000"

	// DefaultChatTimeout bounds a single chat exchange.
	DefaultChatTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 64 << 20
)

// Endpoint describes one multipart cloaking route and its field names.
type Endpoint struct {
	Name        string
	Path        string
	ImageField  string
	TargetField string
	// SendTargetedFlag adds a "targeted" field carrying "true" or "false".
	SendTargetedFlag bool
}

// The two cloaking routes.
var (
	ArtCloakEndpoint = Endpoint{
		Name:       "art-cloak",
		Path:       "/art-cloak",
		ImageField: "image",
	}
	FaceCloakEndpoint = Endpoint{
		Name:             "face-cloak",
		Path:             "/face-cloak",
		ImageField:       "file",
		TargetField:      "target_image",
		SendTargetedFlag: true,
	}
)

// Transformer submits a cloaking request and interprets the response.
type Transformer interface {
	Transform(ctx context.Context, ep Endpoint, req cloak.TransformRequest) (*cloak.TransformResult, error)
}

// Chatter sends one playground message.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
}

// Options configures a Client. Zero fields take the package defaults.
type Options struct {
	CloakURL    string
	ChatURL     string
	ChatTimeout time.Duration
	HTTPClient  *http.Client
}

// Client talks to the cloaking and chat services.
type Client struct {
	httpClient  *http.Client
	cloakURL    string
	chatURL     string
	chatTimeout time.Duration
}

// NewClient creates a service client.
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient:  opts.HTTPClient,
		cloakURL:    strings.TrimRight(opts.CloakURL, "/"),
		chatURL:     strings.TrimRight(opts.ChatURL, "/"),
		chatTimeout: opts.ChatTimeout,
	}
	if c.httpClient == nil {
		// No client-wide timeout: cloaking can legitimately take minutes.
		c.httpClient = &http.Client{}
	}
	if c.cloakURL == "" {
		c.cloakURL = DefaultCloakURL
	}
	if c.chatURL == "" {
		c.chatURL = DefaultChatURL
	}
	if c.chatTimeout <= 0 {
		c.chatTimeout = DefaultChatTimeout
	}
	return c
}

// CloakURL returns the cloaking service base URL.
func (c *Client) CloakURL() string { return c.cloakURL }

// ChatURL returns the chat service base URL.
func (c *Client) ChatURL() string { return c.chatURL }

// ChatTimeout returns the bound applied to each chat exchange.
func (c *Client) ChatTimeout() time.Duration { return c.chatTimeout }

// Transform posts req to ep as multipart form data and interprets the reply.
func (c *Client) Transform(ctx context.Context, ep Endpoint, req cloak.TransformRequest) (*cloak.TransformResult, error) {
	startTime := time.Now()
	rec := metrics.New(metrics.Namespace).
		Dimension("Operation", ep.Name).
		Property("targeted", req.Targeted()).
		Property("intensity", req.Intensity())

	result, status, err := c.transform(ctx, ep, req)

	rec.Latency("ServiceLatencyMs", startTime).
		Property("statusCode", status)
	if err != nil {
		rec.Count("ServiceErrors").Property("errorKind", cloak.KindOf(err).String())
	} else {
		rec.Count("ServiceCalls")
	}
	rec.Flush()

	return result, err
}

func (c *Client) transform(ctx context.Context, ep Endpoint, req cloak.TransformRequest) (*cloak.TransformResult, int, error) {
	body, contentType, err := encodeMultipart(ep, req)
	if err != nil {
		return nil, 0, cloak.Transport("build request body", err)
	}

	log.Debug().
		Str("method", http.MethodPost).
		Str("path", ep.Path).
		Str("intensity", req.IntensityString()).
		Bool("targeted", req.Targeted()).
		Int("bodyBytes", body.Len()).
		Msg("Cloak service request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cloakURL+ep.Path, body)
	if err != nil {
		return nil, 0, cloak.Transport("build request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	respBody, status, err := c.do(httpReq)
	if err != nil {
		return nil, status, err
	}

	result, err := cloak.InterpretJSON(respBody)
	if err != nil {
		log.Warn().Err(err).Str("path", ep.Path).Str("body", truncate(string(respBody), 200)).
			Msg("Cloak service response could not be interpreted")
		return nil, status, err
	}

	log.Info().
		Str("path", ep.Path).
		Str("result", result.String()).
		Msg("Cloak service request complete")
	return result, status, nil
}

// encodeMultipart builds the form body. File parts carry the image's own
// Content-Type so the server does not have to sniff.
func encodeMultipart(ep Endpoint, req cloak.TransformRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeFilePart(w, ep.ImageField, req.Source()); err != nil {
		return nil, "", err
	}
	if target, ok := req.Target(); ok && ep.TargetField != "" {
		if err := writeFilePart(w, ep.TargetField, target); err != nil {
			return nil, "", err
		}
	}
	if ep.SendTargetedFlag {
		flag := "false"
		if req.Targeted() {
			flag = "true"
		}
		if err := w.WriteField("targeted", flag); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("intensity", req.IntensityString()); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, field string, img cloak.Image) error {
	filename := img.Filename
	if filename == "" {
		filename = "image"
	}
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(field), escapeQuotes(filename)))
	h.Set("Content-Type", mimeType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(img.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// do sends req and returns the body of a 2xx response. Anything else is a
// transport error carrying the server's "error" message when it sent one.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Service response")
		return nil, 0, cloak.Transport("request failed", err)
	}
	defer httpResp.Body.Close()

	log.Debug().Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Service response")

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, httpResp.StatusCode, cloak.Transport("read response", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg := serverError(body)
		log.Error().
			Int("statusCode", httpResp.StatusCode).
			Str("errorMessage", msg).
			Str("path", req.URL.Path).
			Msg("Service returned an error status")
		return nil, httpResp.StatusCode, &cloak.Error{
			Kind:    cloak.KindTransport,
			Message: fmt.Sprintf("server returned %d", httpResp.StatusCode),
			Err:     &StatusError{StatusCode: httpResp.StatusCode, Message: msg},
		}
	}
	return body, httpResp.StatusCode, nil
}

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	// Message is the server's "error" field, or a truncated body.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.StatusCode)
	}
	return e.Message
}

// serverError pulls {"error": "..."} out of an error body.
func serverError(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
