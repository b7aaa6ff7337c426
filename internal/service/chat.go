package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message    string `json:"message"`
	Tag        string `json:"tag"`
	TagMessage string `json:"tag_message"`
	// Image is a data URL, omitted when the turn has no image.
	Image string `json:"image,omitempty"`
}

// ChatReply is the chat service's answer.
type ChatReply struct {
	Text string `json:"response"`
	// Image is a data URL or bare base64, empty when the reply has no image.
	Image string `json:"image,omitempty"`
}

// Chat sends one message. The exchange is bounded by the client's chat
// timeout in addition to any deadline on ctx.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	defer cancel()

	reply, status, err := c.chat(ctx, req)

	rec := metrics.New(metrics.Namespace).
		Dimension("Operation", "chat").
		Property("tag", req.Tag).
		Property("hasImage", req.Image != "").
		Property("statusCode", status).
		Latency("ServiceLatencyMs", startTime)
	if err != nil {
		rec.Count("ServiceErrors")
		if errors.Is(err, context.DeadlineExceeded) {
			rec.Count("ChatTimeouts")
		}
	} else {
		rec.Count("ServiceCalls")
	}
	rec.Flush()

	return reply, err
}

func (c *Client) chat(ctx context.Context, req ChatRequest) (*ChatReply, int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, cloak.Transport("encode chat request", err)
	}

	log.Debug().
		Str("method", http.MethodPost).
		Str("path", "/chat").
		Str("tag", req.Tag).
		Int("messageLength", len(req.Message)).
		Bool("hasImage", req.Image != "").
		Msg("Chat service request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, cloak.Transport("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(httpReq)
	if err != nil {
		return nil, status, err
	}

	var reply ChatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, status, cloak.Interpretation("chat reply is not valid JSON", err)
	}
	reply.Image = cloak.NormalizeImageURL(reply.Image)

	log.Info().
		Str("tag", req.Tag).
		Int("replyLength", len(reply.Text)).
		Bool("hasImage", reply.Image != "").
		Msg("Chat service reply received")
	return &reply, status, nil
}
