package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
)

// Format selects the wire shape of the generation response body. It is
// configured per deployment, never auto-detected per call.
type Format string

const (
	// FormatEvent frames fragments as `data: ` lines carrying JSON objects
	// with optional text / thread_id / done / error fields.
	FormatEvent Format = "event"
	// FormatRaw treats every non-empty decoded chunk of the body as a
	// fragment; stream end is signaled solely by body closure.
	FormatRaw Format = "raw"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatEvent:
		return FormatEvent, nil
	case FormatRaw:
		return FormatRaw, nil
	}
	return "", errors.Errorf("unknown stream format %q", s)
}

// Request is a generation request: a snapshot of the conversation log at
// submission time plus the opaque model id.
type Request struct {
	Messages chat.Conversation
	Model    string
	ThreadID string
}

type wireMessage struct {
	Role    chat.Role       `json:"role"`
	Content []chat.TextPart `json:"content"`
}

type chatRequest struct {
	Messages []wireMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
	ThreadID string        `json:"thread_id,omitempty"`
}

// Client opens generation streams against the chat backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	format     Format
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(baseURL string, format Format, options ...ClientOption) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		format:     format,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Open POSTs the request to /chat and returns the fragment stream over the
// response body. Consuming the stream is the only way to drive the network
// read; the context cancels in-flight reads.
//
// A non-2xx response is a failure before any fragment is produced.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(makeChatRequest(req))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log.Debug().
		Int("num_messages", len(req.Messages)).
		Str("model", req.Model).
		Str("thread_id", req.ThreadID).
		Str("format", string(c.format)).
		Msg("opening generation stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func(body io.ReadCloser) {
			_ = body.Close()
		}(resp.Body)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("chat request failed with status %d", resp.StatusCode)
	}

	return newStream(resp.Body, c.format), nil
}

func makeChatRequest(req Request) chatRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Parts})
	}
	return chatRequest{
		Messages: msgs,
		Model:    req.Model,
		ThreadID: req.ThreadID,
	}
}
