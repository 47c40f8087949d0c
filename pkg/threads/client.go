package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
)

// Thread is a persisted, named conversation record owned by the thread
// directory. The session only ever holds a thread id back-reference; the
// record itself is never authoritative for the in-memory log.
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Client talks to the thread directory, history, and persistence endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// FetchThreads lists all threads, most recently updated first (server
// ordering is preserved).
func (c *Client) FetchThreads(ctx context.Context) ([]Thread, error) {
	var ret []Thread
	if err := c.doJSON(ctx, http.MethodGet, "/threads", nil, &ret); err != nil {
		return nil, errors.Wrap(err, "failed to fetch threads")
	}
	return ret, nil
}

// CreateThread creates a new thread. An empty title lets the server fall
// back to its default ("New Chat").
func (c *Client) CreateThread(ctx context.Context, title string) (*Thread, error) {
	body := map[string]interface{}{"title": nil}
	if title != "" {
		body["title"] = title
	}
	var ret Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", body, &ret); err != nil {
		return nil, errors.Wrap(err, "failed to create thread")
	}
	if ret.Title == "" {
		ret.Title = "New Chat"
	}
	return &ret, nil
}

func (c *Client) RenameThread(ctx context.Context, id string, title string) error {
	body := map[string]string{"title": title}
	if err := c.doJSON(ctx, http.MethodPut, "/threads/"+url.PathEscape(id)+"/title", body, nil); err != nil {
		return errors.Wrapf(err, "failed to rename thread %s", id)
	}
	return nil
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/threads/"+url.PathEscape(id), nil, nil); err != nil {
		return errors.Wrapf(err, "failed to delete thread %s", id)
	}
	return nil
}

// FetchMessages loads a thread's full message history, normalizing both
// persisted content encodings into the internal message shape. Messages
// that cannot be normalized are skipped with a warning rather than failing
// the whole load.
func (c *Client) FetchMessages(ctx context.Context, id string) (chat.Conversation, error) {
	var wire []chat.WireMessage
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(id)+"/messages", nil, &wire); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch messages for thread %s", id)
	}

	ret := make(chat.Conversation, 0, len(wire))
	for _, wm := range wire {
		m, err := chat.NormalizeContent(wm)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", id).Str("role", string(wm.Role)).Msg("skipping message with unsupported content")
			continue
		}
		ret = append(ret, m)
	}
	return ret, nil
}

type persistMessage struct {
	Role    chat.Role       `json:"role"`
	Content []chat.TextPart `json:"content"`
}

// PersistMessages sends a batch of finalized messages for a thread. Call
// sites treat this as fire-and-forget: failures are logged, never surfaced.
func (c *Client) PersistMessages(ctx context.Context, id string, msgs chat.Conversation) error {
	body := make([]persistMessage, 0, len(msgs))
	for _, m := range msgs {
		body = append(body, persistMessage{Role: m.Role, Content: m.Parts})
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/messages?thread_id="+url.QueryEscape(id), body, nil); err != nil {
		return errors.Wrapf(err, "failed to persist messages for thread %s", id)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
