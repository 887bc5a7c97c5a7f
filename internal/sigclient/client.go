// Package sigclient talks to the signaling relay from a participant: the
// write path, the event stream and the supervisor that keeps the stream open.
package sigclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay status %d", e.Code)
	}
	return fmt.Sprintf("relay status %d: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Client is an authenticated participant of one conversation.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Stream is used for the long-lived event stream and has no timeout.
	Stream *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		Stream: &http.Client{},
	}
}

// SetToken sets the session token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Join exchanges a join code for a participant session and keeps its token.
func (c *Client) Join(ctx context.Context, code, displayName string) (models.JoinResponse, error) {
	var resp models.JoinResponse
	err := c.postJSON(ctx, "/api/auth/join", models.JoinRequest{Code: code, DisplayName: displayName}, &resp)
	if err != nil {
		return models.JoinResponse{}, fmt.Errorf("join conversation: %w", err)
	}
	c.SetToken(resp.Token)
	return resp, nil
}

// Send publishes an inbound event and returns the id the relay assigned.
func (c *Client) Send(ctx context.Context, in models.Inbound) (string, error) {
	var resp models.InboundResponse
	if err := c.postJSON(ctx, "/api/signal", in, &resp); err != nil {
		return "", fmt.Errorf("send %s: %w", in.Type, err)
	}
	return resp.EventID, nil
}

// Signal encodes payload and sends it to one participant, or to everyone
// when to is empty.
func (c *Client) Signal(ctx context.Context, to string, typ models.EventType, payload any) error {
	in := models.Inbound{Type: typ, ToUserID: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		in.Data = data
	}
	_, err := c.Send(ctx, in)
	return err
}

// SendMessage posts a chat message through the relay.
func (c *Client) SendMessage(ctx context.Context, id, text string) error {
	var resp models.ChatResponse
	if err := c.postJSON(ctx, "/api/messages", models.ChatRequest{ID: id, Text: text}, &resp); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Presence returns who currently holds a subscription in the conversation.
func (c *Client) Presence(ctx context.Context) (models.PresenceResponse, error) {
	var resp models.PresenceResponse
	req, err := c.newRequest(ctx, http.MethodGet, "/api/presence", nil)
	if err != nil {
		return resp, err
	}
	if err := c.do(c.HTTP, req, &resp); err != nil {
		return resp, fmt.Errorf("presence: %w", err)
	}
	return resp, nil
}

// Subscribe opens the event stream, resuming after cursor when it is set.
func (c *Client) Subscribe(ctx context.Context, cursor string) (*Stream, error) {
	path := "/api/signal/stream"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return NewStream(resp.Body), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.HTTP, req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

// IsPermanent reports whether err is a relay response that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}
