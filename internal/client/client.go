// Package client talks to a running chatsyncd over its session sockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chatsync/internal/api"
)

// baseURL is a placeholder host; every request is dialed over the Unix socket.
const baseURL = "http://chatsyncd/v1"

// Error is a non-2xx response from the control API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %d %s", e.Status, e.Message)
}

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

// Client wraps the control API and health connections to the daemon.
type Client struct {
	http   *http.Client
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New prepares clients for the daemon's control and health sockets. No
// connection is made until the first call.
func New(socketPath, healthSocketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+healthSocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon health: %w", err)
	}
	return &Client{
		http: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}},
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close releases both connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return c.conn.Close()
}

// Check queries the health status of one service ("" for the daemon itself).
func (c *Client) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var out api.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// CheckConnectivity forces an immediate probe and returns the result.
func (c *Client) CheckConnectivity(ctx context.Context) (bool, error) {
	var out api.CheckResult
	err := c.do(ctx, http.MethodPost, "/connectivity/check", nil, &out)
	return out.Online, err
}

func (c *Client) Conversations(ctx context.Context) ([]api.Conversation, error) {
	var out []api.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &out)
	return out, err
}

// Messages returns the display list of a conversation, opening it if needed.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]api.Message, error) {
	var out []api.Message
	err := c.do(ctx, http.MethodGet, convPath(conversationID, "messages"), nil, &out)
	return out, err
}

// Send composes a message. The returned message is the local copy; delivery
// continues in the daemon.
func (c *Client) Send(ctx context.Context, conversationID string, req api.SendRequest) (api.Message, error) {
	var out api.Message
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "messages"), req, &out)
	return out, err
}

func (c *Client) Retry(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "messages", messageID, "retry"), nil, nil)
}

func (c *Client) Discard(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, convPath(conversationID, "messages", messageID), nil, nil)
}

// CloseView closes the daemon's view of a conversation and stops its realtime
// subscription.
func (c *Client) CloseView(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, convPath(conversationID, "view"), nil, nil)
}

// MarkRead marks messages as read and returns the ones whose status changed.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) ([]api.Message, error) {
	var out []api.Message
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "read"), api.ReadRequest{MessageIDs: messageIDs}, &out)
	return out, err
}

func (c *Client) Typing(ctx context.Context, conversationID, text string) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "typing"), api.TypingRequest{Text: text}, nil)
}

// LoadEarlier pages older history into an open conversation.
func (c *Client) LoadEarlier(ctx context.Context, conversationID string) (int, error) {
	var out api.Count
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "earlier"), nil, &out)
	return out.Count, err
}

// Search runs a full-text query over the local cache. An empty
// conversationID searches every conversation; limit <= 0 uses the server default.
func (c *Client) Search(ctx context.Context, query, conversationID string, limit int) ([]api.SearchResult, error) {
	q := url.Values{"q": {query}}
	if conversationID != "" {
		q.Set("conversation", conversationID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []api.SearchResult
	err := c.do(ctx, http.MethodGet, "/search?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Presence(ctx context.Context, userID string) (api.Presence, error) {
	var out api.Presence
	err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &out)
	return out, err
}

// RetryAll runs one outbox pass and returns how many messages were retried.
func (c *Client) RetryAll(ctx context.Context) (int, error) {
	var out api.Count
	err := c.do(ctx, http.MethodPost, "/sync/retry", nil, &out)
	return out.Count, err
}

// Events streams daemon events under the namespace prefix ns ("" for all)
// until ctx is cancelled, the stream ends or fn returns an error.
func (c *Client) Events(ctx context.Context, ns string, fn func(api.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events?"+url.Values{"ns": {ns}}.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var evt api.Event
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}

func convPath(conversationID string, parts ...string) string {
	segs := []string{"/conversations", url.PathEscape(conversationID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}
