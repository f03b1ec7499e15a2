package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	tokenLifetime         = time.Minute
	tokenIssuer           = "chatsyncd"
)

type WebhookOptions struct {
	Endpoint string
	// Token is sent as a static bearer token when SigningSecret is empty.
	Token string
	// SigningSecret signs a short-lived HS256 bearer token per request.
	SigningSecret string
	// Timeout bounds the whole call including retries.
	Timeout time.Duration
}

// Webhook POSTs documents as JSON. 5xx and transport errors are retried with
// exponential backoff inside Timeout; 4xx responses are permanent.
type Webhook struct {
	opts   WebhookOptions
	client *http.Client
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWebhookTimeout
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    4,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Webhook{opts: opts, client: &http.Client{Transport: tr, Timeout: opts.Timeout}}
}

func (w *Webhook) Index(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		token, err := w.bearer(doc)
		if err != nil {
			return backoff.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("index webhook: %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("index webhook: %s", resp.Status))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = w.opts.Timeout
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (w *Webhook) bearer(doc Document) (string, error) {
	if w.opts.SigningSecret == "" {
		return w.opts.Token, nil
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": tokenIssuer,
		"sub": doc.SenderID,
		"mid": doc.MessageID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(w.opts.SigningSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
