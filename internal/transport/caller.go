// Package transport issues the outbound network calls for queued
// operations and cacheable reads.
//
// Calls carry the method, target, and payload exactly as enqueued, plus an
// anti-forgery token header sourced from a TokenProvider and a marker
// header identifying the call as programmatic.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/op"
)

// Header names on every programmatic call.
const (
	// csrfHeader matches the upstream server's anti-forgery check.
	csrfHeader = "X-CSRFToken"

	// markerHeader identifies the call as programmatic rather than a
	// browser navigation.
	markerHeader = "X-Requested-With"
	markerValue  = "fieldsync-agent"
)

// TokenProvider supplies the anti-forgery token attached to each call.
// Token acquisition (cookies, login flows) is outside this package.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token. An empty token
// omits the header.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the token from a file on every call, so an external
// refresher can rotate it without restarting the agent.
type FileToken string

func (t FileToken) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(string(t))
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return string(bytes.TrimSpace(data)), nil
}

// Caller performs HTTP calls against the upstream base URL.
type Caller struct {
	base   *url.URL
	client *http.Client
	tokens TokenProvider
	logger *log.Logger
}

// New creates a Caller for the given upstream base URL.
//
// If client is nil a default client with a 30s timeout is used. If tokens
// is nil no anti-forgery header is sent. If logger is nil, a default
// logger writing to stderr is used.
func New(baseURL string, client *http.Client, tokens TokenProvider, logger *log.Logger) (*Caller, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Caller{base: base, client: client, tokens: tokens, logger: logger}, nil
}

// Call replays a queued operation. A nil return means the upstream
// confirmed the operation; any non-2xx status is an error so the
// orchestrator counts the attempt.
func (c *Caller) Call(ctx context.Context, o *op.Operation) error {
	verb, err := o.Method.HTTPVerb()
	if err != nil {
		return err
	}

	target, err := c.resolve(o.Target)
	if err != nil {
		return err
	}

	var body io.Reader
	if len(o.Payload) > 0 {
		body = bytes.NewReader(o.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, verb, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", o.ID, err)
	}
	if len(o.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.decorate(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network call failed for %s: %w", o.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream returned %d for %s %s", resp.StatusCode, verb, o.Target)
	}
	return nil
}

// Fetch retrieves a cacheable resource. It implements cache.Fetcher.
func (c *Caller) Fetch(ctx context.Context, key string) (*cache.Entry, error) {
	target, err := c.resolve(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", key, err)
	}
	if err := c.decorate(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed for %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("upstream returned %d for GET %s", resp.StatusCode, key)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s: %w", key, err)
	}

	return &cache.Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     data,
		StoredAt: time.Now().UTC(),
	}, nil
}

// resolve turns a stored target into an absolute URL against the base.
func (c *Caller) resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// decorate attaches the anti-forgery token and the programmatic marker.
func (c *Caller) decorate(ctx context.Context, req *http.Request) error {
	req.Header.Set(markerHeader, markerValue)

	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain anti-forgery token: %w", err)
	}
	if token != "" {
		req.Header.Set(csrfHeader, token)
	}
	return nil
}
