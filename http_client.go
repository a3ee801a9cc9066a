package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// HTTPClient is the ClientTransport for StreamableHTTP. Every Send is one POST; the reply,
// plain JSON or an event stream, is fed to the OnMessage callback before Send returns.
type HTTPClient struct {
	url            string
	httpClient     *http.Client
	sessionHeader  string
	maxPayloadSize int
	logger         *slog.Logger
	state          runState

	onMessage func(payload []byte)

	mu        sync.RWMutex
	sessionID string
}

// HTTPClientOption represents the options for the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// NewHTTPClient creates a client transport posting to url.
func NewHTTPClient(url string, options ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		url:           url,
		httpClient:    http.DefaultClient,
		sessionHeader: DefaultSessionHeader,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("package", "mcp"), slog.String("component", "http-client"))
	return c
}

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithHTTPClientSessionHeader overrides DefaultSessionHeader.
func WithHTTPClientSessionHeader(name string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.sessionHeader = name
	}
}

// WithHTTPClientMaxPayloadSize limits the size of a single streamed event.
func WithHTTPClientMaxPayloadSize(size int) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxPayloadSize = size
	}
}

// WithHTTPClientLogger sets the logger for the HTTPClient.
func WithHTTPClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// SessionID returns the session id the server assigned, empty before initialize.
func (c *HTTPClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// OnMessage implements ClientTransport.
func (c *HTTPClient) OnMessage(fn func(payload []byte)) {
	c.onMessage = fn
}

// Connect implements ClientTransport. HTTP needs no persistent connection.
func (c *HTTPClient) Connect(context.Context) error {
	if !c.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("http client already connected")
	}
	return nil
}

// Send implements ClientTransport.
func (c *HTTPClient) Send(ctx context.Context, payload []byte) error {
	if !c.state.running() {
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if id := c.SessionID(); id != "" {
		req.Header.Set(c.sessionHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(c.sessionHeader); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return c.readStream(resp.Body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) > 0 && mediaType == "application/json" {
		c.deliver(body)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server responded with status %d", resp.StatusCode)
	}
	return nil
}

// Close implements ClientTransport. It ends the session on the server with a DELETE.
func (c *HTTPClient) Close() error {
	if !c.state.beginClose() {
		return nil
	}
	defer c.state.set(stateClosed)

	id := c.SessionID()
	if id == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(c.sessionHeader, id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server responded with status %d ending session", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) readStream(body io.Reader) error {
	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("failed to read event stream: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			c.logger.Debug("ignoring event", slog.String("type", ev.Type))
			continue
		}
		c.deliver([]byte(ev.Data))
	}
	return nil
}

func (c *HTTPClient) deliver(payload []byte) {
	if c.onMessage != nil {
		c.onMessage(payload)
	}
}
