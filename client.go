package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// RequestOption configures a single outgoing request.
type RequestOption func(*requestConfig)

// Client is the requester side of the protocol. It correlates replies with outstanding
// requests by id over any ClientTransport, so any number of requests may be in flight and
// their replies may arrive in any order.
//
// A Client must be created with NewClient and connected with Connect, which performs the
// initialize handshake, before any other call.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport

	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string

	progressListener        ProgressListener
	logReceiver             LogReceiver
	resourceUpdatedWatcher  func(uri string)
	requestTimeout          time.Duration
	notificationSendTimeout time.Duration

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	initialized atomic.Bool
	closed      chan struct{}
	closeOnce   sync.Once

	logger *slog.Logger
}

type pendingRequest struct {
	sentAt     time.Time
	timeout    time.Duration
	done       chan Message
	onProgress func(ProgressParams)
}

type requestConfig struct {
	timeout    time.Duration
	onProgress func(ProgressParams)
}

var (
	defaultClientRequestTimeout = 30 * time.Second
	defaultClientSendTimeout    = 5 * time.Second
)

// WithProgressListener sets a listener fed with every progress notification the client
// receives, whether or not the request asked for progress.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the receiver of the server log messages.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithResourceUpdatedWatcher sets the callback invoked with the uri of every updated
// resource the client subscribed to.
func WithResourceUpdatedWatcher(watcher func(uri string)) ClientOption {
	return func(c *Client) {
		c.resourceUpdatedWatcher = watcher
	}
}

// WithRequestTimeout sets the default time a request waits for its reply. Non-positive
// values keep the default of 30 seconds.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithClientCapabilities sets the capabilities announced during initialize.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithProgress asks the server for progress on this request. fn receives every progress
// notification carrying the request id as token.
func WithProgress(fn func(ProgressParams)) RequestOption {
	return func(rc *requestConfig) {
		rc.onProgress = fn
	}
}

// WithTimeout overrides the client request timeout for this request. A non-positive
// timeout falls back to the client timeout.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(rc *requestConfig) {
		rc.timeout = timeout
	}
}

// NewClient creates a client speaking over transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:                    info,
		transport:               transport,
		requestTimeout:          defaultClientRequestTimeout,
		notificationSendTimeout: defaultClientSendTimeout,
		pending:                 make(map[string]*pendingRequest),
		closed:                  make(chan struct{}),
		logger:                  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("package", "mcp"), slog.String("component", "client"))
	return c
}

// Connect starts the transport and performs the initialize handshake. The server must
// answer with a protocol version the client supports.
func (c *Client) Connect(ctx context.Context) error {
	c.transport.OnMessage(c.handleMessage)
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	raw, err := c.request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		return fmt.Errorf("%s: %q", errMsgUnsupportedProtocol, result.ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if err := c.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.initialized.Store(true)
	return nil
}

// Request sends a request and waits for its reply, the request timeout or ctx, whichever
// comes first. A reply carrying an error is returned as a *JSONRPCError, as is a timeout.
// When ctx is canceled the server is told with notifications/cancelled.
// Every request but the handshake itself fails with ErrNotInitialized until Connect
// succeeds.
func (c *Client) Request(ctx context.Context, method string, params any, options ...RequestOption) (json.RawMessage, error) {
	if !c.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return c.request(ctx, method, params, options...)
}

func (c *Client) request(ctx context.Context, method string, params any, options ...RequestOption) (json.RawMessage, error) {
	rc := requestConfig{timeout: c.requestTimeout}
	for _, opt := range options {
		opt(&rc)
	}
	if rc.timeout <= 0 {
		rc.timeout = c.requestTimeout
	}

	id := NewRequestID(c.nextID.Add(1))
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if rc.onProgress != nil {
		if raw, err = withMeta(raw, map[string]any{"progressToken": id}); err != nil {
			return nil, fmt.Errorf("failed to attach progress token: %w", err)
		}
	}
	req := &Request{ID: id, Method: method, Params: raw}

	payload, err := Encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	pr := &pendingRequest{
		sentAt:     time.Now(),
		timeout:    rc.timeout,
		done:       make(chan Message, 1),
		onProgress: rc.onProgress,
	}
	key := id.String()
	c.pendingMu.Lock()
	c.pending[key] = pr
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, payload); err != nil {
		c.removePending(key)
		// The transport may still have delivered a synchronous error reply.
		select {
		case msg := <-pr.done:
			return replyResult(msg)
		default:
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(pr.timeout)
	defer timer.Stop()

	select {
	case msg := <-pr.done:
		return replyResult(msg)
	case <-timer.C:
		if !c.removePending(key) {
			return replyResult(<-pr.done)
		}
		c.logger.Warn("request timed out",
			slog.String("method", method),
			slog.String("requestID", key),
			slog.Duration("elapsed", time.Since(pr.sentAt)))
		return nil, &JSONRPCError{Code: CodeInternalError, Message: errMsgRequestTimedOut}
	case <-ctx.Done():
		if !c.removePending(key) {
			return replyResult(<-pr.done)
		}
		c.sendCancelled(id, ctx.Err())
		return nil, ctx.Err()
	case <-c.closed:
		c.removePending(key)
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build notification: %w", err)
	}
	payload, err := Encode(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return c.transport.Send(ctx, payload)
}

// Pending returns the number of requests waiting for a reply.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// ServerInfo returns the server identity received during initialize.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// Instructions returns the server instructions, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// Ping checks the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves a page of the tools the server exposes.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.require(c.serverCapabilities.Tools != nil, "tools"); err != nil {
		return ListToolsResult{}, err
	}
	return call[ListToolsResult](ctx, c, MethodToolsList, params)
}

// CallTool executes a tool. A tool failure is reported in the result with IsError set,
// not as an error.
func (c *Client) CallTool(ctx context.Context, params CallToolParams, options ...RequestOption) (CallToolResult, error) {
	if err := c.require(c.serverCapabilities.Tools != nil, "tools"); err != nil {
		return CallToolResult{}, err
	}
	return call[CallToolResult](ctx, c, MethodToolsCall, params, options...)
}

// ListResources retrieves a page of the resources the server exposes.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.require(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ListResourcesResult{}, err
	}
	return call[ListResourcesResult](ctx, c, MethodResourcesList, params)
}

// ReadResource retrieves the contents of a resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.require(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ReadResourceResult{}, err
	}
	return call[ReadResourceResult](ctx, c, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves a page of the resource templates the server exposes.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.require(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return call[ListResourceTemplatesResult](ctx, c, MethodResourcesTemplatesList, params)
}

// SubscribeResource asks to be notified when the resource at params.URI changes.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.require(c.serverCapabilities.Resources != nil && c.serverCapabilities.Resources.Subscribe,
		"resource subscriptions"); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (c *Client) UnsubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.require(c.serverCapabilities.Resources != nil && c.serverCapabilities.Resources.Subscribe,
		"resource subscriptions"); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodResourcesUnsubscribe, params)
	return err
}

// ListPrompts retrieves a page of the prompts the server exposes.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.require(c.serverCapabilities.Prompts != nil, "prompts"); err != nil {
		return ListPromptResult{}, err
	}
	return call[ListPromptResult](ctx, c, MethodPromptsList, params)
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.require(c.serverCapabilities.Prompts != nil, "prompts"); err != nil {
		return GetPromptResult{}, err
	}
	return call[GetPromptResult](ctx, c, MethodPromptsGet, params)
}

// Complete requests completion suggestions for an argument of a prompt or resource
// template.
func (c *Client) Complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if err := c.require(c.serverCapabilities.Completions != nil, "completions"); err != nil {
		return CompletionResult{}, err
	}
	return call[CompletionResult](ctx, c, MethodCompletionComplete, params)
}

// SetLogLevel sets the minimum level of the log messages the server sends.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.require(c.serverCapabilities.Logging != nil, "logging"); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// Close fails every pending request and closes the transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.transport.Close()
}

func call[T any](ctx context.Context, c *Client, method string, params any, options ...RequestOption) (T, error) {
	var result T
	raw, err := c.Request(ctx, method, params, options...)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return result, nil
}

func (c *Client) require(supported bool, feature string) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	if !supported {
		return fmt.Errorf("%s not supported by server", feature)
	}
	return nil
}

// removePending deletes the entry for key, reporting whether it was still there. A false
// result means a reply won the race and is waiting in the done channel.
func (c *Client) removePending(key string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

func (c *Client) resolve(id RequestID, msg Message) {
	key := id.String()
	c.pendingMu.Lock()
	pr, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply without pending request", slog.String("requestID", key))
		return
	}
	pr.done <- msg
}

func (c *Client) sendCancelled(id RequestID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.notificationSendTimeout)
	defer cancel()

	params := CancelledParams{RequestID: id}
	if cause != nil {
		params.Reason = cause.Error()
	}
	if err := c.Notify(ctx, MethodNotificationsCancelled, params); err != nil {
		c.logger.Warn("failed to send cancellation",
			slog.String("requestID", id.String()), slog.String("err", err.Error()))
	}
}

func (c *Client) handleMessage(payload []byte) {
	decoded, err := Parse(payload)
	if err != nil {
		c.logger.Warn("failed to parse inbound payload", slog.String("err", err.Error()))
		return
	}

	for _, d := range decoded {
		if d.Err != nil {
			c.logger.Warn("invalid inbound message", slog.String("err", d.Err.Error()))
			continue
		}
		switch m := d.Message.(type) {
		case *Response:
			c.resolve(m.ID, m)
		case *ErrorResponse:
			if m.ID.IsZero() {
				c.logger.Warn("uncorrelated error reply",
					slog.Int("code", m.Error.Code), slog.String("message", m.Error.Message))
				continue
			}
			c.resolve(m.ID, m)
		case *Notification:
			c.handleNotification(m)
		case *Request:
			// Replies are sent off the read loop: a synchronous transport would otherwise
			// wait on itself.
			go c.handleServerRequest(m)
		}
	}
}

func (c *Client) handleNotification(n *Notification) {
	switch n.Method {
	case MethodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.logger.Warn("invalid progress notification", slog.String("err", err.Error()))
			return
		}
		c.pendingMu.Lock()
		pr, ok := c.pending[params.ProgressToken.String()]
		c.pendingMu.Unlock()
		if ok && pr.onProgress != nil {
			pr.onProgress(params)
		}
		if c.progressListener != nil {
			c.progressListener(params)
		}
	case MethodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.logger.Warn("invalid log notification", slog.String("err", err.Error()))
			return
		}
		c.logReceiver(params)
	case MethodNotificationsResourcesUpdated:
		if c.resourceUpdatedWatcher == nil {
			return
		}
		var params ResourceUpdatedParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.logger.Warn("invalid resource updated notification", slog.String("err", err.Error()))
			return
		}
		c.resourceUpdatedWatcher(params.URI)
	default:
		c.logger.Debug("unhandled notification", slog.String("method", n.Method))
	}
}

func (c *Client) handleServerRequest(req *Request) {
	var reply Message
	if req.Method == MethodPing {
		resp, err := NewResponse(req.ID, nil)
		if err != nil {
			return
		}
		reply = resp
	} else {
		reply = NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	payload, err := Encode(reply)
	if err != nil {
		c.logger.Error("failed to encode reply", slog.String("err", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.notificationSendTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, payload); err != nil && !errors.Is(err, ErrTransportClosed) {
		c.logger.Warn("failed to reply to server request",
			slog.String("method", req.Method), slog.String("err", err.Error()))
	}
}

func replyResult(msg Message) (json.RawMessage, error) {
	switch m := msg.(type) {
	case *Response:
		return objectResult(m.Result), nil
	case *ErrorResponse:
		jErr := m.Error
		return nil, &jErr
	default:
		return nil, fmt.Errorf("unexpected reply kind %s", msg.Kind())
	}
}
