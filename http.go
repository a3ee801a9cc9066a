package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// DefaultSessionHeader is the HTTP header carrying the session id in both directions.
const DefaultSessionHeader = "Mcp-Session-Id"

// StreamableHTTP is the stateless HTTP server Transport. Every POST is one processing cycle:
// the replies are collected and written as the response body, either as one JSON document
// or, when streaming is enabled and the client accepts it, as a server-sent event stream
// carrying progress notifications ahead of the final reply. GET opens a standalone stream
// for server-initiated messages of a session and DELETE ends a session.
//
// StreamableHTTP implements http.Handler, so it can be mounted on any router. Listen runs
// a dedicated http.Server on the configured address.
type StreamableHTTP struct {
	addr          string
	sessionHeader string
	maxBodySize   int64
	streaming     bool
	standalone    bool
	attributes    func(r *http.Request) map[string]any
	logger        *slog.Logger

	onMessage      func(ctx context.Context, payload []byte, sessionID string)
	onSessionEnd   func(sessionID string)
	onSessionCheck func(ctx context.Context, sessionID string) error

	state      runState
	httpServer *http.Server

	streamsMu sync.Mutex
	streams   map[string]*sessionStream

	done      chan struct{}
	closeOnce sync.Once
}

// StreamableHTTPOption represents the options for the StreamableHTTP transport.
type StreamableHTTPOption func(*StreamableHTTP)

// exchange collects the outbound payloads of one POST.
type exchange struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	r         *http.Request
	header    string
	sessionID string
	status    int
	payloads  [][]byte

	streaming bool
	stream    *sse.Session
	finished  bool
}

type sessionStream struct {
	sess     *sse.Session
	sendMsgs chan streamSend
	done     chan struct{}
	once     sync.Once
}

type streamSend struct {
	msg  *sse.Message
	errs chan error
}

type exchangeContextKey struct{}

const defaultMaxBodySize = 4 << 20

// NewStreamableHTTP creates a StreamableHTTP transport listening on addr once Listen is
// called.
func NewStreamableHTTP(addr string, options ...StreamableHTTPOption) *StreamableHTTP {
	h := &StreamableHTTP{
		addr:          addr,
		sessionHeader: DefaultSessionHeader,
		maxBodySize:   defaultMaxBodySize,
		standalone:    true,
		logger:        slog.Default(),
		streams:       make(map[string]*sessionStream),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("package", "mcp"), slog.String("component", "streamable-http"))
	return h
}

// WithStreamingResponses makes POST responses a server-sent event stream whenever the
// client accepts text/event-stream, so progress notifications reach it before the reply.
func WithStreamingResponses() StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.streaming = true
	}
}

// WithoutStandaloneStream disables the GET stream; GET requests are answered with 405.
func WithoutStandaloneStream() StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.standalone = false
	}
}

// WithSessionHeader overrides DefaultSessionHeader.
func WithSessionHeader(name string) StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.sessionHeader = name
	}
}

// WithMaxBodySize limits the size of POST bodies.
func WithMaxBodySize(size int64) StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.maxBodySize = size
	}
}

// WithAttributesFunc extracts authorization attributes from each request. They are merged
// into the _meta of every request the POST carries.
func WithAttributesFunc(fn func(r *http.Request) map[string]any) StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.attributes = fn
	}
}

// WithHTTPLogger sets the logger for the StreamableHTTP transport.
func WithHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(h *StreamableHTTP) {
		h.logger = logger
	}
}

// Initialize implements Transport.
func (h *StreamableHTTP) Initialize() error {
	if h.state.load() != stateIdle {
		return fmt.Errorf("http transport already started")
	}
	return nil
}

// OnMessage implements Transport.
func (h *StreamableHTTP) OnMessage(fn func(ctx context.Context, payload []byte, sessionID string)) {
	h.onMessage = fn
}

// OnSessionEnd implements Transport.
func (h *StreamableHTTP) OnSessionEnd(fn func(sessionID string)) {
	h.onSessionEnd = fn
}

// OnSessionCheck implements SessionChecker. GET and DELETE are refused for sessions the
// check rejects.
func (h *StreamableHTTP) OnSessionCheck(fn func(ctx context.Context, sessionID string) error) {
	h.onSessionCheck = fn
}

// Listen implements Transport. With an empty address it only waits for ctx or Close, for
// callers that mount the transport on their own server.
func (h *StreamableHTTP) Listen(ctx context.Context) error {
	if !h.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("http transport is not idle")
	}

	if h.addr == "" {
		select {
		case <-ctx.Done():
		case <-h.done:
		}
		return nil
	}

	h.httpServer = &http.Server{
		Addr:              h.addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		errs <- h.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve http: %w", err)
	case <-ctx.Done():
	case <-h.done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

// Send implements Transport. Inside a POST cycle the payload becomes part of that response;
// otherwise it is pushed to the standalone stream of the session, or dropped when the
// session has none.
func (h *StreamableHTTP) Send(ctx context.Context, payload []byte, sc SendContext) error {
	if ex, ok := ctx.Value(exchangeContextKey{}).(*exchange); ok {
		sent, err := ex.send(payload, sc)
		if sent || err != nil {
			return err
		}
	}

	h.streamsMu.Lock()
	stream, ok := h.streams[sc.SessionID]
	h.streamsMu.Unlock()
	if !ok {
		h.logger.Debug("no stream for session, dropping message",
			slog.String("sessionID", sc.SessionID), slog.String("kind", sc.Kind.String()))
		return nil
	}
	return stream.send(payload)
}

// Close implements Transport.
func (h *StreamableHTTP) Close() error {
	if !h.state.beginClose() {
		return nil
	}
	h.closeOnce.Do(func() { close(h.done) })

	h.streamsMu.Lock()
	for id, stream := range h.streams {
		stream.close()
		delete(h.streams, id)
	}
	h.streamsMu.Unlock()

	h.state.set(stateClosed)
	return nil
}

// ServeHTTP implements http.Handler.
func (h *StreamableHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StreamableHTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	// Callbacks are registered before Listen marks the transport running.
	if !h.state.running() || h.onMessage == nil {
		http.Error(w, "transport is not served", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(h.sessionHeader)
	ex := &exchange{
		w:         w,
		r:         r,
		header:    h.sessionHeader,
		sessionID: sessionID,
		streaming: h.streaming && acceptsEventStream(r),
	}

	ctx := context.WithValue(r.Context(), exchangeContextKey{}, ex)
	if h.attributes != nil {
		if attrs := h.attributes(r); len(attrs) > 0 {
			ctx = WithRequestAttributes(ctx, attrs)
		}
	}

	h.onMessage(ctx, body, sessionID)

	if err := ex.finish(); err != nil {
		h.logger.Error("failed to write response", slog.String("err", err.Error()))
	}
}

func (h *StreamableHTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	if !h.standalone {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "standalone stream is disabled", http.StatusMethodNotAllowed)
		return
	}
	if !acceptsEventStream(r) {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}
	sessionID, ok := h.liveSession(w, r)
	if !ok {
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}
	if err := sess.Flush(); err != nil {
		h.logger.Error("failed to flush stream", slog.String("err", err.Error()))
		return
	}

	stream := &sessionStream{
		sess:     sess,
		sendMsgs: make(chan streamSend),
		done:     make(chan struct{}),
	}

	h.streamsMu.Lock()
	if prev, ok := h.streams[sessionID]; ok {
		prev.close()
	}
	h.streams[sessionID] = stream
	h.streamsMu.Unlock()

	h.logger.Debug("standalone stream opened", slog.String("sessionID", sessionID))

	go func() {
		select {
		case <-r.Context().Done():
		case <-h.done:
		case <-stream.done:
			return
		}
		stream.close()
	}()
	stream.processSendMessages(h.logger)

	h.streamsMu.Lock()
	if h.streams[sessionID] == stream {
		delete(h.streams, sessionID)
	}
	h.streamsMu.Unlock()
	h.logger.Debug("standalone stream closed", slog.String("sessionID", sessionID))
}

func (h *StreamableHTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.liveSession(w, r)
	if !ok {
		return
	}

	h.streamsMu.Lock()
	if stream, ok := h.streams[sessionID]; ok {
		stream.close()
		delete(h.streams, sessionID)
	}
	h.streamsMu.Unlock()

	if h.onSessionEnd != nil {
		h.onSessionEnd(sessionID)
	}
	w.WriteHeader(http.StatusOK)
}

// liveSession reads the session header of r and writes an error response unless it names
// a session the engine knows.
func (h *StreamableHTTP) liveSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.state.running() {
		http.Error(w, "transport is not served", http.StatusServiceUnavailable)
		return "", false
	}
	sessionID := r.Header.Get(h.sessionHeader)
	if sessionID == "" {
		http.Error(w, errMsgSessionRequired, http.StatusBadRequest)
		return "", false
	}
	if h.onSessionCheck == nil {
		return sessionID, true
	}

	err := h.onSessionCheck(r.Context(), sessionID)
	switch {
	case err == nil:
		return sessionID, true
	case errors.Is(err, ErrInvalidSessionID):
		http.Error(w, errMsgInvalidSession, http.StatusBadRequest)
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, errMsgSessionNotFound, http.StatusNotFound)
	default:
		h.logger.Error("failed to check session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		http.Error(w, errMsgInternalError, http.StatusInternalServerError)
	}
	return "", false
}

// send adds payload to the exchange. It reports false when the exchange already finished
// or belongs to another session, so the caller can route the payload elsewhere.
func (ex *exchange) send(payload []byte, sc SendContext) (bool, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.finished {
		return false, nil
	}
	if ex.sessionID != "" && sc.SessionID != "" && sc.SessionID != ex.sessionID {
		return false, nil
	}
	if ex.sessionID == "" {
		ex.sessionID = sc.SessionID
	}
	if sc.Status != 0 {
		ex.status = sc.Status
	}

	if !ex.streaming || (ex.stream == nil && ex.status >= http.StatusBadRequest) {
		ex.payloads = append(ex.payloads, payload)
		return true, nil
	}

	if ex.stream == nil {
		if ex.sessionID != "" {
			ex.w.Header().Set(ex.header, ex.sessionID)
		}
		stream, err := sse.Upgrade(ex.w, ex.r)
		if err != nil {
			return true, fmt.Errorf("failed to upgrade response: %w", err)
		}
		ex.stream = stream
	}
	return true, writeEvent(ex.stream, payload)
}

// finish writes the collected payloads and seals the exchange.
func (ex *exchange) finish() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.finished = true
	if ex.stream != nil {
		return nil
	}

	if ex.sessionID != "" {
		ex.w.Header().Set(ex.header, ex.sessionID)
	}
	if len(ex.payloads) == 0 {
		ex.w.WriteHeader(http.StatusAccepted)
		return nil
	}

	body, err := mergePayloads(ex.payloads)
	if err != nil {
		http.Error(ex.w, "failed to encode response", http.StatusInternalServerError)
		return err
	}

	status := ex.status
	if status == 0 {
		status = http.StatusOK
	}
	ex.w.Header().Set("Content-Type", "application/json")
	ex.w.WriteHeader(status)
	_, err = ex.w.Write(body)
	return err
}

func (s *sessionStream) send(payload []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(payload))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library.
	select {
	case s.sendMsgs <- streamSend{msg: msg, errs: errs}:
	case <-s.done:
		return ErrTransportClosed
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return ErrTransportClosed
	}
}

func (s *sessionStream) processSendMessages(logger *slog.Logger) {
	for {
		var sm streamSend
		select {
		case <-s.done:
			return
		case sm = <-s.sendMsgs:
		}

		err := s.sess.Send(sm.msg)
		if err == nil {
			err = s.sess.Flush()
		}
		if err != nil {
			logger.Warn("failed to send stream message", slog.String("err", err.Error()))
		}
		sm.errs <- err
	}
}

func (s *sessionStream) close() {
	s.once.Do(func() { close(s.done) })
}

func writeEvent(sess *sse.Session, payload []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// mergePayloads joins several encoded payloads into one document. A single payload is kept
// as is; several are flattened into one array.
func mergePayloads(payloads [][]byte) ([]byte, error) {
	if len(payloads) == 1 {
		return payloads[0], nil
	}
	var all []json.RawMessage
	for _, p := range payloads {
		p = bytes.TrimSpace(p)
		if len(p) > 0 && p[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(p, &batch); err != nil {
				return nil, fmt.Errorf("failed to split batch payload: %w", err)
			}
			all = append(all, batch...)
			continue
		}
		all = append(all, json.RawMessage(p))
	}
	return json.Marshal(all)
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
			if mt == "text/event-stream" {
				return true
			}
		}
	}
	return false
}
