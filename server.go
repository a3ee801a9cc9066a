package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is the server-side dispatch engine. It turns inbound payloads into replies against
// a Session rehydrated from a SessionStore, routing every message through the handlers
// registered for its method.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	store        SessionStore

	registry Registry
	executor Executor

	pageSize      int
	gcProbability float64
	gcTimeout     time.Duration

	userHandlers []registeredHandler
	handlers     map[string][]MethodHandler

	locks         *sessionLocks
	subscriptions *subscriptionIndex

	transportsMu sync.RWMutex
	transports   []Transport

	logger *slog.Logger
}

// Outcome is the result of processing one inbound payload.
type Outcome struct {
	// SessionID is the session the payload ran against, set for a new session created by
	// initialize.
	SessionID string
	// Replies holds one wire message per processed message that produced a reply, in input
	// order.
	Replies []Message
	// Status is the HTTP status hint: 200 with replies, 202 without, 400 or 404 on
	// protocol failures.
	Status int
}

type registeredHandler struct {
	method  string
	handler MethodHandler
}

var (
	defaultPageSize      = 20
	defaultGCProbability = 0.01
	defaultGCTimeout     = 30 * time.Second
)

// NewServer creates a dispatch engine persisting sessions in store.
func NewServer(info Info, store SessionStore, options ...ServerOption) *Server {
	s := &Server{
		info:          info,
		store:         store,
		executor:      ReferenceExecutor{},
		pageSize:      defaultPageSize,
		gcProbability: defaultGCProbability,
		gcTimeout:     defaultGCTimeout,
		locks:         newSessionLocks(),
		subscriptions: newSubscriptionIndex(),
		logger: slog.Default().With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		),
	}
	for _, opt := range options {
		opt(s)
	}

	s.capabilities = ServerCapabilities{Logging: &LoggingCapability{}}
	if s.registry != nil {
		s.capabilities.Tools = &ToolsCapability{}
		s.capabilities.Prompts = &PromptsCapability{}
		s.capabilities.Resources = &ResourcesCapability{Subscribe: true}
		s.capabilities.Completions = &CompletionsCapability{}
	}

	s.handlers = make(map[string][]MethodHandler)
	for _, h := range s.userHandlers {
		s.handlers[h.method] = append(s.handlers[h.method], h.handler)
	}
	for method, h := range s.builtinHandlers() {
		s.handlers[method] = append(s.handlers[method], h)
	}

	return s
}

// WithRegistry returns a ServerOption that sets the capability catalogue. Without a
// registry the server only answers the lifecycle and logging methods.
func WithRegistry(registry Registry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithExecutor returns a ServerOption that replaces the ReferenceExecutor.
func WithExecutor(executor Executor) ServerOption {
	return func(s *Server) {
		s.executor = executor
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPageSize sets the page size used for list methods.
func WithPageSize(size int) ServerOption {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithSessionGCProbability sets the probability, between 0 and 1, that a processing cycle
// triggers SessionStore.GC.
func WithSessionGCProbability(p float64) ServerOption {
	return func(s *Server) {
		s.gcProbability = p
	}
}

// WithMethodHandler registers an extra handler for method. Extra handlers run before the
// built-in ones, in registration order.
func WithMethodHandler(method string, handler MethodHandler) ServerOption {
	return func(s *Server) {
		s.userHandlers = append(s.userHandlers, registeredHandler{method: method, handler: handler})
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Capabilities returns what the server advertises during initialize.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// Serve wires t to the engine and blocks in t.Listen. Replies to every inbound payload are
// handed back to t with the session id they ran against.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	t.OnMessage(func(ctx context.Context, payload []byte, sessionID string) {
		ctx = withSender(ctx, s.transportSender(t))
		out := s.Process(ctx, payload, sessionID)
		if len(out.Replies) == 0 {
			return
		}
		bs, err := Encode(out.Replies...)
		if err != nil {
			s.logger.Error("failed to encode replies", slog.String("err", err.Error()))
			return
		}
		sc := SendContext{SessionID: out.SessionID, Kind: out.Replies[0].Kind(), Status: out.Status}
		if err := t.Send(ctx, bs, sc); err != nil {
			s.logger.Error("failed to send replies",
				slog.String("sessionID", out.SessionID), slog.String("err", err.Error()))
		}
	})
	t.OnSessionEnd(func(sessionID string) {
		s.EndSession(context.WithoutCancel(ctx), sessionID)
	})
	if checker, ok := t.(SessionChecker); ok {
		checker.OnSessionCheck(s.CheckSession)
	}

	if err := t.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}

	s.transportsMu.Lock()
	s.transports = append(s.transports, t)
	s.transportsMu.Unlock()

	defer func() {
		s.transportsMu.Lock()
		s.transports = slices.DeleteFunc(s.transports, func(o Transport) bool { return o == t })
		s.transportsMu.Unlock()
	}()

	return t.Listen(ctx)
}

// Process runs one inbound payload through the engine: parse, validate the session,
// dispatch every message in order and persist the session once at the end.
func (s *Server) Process(ctx context.Context, payload []byte, sessionID string) Outcome {
	decoded, err := Parse(payload)
	if err != nil {
		var jErr *JSONRPCError
		if !errors.As(err, &jErr) {
			jErr = &JSONRPCError{Code: CodeParseError, Message: err.Error()}
		}
		return failOutcome(http.StatusBadRequest, &ErrorResponse{Error: *jErr})
	}

	var out Outcome
	if containsInitialize(decoded) {
		out = s.processInitialize(ctx, decoded, sessionID)
	} else {
		out = s.processSession(ctx, decoded, sessionID)
	}

	s.maybeCollectGarbage()
	return out
}

// CheckSession reports whether sessionID names a live session: nil when it does,
// ErrSessionNotFound when it is unknown or expired, ErrInvalidSessionID when it is not a
// UUID.
func (s *Server) CheckSession(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return ErrInvalidSessionID
	}
	ok, err := s.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// EndSession destroys the session named by sessionID. Unknown ids are ignored.
func (s *Server) EndSession(ctx context.Context, sessionID string) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return
	}
	unlock := s.locks.lock(id)
	defer unlock()

	if err := s.store.Destroy(ctx, id); err != nil {
		s.logger.Error("failed to destroy session",
			slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		return
	}
	s.subscriptions.removeSession(sessionID)
	s.logger.Debug("session ended", slog.String("sessionID", sessionID))
}

// Notify sends a server-initiated notification to a session over every transport the
// server is serving. Transports that do not know the session drop it.
func (s *Server) Notify(ctx context.Context, sessionID, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build notification: %w", err)
	}
	bs, err := Encode(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	s.transportsMu.RLock()
	ts := slices.Clone(s.transports)
	s.transportsMu.RUnlock()

	var errs []error
	for _, t := range ts {
		if err := t.Send(ctx, bs, SendContext{SessionID: sessionID, Kind: KindNotification}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyResourceUpdated sends notifications/resources/updated to every session subscribed
// to uri.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	var errs []error
	for _, sessionID := range s.subscriptions.sessions(uri) {
		if err := s.Notify(ctx, sessionID, MethodNotificationsResourcesUpdated, ResourceUpdatedParams{URI: uri}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) processInitialize(ctx context.Context, decoded []Decoded, sessionID string) Outcome {
	if len(decoded) > 1 {
		return failOutcome(http.StatusBadRequest, NewErrorResponse(RequestID{}, CodeInvalidRequest, errMsgInitializeBatch))
	}
	req, _ := decoded[0].Message.(*Request)
	if sessionID != "" {
		return failOutcome(http.StatusBadRequest, NewErrorResponse(req.ID, CodeInvalidRequest, errMsgInitializeSession))
	}

	sess := NewSession()
	unlock := s.locks.lock(sess.ID())
	defer unlock()

	reply := s.dispatch(withSession(ctx, sess), decoded[0].Message, sess)
	if reply == nil || reply.Kind() != KindResponse {
		return Outcome{Replies: nonNil(reply), Status: http.StatusOK}
	}

	if err := s.persist(ctx, sess); err != nil {
		return failOutcome(http.StatusInternalServerError, NewErrorResponse(req.ID, CodeInternalError, errMsgInternalError))
	}
	s.logger.Info("session created", slog.String("sessionID", sess.ID().String()))

	return Outcome{SessionID: sess.ID().String(), Replies: []Message{reply}, Status: http.StatusOK}
}

func (s *Server) processSession(ctx context.Context, decoded []Decoded, sessionID string) Outcome {
	replyID := soleRequestID(decoded)
	if sessionID == "" {
		return failOutcome(http.StatusBadRequest, NewErrorResponse(replyID, CodeInvalidRequest, errMsgSessionRequired))
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return failOutcome(http.StatusBadRequest, NewErrorResponse(replyID, CodeInvalidRequest, errMsgInvalidSession))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	doc, ok, err := s.store.Read(ctx, id)
	if err != nil {
		s.logger.Error("failed to read session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		return failOutcome(http.StatusInternalServerError, NewErrorResponse(replyID, CodeInternalError, errMsgInternalError))
	}
	if !ok {
		return failOutcome(http.StatusNotFound, NewErrorResponse(replyID, CodeInvalidRequest, errMsgSessionNotFound))
	}
	sess, err := RestoreSession(id, doc)
	if err != nil {
		s.logger.Error("failed to restore session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		return failOutcome(http.StatusInternalServerError, NewErrorResponse(replyID, CodeInternalError, errMsgInternalError))
	}

	ctx = withSession(ctx, sess)
	out := Outcome{SessionID: sessionID}
	for _, d := range decoded {
		if d.Err != nil {
			out.Replies = append(out.Replies, d.Err.Reply())
			continue
		}
		if reply := s.dispatch(ctx, d.Message, sess); reply != nil {
			out.Replies = append(out.Replies, reply)
		}
	}

	if err := s.persist(ctx, sess); err != nil {
		s.logger.Error("failed to persist session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
	}

	out.Status = http.StatusOK
	if len(out.Replies) == 0 {
		out.Status = http.StatusAccepted
	}
	return out
}

// dispatch routes one message through the handlers registered for its method.
func (s *Server) dispatch(ctx context.Context, msg Message, sess *Session) Message {
	switch m := msg.(type) {
	case *Request:
		return s.dispatchRequest(ctx, m, sess)
	case *Notification:
		s.dispatchNotification(ctx, m, sess)
	case *Response, *ErrorResponse:
		s.logger.Debug("dropping inbound reply", slog.String("kind", msg.Kind().String()))
	}
	return nil
}

func (s *Server) dispatchRequest(ctx context.Context, req *Request, sess *Session) Message {
	logger := s.logger.With(slog.String("method", req.Method), slog.String("requestID", req.ID.String()))

	handlers := s.handlers[req.Method]
	if len(handlers) == 0 {
		return NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	if attrs := requestAttributes(ctx); len(attrs) > 0 {
		params, err := withMeta(req.Params, attrs)
		if err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		req = &Request{ID: req.ID, Method: req.Method, Params: params}
	}
	if token, ok := req.ProgressToken(); ok {
		ctx = withProgressToken(ctx, token)
	}

	for _, h := range handlers {
		reply, err := handleRecovered(ctx, h, req, sess)
		if err != nil {
			errReply, cause := errorReply(req.ID, err)
			if cause != nil {
				logger.Error("handler failed", slog.String("err", cause.Error()))
			}
			if errReply == nil {
				return nil
			}
			return errReply
		}
		if reply != nil {
			return reply
		}
	}

	logger.Warn("no handler replied to request")
	return nil
}

// handleRecovered runs h and reports a panic as an error.
func handleRecovered(ctx context.Context, h MethodHandler, msg Message, sess *Session) (reply Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, msg, sess)
}

func (s *Server) dispatchNotification(ctx context.Context, n *Notification, sess *Session) {
	handlers := s.handlers[n.Method]
	if len(handlers) == 0 {
		s.logger.Debug("no handler for notification", slog.String("method", n.Method))
		return
	}
	for _, h := range handlers {
		reply, err := handleRecovered(ctx, h, n, sess)
		if err != nil && !errors.Is(err, ErrSilentDrop) {
			s.logger.Warn("notification handler failed",
				slog.String("method", n.Method), slog.String("err", err.Error()))
		}
		if reply != nil {
			return
		}
	}
}

func (s *Server) persist(ctx context.Context, sess *Session) error {
	doc, err := sess.Encode()
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, sess.ID(), doc); err != nil {
		return fmt.Errorf("failed to write session %s: %w", sess.ID(), err)
	}
	return nil
}

func (s *Server) maybeCollectGarbage() {
	if s.gcProbability <= 0 || rand.Float64() >= s.gcProbability {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.gcTimeout)
		defer cancel()

		ids, err := s.store.GC(ctx)
		if err != nil {
			s.logger.Error("session gc failed", slog.String("err", err.Error()))
			return
		}
		for _, id := range ids {
			s.subscriptions.removeSession(id.String())
		}
		if len(ids) > 0 {
			s.logger.Debug("session gc", slog.Int("deleted", len(ids)))
		}
	}()
}

func (s *Server) transportSender(t Transport) sender {
	return func(ctx context.Context, sessionID string, msg Message) error {
		bs, err := Encode(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		return t.Send(ctx, bs, SendContext{SessionID: sessionID, Kind: msg.Kind()})
	}
}

func containsInitialize(decoded []Decoded) bool {
	for _, d := range decoded {
		if req, ok := d.Message.(*Request); ok && req.Method == MethodInitialize {
			return true
		}
	}
	return false
}

// soleRequestID returns the id of the only request of a single-message payload, so a
// protocol failure can still be correlated by the peer.
func soleRequestID(decoded []Decoded) RequestID {
	if len(decoded) != 1 {
		return RequestID{}
	}
	if req, ok := decoded[0].Message.(*Request); ok {
		return req.ID
	}
	return RequestID{}
}

func failOutcome(status int, reply Message) Outcome {
	return Outcome{Replies: []Message{reply}, Status: status}
}

func nonNil(msg Message) []Message {
	if msg == nil {
		return nil
	}
	return []Message{msg}
}

type sessionLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[uuid.UUID]*sessionLock)}
}

// lock serializes processing cycles of one session and returns the unlock func.
func (l *sessionLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()

		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

type subscriptionIndex struct {
	mu   sync.RWMutex
	uris map[string]map[string]struct{}
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{uris: make(map[string]map[string]struct{})}
}

func (x *subscriptionIndex) add(uri, sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.uris[uri]
	if !ok {
		set = make(map[string]struct{})
		x.uris[uri] = set
	}
	set[sessionID] = struct{}{}
}

func (x *subscriptionIndex) remove(uri, sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.uris[uri], sessionID)
	if len(x.uris[uri]) == 0 {
		delete(x.uris, uri)
	}
}

func (x *subscriptionIndex) removeSession(sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for uri, set := range x.uris {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(x.uris, uri)
		}
	}
}

func (x *subscriptionIndex) sessions(uri string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]string, 0, len(x.uris[uri]))
	for id := range x.uris[uri] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
