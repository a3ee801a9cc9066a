package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Transport is the server side of a communication medium. Each transport owns its execution
// model: Listen blocks running a read loop for persistent streams, or serves single-shot
// HTTP cycles until the context is done or Close is called.
type Transport interface {
	// Initialize performs one-time setup before Listen.
	Initialize() error

	// OnMessage registers the callback invoked for every inbound payload. sessionID is
	// empty when the peer did not name a session.
	OnMessage(fn func(ctx context.Context, payload []byte, sessionID string))

	// Send hands an encoded outbound payload to the transport. The context passed to the
	// OnMessage callback must be forwarded for replies, so request-scoped transports can
	// route them into the right response.
	Send(ctx context.Context, payload []byte, sc SendContext) error

	// OnSessionEnd registers the callback invoked when the peer ends a session.
	OnSessionEnd(fn func(sessionID string))

	// Listen runs the transport until ctx is done or Close is called.
	Listen(ctx context.Context) error

	// Close stops the transport and releases its resources.
	Close() error
}

// SessionChecker is implemented by transports that act on a session outside of a
// message cycle, such as opening a stream or ending the session. Serve registers a check
// returning nil for a live session, ErrSessionNotFound for an unknown or expired one and
// ErrInvalidSessionID for a malformed id.
type SessionChecker interface {
	OnSessionCheck(fn func(ctx context.Context, sessionID string) error)
}

// SendContext tells a transport how an outbound payload should be delivered.
type SendContext struct {
	SessionID string
	Kind      MessageKind
	// Status is the HTTP status hint for request-scoped transports; zero means 200.
	Status int
}

// ClientTransport is the client side of a communication medium.
type ClientTransport interface {
	// OnMessage registers the callback fed with every inbound payload. Transports call it
	// from their own I/O loop, or from Send itself when the reply arrives synchronously.
	OnMessage(fn func(payload []byte))

	// Connect starts the transport I/O loop.
	Connect(ctx context.Context) error

	// Send writes one encoded payload.
	Send(ctx context.Context, payload []byte) error

	// Close ends the connection.
	Close() error
}

// SessionStore persists encoded sessions. Implementations must treat data older than their
// TTL as absent, deleting it when read, and must tolerate concurrent use on distinct ids.
type SessionStore interface {
	Read(ctx context.Context, id uuid.UUID) ([]byte, bool, error)
	Write(ctx context.Context, id uuid.UUID, data []byte) error
	Destroy(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// GC removes expired sessions and returns their ids.
	GC(ctx context.Context) ([]uuid.UUID, error)
}

// MethodHandler handles one protocol method. Returning a nil Message and a nil error means
// "no reply": the engine moves on to the next handler registered for the same method.
type MethodHandler interface {
	Handle(ctx context.Context, msg Message, sess *Session) (Message, error)
}

// HandlerFunc adapts a function to MethodHandler.
type HandlerFunc func(ctx context.Context, msg Message, sess *Session) (Message, error)

// Handle implements MethodHandler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message, sess *Session) (Message, error) {
	return f(ctx, msg, sess)
}

// Page is one page of a Registry listing. An empty NextCursor marks the last page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Registry is the catalogue of capabilities a server exposes. Cursors are opaque to the
// engine; an invalid cursor should be reported with an error wrapping ErrInvalidParams.
type Registry interface {
	Tools(ctx context.Context, pageSize int, cursor string) (Page[Tool], error)
	Resources(ctx context.Context, pageSize int, cursor string) (Page[Resource], error)
	ResourceTemplates(ctx context.Context, pageSize int, cursor string) (Page[ResourceTemplate], error)
	Prompts(ctx context.Context, pageSize int, cursor string) (Page[Prompt], error)

	Tool(name string) (ToolReference, bool)
	// Resource resolves a concrete resource URI, including URIs matching a template.
	Resource(uri string) (ResourceReference, bool)
	ResourceTemplate(uriTemplate string) (ResourceTemplateReference, bool)
	Prompt(name string) (PromptReference, bool)
}

// Executor invokes registered references. Results are raw values the engine wraps into
// protocol results: a *Result struct of the right kind is used as is, strings become text
// content, other values are JSON encoded.
type Executor interface {
	CallTool(ctx context.Context, ref ToolReference, args json.RawMessage) (any, error)
	ReadResource(ctx context.Context, ref ResourceReference, uri string) (any, error)
	GetPrompt(ctx context.Context, ref PromptReference, args map[string]string) (any, error)
}

// CompletionProvider suggests values for one argument of a prompt or resource template.
type CompletionProvider interface {
	Complete(ctx context.Context, value string) ([]string, error)
}

// CompletionFunc adapts a function to CompletionProvider.
type CompletionFunc func(ctx context.Context, value string) ([]string, error)

// Complete implements CompletionProvider.
func (f CompletionFunc) Complete(ctx context.Context, value string) ([]string, error) {
	return f(ctx, value)
}

// ToolHandler runs a tool.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ResourceHandler reads a resource.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// PromptHandler renders a prompt.
type PromptHandler func(ctx context.Context, args map[string]string) (any, error)

// ToolReference pairs a tool definition with its handler.
type ToolReference struct {
	Tool    Tool
	Handler ToolHandler
}

// ResourceReference pairs a resource with its reader.
type ResourceReference struct {
	Resource Resource
	Handler  ResourceHandler
}

// ResourceTemplateReference pairs a resource template with the reader used for every URI
// it matches, and completion providers keyed by template variable.
type ResourceTemplateReference struct {
	Template    ResourceTemplate
	Handler     ResourceHandler
	Completions map[string]CompletionProvider
}

// PromptReference pairs a prompt with its renderer and completion providers keyed by
// argument name.
type PromptReference struct {
	Prompt      Prompt
	Handler     PromptHandler
	Completions map[string]CompletionProvider
}

// ProgressReporter emits a progress notification for the request being handled.
type ProgressReporter func(progress, total float64, message string)

// ProgressListener receives progress notifications on the client side.
type ProgressListener func(ProgressParams)

// LogReceiver receives notifications/message on the client side.
type LogReceiver func(LogParams)
