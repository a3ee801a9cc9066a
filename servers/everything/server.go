// Package everything is a demo capability set exercising every feature of the engine:
// tools with progress and log notifications, paginated static resources, a resource
// template with completions, prompts with arguments and resource subscriptions. It backs
// the mcp-engine binary and the integration tests; it is not meant for production use.
package everything

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/mcp"
)

// Notifier pushes resource updates to the subscribed sessions. *mcp.Server implements it.
type Notifier interface {
	NotifyResourceUpdated(ctx context.Context, uri string) error
}

// Server holds the demo registry and simulates resource updates.
type Server struct {
	registry       *mcp.MemoryRegistry
	updateInterval time.Duration
	stepUnit       time.Duration
	logger         *slog.Logger
}

// Option configures the demo Server.
type Option func(*Server)

// DefaultUpdateInterval is how often Run reports every resource as updated.
const DefaultUpdateInterval = 30 * time.Second

// WithUpdateInterval sets how often Run simulates resource updates.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.updateInterval = interval
	}
}

// WithStepUnit scales the durations given to longRunningOperation, which are seconds by
// default. Tests use it to run the operation in milliseconds.
func WithStepUnit(unit time.Duration) Option {
	return func(s *Server) {
		s.stepUnit = unit
	}
}

// WithLogger sets the logger of the demo Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer builds the demo registry.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		registry:       mcp.NewMemoryRegistry(),
		updateInterval: DefaultUpdateInterval,
		stepUnit:       time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "everything"))

	s.registerTools()
	if err := s.registerResources(); err != nil {
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}
	s.registerPrompts()
	return s, nil
}

// Registry returns the registry to hand to mcp.WithRegistry.
func (s *Server) Registry() *mcp.MemoryRegistry {
	return s.registry
}

// Run reports every static resource as updated once per interval, until ctx is done.
// Only sessions that subscribed to a resource receive its notification.
func (s *Server) Run(ctx context.Context, notifier Notifier) error {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for i := range resourceCount {
			uri := resourceURI(i + 1)
			if err := notifier.NotifyResourceUpdated(ctx, uri); err != nil {
				s.logger.Warn("failed to notify resource update",
					slog.String("uri", uri), slog.String("err", err.Error()))
			}
		}
	}
}

// log mirrors a call to the client of the current session, honouring its log level.
func (s *Server) log(ctx context.Context, level mcp.LogLevel, msg string) {
	type logData struct {
		Message string `json:"message"`
	}
	if err := mcp.EmitLog(ctx, level, "everything", logData{Message: msg}); err != nil {
		s.logger.Debug("failed to emit log", slog.String("err", err.Error()))
	}
}
