package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

type contextKey int

const (
	sessionContextKey contextKey = iota
	senderContextKey
	attributesContextKey
	progressTokenContextKey
)

// sender delivers server-initiated messages while a processing cycle runs.
type sender func(ctx context.Context, sessionID string, msg Message) error

// WithRequestAttributes attaches authorization attributes to ctx. The engine copies them
// into the _meta object of every request it dispatches under ctx and never inspects them.
func WithRequestAttributes(ctx context.Context, attrs map[string]any) context.Context {
	return context.WithValue(ctx, attributesContextKey, attrs)
}

func requestAttributes(ctx context.Context) map[string]any {
	attrs, _ := ctx.Value(attributesContextKey).(map[string]any)
	return attrs
}

// SessionFromContext returns the session a handler runs under.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*Session)
	return sess, ok
}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

func withSender(ctx context.Context, fn sender) context.Context {
	return context.WithValue(ctx, senderContextKey, fn)
}

func withProgressToken(ctx context.Context, token RequestID) context.Context {
	return context.WithValue(ctx, progressTokenContextKey, token)
}

// ProgressFromContext returns a reporter bound to the request being handled. When the
// request carried no progress token, or no transport is attached, the reporter does nothing.
func ProgressFromContext(ctx context.Context) ProgressReporter {
	token, ok := ctx.Value(progressTokenContextKey).(RequestID)
	send, hasSender := ctx.Value(senderContextKey).(sender)
	sess, hasSession := SessionFromContext(ctx)
	if !ok || !hasSender || !hasSession {
		return func(float64, float64, string) {}
	}
	return func(progress, total float64, message string) {
		n, err := NewNotification(MethodNotificationsProgress, ProgressParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
		if err != nil {
			return
		}
		_ = send(ctx, sess.ID().String(), n)
	}
}

// EmitLog sends a notifications/message to the client of the current session when level
// reaches the minimum the client set with logging/setLevel (info by default).
func EmitLog(ctx context.Context, level LogLevel, logger string, data any) error {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return fmt.Errorf("no session in context")
	}
	send, ok := ctx.Value(senderContextKey).(sender)
	if !ok {
		return fmt.Errorf("no transport in context")
	}

	minLevel := LogLevelInfo
	if name, ok := SessionValue[string](sess, SessionKeyLogLevel); ok {
		if lvl, err := ParseLogLevel(name); err == nil {
			minLevel = lvl
		}
	}
	if level < minLevel {
		return nil
	}

	dataBs, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	n, err := NewNotification(MethodNotificationsMessage, LogParams{Level: level, Logger: logger, Data: dataBs})
	if err != nil {
		return fmt.Errorf("failed to build log notification: %w", err)
	}
	return send(ctx, sess.ID().String(), n)
}
