package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// StdIO is the server Transport for a persistent newline-delimited stream such as
// stdin/stdout. The stream carries the implicit single session of the process lifetime: the
// id is learned from the first reply that names one and sent along with every later
// inbound message.
type StdIO struct {
	conn   *lineConn
	logger *slog.Logger
	state  runState

	onMessage    func(ctx context.Context, payload []byte, sessionID string)
	onSessionEnd func(sessionID string)

	mu        sync.Mutex
	sessionID string
}

// StdIOClient is the ClientTransport over a newline-delimited stream, optionally owning the
// server process at the other end.
type StdIOClient struct {
	conn   *lineConn
	logger *slog.Logger
	state  runState
	cmd    *exec.Cmd

	onMessage func(payload []byte)
	loopDone  chan struct{}
}

// StdIOOption represents the options for the stdio transports.
type StdIOOption func(*stdIOConfig)

type stdIOConfig struct {
	logger *slog.Logger
}

// lineConn frames messages as single lines. Writes are serialized through one goroutine.
type lineConn struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan lineWrite
	done          chan struct{}
	closeOnce     sync.Once
	writeClosed   chan struct{}
}

type lineWrite struct {
	msg  []byte
	errs chan error
}

// WithStdIOLogger sets the logger for the stdio transports.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(c *stdIOConfig) {
		c.logger = logger
	}
}

func newStdIOConfig(component string, options []StdIOOption) stdIOConfig {
	cfg := stdIOConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With(slog.String("package", "mcp"), slog.String("component", component))
	return cfg
}

// NewStdIO creates a server transport reading from reader and writing to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	cfg := newStdIOConfig("stdio", options)
	return &StdIO{
		conn:   newLineConn(reader, writer, cfg.logger),
		logger: cfg.logger,
	}
}

// NewStdIOClient creates a client transport reading from reader and writing to writer.
func NewStdIOClient(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIOClient {
	cfg := newStdIOConfig("stdio-client", options)
	return &StdIOClient{
		conn:     newLineConn(reader, writer, cfg.logger),
		logger:   cfg.logger,
		loopDone: make(chan struct{}),
	}
}

// NewStdIOCommand creates a client transport talking to the process cmd describes. The
// process is started by Connect and killed by Close.
func NewStdIOCommand(cmd *exec.Cmd, options ...StdIOOption) (*StdIOClient, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	c := NewStdIOClient(stdout, stdin, options...)
	c.cmd = cmd
	return c, nil
}

// Initialize implements Transport.
func (s *StdIO) Initialize() error {
	if s.state.load() != stateIdle {
		return fmt.Errorf("stdio transport already started")
	}
	go s.conn.processWriteMessages()
	return nil
}

// OnMessage implements Transport.
func (s *StdIO) OnMessage(fn func(ctx context.Context, payload []byte, sessionID string)) {
	s.onMessage = fn
}

// OnSessionEnd implements Transport.
func (s *StdIO) OnSessionEnd(fn func(sessionID string)) {
	s.onSessionEnd = fn
}

// Listen implements Transport. It dispatches one message per line and returns at end of
// stream, ending the session.
func (s *StdIO) Listen(ctx context.Context) error {
	if !s.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("stdio transport is not idle")
	}

	err := s.conn.readLines(ctx, func(line []byte) {
		if s.onMessage != nil {
			s.onMessage(ctx, line, s.currentSession())
		}
	})

	if id := s.currentSession(); id != "" && s.onSessionEnd != nil {
		s.onSessionEnd(id)
	}
	return err
}

// Send implements Transport.
func (s *StdIO) Send(ctx context.Context, payload []byte, sc SendContext) error {
	if sc.SessionID != "" {
		s.mu.Lock()
		if s.sessionID == "" {
			s.sessionID = sc.SessionID
		}
		s.mu.Unlock()
	}
	return s.conn.write(ctx, payload)
}

// Close implements Transport.
func (s *StdIO) Close() error {
	if !s.state.beginClose() {
		return nil
	}
	s.conn.close()
	s.state.set(stateClosed)
	return nil
}

func (s *StdIO) currentSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// OnMessage implements ClientTransport.
func (c *StdIOClient) OnMessage(fn func(payload []byte)) {
	c.onMessage = fn
}

// Connect implements ClientTransport. It starts the command, if any, and the read loop.
func (c *StdIOClient) Connect(ctx context.Context) error {
	if !c.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("stdio client already connected")
	}
	if c.cmd != nil {
		if err := c.cmd.Start(); err != nil {
			c.state.set(stateClosed)
			return fmt.Errorf("failed to start server process: %w", err)
		}
	}

	go c.conn.processWriteMessages()
	go func() {
		defer close(c.loopDone)
		err := c.conn.readLines(context.WithoutCancel(ctx), func(line []byte) {
			if c.onMessage != nil {
				c.onMessage(line)
			}
		})
		if err != nil {
			c.logger.Error("read loop stopped", slog.String("err", err.Error()))
		}
	}()
	return nil
}

// Send implements ClientTransport.
func (c *StdIOClient) Send(ctx context.Context, payload []byte) error {
	if !c.state.running() {
		return ErrTransportClosed
	}
	return c.conn.write(ctx, payload)
}

// Close implements ClientTransport.
func (c *StdIOClient) Close() error {
	wasRunning := c.state.running()
	if !c.state.beginClose() {
		return nil
	}
	defer c.state.set(stateClosed)

	c.conn.close()
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if closer, ok := c.conn.writer.(io.Closer); ok {
		_ = closer.Close()
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop server process: %w", err)
	}
	_ = c.cmd.Wait()
	if wasRunning {
		<-c.loopDone
	}
	return nil
}

func newLineConn(reader io.Reader, writer io.Writer, logger *slog.Logger) *lineConn {
	return &lineConn{
		reader:        reader,
		writer:        writer,
		logger:        logger,
		writeMessages: make(chan lineWrite),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
}

// readLines feeds every non-empty line to fn until end of stream, ctx is done or the
// connection is closed. End of stream is not an error.
func (l *lineConn) readLines(ctx context.Context, fn func(line []byte)) error {
	type lineWithErr struct {
		line []byte
		err  error
	}
	lines := make(chan lineWithErr)

	// The reader goroutine may stay blocked in a read after we return; it exits on the
	// next line or when the underlying reader is closed.
	go func() {
		// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(l.reader)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 && err == nil {
				select {
				case lines <- lineWithErr{line: line}:
					continue
				case <-l.done:
					return
				}
			}
			if err != nil {
				if len(bytes.TrimSpace(line)) > 0 && errors.Is(err, io.EOF) {
					select {
					case lines <- lineWithErr{line: line}:
					case <-l.done:
						return
					}
				}
				select {
				case lines <- lineWithErr{err: err}:
				case <-l.done:
				}
				return
			}
		}
	}()

	for {
		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) || errors.Is(lwe.err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", lwe.err)
		}

		line := bytes.TrimSpace(lwe.line)
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
}

func (l *lineConn) write(ctx context.Context, payload []byte) error {
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, bytes.TrimRight(payload, "\r\n")...)
	msg = append(msg, '\n')

	w := lineWrite{msg: msg, errs: make(chan error, 1)}

	// Queue the message so concurrent senders never interleave lines.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		l.logger.Warn("connection closed while queueing message", slog.String("message", string(payload)))
		return ErrTransportClosed
	case l.writeMessages <- w:
	}

	select {
	case err := <-w.errs:
		if err != nil {
			l.logger.Error("failed to write message", slog.String("err", err.Error()))
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrTransportClosed
	}
}

func (l *lineConn) processWriteMessages() {
	defer close(l.writeClosed)

	for {
		var w lineWrite
		select {
		case <-l.done:
			return
		case w = <-l.writeMessages:
		}

		_, err := l.writer.Write(w.msg)
		w.errs <- err
	}
}

func (l *lineConn) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
