package mcp

import (
	"context"
	"fmt"
	"sync"
)

// InProcessServer is the server half of an in-memory transport pair.
type InProcessServer struct {
	pipe  *inProcessPipe
	state runState

	onMessage    func(ctx context.Context, payload []byte, sessionID string)
	onSessionEnd func(sessionID string)

	mu        sync.Mutex
	sessionID string
}

// InProcessClient is the client half of an in-memory transport pair.
type InProcessClient struct {
	pipe  *inProcessPipe
	state runState

	onMessage func(payload []byte)
}

type inProcessPipe struct {
	toServer chan []byte
	toClient chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewInProcess returns a connected server and client transport exchanging payloads over
// channels. Like stdio, the pair carries one implicit session.
func NewInProcess() (*InProcessServer, *InProcessClient) {
	pipe := &inProcessPipe{
		toServer: make(chan []byte),
		toClient: make(chan []byte),
		done:     make(chan struct{}),
	}
	return &InProcessServer{pipe: pipe}, &InProcessClient{pipe: pipe}
}

// Initialize implements Transport.
func (s *InProcessServer) Initialize() error {
	if s.state.load() != stateIdle {
		return fmt.Errorf("in-process transport already started")
	}
	return nil
}

// OnMessage implements Transport.
func (s *InProcessServer) OnMessage(fn func(ctx context.Context, payload []byte, sessionID string)) {
	s.onMessage = fn
}

// OnSessionEnd implements Transport.
func (s *InProcessServer) OnSessionEnd(fn func(sessionID string)) {
	s.onSessionEnd = fn
}

// Listen implements Transport.
func (s *InProcessServer) Listen(ctx context.Context) error {
	if !s.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("in-process transport is not idle")
	}
	defer func() {
		if id := s.currentSession(); id != "" && s.onSessionEnd != nil {
			s.onSessionEnd(id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pipe.done:
			return nil
		case payload := <-s.pipe.toServer:
			if s.onMessage != nil {
				s.onMessage(ctx, payload, s.currentSession())
			}
		}
	}
}

// Send implements Transport.
func (s *InProcessServer) Send(ctx context.Context, payload []byte, sc SendContext) error {
	if sc.SessionID != "" {
		s.mu.Lock()
		if s.sessionID == "" {
			s.sessionID = sc.SessionID
		}
		s.mu.Unlock()
	}
	return s.pipe.deliver(ctx, s.pipe.toClient, payload)
}

// Close implements Transport.
func (s *InProcessServer) Close() error {
	if s.state.beginClose() {
		s.pipe.close()
		s.state.set(stateClosed)
	}
	return nil
}

func (s *InProcessServer) currentSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// OnMessage implements ClientTransport.
func (c *InProcessClient) OnMessage(fn func(payload []byte)) {
	c.onMessage = fn
}

// Connect implements ClientTransport.
func (c *InProcessClient) Connect(context.Context) error {
	if !c.state.transition(stateIdle, stateRunning) {
		return fmt.Errorf("in-process client already connected")
	}
	go func() {
		for {
			select {
			case <-c.pipe.done:
				return
			case payload := <-c.pipe.toClient:
				if c.onMessage != nil {
					c.onMessage(payload)
				}
			}
		}
	}()
	return nil
}

// Send implements ClientTransport.
func (c *InProcessClient) Send(ctx context.Context, payload []byte) error {
	if !c.state.running() {
		return ErrTransportClosed
	}
	return c.pipe.deliver(ctx, c.pipe.toServer, payload)
}

// Close implements ClientTransport. Closing either half closes the pair.
func (c *InProcessClient) Close() error {
	if c.state.beginClose() {
		c.pipe.close()
		c.state.set(stateClosed)
	}
	return nil
}

func (p *inProcessPipe) deliver(ctx context.Context, ch chan []byte, payload []byte) error {
	msg := make([]byte, len(payload))
	copy(msg, payload)

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrTransportClosed
	}
}

func (p *inProcessPipe) close() {
	p.once.Do(func() { close(p.done) })
}
