// Package mock provides test doubles for the transcribe package interfaces.
//
// Use Provider to verify that the caller connects with the expected Config.
// Use Conn to feed controlled Event values and inspect which chunks were
// delivered.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conn: conn}
//	c, _ := p.Connect(ctx, cfg)
//	conn.Emit(transcribe.Event{Seq: 0, Text: "Patient reports", IsFinal: true})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

const eventBuffer = 64

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg transcribe.Config
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a fresh Conn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, when non-nil, makes Connect wait until the channel is
	// closed or the context is done.
	ConnectGate chan struct{}

	// Caps is returned by Capabilities. A zero value reports base64 transport.
	Caps transcribe.Capabilities

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall

	// Conns holds every Conn handed out, in order.
	Conns []*Conn
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Conn, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: connect: %w: %w", transcribe.ErrConnect, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := p.Conn
	if c == nil {
		c = NewConn()
	}
	p.Conns = append(p.Conns, c)
	return c, nil
}

// Capabilities returns Caps, defaulting the name to "mock".
func (p *Provider) Capabilities() transcribe.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.Caps
	if caps.Name == "" {
		caps.Name = "mock"
	}
	return caps
}

// ConnectCallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConn returns the most recently handed-out Conn, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	return p.Conns[len(p.Conns)-1]
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)

// Conn is a mock implementation of transcribe.Conn.
type Conn struct {
	mu sync.Mutex

	events chan transcribe.Event
	done   chan struct{}
	closed bool
	err    error

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// SendGate, when non-nil, makes each Send wait until a value is received
	// from or the channel is closed, the context is done, or the Conn closes.
	SendGate chan struct{}

	// Attempts, when non-nil, receives every chunk passed to Send before
	// SendGate is consulted. Size the buffer for the test; a full channel
	// blocks Send.
	Attempts chan codec.EncodedChunk

	// OnSend, when non-nil, is called with every chunk at the start of Send.
	OnSend func(codec.EncodedChunk)

	// OnClose, when non-nil, is called by every Close.
	OnClose func()

	// Sent records every chunk delivered by Send, in order.
	Sent []codec.EncodedChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		events: make(chan transcribe.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Send records the chunk and returns SendErr.
func (c *Conn) Send(ctx context.Context, chunk codec.EncodedChunk) error {
	c.mu.Lock()
	gate := c.SendGate
	attempts := c.Attempts
	onSend := c.OnSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(chunk)
	}
	if attempts != nil {
		attempts <- chunk
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("mock: send: %w", transcribe.ErrClosed)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock: send: %w", transcribe.ErrClosed)
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := chunk
	cp.Data = append([]byte(nil), chunk.Data...)
	c.Sent = append(c.Sent, cp)
	return nil
}

// Events returns the event channel.
func (c *Conn) Events() <-chan transcribe.Event { return c.events }

// Err returns the error passed to Fail, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close records the call and closes the event channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.endLocked()
	hook := c.OnClose
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Emit delivers ev to the consumer. It reports false once the Conn is closed
// or the event buffer is full.
func (c *Conn) Emit(ev transcribe.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Fail ends the connection with err, as a dropped socket would.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.endLocked()
}

// SentSeqs returns the sequence numbers of all sent chunks. Thread-safe.
func (c *Conn) SentSeqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]uint64, len(c.Sent))
	for i, ch := range c.Sent {
		seqs[i] = ch.Seq
	}
	return seqs
}

// Closed reports whether the Conn has ended. Thread-safe.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns CloseCallCount. Thread-safe.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

func (c *Conn) endLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	close(c.events)
}

// Ensure Conn implements transcribe.Conn at compile time.
var _ transcribe.Conn = (*Conn)(nil)
