// Package portstest provides in-memory port implementations for tests.
package portstest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

// Conn records every envelope sent to it.
type Conn struct {
	id string

	mu       sync.Mutex
	sent     []events.Envelope
	closed   bool
	reason   string
	capacity int
	notify   chan struct{}
}

// NewConn creates a connection that accepts unlimited sends.
func NewConn(id string) *Conn {
	return &Conn{id: id, notify: make(chan struct{}, 1)}
}

// NewFullConn creates a connection whose buffer holds capacity envelopes;
// later sends are refused.
func NewFullConn(id string, capacity int) *Conn {
	c := NewConn(id)
	c.capacity = capacity
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(env events.Envelope) bool {
	c.mu.Lock()
	if c.closed || (c.capacity > 0 && len(c.sent) >= c.capacity) {
		c.mu.Unlock()
		return false
	}
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

// Closed reports whether Close was called, and with what reason.
func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// Sent returns a copy of everything sent so far.
func (c *Conn) Sent() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.sent...)
}

// Types lists the message types sent so far, in order.
func (c *Conn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, e := range c.sent {
		out[i] = e.Type
	}
	return out
}

// Last returns the most recent envelope of the given type.
func (c *Conn) Last(typ string) (events.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == typ {
			return c.sent[i], true
		}
	}
	return events.Envelope{}, false
}

// Count returns how many envelopes of the given type were sent.
func (c *Conn) Count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.sent {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// WaitFor blocks until an envelope of the given type arrives or timeout
// elapses.
func (c *Conn) WaitFor(typ string, timeout time.Duration) (events.Envelope, bool) {
	deadline := time.After(timeout)
	for {
		if env, ok := c.Last(typ); ok {
			return env, true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return events.Envelope{}, false
		}
	}
}

// Decode unmarshals env.Data into a T. Decoding errors yield the zero value.
func Decode[T any](env events.Envelope) T {
	var v T
	_ = json.Unmarshal(env.Data, &v)
	return v
}

// Reset forgets everything sent so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}
