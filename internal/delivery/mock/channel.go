// Package mock provides an in-memory delivery channel for tests and local
// development.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// Sent is one delivered plan.
type Sent struct {
	Recipient domain.Recipient
	Plan      *domain.ActionPlan
}

// Channel records deliveries instead of sending them.
type Channel struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  []Sent
	calls int
}

// NewChannel creates a mock channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Name returns "mock".
func (c *Channel) Name() string { return "mock" }

// SetError makes subsequent sends fail with err.
func (c *Channel) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// SetDelay makes subsequent sends wait d or until ctx is done.
func (c *Channel) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Send records the delivery.
func (c *Channel) Send(ctx context.Context, rcpt domain.Recipient, plan *domain.ActionPlan) (domain.Receipt, error) {
	c.mu.Lock()
	c.calls++
	n, delay, err := c.calls, c.delay, c.err
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Receipt{}, err
	}

	c.mu.Lock()
	c.sent = append(c.sent, Sent{Recipient: rcpt, Plan: plan})
	c.mu.Unlock()

	return domain.Receipt{MessageID: fmt.Sprintf("mock-%d", n), Channel: "mock"}, nil
}

// Sent returns a copy of every successful delivery.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// CallCount returns how many times Send was called.
func (c *Channel) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
