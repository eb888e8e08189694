package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryChannel is an in-process channel. Publish delivers synchronously to
// every matching subscription in subscription order.
type MemoryChannel struct {
	mu         sync.Mutex
	deliverMu  sync.Mutex
	subs       []*memorySubscription
	manualAck  bool
	failWith   error
	subscribed int
}

type memorySubscription struct {
	owner    *MemoryChannel
	filter   Filter
	handlers Handlers
	active   atomic.Bool
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

// SetManualAck stops Subscribe from acknowledging on its own; call Ack or
// Broadcast to drive statuses.
func (c *MemoryChannel) SetManualAck(manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualAck = manual
}

// FailSubscribe makes subsequent Subscribe calls return err (nil restores).
func (c *MemoryChannel) FailSubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *MemoryChannel) Subscribe(_ context.Context, filter Filter, handlers Handlers) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.failWith != nil {
		err := c.failWith
		c.mu.Unlock()
		return nil, err
	}
	sub := &memorySubscription{owner: c, filter: filter, handlers: handlers}
	sub.active.Store(true)
	c.subs = append(c.subs, sub)
	c.subscribed++
	manual := c.manualAck
	c.mu.Unlock()

	if !manual {
		c.deliverMu.Lock()
		handlers.status(StatusSubscribed, nil)
		c.deliverMu.Unlock()
	}
	return sub, nil
}

func (c *MemoryChannel) Publish(event ChangeEvent) int {
	delivered := 0
	for _, sub := range c.snapshot() {
		if !sub.filter.Matches(event) {
			continue
		}
		c.deliverMu.Lock()
		if sub.active.Load() {
			sub.handlers.event(event)
			delivered++
		}
		c.deliverMu.Unlock()
	}
	return delivered
}

// Ack reports subscribed to every live subscription on table.
func (c *MemoryChannel) Ack(table string) {
	for _, sub := range c.snapshot() {
		if sub.filter.Table != table {
			continue
		}
		c.deliver(sub, StatusSubscribed, nil)
	}
}

// Broadcast reports status to every live subscription.
func (c *MemoryChannel) Broadcast(status Status, err error) {
	for _, sub := range c.snapshot() {
		c.deliver(sub, status, err)
	}
}

// Active returns the number of live subscriptions.
func (c *MemoryChannel) Active() int {
	return len(c.snapshot())
}

// Subscribed returns how many subscriptions were ever opened.
func (c *MemoryChannel) Subscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *MemoryChannel) deliver(sub *memorySubscription, status Status, err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if sub.active.Load() {
		sub.handlers.status(status, err)
	}
}

func (c *MemoryChannel) snapshot() []*memorySubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*memorySubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.active.Load() {
			out = append(out, sub)
		}
	}
	return out
}

func (s *memorySubscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	c := s.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	return nil
}
