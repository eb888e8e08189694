package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("channel closed")
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation accepts the upper-case wire forms (INSERT, UPDATE, DELETE).
func ParseOperation(raw string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "insert":
		return OpInsert, true
	case "update":
		return OpUpdate, true
	case "delete":
		return OpDelete, true
	default:
		return "", false
	}
}

// ChangeEvent is one row-level change. New is absent on deletes and Old is
// often absent on inserts and updates; consumers must handle either missing.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusClosed       Status = "closed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
)

// Filter selects rows of Table whose Column equals Value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func (f Filter) String() string {
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

func (f Filter) validate() error {
	if strings.TrimSpace(f.Table) == "" || strings.TrimSpace(f.Column) == "" || strings.TrimSpace(f.Value) == "" {
		return fmt.Errorf("%w: filter requires table, column and value", ErrInvalidInput)
	}
	return nil
}

// Matches reports whether the event's record (new, falling back to old)
// carries the filter value in the filter column.
func (f Filter) Matches(event ChangeEvent) bool {
	if event.Table != f.Table {
		return false
	}
	for _, raw := range []json.RawMessage{event.New, event.Old} {
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		value, ok := row[f.Column]
		if !ok {
			continue
		}
		return fmt.Sprint(value) == f.Value
	}
	return false
}

type Handlers struct {
	OnEvent  func(ChangeEvent)
	OnStatus func(Status, error)
}

func (h Handlers) event(e ChangeEvent) {
	if h.OnEvent != nil {
		h.OnEvent(e)
	}
}

func (h Handlers) status(s Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

type Subscription interface {
	// Unsubscribe detaches the handlers. Safe to call more than once.
	Unsubscribe() error
}

// Channel delivers change events for filtered rows. Handlers of a single
// subscription are never invoked concurrently and events arrive in delivery
// order; an error from Subscribe means no handler will ever be called.
// Subscribe must not wait on an unreachable backend for longer than a
// bounded handshake: connectivity is reported through statuses.
type Channel interface {
	Subscribe(ctx context.Context, filter Filter, handlers Handlers) (Subscription, error)
}

type ChannelOptions struct {
	APIKey string
	Logger *zap.Logger
}

type ChannelFactory func(dsn string, opts ChannelOptions) (Channel, error)

var channelFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ChannelFactory
}{
	factories: map[string]ChannelFactory{},
}

func RegisterChannelFactory(scheme string, factory ChannelFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	channelFactoryRegistry.mu.Lock()
	defer channelFactoryRegistry.mu.Unlock()
	channelFactoryRegistry.factories[scheme] = factory
}

func lookupChannelFactory(scheme string) (ChannelFactory, bool) {
	channelFactoryRegistry.mu.RLock()
	defer channelFactoryRegistry.mu.RUnlock()
	factory, ok := channelFactoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildChannelFromDSN picks a channel implementation by URL scheme. An empty
// DSN yields a nil channel: the engine then runs on polling alone.
func BuildChannelFromDSN(dsn string, opts ChannelOptions) (Channel, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupChannelFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "ws", "wss":
		return NewWebsocketChannel(dsn, WebsocketOptions{APIKey: opts.APIKey, Logger: opts.Logger}), nil
	case "postgres", "postgresql":
		return NewPostgresChannel(dsn, PostgresOptions{Logger: opts.Logger})
	case "memory", "mem", "inmem":
		return NewMemoryChannel(), nil
	case "http", "https", "sse":
		return nil, fmt.Errorf("%w: realtime channel %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported realtime channel scheme: %s", scheme)
	}
}
