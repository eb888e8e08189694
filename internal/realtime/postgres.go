package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultNotifyChannel = "campaign_changes"

type PostgresOptions struct {
	// NotifyChannel is the LISTEN channel the database triggers publish to.
	NotifyChannel        string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	Logger               *zap.Logger
}

// notificationListener is the part of *pq.Listener the channel uses.
type notificationListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type listenerFactory func(dsn string, minReconnect, maxReconnect time.Duration, callback pq.EventCallbackType) notificationListener

// PostgresChannel fans NOTIFY payloads from one LISTEN connection out to
// subscriptions. Triggers are expected to publish
// {"table","type","record","old_record"} as the notification payload.
type PostgresChannel struct {
	dsn         string
	opts        PostgresOptions
	logger      *zap.Logger
	newListener listenerFactory

	mu        sync.Mutex
	listener  notificationListener
	connected bool
	failing   bool
	closed    bool
	subs      []*pgSubscription
	stop      chan struct{}
}

type pgSubscription struct {
	owner     *PostgresChannel
	filter    Filter
	handlers  Handlers
	active    atomic.Bool
	deliverMu sync.Mutex
}

type pgNotifyPayload struct {
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

func NewPostgresChannel(dsn string, opts PostgresOptions) (*PostgresChannel, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(opts.NotifyChannel) == "" {
		opts.NotifyChannel = defaultNotifyChannel
	}
	if opts.MinReconnectInterval <= 0 {
		opts.MinReconnectInterval = 500 * time.Millisecond
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresChannel{
		dsn:    dsn,
		opts:   opts,
		logger: logger,
		newListener: func(dsn string, minReconnect, maxReconnect time.Duration, callback pq.EventCallbackType) notificationListener {
			return pq.NewListener(dsn, minReconnect, maxReconnect, callback)
		},
	}, nil
}

// Subscribe registers the subscription and returns without waiting for the
// database. StatusSubscribed follows once the listener is connected;
// failed connection attempts report StatusChannelError.
func (c *PostgresChannel) Subscribe(ctx context.Context, filter Filter, handlers Handlers) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &pgSubscription{owner: c, filter: filter, handlers: handlers}
	sub.active.Store(true)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs = append(c.subs, sub)
	connected := c.connected
	c.ensureListeningLocked()
	c.mu.Unlock()

	if connected {
		sub.notify(StatusSubscribed, nil)
	}
	return sub, nil
}

// Close stops the listener; live subscriptions receive StatusClosed.
func (c *PostgresChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listener := c.listener
	stop := c.stop
	subs := c.subs
	c.listener = nil
	c.stop = nil
	c.subs = nil
	c.connected = false
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	for _, sub := range subs {
		sub.notify(StatusClosed, ErrClosed)
	}
	if listener == nil {
		return nil
	}
	return listener.Close()
}

// ensureListeningLocked starts the shared listener once. pq's Listen waits
// for a live connection, so it runs on its own goroutine; connectivity is
// reported through onListenerEvent. The listener is stored before c.mu is
// released, so its callbacks always find it.
func (c *PostgresChannel) ensureListeningLocked() {
	if c.listener != nil {
		return
	}
	listener := c.newListener(c.dsn, c.opts.MinReconnectInterval, c.opts.MaxReconnectInterval, c.onListenerEvent)
	stop := make(chan struct{})
	c.listener = listener
	c.stop = stop
	go c.listen(listener, stop)
	go c.run(listener.NotificationChannel(), stop)
}

func (c *PostgresChannel) listen(listener notificationListener, stop <-chan struct{}) {
	err := listener.Listen(c.opts.NotifyChannel)
	if err == nil {
		return
	}
	select {
	case <-stop:
		return
	default:
	}
	c.logger.Warn("realtime listen failed", zap.String("channel", c.opts.NotifyChannel), zap.Error(err))
	c.mu.Lock()
	c.connected = false
	c.failing = true
	subs := append([]*pgSubscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.notify(StatusChannelError, err)
	}
}

func (c *PostgresChannel) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		c.setConnected(true, nil)
	case pq.ListenerEventDisconnected:
		c.setConnected(false, err)
	case pq.ListenerEventConnectionAttemptFailed:
		c.logger.Warn("realtime listener connection attempt failed", zap.Error(err))
		c.reportFailure(err)
	}
}

// reportFailure tells subscribers about the first failed attempt of a
// disconnected stretch; the retries that follow stay quiet.
func (c *PostgresChannel) reportFailure(cause error) {
	c.mu.Lock()
	if c.listener == nil || c.connected || c.failing {
		c.mu.Unlock()
		return
	}
	c.failing = true
	subs := append([]*pgSubscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.notify(StatusChannelError, cause)
	}
}

func (c *PostgresChannel) setConnected(connected bool, cause error) {
	c.mu.Lock()
	if c.listener == nil || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	c.failing = false
	subs := append([]*pgSubscription(nil), c.subs...)
	c.mu.Unlock()

	status := StatusSubscribed
	if !connected {
		status = StatusClosed
		c.logger.Warn("realtime listener disconnected", zap.Error(cause))
	}
	for _, sub := range subs {
		sub.notify(status, cause)
	}
}

func (c *PostgresChannel) run(notifications <-chan *pq.Notification, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// pq sends nil after a reconnect; the reconnect event already
			// told subscribers to resynchronise.
			if n == nil {
				continue
			}
			event, ok := c.decode(n.Extra)
			if !ok {
				continue
			}
			c.route(event)
		}
	}
}

func (c *PostgresChannel) decode(extra string) (ChangeEvent, bool) {
	var payload pgNotifyPayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		c.logger.Warn("realtime notification ignored", zap.Error(err))
		return ChangeEvent{}, false
	}
	op, ok := ParseOperation(payload.Type)
	if !ok || strings.TrimSpace(payload.Table) == "" {
		return ChangeEvent{}, false
	}
	return ChangeEvent{
		Table:     payload.Table,
		Operation: op,
		New:       nonNullRaw(payload.Record),
		Old:       nonNullRaw(payload.OldRecord),
	}, true
}

func (c *PostgresChannel) route(event ChangeEvent) {
	c.mu.Lock()
	subs := append([]*pgSubscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		sub.deliverMu.Lock()
		if sub.active.Load() && sub.handlers.OnEvent != nil {
			sub.handlers.OnEvent(event)
		}
		sub.deliverMu.Unlock()
	}
}

func (s *pgSubscription) notify(status Status, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.active.Load() {
		s.handlers.status(status, err)
	}
}

func (s *pgSubscription) Unsubscribe() error {
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
