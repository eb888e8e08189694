package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	pgChanges    = "postgres_changes"
	systemEvent  = "system"
)

type WebsocketOptions struct {
	APIKey            string
	Schema            string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *zap.Logger

	// Reconnect backoff after the socket drops: doubles from ReconnectMin
	// up to ReconnectMax, spread by ReconnectJitter (0..1).
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
}

// WebsocketChannel multiplexes every subscription over one socket using the
// Phoenix-style realtime protocol. The socket is dialed lazily by the first
// Subscribe. When it drops, live subscriptions see StatusClosed and are
// rejoined after a backoff; a successful rejoin reports StatusSubscribed again.
// A topic the server errors or closes on its own is rejoined the same way
// while the socket stays up.
type WebsocketChannel struct {
	endpoint string
	opts     WebsocketOptions
	logger   *zap.Logger
	done     chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	cancel       context.CancelFunc
	subs         map[string]*wsSubscription
	reconnecting bool
	closed       bool

	ref atomic.Uint64
}

type wsSubscription struct {
	owner    *WebsocketChannel
	topic    string
	filter   Filter
	handlers Handlers
	active   atomic.Bool

	deliverMu sync.Mutex
	joined    bool

	timerMu       sync.Mutex
	joinTimer     *time.Timer
	rejoinTimer   *time.Timer
	rejoinAttempt int
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type pgChangesPayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Schema    string          `json:"schema"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func NewWebsocketChannel(endpoint string, opts WebsocketOptions) *WebsocketChannel {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.ReconnectJitter == 0 {
		opts.ReconnectJitter = 0.2
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketChannel{
		endpoint: strings.TrimSpace(endpoint),
		opts:     opts,
		logger:   logger,
		done:     make(chan struct{}),
		subs:     map[string]*wsSubscription{},
	}
}

func (c *WebsocketChannel) Subscribe(ctx context.Context, filter Filter, handlers Handlers) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	sub := &wsSubscription{
		owner:    c,
		topic:    fmt.Sprintf("realtime:%s:%s", filter.Table, uuid.NewString()),
		filter:   filter,
		handlers: handlers,
	}
	sub.active.Store(true)

	c.mu.Lock()
	c.subs[sub.topic] = sub
	c.mu.Unlock()

	if err := c.join(ctx, conn, sub); err != nil {
		sub.stopJoinTimer()
		c.forget(sub)
		return nil, err
	}
	return sub, nil
}

// Close drops the socket and stops reconnecting. Live subscriptions receive
// StatusClosed.
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	cancel := c.cancel
	subs := c.activeSubsLocked()
	c.conn = nil
	c.cancel = nil
	c.subs = map[string]*wsSubscription{}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.deliverMu.Lock()
		sub.stopJoinTimer()
		sub.stopRejoinTimer()
		sub.notifyLocked(StatusClosed, ErrClosed)
		sub.deliverMu.Unlock()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (c *WebsocketChannel) join(ctx context.Context, conn *websocket.Conn, sub *wsSubscription) error {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": c.opts.Schema,
				"table":  sub.filter.Table,
				"filter": fmt.Sprintf("%s=eq.%s", sub.filter.Column, sub.filter.Value),
			}},
		},
	}
	sub.timerMu.Lock()
	if sub.joinTimer != nil {
		sub.joinTimer.Stop()
	}
	sub.joinTimer = time.AfterFunc(c.opts.JoinTimeout, sub.joinTimedOut)
	sub.timerMu.Unlock()
	return c.send(ctx, conn, sub.topic, phxJoin, payload)
}

func (c *WebsocketChannel) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	endpoint, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("apikey", c.opts.APIKey)
	}
	// c.mu is held for the handshake, so it must not outlive the join timeout.
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	go c.readLoop(loopCtx, conn)
	go c.heartbeat(loopCtx, conn)
	c.logger.Debug("realtime socket connected", zap.String("endpoint", c.endpoint))
	return conn, nil
}

func (c *WebsocketChannel) dialURL() (string, error) {
	parsed, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	if c.opts.APIKey != "" && q.Get("apikey") == "" {
		q.Set("apikey", c.opts.APIKey)
	}
	if q.Get("vsn") == "" {
		q.Set("vsn", "1.0.0")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (c *WebsocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("realtime frame ignored", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WebsocketChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, conn, "phoenix", phxHeartbeat, map[string]any{}); err != nil {
				c.logger.Warn("realtime heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (c *WebsocketChannel) dispatch(msg phxMessage) {
	c.mu.Lock()
	sub := c.subs[msg.Topic]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	switch msg.Event {
	case phxReply:
		var reply phxReplyPayload
		_ = json.Unmarshal(msg.Payload, &reply)
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		if sub.joined {
			return
		}
		sub.stopJoinTimer()
		if reply.Status == "ok" {
			sub.joined = true
			sub.resetRejoin()
			sub.notifyLocked(StatusSubscribed, nil)
			return
		}
		sub.notifyLocked(StatusChannelError, fmt.Errorf("join rejected: %s", strings.TrimSpace(string(reply.Response))))
	case pgChanges:
		var payload pgChangesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warn("realtime change payload ignored", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		op, ok := ParseOperation(payload.Data.Type)
		if !ok {
			return
		}
		table := payload.Data.Table
		if table == "" {
			table = sub.filter.Table
		}
		event := ChangeEvent{
			Table:     table,
			Operation: op,
			New:       nonNullRaw(payload.Data.Record),
			Old:       nonNullRaw(payload.Data.OldRecord),
		}
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		if sub.active.Load() && sub.handlers.OnEvent != nil {
			sub.handlers.OnEvent(event)
		}
	case phxError:
		c.topicLost(sub, StatusChannelError, errors.New("channel error"))
	case phxClose:
		c.topicLost(sub, StatusClosed, errors.New("channel closed by server"))
	case systemEvent:
		var payload struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		if payload.Status == "error" {
			c.topicLost(sub, StatusChannelError, errors.New(payload.Message))
		}
	}
}

// topicLost reports a server-side loss of one topic and schedules its
// rejoin. Repeated losses back off like socket reconnects.
func (c *WebsocketChannel) topicLost(sub *wsSubscription, status Status, cause error) {
	sub.deliverMu.Lock()
	sub.joined = false
	sub.stopJoinTimer()
	sub.notifyLocked(status, cause)
	sub.deliverMu.Unlock()
	if !sub.active.Load() {
		return
	}

	sub.timerMu.Lock()
	defer sub.timerMu.Unlock()
	if sub.rejoinTimer != nil {
		return
	}
	sub.rejoinAttempt++
	delay := jitteredInterval(backoffDelay(c.opts.ReconnectMin, c.opts.ReconnectMax, sub.rejoinAttempt), c.opts.ReconnectJitter, rand.Float64())
	c.logger.Warn("realtime topic lost", zap.String("topic", sub.topic), zap.Int("attempt", sub.rejoinAttempt), zap.Duration("retry_in", delay), zap.Error(cause))
	sub.rejoinTimer = time.AfterFunc(delay, func() { c.rejoin(sub) })
}

func (c *WebsocketChannel) rejoin(sub *wsSubscription) {
	sub.timerMu.Lock()
	sub.rejoinTimer = nil
	sub.timerMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	current := c.subs[sub.topic] == sub
	c.mu.Unlock()
	// Without a socket the reconnect loop rejoins every topic itself.
	if conn == nil || !current || !sub.active.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.JoinTimeout)
	defer cancel()
	if err := c.join(ctx, conn, sub); err != nil {
		c.logger.Warn("realtime topic rejoin failed", zap.String("topic", sub.topic), zap.Error(err))
	}
}

func (c *WebsocketChannel) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	subs := c.activeSubsLocked()
	retry := !c.closed && len(subs) > 0 && !c.reconnecting
	if retry {
		c.reconnecting = true
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.logger.Warn("realtime socket closed", zap.Int("subscriptions", len(subs)), zap.Error(cause))
	for _, sub := range subs {
		sub.deliverMu.Lock()
		sub.joined = false
		sub.stopJoinTimer()
		sub.stopRejoinTimer()
		sub.notifyLocked(StatusClosed, cause)
		sub.deliverMu.Unlock()
	}
	if retry {
		go c.reconnect()
	}
}

// reconnect redials with backoff and rejoins every live subscription. It
// gives up when the channel is closed or nothing is subscribed any more.
func (c *WebsocketChannel) reconnect() {
	for attempt := 1; ; attempt++ {
		delay := jitteredInterval(backoffDelay(c.opts.ReconnectMin, c.opts.ReconnectMax, attempt), c.opts.ReconnectJitter, rand.Float64())
		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			c.stopReconnecting()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		subs := c.activeSubsLocked()
		c.mu.Unlock()
		if len(subs) == 0 {
			c.stopReconnecting()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.JoinTimeout)
		conn, err := c.ensureConnected(ctx)
		if err != nil {
			cancel()
			if errors.Is(err, ErrClosed) {
				c.stopReconnecting()
				return
			}
			c.logger.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		// From here a new drop must be able to start its own retry loop.
		c.stopReconnecting()
		for _, sub := range subs {
			if !sub.active.Load() {
				continue
			}
			if err := c.join(ctx, conn, sub); err != nil {
				c.logger.Warn("realtime rejoin failed", zap.String("topic", sub.topic), zap.Error(err))
				break
			}
		}
		cancel()
		c.logger.Info("realtime socket reconnected", zap.Int("attempt", attempt), zap.Int("subscriptions", len(subs)))
		return
	}
}

func (c *WebsocketChannel) stopReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *WebsocketChannel) activeSubsLocked() []*wsSubscription {
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.active.Load() {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (c *WebsocketChannel) send(ctx context.Context, conn *websocket.Conn, topic, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(phxMessage{
		Topic:   topic,
		Event:   event,
		Payload: body,
		Ref:     strconv.FormatUint(c.ref.Add(1), 10),
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *WebsocketChannel) forget(sub *wsSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.topic] == sub {
		delete(c.subs, sub.topic)
	}
}

func (s *wsSubscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.stopJoinTimer()
	s.stopRejoinTimer()
	c := s.owner
	c.forget(s)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.send(ctx, conn, s.topic, phxLeave, map[string]any{}); err != nil {
		c.logger.Debug("realtime leave failed", zap.String("topic", s.topic), zap.Error(err))
	}
	return nil
}

func (s *wsSubscription) joinTimedOut() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.joined {
		return
	}
	s.notifyLocked(StatusTimedOut, errors.New("join timed out"))
}

func (s *wsSubscription) stopJoinTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

func (s *wsSubscription) stopRejoinTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
		s.rejoinTimer = nil
	}
}

func (s *wsSubscription) resetRejoin() {
	s.timerMu.Lock()
	s.rejoinAttempt = 0
	s.timerMu.Unlock()
}

func (s *wsSubscription) notifyLocked(status Status, err error) {
	if !s.active.Load() {
		return
	}
	s.handlers.status(status, err)
}

func nonNullRaw(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil
	}
	return raw
}
