// Package reconcile keeps a local projection of one campaign (its row, chat
// messages and assets) in step with the backend. Change notifications are
// merged as they arrive; anomalies and connection loss fall back to full
// refetches, debounced and never overlapping.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/campaignsync/internal/campaign"
	"github.com/agentworkforce/campaignsync/internal/realtime"
	"github.com/agentworkforce/campaignsync/internal/schedule"
	"github.com/agentworkforce/campaignsync/internal/snapshot"
)

const (
	DefaultDebounceWindow = 300 * time.Millisecond
	DefaultPollInterval   = 3000 * time.Millisecond

	MissingCampaignIDMessage = "No campaign ID provided"
	loadFailurePrefix        = "Failed to load campaign: "
)

// ErrNotAttached is returned by Refetch when no campaign is attached, or the
// attachment it started under has since been replaced.
var ErrNotAttached = errors.New("engine not attached")

type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// State is an immutable copy of the projection plus sync status.
type State struct {
	CampaignID       string
	Campaign         *campaign.Campaign
	Messages         []campaign.Message
	Assets           []campaign.Asset
	Loading          bool
	Error            string
	ConnectionStatus ConnectionStatus
}

// Canvas groups the projected assets the way the canvas endpoint does.
func (s State) Canvas() campaign.Canvas {
	return campaign.BuildCanvas(s.Campaign, s.Assets)
}

type Options struct {
	Store     campaign.RecordStore
	Channel   realtime.Channel
	Scheduler schedule.Scheduler
	Snapshots snapshot.Store
	Validator *campaign.RecordValidator
	Logger    *zap.Logger

	DebounceWindow time.Duration
	PollInterval   time.Duration
	// ResyncOnAssetChange schedules a debounced refetch after every asset
	// event, on top of merging it.
	ResyncOnAssetChange bool
}

type Engine struct {
	store      campaign.RecordStore
	channel    realtime.Channel
	scheduler  schedule.Scheduler
	snapshots  snapshot.Store
	validator  *campaign.RecordValidator
	logger     *zap.Logger
	debounce   time.Duration
	poll       time.Duration
	assetSync  bool
	refetchers singleflight.Group

	mu            sync.Mutex
	gen           uint64
	attached      bool
	campaignID    string
	lifetime      context.Context
	cancel        context.CancelFunc
	proj          projection
	loading       bool
	errMsg        string
	subs          []realtime.Subscription
	acked         map[string]bool
	connected     bool
	lostLink      bool
	refetching    bool
	debounceTimer schedule.Timer
	pollTimer     schedule.Timer
	version       uint64

	notifyMu  sync.Mutex
	notified  uint64
	observers []func(State)
}

var watchedTables = []string{campaign.TableCampaigns, campaign.TableMessages, campaign.TableAssets}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: record store is required", campaign.ErrInvalidInput)
	}
	validator := opts.Validator
	if validator == nil {
		v, err := campaign.NewRecordValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = schedule.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Engine{
		store:     opts.Store,
		channel:   opts.Channel,
		scheduler: scheduler,
		snapshots: opts.Snapshots,
		validator: validator,
		logger:    logger,
		debounce:  debounce,
		poll:      poll,
		assetSync: opts.ResyncOnAssetChange,
		proj:      newProjection(),
	}, nil
}

// OnChange registers fn to receive every new state. Calls are serialised and
// never deliver an older state after a newer one.
func (e *Engine) OnChange(fn func(State)) {
	if fn == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Attach binds the engine to campaignID: initial load, then change
// subscriptions. It returns the state after the initial load; an engine that
// is already attached is detached first.
func (e *Engine) Attach(ctx context.Context, campaignID string) State {
	e.Detach()
	campaignID = strings.TrimSpace(campaignID)

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.campaignID = campaignID
	e.proj = newProjection()
	e.acked = map[string]bool{}
	e.connected = false
	e.lostLink = false
	e.refetching = false
	if campaignID == "" {
		e.loading = false
		e.errMsg = MissingCampaignIDMessage
		state, version := e.publishLocked()
		e.mu.Unlock()
		e.notify(state, version)
		return state
	}
	e.attached = true
	e.lifetime, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.loading = true
	e.errMsg = ""
	state, version := e.publishLocked()
	e.mu.Unlock()
	e.notify(state, version)

	log := e.logger.With(zap.String("campaign_id", campaignID))
	log.Debug("attaching")
	e.seedFromSnapshot(ctx, gen, campaignID)

	if err := e.Refetch(ctx); err != nil && !errors.Is(err, ErrNotAttached) {
		log.Warn("initial load failed", zap.Error(err))
	}

	e.mu.Lock()
	if gen != e.gen {
		state := e.stateLocked()
		e.mu.Unlock()
		return state
	}
	e.loading = false
	state, version = e.publishLocked()
	e.mu.Unlock()
	e.notify(state, version)

	e.subscribe(gen, campaignID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.updatePollingLocked()
	}
	return e.stateLocked()
}

// Detach releases subscriptions, timers and the in-flight fetch. It is safe
// to call repeatedly; callbacks from the old attachment become no-ops.
func (e *Engine) Detach() {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return
	}
	e.gen++
	e.attached = false
	e.connected = false
	subs := e.subs
	e.subs = nil
	stopTimer(&e.debounceTimer)
	stopTimer(&e.pollTimer)
	cancel := e.cancel
	e.cancel = nil
	campaignID := e.campaignID
	state, version := e.publishLocked()
	e.mu.Unlock()

	cancel()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", zap.String("campaign_id", campaignID), zap.Error(err))
		}
	}
	e.logger.Debug("detached", zap.String("campaign_id", campaignID))
	e.notify(state, version)
}

// Refetch runs a full fetch now. Concurrent callers share the call already
// in flight.
func (e *Engine) Refetch(ctx context.Context) error {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return ErrNotAttached
	}
	gen, campaignID := e.gen, e.campaignID
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err, _ := e.refetchers.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, e.refresh(ctx, gen, campaignID)
	})
	return err
}

func (e *Engine) refresh(ctx context.Context, gen uint64, campaignID string) error {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return ErrNotAttached
	}
	e.refetching = true
	lifetime := e.lifetime
	e.mu.Unlock()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	c, messages, assets, err := e.fetchAll(fetchCtx, campaignID)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return ErrNotAttached
	}
	e.refetching = false
	if err != nil {
		e.errMsg = loadFailurePrefix + err.Error()
		state, version := e.publishLocked()
		e.mu.Unlock()
		e.notify(state, version)
		e.logger.Warn("campaign load failed", zap.String("campaign_id", campaignID), zap.Error(err))
		return err
	}
	e.proj.replace(&c, messages, assets)
	e.errMsg = ""
	state, version := e.publishLocked()
	e.mu.Unlock()
	e.notify(state, version)
	e.logger.Debug("campaign loaded",
		zap.String("campaign_id", campaignID),
		zap.Int("messages", len(state.Messages)),
		zap.Int("assets", len(state.Assets)))

	e.saveSnapshot(lifetime, state)
	return nil
}

// fetchAll reads the three tables concurrently; any failure fails the whole
// fetch.
func (e *Engine) fetchAll(ctx context.Context, campaignID string) (campaign.Campaign, []campaign.Message, []campaign.Asset, error) {
	var (
		c        campaign.Campaign
		messages []campaign.Message
		assets   []campaign.Asset
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		c, err = e.store.GetCampaign(gctx, campaignID)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = e.store.ListMessages(gctx, campaignID)
		return err
	})
	g.Go(func() error {
		var err error
		assets, err = e.store.ListAssets(gctx, campaignID)
		return err
	})
	if err := g.Wait(); err != nil {
		return campaign.Campaign{}, nil, nil, err
	}
	return c, messages, assets, nil
}

func (e *Engine) seedFromSnapshot(ctx context.Context, gen uint64, campaignID string) {
	if e.snapshots == nil {
		return
	}
	snap, err := e.snapshots.Load(ctx, campaignID)
	if err != nil {
		e.logger.Warn("snapshot load failed", zap.String("campaign_id", campaignID), zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.proj.replace(snap.Campaign, snap.Messages, snap.Assets)
	state, version := e.publishLocked()
	e.mu.Unlock()
	e.notify(state, version)
}

func (e *Engine) saveSnapshot(ctx context.Context, state State) {
	if e.snapshots == nil {
		return
	}
	err := e.snapshots.Save(ctx, snapshot.Snapshot{
		CampaignID: state.CampaignID,
		Campaign:   state.Campaign,
		Messages:   state.Messages,
		Assets:     state.Assets,
		SavedAt:    time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("snapshot save failed", zap.String("campaign_id", state.CampaignID), zap.Error(err))
	}
}

// subscribe opens one subscription per watched table. Handlers may run
// inside Subscribe, so e.mu is not held across it.
func (e *Engine) subscribe(gen uint64, campaignID string) {
	if e.channel == nil {
		return
	}
	e.mu.Lock()
	lifetime := e.lifetime
	e.mu.Unlock()

	for _, table := range watchedTables {
		column := "campaign_id"
		if table == campaign.TableCampaigns {
			column = "id"
		}
		table := table
		sub, err := e.channel.Subscribe(lifetime, realtime.Filter{Table: table, Column: column, Value: campaignID}, realtime.Handlers{
			OnEvent: func(event realtime.ChangeEvent) {
				e.onEvent(gen, event)
			},
			OnStatus: func(status realtime.Status, err error) {
				e.onStatus(gen, table, status, err)
			},
		})
		if err != nil {
			e.logger.Warn("realtime subscribe failed; polling instead",
				zap.String("campaign_id", campaignID), zap.String("table", table), zap.Error(err))
			continue
		}
		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			_ = sub.Unsubscribe()
			return
		}
		e.subs = append(e.subs, sub)
		e.mu.Unlock()
	}
}

func (e *Engine) onStatus(gen uint64, table string, status realtime.Status, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.acked[table] = status == realtime.StatusSubscribed
	if status != realtime.StatusSubscribed {
		e.logger.Warn("realtime channel lost",
			zap.String("campaign_id", e.campaignID), zap.String("table", table),
			zap.String("status", string(status)), zap.Error(err))
	}

	was := e.connected
	now := true
	for _, t := range watchedTables {
		if !e.acked[t] {
			now = false
			break
		}
	}
	e.connected = now
	if was == now {
		e.mu.Unlock()
		return
	}
	if now && e.lostLink {
		e.lostLink = false
		e.scheduleResyncLocked("reconnected")
	}
	if !now {
		e.lostLink = true
	}
	e.updatePollingLocked()
	state, version := e.publishLocked()
	e.mu.Unlock()
	e.logger.Debug("connection status changed", zap.String("status", string(state.ConnectionStatus)))
	e.notify(state, version)
}

func (e *Engine) onEvent(gen uint64, event realtime.ChangeEvent) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	changed, anomaly := e.applyLocked(event)
	if anomaly != "" {
		e.logger.Warn("change event needs resync",
			zap.String("campaign_id", e.campaignID), zap.String("table", event.Table),
			zap.String("operation", string(event.Operation)), zap.String("reason", anomaly))
		e.scheduleResyncLocked(anomaly)
	} else if e.assetSync && event.Table == campaign.TableAssets {
		e.scheduleResyncLocked("asset changed")
	}
	if !changed {
		e.mu.Unlock()
		return
	}
	state, version := e.publishLocked()
	e.mu.Unlock()
	e.notify(state, version)
}

// applyLocked merges one event into the projection. It reports whether the
// projection changed and, when the event cannot be merged safely, why.
func (e *Engine) applyLocked(event realtime.ChangeEvent) (bool, string) {
	// Messages are immutable once inserted.
	if event.Table == campaign.TableMessages && event.Operation != realtime.OpInsert {
		return false, ""
	}
	raw := event.New
	if event.Operation == realtime.OpDelete {
		raw = event.Old
	}
	if len(raw) > 0 {
		if err := e.validator.Validate(event.Table, raw); err != nil {
			if errors.Is(err, campaign.ErrNotImplemented) {
				return false, ""
			}
			return false, "invalid record: " + err.Error()
		}
	}

	switch event.Table {
	case campaign.TableCampaigns:
		if event.Operation == realtime.OpDelete {
			if e.proj.campaign == nil {
				return false, ""
			}
			e.proj.campaign = nil
			return true, ""
		}
		c, err := decodeRecord[campaign.Campaign](event.New)
		if err != nil {
			return false, err.Error()
		}
		if c.ID != e.campaignID {
			return false, ""
		}
		e.proj.campaign = &c
		return true, ""

	case campaign.TableMessages:
		m, err := decodeRecord[campaign.Message](event.New)
		if err != nil {
			return false, err.Error()
		}
		if m.CampaignID != "" && m.CampaignID != e.campaignID {
			return false, ""
		}
		return e.proj.insertMessage(m), ""

	case campaign.TableAssets:
		switch event.Operation {
		case realtime.OpInsert:
			a, err := decodeRecord[campaign.Asset](event.New)
			if err != nil {
				return false, err.Error()
			}
			return e.proj.insertAsset(a), ""
		case realtime.OpUpdate:
			a, err := decodeRecord[campaign.Asset](event.New)
			if err != nil {
				return false, err.Error()
			}
			if !e.proj.updateAsset(a) {
				return false, "update for unknown asset " + a.ID
			}
			return true, ""
		case realtime.OpDelete:
			id := recordID(event.Old)
			if id == "" {
				return false, "delete without asset id"
			}
			if !e.proj.deleteAsset(id) {
				return false, "delete for unknown asset " + id
			}
			return true, ""
		}
	}
	return false, ""
}

// scheduleResyncLocked (re)starts the quiet window; only the last call in a
// burst leads to a refetch.
func (e *Engine) scheduleResyncLocked(reason string) {
	stopTimer(&e.debounceTimer)
	gen := e.gen
	e.debounceTimer = e.scheduler.AfterFunc(e.debounce, func() {
		e.onDebounce(gen, reason)
	})
}

func (e *Engine) onDebounce(gen uint64, reason string) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.debounceTimer = nil
	if e.refetching {
		e.mu.Unlock()
		e.logger.Debug("resync dropped; refetch already running", zap.String("reason", reason))
		return
	}
	lifetime := e.lifetime
	e.mu.Unlock()
	e.logger.Debug("resyncing", zap.String("reason", reason))
	_ = e.Refetch(lifetime)
}

// updatePollingLocked arms the poll timer while disconnected and disarms it
// once connected.
func (e *Engine) updatePollingLocked() {
	if !e.attached || e.connected {
		stopTimer(&e.pollTimer)
		return
	}
	if e.pollTimer != nil {
		return
	}
	gen := e.gen
	e.pollTimer = e.scheduler.AfterFunc(e.poll, func() {
		e.onPoll(gen)
	})
}

func (e *Engine) onPoll(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.pollTimer = nil
	if e.connected {
		e.mu.Unlock()
		return
	}
	busy := e.refetching
	lifetime := e.lifetime
	e.mu.Unlock()

	if !busy {
		_ = e.Refetch(lifetime)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.updatePollingLocked()
	}
}

// publishLocked snapshots the state for observers, stamping it so notify can
// discard anything older than what was already delivered.
func (e *Engine) publishLocked() (State, uint64) {
	e.version++
	return e.stateLocked(), e.version
}

func (e *Engine) stateLocked() State {
	state := State{
		CampaignID:       e.campaignID,
		Messages:         append([]campaign.Message{}, e.proj.messages...),
		Assets:           append([]campaign.Asset{}, e.proj.assets...),
		Loading:          e.loading,
		Error:            e.errMsg,
		ConnectionStatus: Disconnected,
	}
	if e.connected {
		state.ConnectionStatus = Connected
	}
	if e.proj.campaign != nil {
		c := *e.proj.campaign
		state.Campaign = &c
	}
	return state
}

func (e *Engine) notify(state State, version uint64) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if version <= e.notified {
		return
	}
	e.notified = version
	for _, fn := range e.observers {
		fn(state)
	}
}

func stopTimer(t *schedule.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
