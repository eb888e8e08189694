// Package modify tracks a single canvas modification request from submission
// to a terminal result, polling the backend on a fixed interval.
package modify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/campaignsync/internal/campaign"
	"github.com/agentworkforce/campaignsync/internal/schedule"
)

const (
	DefaultPollInterval = 3000 * time.Millisecond
	DefaultMaxAttempts  = 60
)

var (
	ErrEmptyInstruction = errors.New("instruction is empty")
	ErrInFlight         = errors.New("a modification request is already in flight")
	ErrMissingID        = errors.New("pending modification without id")
	ErrRejected         = errors.New("modification failed")
	ErrAbandoned        = errors.New("modification did not finish in time")
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSubmitted Phase = "submitted"
	PhasePolling   Phase = "polling"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseAbandoned Phase = "abandoned"
)

// Busy reports whether a request is outstanding. Every other phase accepts
// a new submission.
func (p Phase) Busy() bool {
	return p == PhaseSubmitted || p == PhasePolling
}

// Outcome is what Submit reports back to the caller. Retry holds the
// instruction text whenever the caller should put it back in the input.
type Outcome struct {
	Phase          Phase
	ModificationID string
	Retry          string
	Err            error
}

type Status struct {
	Phase          Phase
	CampaignID     string
	ModificationID string
	Attempts       int
	Retry          string
	Err            error
}

type Options struct {
	Service      campaign.ModificationService
	Scheduler    schedule.Scheduler
	Logger       *zap.Logger
	PollInterval time.Duration
	MaxAttempts  int
	// OnUpdated runs once per completed request, after the phase has moved
	// to completed. Typically it triggers a refetch of the campaign.
	OnUpdated func(campaignID string)
	// OnPhase observes every phase transition.
	OnPhase func(Status)
}

type Tracker struct {
	service     campaign.ModificationService
	scheduler   schedule.Scheduler
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	onUpdated   func(string)
	onPhase     func(Status)

	mu       sync.Mutex
	gen      uint64
	status   Status
	text     string
	timer    schedule.Timer
	lifetime context.Context
	cancel   context.CancelFunc
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Service == nil {
		return nil, errors.New("modification service is required")
	}
	t := &Tracker{
		service:     opts.Service,
		scheduler:   opts.Scheduler,
		logger:      opts.Logger,
		interval:    opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		onUpdated:   opts.OnUpdated,
		onPhase:     opts.OnPhase,
		status:      Status{Phase: PhaseIdle},
	}
	if t.scheduler == nil {
		t.scheduler = schedule.System()
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.interval <= 0 {
		t.interval = DefaultPollInterval
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	return t, nil
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Submit sends text as a modification of campaignID's canvas. It blocks for
// the submit call only; a pending result is polled in the background.
func (t *Tracker) Submit(ctx context.Context, campaignID, text string) Outcome {
	instruction := strings.TrimSpace(text)
	campaignID = strings.TrimSpace(campaignID)

	t.mu.Lock()
	if instruction == "" || campaignID == "" {
		phase := t.status.Phase
		t.mu.Unlock()
		return Outcome{Phase: phase, Retry: text, Err: ErrEmptyInstruction}
	}
	if t.status.Phase.Busy() {
		phase := t.status.Phase
		t.mu.Unlock()
		return Outcome{Phase: phase, Retry: text, Err: ErrInFlight}
	}
	t.gen++
	gen := t.gen
	if t.cancel != nil {
		t.cancel()
	}
	t.lifetime, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.text = text
	t.status = Status{Phase: PhaseSubmitted, CampaignID: campaignID}
	submitted := t.status
	t.mu.Unlock()
	t.emit(submitted)

	log := t.logger.With(zap.String("campaign_id", campaignID))
	result, err := t.service.ModifyCanvas(ctx, campaignID, instruction)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return Outcome{Phase: PhaseAbandoned, Retry: text, Err: ErrAbandoned}
	}
	if err != nil {
		st := t.settleLocked(PhaseFailed, err)
		t.mu.Unlock()
		log.Warn("modification submit failed", zap.Error(err))
		t.emit(st)
		return Outcome{Phase: PhaseFailed, Retry: text, Err: err}
	}

	t.status.ModificationID = result.ModificationID
	switch result.Status {
	case campaign.ModificationCompleted:
		st := t.settleLocked(PhaseCompleted, nil)
		t.mu.Unlock()
		log.Info("modification completed", zap.String("modification_id", result.ModificationID))
		t.emit(st)
		t.updated(campaignID)
		return Outcome{Phase: PhaseCompleted, ModificationID: result.ModificationID}
	case campaign.ModificationFailed:
		st := t.settleLocked(PhaseFailed, ErrRejected)
		t.mu.Unlock()
		t.emit(st)
		return Outcome{Phase: PhaseFailed, ModificationID: result.ModificationID, Retry: text, Err: ErrRejected}
	}

	if strings.TrimSpace(result.ModificationID) == "" {
		st := t.settleLocked(PhaseFailed, ErrMissingID)
		t.mu.Unlock()
		log.Warn("modification pending without id")
		t.emit(st)
		return Outcome{Phase: PhaseFailed, Retry: text, Err: ErrMissingID}
	}
	t.status.Phase = PhasePolling
	polling := t.status
	t.armLocked(gen)
	t.mu.Unlock()
	log.Debug("modification accepted; polling", zap.String("modification_id", result.ModificationID))
	t.emit(polling)
	return Outcome{Phase: PhasePolling, ModificationID: result.ModificationID}
}

// Close stops polling. An outstanding request is reported as abandoned.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if !t.status.Phase.Busy() {
		t.mu.Unlock()
		return
	}
	st := t.settleLocked(PhaseAbandoned, ErrAbandoned)
	t.mu.Unlock()
	t.emit(st)
}

func (t *Tracker) armLocked(gen uint64) {
	t.timer = t.scheduler.AfterFunc(t.interval, func() {
		t.poll(gen)
	})
}

func (t *Tracker) poll(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.status.Phase != PhasePolling {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.status.Attempts++
	attempt := t.status.Attempts
	campaignID, modID := t.status.CampaignID, t.status.ModificationID
	ctx := t.lifetime
	t.mu.Unlock()

	log := t.logger.With(zap.String("campaign_id", campaignID), zap.String("modification_id", modID), zap.Int("attempt", attempt))
	state, err := t.service.GetModification(ctx, campaignID, modID)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	var st Status
	completed := false
	switch {
	case err != nil:
		st = t.settleLocked(PhaseFailed, err)
		log.Warn("modification status check failed", zap.Error(err))
	case state.Status == campaign.ModificationCompleted:
		st = t.settleLocked(PhaseCompleted, nil)
		completed = true
		log.Info("modification completed")
	case state.Status == campaign.ModificationFailed:
		st = t.settleLocked(PhaseFailed, ErrRejected)
		log.Warn("modification failed on backend")
	case attempt >= t.maxAttempts:
		st = t.settleLocked(PhaseAbandoned, ErrAbandoned)
		log.Warn("modification abandoned")
	default:
		t.armLocked(gen)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.emit(st)
	if completed {
		t.updated(campaignID)
	}
}

// settleLocked moves to a terminal phase. Failures keep the instruction
// text in Retry; completion clears it.
func (t *Tracker) settleLocked(phase Phase, err error) Status {
	t.status.Phase = phase
	t.status.Err = err
	t.status.Retry = ""
	if phase != PhaseCompleted {
		t.status.Retry = t.text
	}
	t.text = ""
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return t.status
}

func (t *Tracker) emit(st Status) {
	if t.onPhase != nil {
		t.onPhase(st)
	}
}

func (t *Tracker) updated(campaignID string) {
	if t.onUpdated != nil {
		t.onUpdated(campaignID)
	}
}
