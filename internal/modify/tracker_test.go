package modify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentworkforce/campaignsync/internal/campaign"
	"github.com/agentworkforce/campaignsync/internal/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	mu         sync.Mutex
	submit     campaign.ModifyResult
	submitErr  error
	submitted  []string
	polls      int
	completeAt int
	failAt     int
	pollErr    error
}

func (s *fakeService) ModifyCanvas(_ context.Context, campaignID, message string) (campaign.ModifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, campaignID+":"+message)
	return s.submit, s.submitErr
}

func (s *fakeService) GetModification(_ context.Context, _, _ string) (campaign.ModificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErr != nil {
		return campaign.ModificationState{}, s.pollErr
	}
	switch {
	case s.completeAt > 0 && s.polls >= s.completeAt:
		return campaign.ModificationState{Status: campaign.ModificationCompleted, AffectedAssetID: "a1"}, nil
	case s.failAt > 0 && s.polls >= s.failAt:
		return campaign.ModificationState{Status: campaign.ModificationFailed}, nil
	}
	return campaign.ModificationState{Status: campaign.NormalizeModificationStatus("processing")}, nil
}

func (s *fakeService) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type trackerHarness struct {
	service *fakeService
	clock   *schedule.Manual
	tracker *Tracker
	updated []string
	phases  []Phase
}

func newTrackerHarness(t *testing.T, service *fakeService) *trackerHarness {
	t.Helper()
	h := &trackerHarness{service: service, clock: schedule.NewManual()}
	tracker, err := NewTracker(Options{
		Service:   service,
		Scheduler: h.clock,
		OnUpdated: func(id string) { h.updated = append(h.updated, id) },
		OnPhase:   func(s Status) { h.phases = append(h.phases, s.Phase) },
	})
	require.NoError(t, err)
	h.tracker = tracker
	t.Cleanup(tracker.Close)
	return h
}

func TestSubmitImmediateCompletion(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submit: campaign.ModifyResult{Status: campaign.ModificationCompleted, ModificationID: "mod-1"}})

	out := h.tracker.Submit(context.Background(), "camp-1", "  make day 2 punchier ")

	require.NoError(t, out.Err)
	require.Equal(t, PhaseCompleted, out.Phase)
	require.Empty(t, out.Retry)
	require.Equal(t, []string{"camp-1"}, h.updated)
	require.Equal(t, []string{"camp-1:make day 2 punchier"}, h.service.submitted)
	require.Equal(t, []Phase{PhaseSubmitted, PhaseCompleted}, h.phases)
	require.Zero(t, h.clock.Pending())
}

func TestSubmitPollsUntilCompleted(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{
		submit:     campaign.ModifyResult{Status: campaign.NormalizeModificationStatus("accepted"), ModificationID: "mod-7"},
		completeAt: 3,
	})

	out := h.tracker.Submit(context.Background(), "camp-1", "swap the hero image")
	require.NoError(t, out.Err)
	require.Equal(t, PhasePolling, out.Phase)
	require.Equal(t, "mod-7", out.ModificationID)
	require.Empty(t, h.updated)

	h.clock.Advance(2999 * time.Millisecond)
	require.Zero(t, h.service.pollCount())
	h.clock.Advance(time.Millisecond)
	require.Equal(t, 1, h.service.pollCount())
	h.clock.Advance(2 * DefaultPollInterval)
	require.Equal(t, 3, h.service.pollCount())

	st := h.tracker.Status()
	require.Equal(t, PhaseCompleted, st.Phase)
	require.Equal(t, 3, st.Attempts)
	require.Equal(t, []string{"camp-1"}, h.updated)

	h.clock.Advance(time.Minute)
	require.Equal(t, 3, h.service.pollCount())
	require.Len(t, h.updated, 1)
}

func TestPollingIsAbandonedAfterMaxAttempts(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submit: campaign.ModifyResult{Status: campaign.ModificationPending, ModificationID: "mod-9"}})

	h.tracker.Submit(context.Background(), "camp-1", "rewrite everything")
	h.clock.Advance(DefaultMaxAttempts * DefaultPollInterval)
	require.Equal(t, DefaultMaxAttempts, h.service.pollCount())

	st := h.tracker.Status()
	require.Equal(t, PhaseAbandoned, st.Phase)
	require.ErrorIs(t, st.Err, ErrAbandoned)
	require.Equal(t, "rewrite everything", st.Retry)
	require.Empty(t, h.updated)

	h.clock.Advance(10 * DefaultPollInterval)
	require.Equal(t, DefaultMaxAttempts, h.service.pollCount())
	require.Zero(t, h.clock.Pending())
}

func TestPollErrorFailsAndKeepsInstruction(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{
		submit:  campaign.ModifyResult{Status: campaign.ModificationPending, ModificationID: "mod-2"},
		pollErr: errors.New("502 bad gateway"),
	})

	h.tracker.Submit(context.Background(), "camp-1", "shorter captions")
	h.clock.Advance(DefaultPollInterval)

	st := h.tracker.Status()
	require.Equal(t, PhaseFailed, st.Phase)
	require.EqualError(t, st.Err, "502 bad gateway")
	require.Equal(t, "shorter captions", st.Retry)
	require.Empty(t, h.updated)

	h.clock.Advance(time.Minute)
	require.Equal(t, 1, h.service.pollCount())
}

func TestBackendFailureOnPollIsFailure(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{
		submit: campaign.ModifyResult{Status: campaign.ModificationPending, ModificationID: "mod-3"},
		failAt: 2,
	})
	h.tracker.Submit(context.Background(), "camp-1", "add an influencer")
	h.clock.Advance(2 * DefaultPollInterval)

	st := h.tracker.Status()
	require.Equal(t, PhaseFailed, st.Phase)
	require.ErrorIs(t, st.Err, ErrRejected)
}

func TestSubmitErrorReturnsInstructionForRetry(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submitErr: &campaign.HTTPError{StatusCode: 400, Message: "No campaign draft available"}})

	out := h.tracker.Submit(context.Background(), "camp-1", "new tone")

	require.Equal(t, PhaseFailed, out.Phase)
	require.Equal(t, "new tone", out.Retry)
	var httpErr *campaign.HTTPError
	require.ErrorAs(t, out.Err, &httpErr)
	require.Zero(t, h.clock.Pending())

	// A failed request does not block the next one.
	h.service.mu.Lock()
	h.service.submitErr = nil
	h.service.submit = campaign.ModifyResult{Status: campaign.ModificationCompleted}
	h.service.mu.Unlock()
	require.Equal(t, PhaseCompleted, h.tracker.Submit(context.Background(), "camp-1", "new tone").Phase)
}

func TestSubmitRejectsEmptyAndConcurrentRequests(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submit: campaign.ModifyResult{Status: campaign.ModificationPending, ModificationID: "mod-4"}})

	out := h.tracker.Submit(context.Background(), "camp-1", "   ")
	require.ErrorIs(t, out.Err, ErrEmptyInstruction)
	require.Equal(t, PhaseIdle, out.Phase)
	require.Empty(t, h.service.submitted)

	require.Equal(t, PhasePolling, h.tracker.Submit(context.Background(), "camp-1", "first").Phase)
	out = h.tracker.Submit(context.Background(), "camp-1", "second")
	require.ErrorIs(t, out.Err, ErrInFlight)
	require.Equal(t, "second", out.Retry)
	require.Len(t, h.service.submitted, 1)
}

func TestPendingWithoutIDFails(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submit: campaign.ModifyResult{Status: campaign.ModificationPending}})
	out := h.tracker.Submit(context.Background(), "camp-1", "tweak")
	require.ErrorIs(t, out.Err, ErrMissingID)
	require.Zero(t, h.clock.Pending())
}

func TestCloseStopsPolling(t *testing.T) {
	h := newTrackerHarness(t, &fakeService{submit: campaign.ModifyResult{Status: campaign.ModificationPending, ModificationID: "mod-5"}})
	h.tracker.Submit(context.Background(), "camp-1", "tweak")
	require.Equal(t, 1, h.clock.Pending())

	h.tracker.Close()
	h.tracker.Close()

	require.Zero(t, h.clock.Pending())
	require.Equal(t, PhaseAbandoned, h.tracker.Status().Phase)
	h.clock.Advance(time.Minute)
	require.Zero(t, h.service.pollCount())
}

func TestNewTrackerRequiresService(t *testing.T) {
	_, err := NewTracker(Options{})
	require.Error(t, err)
}
