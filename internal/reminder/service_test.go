package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remind/internal/delivery"
	"remind/internal/jobs"
	"remind/internal/templates"
)

var sessionStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, now time.Time) (*Service, *jobs.MemStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(now)
	store := jobs.NewMemStore()
	svc := New(store, templates.Default(),
		WithClock(clk),
		WithLogger(zerolog.Nop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	return svc, store, clk
}

func baseRequest() ScheduleRequest {
	return ScheduleRequest{
		SessionID: "sess-1",
		ClientID:  "client-1",
		StartsAt:  sessionStart,
		Timezone:  "Asia/Kolkata",
		Kinds:     []templates.Kind{templates.DayBefore, templates.FifteenMinutes},
		Channels:  []delivery.Channel{delivery.Email},
		Recipients: map[delivery.Channel]string{
			delivery.Email: "asha@example.com",
			delivery.SMS:   "+919800000000",
		},
		Vars: map[string]string{"clientName": "Asha", "therapistName": "Dr. Rao"},
	}
}

func TestSchedule_ComputesFireTimes(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	res, err := svc.Schedule(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)

	byKind := map[string]jobs.Job{}
	for _, j := range res.Jobs {
		byKind[j.Kind] = j
	}
	assert.True(t, time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC).Equal(byKind["24-hours-before"].ScheduledFor))
	assert.True(t, time.Date(2025, 3, 1, 9, 45, 0, 0, time.UTC).Equal(byKind["15-minutes-before"].ScheduledFor))

	ids := res.JobIDs()
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestSchedule_NPairsGiveNJobs(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.DayBefore, templates.TwoHoursBefore, templates.SessionStarting, templates.FollowUp}
	req.Channels = []delivery.Channel{delivery.Email, delivery.SMS}

	res, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 8)

	seen := map[string]bool{}
	for _, j := range res.Jobs {
		assert.False(t, seen[j.ID])
		seen[j.ID] = true
		tpl, err := templates.Default().Lookup(templates.Kind(j.Kind))
		require.NoError(t, err)
		assert.True(t, sessionStart.Add(-tpl.Offset()).Equal(j.ScheduledFor), j.Kind)
		assert.Equal(t, jobs.StatusPending, j.Status)
		assert.Equal(t, jobs.DefaultMaxAttempts, j.MaxAttempts)
	}
}

func TestSchedule_RendersInClientTimezone(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.DayBefore}
	res, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	j := res.Jobs[0]
	assert.Equal(t, "asha@example.com", j.Recipient)
	assert.Equal(t, "Your session is tomorrow", j.Title)
	assert.Contains(t, j.Body, "Hi Asha")
	assert.Contains(t, j.Body, "Dr. Rao")
	assert.Contains(t, j.Body, "03:30 PM IST")
}

func TestSchedule_SkipsLapsedPreSessionKinds(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 3, 1, 9, 50, 0, 0, time.UTC))

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.DayBefore, templates.SessionStarting, templates.SessionMissed}
	res, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, templates.DayBefore, res.Skipped[0].Kind)

	kinds := []string{}
	for _, j := range res.Jobs {
		kinds = append(kinds, j.Kind)
	}
	assert.ElementsMatch(t, []string{"session-starting", "session-missed"}, kinds)
}

func TestSchedule_PostSessionKindsAlwaysScheduled(t *testing.T) {
	// booked after the session already ended
	svc, _, _ := newTestService(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.FollowUp, templates.SessionMissed}
	res, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 2)
	assert.Empty(t, res.Skipped)
}

func TestSchedule_BookingConfirmationFiresNow(t *testing.T) {
	now := time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.BookingConfirmation}
	res, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.True(t, now.Equal(res.Jobs[0].ScheduledFor))
}

func TestSchedule_DuplicateRejected(t *testing.T) {
	svc, store, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	res, err := svc.Schedule(ctx, baseRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Empty(t, res.Jobs)
	assert.Len(t, res.Errors, 2)

	st, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)
}

func TestSchedule_SecondConfirmationCannotMoveSession(t *testing.T) {
	svc, store, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	moved := baseRequest()
	moved.StartsAt = sessionStart.Add(time.Hour)
	moved.Kinds = []templates.Kind{templates.TwoHoursBefore}
	_, err = svc.Schedule(ctx, moved)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	otherTZ := baseRequest()
	otherTZ.Timezone = "Europe/London"
	otherTZ.Kinds = []templates.Kind{templates.TwoHoursBefore}
	_, err = svc.Schedule(ctx, otherTZ)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sessionStart.Equal(sess.StartsAt))
	assert.Equal(t, "Asia/Kolkata", sess.Timezone)
	list, err := store.JobsForSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// same start and timezone still adds kinds
	more := baseRequest()
	more.Kinds = []templates.Kind{templates.TwoHoursBefore}
	res, err := svc.Schedule(ctx, more)
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 1)
}

func TestSchedule_UnknownKindReportedPerItem(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	req := baseRequest()
	req.Kinds = []templates.Kind{templates.DayBefore, "3-days-before"}
	res, err := svc.Schedule(context.Background(), req)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "24-hours-before", res.Jobs[0].Kind)

	require.Len(t, res.Errors, 1)
	var itemErr *ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, templates.Kind("3-days-before"), itemErr.Kind)
}

func TestSchedule_MissingPlaceholderIsItemError(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	req := baseRequest()
	req.Vars = map[string]string{"clientName": "Asha"}
	req.Kinds = []templates.Kind{templates.DayBefore, templates.SessionMissed}
	res, err := svc.Schedule(context.Background(), req)

	assert.ErrorIs(t, err, templates.ErrMissingPlaceholder)
	// the session-missed email does not mention the therapist
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "session-missed", res.Jobs[0].Kind)
}

func TestSchedule_InvalidRequests(t *testing.T) {
	svc, store, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	cases := map[string]func(*ScheduleRequest){
		"no session":      func(r *ScheduleRequest) { r.SessionID = " " },
		"no client":       func(r *ScheduleRequest) { r.ClientID = "" },
		"no start":        func(r *ScheduleRequest) { r.StartsAt = time.Time{} },
		"bad timezone":    func(r *ScheduleRequest) { r.Timezone = "Mars/Olympus" },
		"empty timezone":  func(r *ScheduleRequest) { r.Timezone = "" },
		"no kinds":        func(r *ScheduleRequest) { r.Kinds = nil },
		"no channels":     func(r *ScheduleRequest) { r.Channels = nil },
		"unknown channel": func(r *ScheduleRequest) { r.Channels = []delivery.Channel{"fax"} },
		"no recipient":    func(r *ScheduleRequest) { r.Channels = []delivery.Channel{delivery.Push} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := baseRequest()
			mutate(&req)
			_, err := svc.Schedule(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}

	st, err := store.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestCancel(t *testing.T) {
	svc, store, clk := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	n, err := svc.Cancel(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := svc.JobsForSession(ctx, "sess-1")
	require.NoError(t, err)
	for _, j := range list {
		assert.Equal(t, jobs.StatusCancelled, j.Status)
	}

	// nothing is dispatchable afterwards
	clk.Set(sessionStart.Add(time.Hour))
	due, err := store.ClaimDue(ctx, clk.Now(), time.Minute, 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = svc.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReschedule(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	moved := sessionStart.Add(72 * time.Hour)
	res, err := svc.Reschedule(ctx, RescheduleRequest{SessionID: "sess-1", StartsAt: moved})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Superseded)
	require.Len(t, res.Jobs, 2)
	for _, j := range res.Jobs {
		assert.True(t, j.ScheduledFor.After(sessionStart))
	}

	list, err := svc.JobsForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 4)

	old := map[string]bool{}
	for _, j := range first.Jobs {
		old[j.ID] = true
	}
	for _, j := range list {
		if old[j.ID] {
			assert.Equal(t, jobs.StatusCancelled, j.Status)
			require.NotNil(t, j.LastError)
			assert.Equal(t, reasonSuperseded, *j.LastError)
			assert.True(t, j.ScheduledFor.Before(moved), "old jobs keep their original time")
		} else {
			assert.Equal(t, jobs.StatusPending, j.Status)
		}
	}
}

func TestReschedule_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := svc.Reschedule(ctx, RescheduleRequest{SessionID: "nope", StartsAt: sessionStart})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, RescheduleRequest{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = svc.Reschedule(ctx, RescheduleRequest{SessionID: "sess-1", StartsAt: sessionStart, Timezone: "Nowhere/Land"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = svc.Cancel(ctx, "sess-1")
	require.NoError(t, err)
	_, err = svc.Reschedule(ctx, RescheduleRequest{SessionID: "sess-1", StartsAt: sessionStart})
	assert.ErrorIs(t, err, ErrSessionCancelled)
}

// cancelFirstStore lets a cancel land between Reschedule's read and its write.
type cancelFirstStore struct {
	jobs.Store
}

func (s cancelFirstStore) SupersedeSession(ctx context.Context, sess jobs.Session, reason string, now time.Time) (int, error) {
	if _, err := s.Store.CancelSession(ctx, sess.ID, reasonCancelled, now); err != nil {
		return 0, err
	}
	return s.Store.SupersedeSession(ctx, sess, reason, now)
}

func TestReschedule_LosesToConcurrentCancel(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	mem := jobs.NewMemStore()
	svc := New(cancelFirstStore{Store: mem}, templates.Default(), WithClock(clk))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	res, err := svc.Reschedule(ctx, RescheduleRequest{SessionID: "sess-1", StartsAt: sessionStart.Add(24 * time.Hour)})
	assert.ErrorIs(t, err, ErrSessionCancelled)
	assert.Empty(t, res.Jobs)

	sess, err := mem.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.SessionCancelled, sess.Status)

	st, err := mem.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, jobs.Stats{Total: 2, Cancelled: 2}, st)
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, baseRequest())
	require.NoError(t, err)

	other := baseRequest()
	other.SessionID = "sess-2"
	other.ClientID = "client-2"
	_, err = svc.Schedule(ctx, other)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "sess-2")
	require.NoError(t, err)

	st, err := svc.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, jobs.Stats{Total: 4, Pending: 2, Cancelled: 2}, st)

	st, err = svc.Stats(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.Stats{Total: 2, Pending: 2}, st)
}

// Cancellation racing the sweep must always end cancelled, never sent.
func TestCancelRacingSweep(t *testing.T) {
	for i := 0; i < 20; i++ {
		svc, store, clk := newTestService(t, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
		ctx := context.Background()

		req := baseRequest()
		req.Kinds = []templates.Kind{templates.BookingConfirmation}
		_, err := svc.Schedule(ctx, req)
		require.NoError(t, err)

		release := make(chan struct{})
		sender := delivery.SenderFunc(func(context.Context, delivery.Message) error {
			<-release
			return nil
		})
		w := &jobs.Worker{ID: "race", Store: store, Sender: sender, Clock: clk, Log: zerolog.Nop()}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.SweepOnce(ctx)
		}()

		require.Eventually(t, func() bool {
			list, _ := store.JobsForSession(ctx, "sess-1")
			return len(list) == 1 && list[0].Status == jobs.StatusAttempting
		}, time.Second, time.Millisecond)

		_, err = svc.Cancel(ctx, "sess-1")
		require.NoError(t, err)
		close(release)
		wg.Wait()

		list, err := store.JobsForSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCancelled, list[0].Status)
	}
}
