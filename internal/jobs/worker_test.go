package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remind/internal/delivery"
)

// fakeSender records delivered messages and fails while err is set.
type fakeSender struct {
	mu     sync.Mutex
	sent   []delivery.Message
	err    error
	before func(delivery.Message)
}

func (f *fakeSender) Send(ctx context.Context, m delivery.Message) error {
	if f.before != nil {
		f.before(m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.err
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Body)
	}
	return out
}

func newTestWorker(store Store, sender delivery.Sender, clk clock.Clock) *Worker {
	return &Worker{
		ID:     "test",
		Store:  store,
		Sender: sender,
		Clock:  clk,
		Log:    zerolog.Nop(),
	}
}

func jobStatus(t *testing.T, s Store, session, id string) Job {
	t.Helper()
	jobs, err := s.JobsForSession(context.Background(), session)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return Job{}
}

func TestWorker_SendsDueJobsEarliestFirst(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	store := NewMemStore()
	late := newJob("late", "s1", "15-minutes-before", delivery.Email, t0.Add(-time.Minute))
	late.Body = "late"
	early := newJob("early", "s1", "24-hours-before", delivery.Email, t0.Add(-time.Hour))
	early.Body = "early"
	future := newJob("future", "s1", "follow-up", delivery.Email, t0.Add(time.Hour))
	future.Body = "future"
	for _, j := range []Job{late, early, future} {
		require.NoError(t, store.Enqueue(ctx, j))
	}

	sender := &fakeSender{}
	res, err := newTestWorker(store, sender, clk).SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Claimed: 2, Sent: 2}, res)
	assert.Equal(t, []string{"early", "late"}, sender.bodies())
	assert.Equal(t, StatusSent, jobStatus(t, store, "s1", "early").Status)
	assert.Equal(t, StatusPending, jobStatus(t, store, "s1", "future").Status)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.SMS, t0)))

	sender := &fakeSender{err: errors.New("gateway down")}
	w := newTestWorker(store, sender, clk)

	res, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Claimed: 1, Retried: 1}, res)

	j := jobStatus(t, store, "s1", "a")
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.True(t, t0.Add(DefaultRetryDelay).Equal(j.NextAttemptAt))
	assert.True(t, t0.Equal(j.ScheduledFor), "scheduledFor is never moved by retries")
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "gateway down")

	// not due again until the retry delay has passed
	res, err = w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clk.Add(DefaultRetryDelay)
	res, err = w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	clk.Add(DefaultRetryDelay)
	res, err = w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	j = jobStatus(t, store, "s1", "a")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, ErrExhaustedRetries.Error())

	// never retried again
	for i := 0; i < 3; i++ {
		clk.Add(time.Hour)
		res, err = w.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Claimed)
	}
	assert.Len(t, sender.bodies(), 3)
}

func TestWorker_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.Push, t0)))

	sender := &fakeSender{err: delivery.Permanent(errors.New("bad device token"))}
	res, err := newTestWorker(store, sender, clk).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	j := jobStatus(t, store, "s1", "a")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestWorker_CancelDuringSendStaysCancelled(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.Email, t0)))

	sender := &fakeSender{}
	sender.before = func(delivery.Message) {
		_, err := store.CancelSession(ctx, "s1", "session cancelled", t0)
		require.NoError(t, err)
	}

	res, err := newTestWorker(store, sender, clk).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Claimed: 1, Cancelled: 1}, res)
	assert.Equal(t, StatusCancelled, jobStatus(t, store, "s1", "a").Status)
}

func TestWorker_SendTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.Email, time.Now().Add(-time.Second))))

	hung := delivery.SenderFunc(func(ctx context.Context, _ delivery.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	w := newTestWorker(store, hung, clock.New())
	w.SendTimeout = 20 * time.Millisecond

	start := time.Now()
	res, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Retried)

	j := jobStatus(t, store, "s1", "a")
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, context.DeadlineExceeded.Error())
}

func TestWorker_RunSweepsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.Email, time.Now().Add(-time.Second))))

	sender := &fakeSender{}
	w := newTestWorker(store, sender, clock.New())
	w.Interval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(sender.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_Metrics(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	reg := prometheus.NewRegistry()
	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k1", delivery.Email, t0)))
	require.NoError(t, store.Enqueue(ctx, newJob("b", "s1", "k2", delivery.Email, t0)))

	w := newTestWorker(store, &fakeSender{}, clk)
	w.Metrics = NewMetrics(reg)
	_, err := w.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(w.Metrics.claimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(w.Metrics.deliveries.WithLabelValues("email", "sent")))
}

func TestWorker_SharedStoreDeliversEachJobOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)

	store := NewMemStore()
	for _, id := range []string{"a", "b", "c"} {
		j := newJob(id, "s-"+id, "k", delivery.Email, t0.Add(-time.Minute))
		j.Body = id
		require.NoError(t, store.Enqueue(ctx, j))
	}

	var (
		mu     sync.Mutex
		counts = map[string]int{}
	)
	record := func(m delivery.Message) {
		mu.Lock()
		counts[m.Body]++
		mu.Unlock()
	}

	other := newTestWorker(store, delivery.SenderFunc(func(_ context.Context, m delivery.Message) error {
		record(m)
		return nil
	}), clk)
	other.ID = "other"

	// every send of the slow worker takes 4 minutes, and the other worker
	// sweeps while it is in flight
	slow := newTestWorker(store, delivery.SenderFunc(func(_ context.Context, m delivery.Message) error {
		record(m)
		clk.Add(4 * time.Minute)
		_, err := other.SweepOnce(ctx)
		return err
	}), clk)
	slow.Lease = 5 * time.Minute
	other.Lease = 5 * time.Minute

	_, err := slow.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, counts)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusSent, jobStatus(t, store, "s-"+id, id).Status)
	}
}

func TestWorker_RunCommitsInFlightJobBeforeReturning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemStore()
	require.NoError(t, store.Enqueue(ctx, newJob("a", "s1", "k", delivery.Email, time.Now().Add(-time.Second))))

	inFlight := make(chan struct{})
	sender := delivery.SenderFunc(func(ctx context.Context, _ delivery.Message) error {
		close(inFlight)
		<-ctx.Done()
		return ctx.Err()
	})
	w := newTestWorker(store, sender, clock.New())
	w.Interval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-inFlight
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	j := jobStatus(t, store, "s1", "a")
	assert.Equal(t, StatusPending, j.Status, "outcome is committed before Run returns")
	assert.Nil(t, j.LockedAt)
}
