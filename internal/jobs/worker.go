package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"remind/internal/delivery"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Minute
	DefaultSendTimeout = 10 * time.Second
	DefaultLease       = 5 * time.Minute
)

// Worker is the sweep loop: it claims due jobs and hands them to the delivery adapter.
type Worker struct {
	ID      string
	Store   Store
	Sender  delivery.Sender
	Clock   clock.Clock
	Log     zerolog.Logger
	Metrics *Metrics

	Interval    time.Duration
	BatchSize   int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	Lease       time.Duration
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Claimed   int
	Sent      int
	Retried   int
	Failed    int
	Cancelled int
}

func (w *Worker) Run(ctx context.Context) {
	ticker := w.clock().Ticker(orDefault(w.Interval, DefaultInterval))
	defer ticker.Stop()

	w.Log.Info().Str("worker", w.ID).Dur("interval", orDefault(w.Interval, DefaultInterval)).Msg("sweep started")
	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Str("worker", w.ID).Msg("sweep stopped")
			return
		case <-ticker.C:
			res, err := w.SweepOnce(ctx)
			if err != nil {
				w.Log.Error().Err(err).Str("worker", w.ID).Msg("sweep failed")
				continue
			}
			if res.Claimed > 0 {
				w.Log.Info().
					Str("worker", w.ID).
					Int("claimed", res.Claimed).
					Int("sent", res.Sent).
					Int("retried", res.Retried).
					Int("failed", res.Failed).
					Int("cancelled", res.Cancelled).
					Msg("sweep done")
			}
		}
	}
}

// SweepOnce delivers due jobs earliest first, up to the batch size. Jobs are
// claimed one at a time right before their send, so a claim lease only has to
// cover a single send and commit.
func (w *Worker) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := w.clock().Now()
	defer func() { w.Metrics.observeSweep(w.clock().Since(start)) }()

	batch := w.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	lease := orDefault(w.Lease, DefaultLease)

	var res SweepResult
	for res.Claimed < batch {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.Store.ClaimDue(ctx, w.clock().Now(), lease, 1)
		if err != nil {
			return res, fmt.Errorf("claim due jobs: %w", err)
		}
		if len(claimed) == 0 {
			break
		}
		w.Metrics.observeClaimed(len(claimed))
		res.Claimed += len(claimed)

		for _, job := range claimed {
			switch w.attempt(ctx, job) {
			case StatusSent:
				res.Sent++
			case StatusPending:
				res.Retried++
			case StatusFailed:
				res.Failed++
			case StatusCancelled:
				res.Cancelled++
			}
		}
	}
	return res, nil
}

// attempt delivers one claimed job and commits the outcome. It returns the
// status the job ended up in, or "" if the commit itself failed.
func (w *Worker) attempt(ctx context.Context, job Job) Status {
	log := w.Log.With().
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Str("kind", job.Kind).
		Str("channel", string(job.Channel)).
		Int("attempt", job.Attempts).
		Logger()

	sendCtx, cancel := context.WithTimeout(ctx, orDefault(w.SendTimeout, DefaultSendTimeout))
	sendErr := w.Sender.Send(sendCtx, job.Message())
	cancel()

	// commit even if the sweep is shutting down, otherwise the job waits for its lease
	commitCtx := context.WithoutCancel(ctx)
	now := w.clock().Now()

	maxAttempts := job.maxAttempts()

	var (
		target Status
		err    error
	)
	switch {
	case sendErr == nil:
		target = StatusSent
		err = w.Store.MarkSent(commitCtx, job.ID, now)
	case delivery.IsPermanent(sendErr):
		target = StatusFailed
		err = w.Store.MarkFailed(commitCtx, job.ID, fmt.Sprintf("permanent delivery failure: %v", sendErr), now)
	case job.Attempts >= maxAttempts:
		target = StatusFailed
		err = w.Store.MarkFailed(commitCtx, job.ID,
			fmt.Sprintf("%v after %d attempts: %v", ErrExhaustedRetries, job.Attempts, sendErr), now)
	default:
		target = StatusPending
		next := now.Add(orDefault(w.RetryDelay, DefaultRetryDelay))
		err = w.Store.MarkRetry(commitCtx, job.ID, next, fmt.Sprintf("%v: %v", ErrAdapterFailure, sendErr), now)
	}

	if errors.Is(err, ErrJobNotActive) {
		log.Warn().Msg("job cancelled during delivery, keeping cancelled")
		w.Metrics.observeDelivery(string(job.Channel), string(StatusCancelled))
		return StatusCancelled
	}
	if err != nil {
		log.Error().Err(err).Str("target", string(target)).Msg("commit delivery outcome")
		return ""
	}

	w.Metrics.observeDelivery(string(job.Channel), string(target))
	switch target {
	case StatusSent:
		log.Info().Msg("reminder sent")
	case StatusPending:
		log.Warn().Err(sendErr).Msg("delivery failed, will retry")
	case StatusFailed:
		log.Error().Err(sendErr).Msg("delivery failed permanently")
	}
	return target
}

func (w *Worker) clock() clock.Clock {
	if w.Clock == nil {
		return clock.New()
	}
	return w.Clock
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
