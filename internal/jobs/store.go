package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateJob     = errors.New("duplicate job: one is already pending for this session, kind and channel")
	ErrJobNotActive     = errors.New("job is no longer being attempted")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCancelled = errors.New("session is cancelled")
	ErrAdapterFailure   = errors.New("delivery adapter failure")
	ErrExhaustedRetries = errors.New("exhausted retries")
)

// Store is the job table shared by the scheduling engine and the sweep.
//
// Implementations serialize all mutations. MarkSent, MarkRetry and MarkFailed only
// apply to jobs still in StatusAttempting; a job cancelled while it was being
// attempted stays cancelled and the call returns ErrJobNotActive.
type Store interface {
	UpsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)

	// Enqueue inserts j as pending. It fails with ErrDuplicateJob when an active
	// job already exists for the same session, kind and channel.
	Enqueue(ctx context.Context, j Job) error

	// ClaimDue returns up to limit pending jobs with NextAttemptAt <= now,
	// earliest first, after marking them attempting. Attempting jobs whose
	// lease started before now-lease are returned to pending first, or failed
	// when they have used up their attempts.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)

	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkRetry(ctx context.Context, id string, next time.Time, errMsg string, now time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error

	// CancelSession cancels every active job of the session and the session
	// itself in one step, returning the number of jobs cancelled.
	CancelSession(ctx context.Context, sessionID, reason string, now time.Time) (int, error)

	// SupersedeSession cancels every active job of the session and stores s as
	// its new state in one step. Used on reschedule. A session cancelled in the
	// meantime stays cancelled and the call returns ErrSessionCancelled.
	SupersedeSession(ctx context.Context, s Session, reason string, now time.Time) (int, error)

	JobsForSession(ctx context.Context, sessionID string) ([]Job, error)
	Stats(ctx context.Context, clientID string) (Stats, error)

	// PurgeTerminal deletes terminal jobs last updated before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}
