package jobs

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Store = (*Repo)(nil)

// Repo is the Postgres-backed Store. Several workers may share one database:
// claims use FOR UPDATE SKIP LOCKED so a job is handed to one worker only.
type Repo struct {
	DB *gorm.DB
}

var activeStatuses = []Status{StatusPending, StatusAttempting}
var terminalStatuses = []Status{StatusSent, StatusFailed, StatusCancelled}

func (r *Repo) UpsertSession(ctx context.Context, s Session) error {
	return r.upsertSession(r.DB.WithContext(ctx), s)
}

func (r *Repo) upsertSession(tx *gorm.DB, s Session) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"client_id", "starts_at", "timezone", "kinds", "channels",
			"recipients", "vars", "status", "updated_at",
		}),
	}).Create(&s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *Repo) Enqueue(ctx context.Context, j Job) error {
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = j.ScheduledFor
	}
	err := r.DB.WithContext(ctx).Create(&j).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateJob
	}
	return err
}

func (r *Repo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	var claimed []Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// jobs whose worker went away mid-attempt: fail the ones out of
		// attempts, requeue the rest
		var stale []Job
		if err := tx.Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", StatusAttempting, now.Add(-lease)).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&stale).Error; err != nil {
			return err
		}
		for _, j := range stale {
			updates := map[string]any{"status": StatusPending, "locked_at": nil, "updated_at": now}
			if j.Attempts >= j.maxAttempts() {
				updates["status"] = StatusFailed
				updates["last_error"] = leaseExhaustedMsg(j.Attempts)
			}
			if err := tx.Model(&Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		return tx.Raw(`
with due as (
  select id
  from reminder_jobs
  where status='pending' and next_attempt_at <= ?
  order by next_attempt_at asc, scheduled_for asc
  for update skip locked
  limit ?
)
update reminder_jobs
set status='attempting',
    attempts=reminder_jobs.attempts+1,
    last_attempt_at=?,
    locked_at=?,
    updated_at=?
from due
where reminder_jobs.id = due.id
returning reminder_jobs.*;
`, now, limit, now, now, now).Scan(&claimed).Error
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order.
	sort.SliceStable(claimed, func(a, b int) bool { return dueBefore(&claimed[a], &claimed[b]) })
	return claimed, nil
}

func (r *Repo) finish(ctx context.Context, id string, updates map[string]any) error {
	res := r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusAttempting).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotActive
	}
	return nil
}

func (r *Repo) MarkSent(ctx context.Context, id string, now time.Time) error {
	return r.finish(ctx, id, map[string]any{
		"status":     StatusSent,
		"locked_at":  nil,
		"last_error": nil,
		"updated_at": now,
	})
}

func (r *Repo) MarkRetry(ctx context.Context, id string, next time.Time, errMsg string, now time.Time) error {
	return r.finish(ctx, id, map[string]any{
		"status":          StatusPending,
		"next_attempt_at": next,
		"locked_at":       nil,
		"last_error":      errMsg,
		"updated_at":      now,
	})
}

func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error {
	return r.finish(ctx, id, map[string]any{
		"status":     StatusFailed,
		"locked_at":  nil,
		"last_error": errMsg,
		"updated_at": now,
	})
}

func (r *Repo) cancelJobs(tx *gorm.DB, sessionID, reason string, now time.Time) (int, error) {
	res := tx.Model(&Job{}).
		Where("session_id = ? AND status IN ?", sessionID, activeStatuses).
		Updates(map[string]any{
			"status":     StatusCancelled,
			"locked_at":  nil,
			"last_error": reason,
			"updated_at": now,
		})
	return int(res.RowsAffected), res.Error
}

func (r *Repo) CancelSession(ctx context.Context, sessionID, reason string, now time.Time) (int, error) {
	var n int
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{"status": SessionCancelled, "updated_at": now}).Error; err != nil {
			return err
		}
		var err error
		n, err = r.cancelJobs(tx, sessionID, reason, now)
		return err
	})
	return n, err
}

func (r *Repo) SupersedeSession(ctx context.Context, s Session, reason string, now time.Time) (int, error) {
	var n int
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", s.ID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if existing.Status == SessionCancelled {
			return ErrSessionCancelled
		}

		var err error
		if n, err = r.cancelJobs(tx, s.ID, reason, now); err != nil {
			return err
		}
		s.CreatedAt = existing.CreatedAt
		s.UpdatedAt = now
		return r.upsertSession(tx, s)
	})
	return n, err
}

func (r *Repo) JobsForSession(ctx context.Context, sessionID string) ([]Job, error) {
	var out []Job
	err := r.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("scheduled_for asc, created_at asc, id asc").
		Find(&out).Error
	return out, err
}

func (r *Repo) Stats(ctx context.Context, clientID string) (Stats, error) {
	var rows []struct {
		Status Status
		N      int
	}
	q := r.DB.WithContext(ctx).Model(&Job{}).Select("status, count(*) as n")
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, row := range rows {
		st.add(row.Status, row.N)
	}
	return st, nil
}

func (r *Repo) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res := r.DB.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminalStatuses, before).
		Delete(&Job{})
	return int(res.RowsAffected), res.Error
}
