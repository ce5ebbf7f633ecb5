// Package reminder turns booking events into reminder jobs and answers status queries.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"remind/internal/delivery"
	"remind/internal/jobs"
	"remind/internal/templates"
)

const (
	reasonCancelled  = "session cancelled"
	reasonSuperseded = "superseded by reschedule"
)

// Service is the scheduling engine. One instance is shared by the HTTP layer;
// the sweep worker reads the same Store.
type Service struct {
	store       jobs.Store
	templates   *templates.Registry
	clock       clock.Clock
	log         zerolog.Logger
	maxAttempts int
	scheduled   *prometheus.CounterVec
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMaxAttempts sets the retry budget stamped on new jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.scheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remind",
			Name:      "scheduled_total",
			Help:      "Reminder items handled at scheduling time by outcome.",
		}, []string{"kind", "channel", "outcome"})
		reg.MustRegister(s.scheduled)
	}
}

func New(store jobs.Store, reg *templates.Registry, opts ...Option) *Service {
	s := &Service{
		store:       store,
		templates:   reg,
		clock:       clock.New(),
		log:         zerolog.Nop(),
		maxAttempts: jobs.DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Templates() []templates.Template { return s.templates.All() }

// Schedule records the session and creates one job per (kind, channel) pair.
//
// Invalid requests fail with ErrInvalidSchedule and create nothing. Otherwise every
// well-formed item is enqueued; per-item problems (unknown kind, render failure,
// duplicate) are listed in Result.Errors and joined into the returned error.
// Pre-session reminders whose fire time already passed are skipped.
// A repeated confirmation of an active session may add kinds and channels but
// must keep its start and timezone; moving a session is Reschedule's job.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (Result, error) {
	loc, err := req.normalize()
	if err != nil {
		return Result{}, err
	}
	now := s.clock.Now()

	sess := jobs.Session{
		ID:         req.SessionID,
		ClientID:   req.ClientID,
		StartsAt:   req.StartsAt,
		Timezone:   req.Timezone,
		Recipients: map[string]string{},
		Vars:       map[string]string{},
		Status:     jobs.SessionActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, err := s.store.GetSession(ctx, req.SessionID); err == nil && prev.Status == jobs.SessionActive {
		if !prev.StartsAt.Truncate(time.Microsecond).Equal(req.StartsAt.Truncate(time.Microsecond)) || prev.Timezone != req.Timezone {
			return Result{}, invalid("session %s is already scheduled for %s (%s); use reschedule to move it",
				prev.ID, prev.StartsAt.Format(time.RFC3339), prev.Timezone)
		}
		// a second confirmation adds kinds/channels to the same session
		sess.Kinds = prev.Kinds
		sess.Channels = prev.Channels
		for k, v := range prev.Recipients {
			sess.Recipients[k] = v
		}
		for k, v := range prev.Vars {
			sess.Vars[k] = v
		}
	} else if err != nil && !errors.Is(err, jobs.ErrSessionNotFound) {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	for _, k := range req.Kinds {
		sess.Kinds = append(sess.Kinds, string(k))
	}
	for _, ch := range req.Channels {
		sess.Channels = append(sess.Channels, string(ch))
	}
	sess.Kinds = uniq(sess.Kinds)
	sess.Channels = uniq(sess.Channels)
	for ch, to := range req.Recipients {
		sess.Recipients[string(ch)] = to
	}
	for k, v := range req.Vars {
		sess.Vars[k] = v
	}

	if err := s.store.UpsertSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("save session: %w", err)
	}

	res, err := s.enqueue(ctx, sess, req.Kinds, req.Channels, loc, now)
	if err != nil {
		return res, err
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Str("client_id", sess.ClientID).
		Int("created", len(res.Jobs)).
		Int("skipped", len(res.Skipped)).
		Int("rejected", len(res.Errors)).
		Msg("session scheduled")
	return res, res.Err()
}

// Reschedule supersedes every pending job of the session and schedules the
// session's kinds and channels again for the new start time.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (Result, error) {
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.Status == jobs.SessionCancelled {
		return Result{}, fmt.Errorf("%w: %s", ErrSessionCancelled, sess.ID)
	}
	if req.StartsAt.IsZero() {
		return Result{}, invalid("start time is required")
	}
	if req.Timezone != "" {
		sess.Timezone = req.Timezone
	}
	loc, err := loadLocation(sess.Timezone)
	if err != nil {
		return Result{}, err
	}

	now := s.clock.Now()
	sess.StartsAt = req.StartsAt.UTC()
	n, err := s.store.SupersedeSession(ctx, sess, reasonSuperseded, now)
	if err != nil {
		return Result{}, fmt.Errorf("supersede session: %w", err)
	}

	kinds := make([]templates.Kind, 0, len(sess.Kinds))
	for _, k := range sess.Kinds {
		kinds = append(kinds, templates.Kind(k))
	}
	channels := make([]delivery.Channel, 0, len(sess.Channels))
	for _, ch := range sess.Channels {
		channels = append(channels, delivery.Channel(ch))
	}

	res, err := s.enqueue(ctx, sess, kinds, channels, loc, now)
	res.Superseded = n
	if err != nil {
		return res, err
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Time("starts_at", sess.StartsAt).
		Int("superseded", n).
		Int("created", len(res.Jobs)).
		Msg("session rescheduled")
	return res, res.Err()
}

// Cancel cancels every pending job of the session and returns how many were cancelled.
func (s *Service) Cancel(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	n, err := s.store.CancelSession(ctx, sessionID, reasonCancelled, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel session: %w", err)
	}
	s.log.Info().Str("session_id", sessionID).Int("cancelled", n).Msg("session cancelled")
	return n, nil
}

func (s *Service) JobsForSession(ctx context.Context, sessionID string) ([]jobs.Job, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.JobsForSession(ctx, sessionID)
}

func (s *Service) Stats(ctx context.Context, clientID string) (jobs.Stats, error) {
	return s.store.Stats(ctx, clientID)
}

func (s *Service) enqueue(ctx context.Context, sess jobs.Session, kinds []templates.Kind, channels []delivery.Channel, loc *time.Location, now time.Time) (Result, error) {
	var res Result
	vars := sessionVars(sess, loc)

	for _, kind := range kinds {
		tpl, err := s.templates.Lookup(kind)
		if err != nil {
			res.Errors = append(res.Errors, &ItemError{Item: Item{Kind: kind}, Err: err})
			s.count(kind, "", "rejected")
			continue
		}

		fireAt := tpl.FireAt(sess.StartsAt, now)
		for _, ch := range channels {
			item := Item{Kind: kind, Channel: ch}

			if tpl.OffsetMinutes >= 0 && fireAt.Before(now) {
				res.Skipped = append(res.Skipped, Skipped{Item: item, FireAt: fireAt})
				s.count(kind, ch, "skipped")
				continue
			}

			msg, err := tpl.Render(ch, vars)
			if err != nil {
				res.Errors = append(res.Errors, &ItemError{Item: item, Err: err})
				s.count(kind, ch, "rejected")
				continue
			}

			job := jobs.Job{
				ID:            uuid.NewString(),
				SessionID:     sess.ID,
				ClientID:      sess.ClientID,
				Kind:          string(kind),
				Channel:       ch,
				Recipient:     sess.Recipients[string(ch)],
				Title:         msg.Title,
				Body:          msg.Body,
				ScheduledFor:  fireAt,
				NextAttemptAt: fireAt,
				Status:        jobs.StatusPending,
				MaxAttempts:   s.maxAttempts,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.store.Enqueue(ctx, job); err != nil {
				if errors.Is(err, jobs.ErrDuplicateJob) {
					res.Errors = append(res.Errors, &ItemError{Item: item, Err: err})
					s.count(kind, ch, "rejected")
					continue
				}
				return res, fmt.Errorf("enqueue %s: %w", item, err)
			}
			res.Jobs = append(res.Jobs, job)
			s.count(kind, ch, "created")
		}
	}
	return res, nil
}

func (s *Service) count(kind templates.Kind, ch delivery.Channel, outcome string) {
	if s.scheduled == nil {
		return
	}
	s.scheduled.WithLabelValues(string(kind), string(ch), outcome).Inc()
}

// sessionVars returns the template variables for a session. Values supplied by
// the booking system win over computed ones.
func sessionVars(sess jobs.Session, loc *time.Location) map[string]string {
	local := sess.StartsAt.In(loc)
	vars := map[string]string{
		"sessionId":   sess.ID,
		"sessionTime": local.Format("Mon, 02 Jan 2006 03:04 PM MST"),
		"sessionDate": local.Format("Monday, 02 January 2006"),
		"timezone":    sess.Timezone,
	}
	for k, v := range sess.Vars {
		vars[k] = v
	}
	return vars
}
