package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remind/internal/delivery"
	"remind/internal/jobs"
	"remind/internal/templates"
)

var (
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrSessionCancelled = jobs.ErrSessionCancelled
	ErrSessionNotFound  = jobs.ErrSessionNotFound
	ErrDuplicateJob     = jobs.ErrDuplicateJob
	ErrTemplateNotFound = templates.ErrTemplateNotFound
)

// ScheduleRequest is a session-confirmed event from the booking system.
type ScheduleRequest struct {
	SessionID  string
	ClientID   string
	StartsAt   time.Time
	Timezone   string
	Kinds      []templates.Kind
	Channels   []delivery.Channel
	Recipients map[delivery.Channel]string
	Vars       map[string]string
}

// RescheduleRequest moves a session. An empty Timezone keeps the stored one.
type RescheduleRequest struct {
	SessionID string
	StartsAt  time.Time
	Timezone  string
}

// Item identifies one (kind, channel) pair of a request. Channel is empty when
// the problem concerns the kind as a whole.
type Item struct {
	Kind    templates.Kind   `json:"kind"`
	Channel delivery.Channel `json:"channel,omitempty"`
}

func (i Item) String() string {
	if i.Channel == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + "/" + string(i.Channel)
}

type ItemError struct {
	Item
	Err error
}

func (e *ItemError) Error() string { return e.Item.String() + ": " + e.Err.Error() }
func (e *ItemError) Unwrap() error { return e.Err }

type Skipped struct {
	Item
	FireAt time.Time `json:"fireAt"`
}

// Result lists what a Schedule or Reschedule call did, item by item.
type Result struct {
	Jobs       []jobs.Job
	Skipped    []Skipped
	Errors     []*ItemError
	Superseded int
}

func (r Result) JobIDs() []string {
	ids := make([]string, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// Err joins the per-item errors, or returns nil if there were none.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

func loadLocation(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return nil, invalid("timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("unknown timezone %q", tz)
	}
	return loc, nil
}

func (r *ScheduleRequest) normalize() (*time.Location, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.ClientID = strings.TrimSpace(r.ClientID)
	if r.SessionID == "" {
		return nil, invalid("sessionId is required")
	}
	if r.ClientID == "" {
		return nil, invalid("clientId is required")
	}
	if r.StartsAt.IsZero() {
		return nil, invalid("start time is required")
	}
	loc, err := loadLocation(r.Timezone)
	if err != nil {
		return nil, err
	}
	if len(r.Kinds) == 0 {
		return nil, invalid("at least one reminder kind is required")
	}
	if len(r.Channels) == 0 {
		return nil, invalid("at least one channel is required")
	}
	for _, ch := range r.Channels {
		if _, err := delivery.ParseChannel(string(ch)); err != nil {
			return nil, invalid("%v", err)
		}
		if strings.TrimSpace(r.Recipients[ch]) == "" {
			return nil, invalid("no recipient for channel %s", ch)
		}
	}
	r.Kinds = uniq(r.Kinds)
	r.Channels = uniq(r.Channels)
	r.StartsAt = r.StartsAt.UTC()
	return loc, nil
}

func uniq[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
