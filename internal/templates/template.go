package templates

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"remind/internal/delivery"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrMissingPlaceholder = errors.New("missing placeholder value")
	ErrNoChannelBody      = errors.New("template has no body for channel")
	ErrInvalidTemplate    = errors.New("invalid template")
)

type Kind string

const (
	BookingConfirmation Kind = "booking-confirmation"
	DayBefore           Kind = "24-hours-before"
	TwoHoursBefore      Kind = "2-hours-before"
	FifteenMinutes      Kind = "15-minutes-before"
	SessionStarting     Kind = "session-starting"
	SessionMissed       Kind = "session-missed"
	FollowUp            Kind = "follow-up"
)

// Template describes one reminder kind.
//
// OffsetMinutes counts minutes before session start; negative values fire after
// the session has started. Immediate templates fire at booking time.
type Template struct {
	Kind          Kind                        `yaml:"kind"`
	Title         string                      `yaml:"title"`
	Bodies        map[delivery.Channel]string `yaml:"bodies"`
	OffsetMinutes int                         `yaml:"offset_minutes"`
	Immediate     bool                        `yaml:"immediate"`
}

func (t Template) Offset() time.Duration {
	return time.Duration(t.OffsetMinutes) * time.Minute
}

// FireAt returns the absolute time a reminder of this kind fires for a session
// starting at start, booked at now.
func (t Template) FireAt(start, now time.Time) time.Time {
	if t.Immediate {
		return now
	}
	return start.Add(-t.Offset())
}

// Body returns the body text for ch. WhatsApp falls back to the SMS body.
func (t Template) Body(ch delivery.Channel) (string, bool) {
	if b, ok := t.Bodies[ch]; ok && b != "" {
		return b, true
	}
	if ch == delivery.WhatsApp {
		if b, ok := t.Bodies[delivery.SMS]; ok && b != "" {
			return b, true
		}
	}
	return "", false
}

type Rendered struct {
	Title string
	Body  string
}

func (t Template) Render(ch delivery.Channel, vars map[string]string) (Rendered, error) {
	body, ok := t.Body(ch)
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s/%s", ErrNoChannelBody, t.Kind, ch)
	}
	title, err := Render(t.Title, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("%s title: %w", t.Kind, err)
	}
	body, err = Render(body, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("%s %s body: %w", t.Kind, ch, err)
	}
	return Rendered{Title: title, Body: body}, nil
}

func (t Template) validate() error {
	if strings.TrimSpace(string(t.Kind)) == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidTemplate)
	}
	if len(t.Bodies) == 0 {
		return fmt.Errorf("%w: %s has no bodies", ErrInvalidTemplate, t.Kind)
	}
	for ch := range t.Bodies {
		if _, err := delivery.ParseChannel(string(ch)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, t.Kind, err)
		}
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Every placeholder must have a value.
func Render(text string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrMissingPlaceholder, strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
