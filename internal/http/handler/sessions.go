package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"remind/internal/delivery"
	"remind/internal/jobs"
	"remind/internal/reminder"
	"remind/internal/templates"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type SessionHandler struct {
	Svc *reminder.Service
}

type scheduleReq struct {
	SessionID  string            `json:"sessionId"`
	ClientID   string            `json:"clientId"`
	StartsAt   string            `json:"startsAt"` // RFC3339
	Timezone   string            `json:"timezone"`
	Kinds      []string          `json:"kinds"`
	Channels   []string          `json:"channels"`
	Recipients map[string]string `json:"recipients"`
	Vars       map[string]string `json:"vars"`
}

type rescheduleReq struct {
	StartsAt string `json:"startsAt"`
	Timezone string `json:"timezone"`
}

type itemErrorResp struct {
	Kind    templates.Kind   `json:"kind"`
	Channel delivery.Channel `json:"channel,omitempty"`
	Error   string           `json:"error"`
}

type scheduleResp struct {
	SessionID  string             `json:"sessionId"`
	JobIDs     []string           `json:"jobIds"`
	Jobs       []jobs.Job         `json:"jobs"`
	Skipped    []reminder.Skipped `json:"skipped"`
	Errors     []itemErrorResp    `json:"errors"`
	Superseded int                `json:"superseded,omitempty"`
}

// Create handles the session-confirmed event.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	startsAt, err := parseTime(req.StartsAt)
	if err != nil {
		http.Error(w, "invalid startsAt (RFC3339)", http.StatusBadRequest)
		return
	}

	in := reminder.ScheduleRequest{
		SessionID:  req.SessionID,
		ClientID:   req.ClientID,
		StartsAt:   startsAt,
		Timezone:   req.Timezone,
		Recipients: map[delivery.Channel]string{},
		Vars:       req.Vars,
	}
	for _, k := range req.Kinds {
		in.Kinds = append(in.Kinds, templates.Kind(strings.TrimSpace(k)))
	}
	for _, c := range req.Channels {
		in.Channels = append(in.Channels, delivery.Channel(strings.ToLower(strings.TrimSpace(c))))
	}
	for c, to := range req.Recipients {
		in.Recipients[delivery.Channel(strings.ToLower(strings.TrimSpace(c)))] = to
	}

	res, err := h.Svc.Schedule(r.Context(), in)
	h.respond(w, r, in.SessionID, res, err)
}

// Reschedule handles the session-rescheduled event.
func (h *SessionHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	startsAt, err := parseTime(req.StartsAt)
	if err != nil {
		http.Error(w, "invalid startsAt (RFC3339)", http.StatusBadRequest)
		return
	}

	res, err := h.Svc.Reschedule(r.Context(), reminder.RescheduleRequest{
		SessionID: id,
		StartsAt:  startsAt,
		Timezone:  req.Timezone,
	})
	h.respond(w, r, id, res, err)
}

// Cancel handles the session-cancelled event.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "cancelled": n})
}

func (h *SessionHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	list, err := h.Svc.JobsForSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "jobs": list})
}

func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))

	st, err := h.Svc.Stats(r.Context(), clientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type templateResp struct {
	Kind          templates.Kind     `json:"kind"`
	Title         string             `json:"title"`
	Channels      []delivery.Channel `json:"channels"`
	OffsetMinutes int                `json:"offsetMinutes"`
	Immediate     bool               `json:"immediate,omitempty"`
}

func (h *SessionHandler) Templates(w http.ResponseWriter, r *http.Request) {
	all := h.Svc.Templates()
	out := make([]templateResp, 0, len(all))
	for _, t := range all {
		tr := templateResp{Kind: t.Kind, Title: t.Title, OffsetMinutes: t.OffsetMinutes, Immediate: t.Immediate}
		for _, ch := range delivery.Channels {
			if _, ok := t.Body(ch); ok {
				tr.Channels = append(tr.Channels, ch)
			}
		}
		out = append(out, tr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

// respond maps a Schedule/Reschedule outcome to a status code. Item errors
// alongside created jobs are a partial success.
func (h *SessionHandler) respond(w http.ResponseWriter, r *http.Request, sessionID string, res reminder.Result, err error) {
	var ie *reminder.ItemError
	if err != nil && !errors.As(err, &ie) {
		writeError(w, r, err)
		return
	}

	body := scheduleResp{
		SessionID:  sessionID,
		JobIDs:     res.JobIDs(),
		Jobs:       res.Jobs,
		Skipped:    res.Skipped,
		Errors:     []itemErrorResp{},
		Superseded: res.Superseded,
	}
	if body.Jobs == nil {
		body.Jobs = []jobs.Job{}
	}
	if body.Skipped == nil {
		body.Skipped = []reminder.Skipped{}
	}
	duplicates := 0
	for _, e := range res.Errors {
		body.Errors = append(body.Errors, itemErrorResp{Kind: e.Kind, Channel: e.Channel, Error: e.Err.Error()})
		if errors.Is(e.Err, reminder.ErrDuplicateJob) {
			duplicates++
		}
	}

	status := http.StatusCreated
	if len(res.Jobs) == 0 && len(res.Errors) > 0 {
		status = http.StatusBadRequest
		if duplicates == len(res.Errors) {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, body)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reminder.ErrInvalidSchedule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reminder.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, reminder.ErrSessionCancelled):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
