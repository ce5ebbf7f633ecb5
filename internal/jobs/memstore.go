package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"remind/internal/delivery"
)

type slotKey struct {
	sessionID string
	kind      string
	channel   delivery.Channel
}

// MemStore is a mutex-guarded in-process Store. State is lost on restart.
type MemStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	active   map[slotKey]string
	sessions map[string]Session
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:     map[string]*Job{},
		active:   map[slotKey]string{},
		sessions: map[string]Session{},
	}
}

func keyOf(j *Job) slotKey {
	return slotKey{sessionID: j.SessionID, kind: j.Kind, channel: j.Channel}
}

func (m *MemStore) UpsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSessionLocked(s)
	return nil
}

func (m *MemStore) putSessionLocked(s Session) {
	if prev, ok := m.sessions[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	m.sessions[s.ID] = cloneSession(s)
}

func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemStore) Enqueue(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(&j)
	if _, ok := m.active[k]; ok {
		return ErrDuplicateJob
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = j.ScheduledFor
	}
	stored := cloneJob(j)
	m.jobs[j.ID] = &stored
	m.active[k] = j.ID
	return nil
}

func (m *MemStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for _, j := range m.jobs {
		if j.Status == StatusAttempting && j.LockedAt != nil && j.LockedAt.Before(now.Add(-lease)) {
			j.LockedAt = nil
			j.UpdatedAt = now
			if j.Attempts >= j.maxAttempts() {
				msg := leaseExhaustedMsg(j.Attempts)
				j.Status = StatusFailed
				j.LastError = &msg
				delete(m.active, keyOf(j))
				continue
			}
			j.Status = StatusPending
		}
		if j.Status == StatusPending && !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return dueBefore(due[a], due[b]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		at := now
		j.Status = StatusAttempting
		j.Attempts++
		j.LastAttemptAt = &at
		j.LockedAt = &at
		j.UpdatedAt = now
		out = append(out, cloneJob(*j))
	}
	return out, nil
}

func dueBefore(a, b *Job) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.ID < b.ID
}

// attemptingLocked returns the job if it is still being attempted.
func (m *MemStore) attemptingLocked(id string) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusAttempting {
		return nil, ErrJobNotActive
	}
	return j, nil
}

func (m *MemStore) MarkSent(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.attemptingLocked(id)
	if err != nil {
		return err
	}
	j.Status = StatusSent
	j.LockedAt = nil
	j.LastError = nil
	j.UpdatedAt = now
	delete(m.active, keyOf(j))
	return nil
}

func (m *MemStore) MarkRetry(_ context.Context, id string, next time.Time, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.attemptingLocked(id)
	if err != nil {
		return err
	}
	j.Status = StatusPending
	j.NextAttemptAt = next
	j.LockedAt = nil
	j.LastError = &errMsg
	j.UpdatedAt = now
	return nil
}

func (m *MemStore) MarkFailed(_ context.Context, id string, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.attemptingLocked(id)
	if err != nil {
		return err
	}
	j.Status = StatusFailed
	j.LockedAt = nil
	j.LastError = &errMsg
	j.UpdatedAt = now
	delete(m.active, keyOf(j))
	return nil
}

func (m *MemStore) CancelSession(_ context.Context, sessionID, reason string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		s.Status = SessionCancelled
		s.UpdatedAt = now
		m.sessions[sessionID] = s
	}
	return m.cancelJobsLocked(sessionID, reason, now), nil
}

func (m *MemStore) SupersedeSession(_ context.Context, s Session, reason string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.sessions[s.ID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if prev.Status == SessionCancelled {
		return 0, ErrSessionCancelled
	}
	n := m.cancelJobsLocked(s.ID, reason, now)
	s.UpdatedAt = now
	m.putSessionLocked(s)
	return n, nil
}

func (m *MemStore) cancelJobsLocked(sessionID, reason string, now time.Time) int {
	n := 0
	for _, j := range m.jobs {
		if j.SessionID != sessionID || !j.Status.Active() {
			continue
		}
		msg := reason
		j.Status = StatusCancelled
		j.LockedAt = nil
		j.LastError = &msg
		j.UpdatedAt = now
		delete(m.active, keyOf(j))
		n++
	}
	return n
}

func (m *MemStore) JobsForSession(_ context.Context, sessionID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.SessionID == sessionID {
			out = append(out, cloneJob(*j))
		}
	}
	sortByScheduledFor(out)
	return out, nil
}

func (m *MemStore) Stats(_ context.Context, clientID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, j := range m.jobs {
		if clientID != "" && j.ClientID != clientID {
			continue
		}
		st.add(j.Status, 1)
	}
	return st, nil
}

func (m *MemStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func sortByScheduledFor(js []Job) {
	sort.SliceStable(js, func(a, b int) bool {
		if !js[a].ScheduledFor.Equal(js[b].ScheduledFor) {
			return js[a].ScheduledFor.Before(js[b].ScheduledFor)
		}
		if !js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		}
		return js[a].ID < js[b].ID
	})
}

func cloneJob(j Job) Job {
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		j.LastAttemptAt = &t
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		j.LockedAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		j.LastError = &e
	}
	return j
}

func cloneSession(s Session) Session {
	s.Kinds = append([]string(nil), s.Kinds...)
	s.Channels = append([]string(nil), s.Channels...)
	s.Recipients = cloneMap(s.Recipients)
	s.Vars = cloneMap(s.Vars)
	return s
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
