// Package inmem provides in-memory implementations of the store contracts
// for tests and local development. State lives in maps guarded by a single
// mutex; entities are defensively copied on read and write. Claim semantics
// match the durable stores: a claimed endpoint is leased and invisible to
// concurrent claimers until the lease expires or is released.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/store"
)

// Store implements store.Endpoints, store.Jobs, store.Runs, store.Sessions
// and store.Keys in memory with no durability.
type Store struct {
	mu        sync.Mutex
	clk       clock.Clock
	jobs      map[string]*endpoint.Job
	endpoints map[string]*endpoint.Endpoint
	runs      map[string]*endpoint.Run
	sessions  map[string]*endpoint.Session
	keys      map[string][]byte
}

// New constructs an empty Store reading time from clk. A nil clock uses the
// system clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		clk:       clk,
		jobs:      make(map[string]*endpoint.Job),
		endpoints: make(map[string]*endpoint.Endpoint),
		runs:      make(map[string]*endpoint.Run),
		sessions:  make(map[string]*endpoint.Session),
		keys:      make(map[string][]byte),
	}
}

// --- jobs ---

func (s *Store) AddJob(_ context.Context, j *endpoint.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.clk.Now()
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*endpoint.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context, userID string) ([]*endpoint.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*endpoint.Job
	for _, j := range s.jobs {
		if j.UserID != userID || j.ArchivedAt != nil {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) SetJobStatus(_ context.Context, id string, status endpoint.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	return nil
}

func (s *Store) ArchiveJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.ArchivedAt == nil {
		now := s.clk.Now()
		j.ArchivedAt = &now
	}
	j.Status = endpoint.JobArchived
	return nil
}

// --- endpoints ---

func (s *Store) AddEndpoint(_ context.Context, e *endpoint.Endpoint) error {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if e.BaselineCron != "" {
		if _, err := schedule.ParseCron(e.BaselineCron); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[e.JobID]
	if !ok {
		return store.ErrNotFound
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TenantID == "" {
		e.TenantID = j.TenantID
	}
	now := s.clk.Now()
	if e.NextRunAt.IsZero() {
		d := schedule.Next(e, schedule.OutcomeNone, now)
		e.NextRunAt = d.NextRunAt
	}
	cp := cloneEndpoint(e)
	s.endpoints[e.ID] = cp
	return nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEndpoint(e), nil
}

func (s *Store) UpdateEndpoint(_ context.Context, id string, patch store.EndpointPatch) (*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	merged := cloneEndpoint(e)
	applyPatch(merged, patch)
	merged.Normalize()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if merged.BaselineCron != "" {
		if _, err := schedule.ParseCron(merged.BaselineCron); err != nil {
			return nil, err
		}
	}
	s.endpoints[id] = cloneEndpoint(merged)
	return merged, nil
}

func (s *Store) ArchiveEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.ArchivedAt == nil {
		now := s.clk.Now()
		e.ArchivedAt = &now
	}
	return nil
}

func (s *Store) ListEndpoints(_ context.Context, jobID string) ([]*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*endpoint.Endpoint
	for _, e := range s.endpoints {
		if e.JobID != jobID || e.ArchivedAt != nil {
			continue
		}
		out = append(out, cloneEndpoint(e))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) ClaimDueEndpoints(_ context.Context, limit int, horizon time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	cutoff := now.Add(horizon)

	var due []*endpoint.Endpoint
	for _, e := range s.endpoints {
		if e.ArchivedAt != nil || e.NextRunAt.After(cutoff) {
			continue
		}
		if e.PausedUntil != nil && e.PausedUntil.After(now) {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		j, ok := s.jobs[e.JobID]
		if !ok || j.ArchivedAt != nil || j.Status == endpoint.JobArchived {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextRunAt.Equal(due[k].NextRunAt) {
			return due[i].NextRunAt.Before(due[k].NextRunAt)
		}
		return due[i].ID < due[k].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, e := range due {
		until := now.Add(schedule.LeaseFor(e.MaxExecutionTimeMs, horizon))
		e.LockedUntil = &until
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (s *Store) SetLock(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	e.LockedUntil = &until
	return nil
}

func (s *Store) ClearLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	e.LockedUntil = nil
	return nil
}

func (s *Store) SetNextRunAtIfEarlier(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.clk.Now()
	if e.PausedUntil != nil && e.PausedUntil.After(now) {
		return nil
	}
	clamped := schedule.ClampGuardrails(e, t, now)
	if !clamped.Before(e.NextRunAt) {
		return nil
	}
	e.NextRunAt = clamped
	e.NudgedAt = &now
	return nil
}

func (s *Store) WriteAIHint(_ context.Context, id string, hint store.Hint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	exp := hint.ExpiresAt
	e.AIHintExpiresAt = &exp
	if hint.NextRunAt != nil {
		t := *hint.NextRunAt
		e.AIHintNextRunAt = &t
	}
	if hint.IntervalMs != nil {
		v := *hint.IntervalMs
		e.AIHintIntervalMs = &v
	}
	if hint.Reason != "" {
		e.AIHintReason = hint.Reason
	}
	return nil
}

func (s *Store) SetPausedUntil(_ context.Context, id string, t *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	if t == nil {
		e.PausedUntil = nil
		return nil
	}
	cp := *t
	e.PausedUntil = &cp
	return nil
}

func (s *Store) UpdateAfterRun(_ context.Context, id string, patch store.AfterRunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.clk.Now()
	last := patch.LastRunAt
	e.LastRunAt = &last
	e.FailureCount = patch.FailureCount

	next := patch.NextRunAt
	// Backoff alone never moves nextRunAt backwards.
	if patch.FromBackoff && next.Before(e.NextRunAt) {
		next = e.NextRunAt
	}
	e.NextRunAt = next

	if patch.ClearAllHints {
		e.AIHintNextRunAt = nil
		e.AIHintIntervalMs = nil
		e.AIHintExpiresAt = nil
		e.AIHintReason = ""
	} else if patch.ClearOneShot {
		e.AIHintNextRunAt = nil
	}
	e.NudgedAt = nil

	// Hold the lease forward to the new nextRunAt so the next tick's claim
	// horizon cannot re-claim the endpoint early.
	if e.NextRunAt.After(now) {
		t := e.NextRunAt
		e.LockedUntil = &t
	} else {
		e.LockedUntil = nil
	}
	return nil
}

func (s *Store) ClearAIHints(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	e.AIHintNextRunAt = nil
	e.AIHintIntervalMs = nil
	e.AIHintExpiresAt = nil
	e.AIHintReason = ""
	return nil
}

func (s *Store) ResetFailureCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	e.FailureCount = 0
	return nil
}

func (s *Store) ListDueForAnalysis(_ context.Context, limit int) ([]*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	var due []*endpoint.Endpoint
	for _, e := range s.endpoints {
		if e.ArchivedAt != nil {
			continue
		}
		j, ok := s.jobs[e.JobID]
		if !ok || j.ArchivedAt != nil || j.Status == endpoint.JobArchived {
			continue
		}
		if e.NextAnalysisAt != nil && e.NextAnalysisAt.After(now) {
			continue
		}
		due = append(due, cloneEndpoint(e))
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ID < due[k].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) SetNextAnalysisAt(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := t
	e.NextAnalysisAt = &cp
	return nil
}

// --- runs ---

func (s *Store) InsertRun(_ context.Context, r *endpoint.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.clk.Now()
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) FinishRun(_ context.Context, id string, status endpoint.RunStatus, durationMs int64, statusCode int, errMsg string, body *endpoint.Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.clk.Now()
	r.Status = status
	r.DurationMs = durationMs
	r.StatusCode = statusCode
	r.ErrorMessage = errMsg
	r.ResponseBody = body
	r.FinishedAt = &now
	return nil
}

func (s *Store) LatestRun(_ context.Context, endpointID string) (*endpoint.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *endpoint.Run
	for _, r := range s.runs {
		if r.EndpointID != endpointID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) RecentRuns(_ context.Context, endpointID string, limit int) ([]*endpoint.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*endpoint.Run
	for _, r := range s.runs {
		if r.EndpointID != endpointID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SiblingLatestRuns(_ context.Context, jobID, excludeEndpointID string) (map[string]*endpoint.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*endpoint.Run)
	for _, e := range s.endpoints {
		if e.JobID != jobID || e.ID == excludeEndpointID || e.ArchivedAt != nil {
			continue
		}
		var latest *endpoint.Run
		for _, r := range s.runs {
			if r.EndpointID != e.ID {
				continue
			}
			if latest == nil || r.StartedAt.After(latest.StartedAt) {
				latest = r
			}
		}
		if latest != nil {
			cp := *latest
			out[e.ID] = &cp
		}
	}
	return out, nil
}

func (s *Store) HealthSummary(_ context.Context, endpointID string, windows []time.Duration) ([]endpoint.HealthWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]endpoint.HealthWindow, 0, len(windows))
	for _, w := range windows {
		since := now.Add(-w)
		hw := endpoint.HealthWindow{Window: w}
		var totalDur, n int64
		for _, r := range s.runs {
			if r.EndpointID != endpointID || r.StartedAt.Before(since) {
				continue
			}
			switch r.Status {
			case endpoint.RunSuccess:
				hw.Successes++
			case endpoint.RunFailed, endpoint.RunCanceled:
				hw.Failures++
			default:
				continue
			}
			totalDur += r.DurationMs
			n++
		}
		if n > 0 {
			hw.AvgDurationMs = totalDur / n
		}
		out = append(out, hw)
	}
	return out, nil
}

func (s *Store) SweepZombies(_ context.Context, olderThan time.Duration, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	cutoff := now.Add(-olderThan)
	var swept int64
	for _, r := range s.runs {
		if r.Status != endpoint.RunRunning || r.StartedAt.After(cutoff) {
			continue
		}
		r.Status = endpoint.RunFailed
		r.ErrorMessage = message
		r.FinishedAt = &now
		swept++
	}
	return swept, nil
}

// --- sessions ---

func (s *Store) InsertSession(_ context.Context, sess *endpoint.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	cp := *sess
	cp.ToolCalls = append([]endpoint.ToolCallRecord(nil), sess.ToolCalls...)
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) RecentSessions(_ context.Context, endpointID string, limit int) ([]*endpoint.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*endpoint.Session
	for _, sess := range s.sessions {
		if sess.EndpointID != endpointID {
			continue
		}
		cp := *sess
		cp.ToolCalls = append([]endpoint.ToolCallRecord(nil), sess.ToolCalls...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AnalyzedAt.After(out[k].AnalyzedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- keys ---

func (s *Store) GetKey(_ context.Context, tenantID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[tenantID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), k...), nil
}

func (s *Store) SetKey(_ context.Context, tenantID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[tenantID] = append([]byte(nil), key...)
	return nil
}

func cloneEndpoint(e *endpoint.Endpoint) *endpoint.Endpoint {
	cp := *e
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	cp.MinIntervalMs = cloneInt64(e.MinIntervalMs)
	cp.MaxIntervalMs = cloneInt64(e.MaxIntervalMs)
	cp.AIHintIntervalMs = cloneInt64(e.AIHintIntervalMs)
	cp.AIHintNextRunAt = cloneTime(e.AIHintNextRunAt)
	cp.AIHintExpiresAt = cloneTime(e.AIHintExpiresAt)
	cp.PausedUntil = cloneTime(e.PausedUntil)
	cp.ArchivedAt = cloneTime(e.ArchivedAt)
	cp.LastRunAt = cloneTime(e.LastRunAt)
	cp.NextAnalysisAt = cloneTime(e.NextAnalysisAt)
	cp.LockedUntil = cloneTime(e.LockedUntil)
	cp.NudgedAt = cloneTime(e.NudgedAt)
	return &cp
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func applyPatch(e *endpoint.Endpoint, p store.EndpointPatch) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.URL != nil {
		e.URL = *p.URL
	}
	if p.Method != nil {
		e.Method = *p.Method
	}
	if p.Headers != nil {
		e.Headers = p.Headers
	}
	if p.Body != nil {
		e.Body = p.Body
	}
	if p.TimeoutMs != nil {
		e.TimeoutMs = *p.TimeoutMs
	}
	if p.MaxExecutionTimeMs != nil {
		e.MaxExecutionTimeMs = *p.MaxExecutionTimeMs
	}
	if p.MaxResponseSizeKb != nil {
		e.MaxResponseSizeKb = *p.MaxResponseSizeKb
	}
	if p.BaselineCron != nil {
		e.BaselineCron = *p.BaselineCron
		if *p.BaselineCron != "" {
			e.BaselineIntervalMs = 0
		}
	}
	if p.BaselineIntervalMs != nil {
		e.BaselineIntervalMs = *p.BaselineIntervalMs
		if *p.BaselineIntervalMs != 0 {
			e.BaselineCron = ""
		}
	}
	if p.MinIntervalMs != nil {
		e.MinIntervalMs = p.MinIntervalMs
	}
	if p.MaxIntervalMs != nil {
		e.MaxIntervalMs = p.MaxIntervalMs
	}
}
