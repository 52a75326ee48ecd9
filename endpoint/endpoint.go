// Package endpoint defines the scheduling domain entities: jobs, endpoints,
// runs and planner sessions. Entities are plain data; persistence lives in the
// store packages and scheduling arithmetic in package schedule.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalid is wrapped by all entity validation failures so callers can
// classify them with errors.Is.
var ErrInvalid = errors.New("invalid entity")

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobPaused   JobStatus = "paused"
	JobArchived JobStatus = "archived"
)

// Job is the organisational container owning a set of endpoints. A job fixes
// the tenant of its endpoints; archiving a job hides every endpoint under it
// from claims and listings.
type Job struct {
	ID          string
	UserID      string
	TenantID    string
	Name        string
	Description string
	Status      JobStatus
	ArchivedAt  *time.Time
	CreatedAt   time.Time
}

// Validate checks the job fields required on insert.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalid)
	}
	if j.UserID == "" {
		return fmt.Errorf("%w: job user id is required", ErrInvalid)
	}
	switch j.Status {
	case JobActive, JobPaused, JobArchived:
	case "":
		j.Status = JobActive
	default:
		return fmt.Errorf("%w: unknown job status %q", ErrInvalid, j.Status)
	}
	return nil
}

// Request timing bounds. Timeout has a hard floor so a misconfigured endpoint
// cannot spin the dispatcher; max execution time only sizes the claim lease.
const (
	DefaultTimeoutMs      = 30_000
	MinTimeoutMs          = 1_000
	DefaultMaxExecutionMs = 60_000
	MaxMaxExecutionMs     = 30 * 60 * 1000
	DefaultMaxRespKb      = 100
)

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// Endpoint is the schedulable unit. Exactly one of BaselineCron or
// BaselineIntervalMs must be set; the rest of the scheduling state (hints,
// pause, guardrails, failure counter) composes in schedule.Next.
type Endpoint struct {
	ID       string
	JobID    string
	TenantID string
	Name     string

	// Request configuration.
	URL                string
	Method             string
	Headers            map[string]string
	Body               *Body
	TimeoutMs          int
	MaxExecutionTimeMs int
	MaxResponseSizeKb  int

	// Baseline cadence: exactly one of the two.
	BaselineCron       string
	BaselineIntervalMs int64

	// Guardrails.
	MinIntervalMs *int64
	MaxIntervalMs *int64

	// AI hints, all scoped by AIHintExpiresAt.
	AIHintIntervalMs *int64
	AIHintNextRunAt  *time.Time
	AIHintExpiresAt  *time.Time
	AIHintReason     string

	// Manual controls and soft delete.
	PausedUntil *time.Time
	ArchivedAt  *time.Time

	// Runtime state.
	LastRunAt    *time.Time
	NextRunAt    time.Time
	FailureCount int

	// Planner cadence.
	NextAnalysisAt *time.Time

	// LockedUntil is the adapter-private lease timestamp. Only the store
	// mutates it; at most one worker may hold the lease at any instant.
	LockedUntil *time.Time

	// NudgedAt marks a manual reschedule so the next claim can attribute the
	// run to "manual". Cleared by UpdateAfterRun.
	NudgedAt *time.Time
}

// Normalize fills defaulted request fields in place. Called by stores before
// validation on insert.
func (e *Endpoint) Normalize() {
	if e.Method == "" {
		e.Method = "GET"
	}
	if e.TimeoutMs == 0 {
		e.TimeoutMs = DefaultTimeoutMs
	}
	if e.TimeoutMs < MinTimeoutMs {
		e.TimeoutMs = MinTimeoutMs
	}
	if e.MaxExecutionTimeMs == 0 {
		e.MaxExecutionTimeMs = DefaultMaxExecutionMs
	}
	if e.MaxExecutionTimeMs > MaxMaxExecutionMs {
		e.MaxExecutionTimeMs = MaxMaxExecutionMs
	}
	if e.MaxResponseSizeKb == 0 {
		e.MaxResponseSizeKb = DefaultMaxRespKb
	}
}

// Validate enforces the structural invariants on the endpoint: exactly one
// baseline, guardrail ordering, method membership and a parseable URL. It
// does not resolve the URL; address range checks happen at dispatch time.
func (e *Endpoint) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("%w: endpoint job id is required", ErrInvalid)
	}
	hasCron := e.BaselineCron != ""
	hasInterval := e.BaselineIntervalMs != 0
	if hasCron == hasInterval {
		return fmt.Errorf("%w: exactly one of baseline cron or baseline interval must be set", ErrInvalid)
	}
	if hasInterval && e.BaselineIntervalMs < 0 {
		return fmt.Errorf("%w: baseline interval must be positive", ErrInvalid)
	}
	if e.MinIntervalMs != nil && e.MaxIntervalMs != nil && *e.MinIntervalMs > *e.MaxIntervalMs {
		return fmt.Errorf("%w: min interval %dms exceeds max interval %dms", ErrInvalid, *e.MinIntervalMs, *e.MaxIntervalMs)
	}
	if _, ok := allowedMethods[e.Method]; !ok {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalid, e.Method)
	}
	if e.URL == "" {
		return fmt.Errorf("%w: endpoint url is required", ErrInvalid)
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("%w: endpoint url: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint url scheme %q is not http(s)", ErrInvalid, u.Scheme)
	}
	return nil
}

// HintActive reports whether any AI hint is live at the given instant.
func (e *Endpoint) HintActive(now time.Time) bool {
	if e.AIHintExpiresAt == nil || !e.AIHintExpiresAt.After(now) {
		return false
	}
	return e.AIHintIntervalMs != nil || e.AIHintNextRunAt != nil
}

// OneShotActive reports whether the one-shot hint is live and not yet
// consumed at the given instant.
func (e *Endpoint) OneShotActive(now time.Time) bool {
	if e.AIHintNextRunAt == nil || e.AIHintExpiresAt == nil || !e.AIHintExpiresAt.After(now) {
		return false
	}
	return e.LastRunAt == nil || e.AIHintNextRunAt.After(*e.LastRunAt)
}

// Paused reports whether the endpoint is manually paused at the given instant.
func (e *Endpoint) Paused(now time.Time) bool {
	return e.PausedUntil != nil && e.PausedUntil.After(now)
}

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// Source attributes what drove a dispatch.
type Source string

const (
	SourceBaseline   Source = "baseline"
	SourceAIInterval Source = "ai-interval"
	SourceAIOneshot  Source = "ai-oneshot"
	SourceManual     Source = "manual"
	SourceTest       Source = "test"
)

// Run is one attempted dispatch. Created in the running state at
// claim-commit, finalised exactly once when the dispatch completes, or swept
// to failed by the zombie sweeper if the worker died mid-flight.
type Run struct {
	ID           string
	EndpointID   string
	Status       RunStatus
	Attempt      int
	Source       Source
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMs   int64
	ErrorMessage string
	StatusCode   int
	ResponseBody *Body
}

// ToolCallRecord captures one planner tool invocation inside a session.
type ToolCallRecord struct {
	Name   string
	Args   map[string]any
	Result any
	Error  string
}

// Session is the telemetry record of one planner invocation for one endpoint.
type Session struct {
	ID             string
	EndpointID     string
	AnalyzedAt     time.Time
	ToolCalls      []ToolCallRecord
	Reasoning      string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	NextAnalysisAt time.Time
	FailureCount   int
}

// HealthWindow is one roll-up bucket of the runs log used by the planner
// prompt and the user-visible health summary.
type HealthWindow struct {
	Window        time.Duration
	Successes     int
	Failures      int
	AvgDurationMs int64
}
