// Package store defines the persistence contracts for jobs, endpoints, runs,
// signing keys and planner sessions, plus the patch types the scheduler and
// planner commit through them. Durable implementations live in
// store/postgres and store/mongo; store/inmem backs tests and local use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cronicorn/cronicorn/endpoint"
)

// ErrNotFound is returned by lookups when the entity does not exist or is
// outside the caller's visibility (archived parents included).
var ErrNotFound = errors.New("not found")

// EndpointPatch is a partial update to user-editable endpoint fields. Nil
// members are left untouched. Baseline and guardrail changes are re-validated
// against the merged entity.
type EndpointPatch struct {
	Name               *string
	URL                *string
	Method             *string
	Headers            map[string]string
	Body               *endpoint.Body
	TimeoutMs          *int
	MaxExecutionTimeMs *int
	MaxResponseSizeKb  *int
	BaselineCron       *string
	BaselineIntervalMs *int64
	MinIntervalMs      *int64
	MaxIntervalMs      *int64
}

// Hint carries the AI hint fields written atomically by the planner or an
// operator. ExpiresAt is required; the remaining fields overwrite only when
// non-nil.
type Hint struct {
	NextRunAt  *time.Time
	IntervalMs *int64
	ExpiresAt  time.Time
	Reason     string
}

// AfterRunPatch commits the scheduling algebra's decision after a finalised
// run. The store carries out the hint-clear policy, re-leases the endpoint to
// NextRunAt when it lies in the future, clears the manual-nudge marker, and
// refuses to move nextRunAt backwards when FromBackoff is set.
type AfterRunPatch struct {
	LastRunAt     time.Time
	NextRunAt     time.Time
	FailureCount  int
	ClearOneShot  bool
	ClearAllHints bool
	FromBackoff   bool
}

// Endpoints is the endpoint store (C6). Claim and lease primitives enforce
// at-most-one concurrent dispatch per endpoint.
type Endpoints interface {
	AddEndpoint(ctx context.Context, e *endpoint.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*endpoint.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) (*endpoint.Endpoint, error)
	ArchiveEndpoint(ctx context.Context, id string) error
	ListEndpoints(ctx context.Context, jobID string) ([]*endpoint.Endpoint, error)

	// ClaimDueEndpoints atomically selects and leases up to limit endpoints
	// whose nextRunAt falls within the horizon, skipping paused, locked and
	// archived rows (and rows under archived jobs), ordered by nextRunAt then
	// id. A claimed endpoint is invisible to concurrent claimers until its
	// lease expires or is released.
	ClaimDueEndpoints(ctx context.Context, limit int, horizon time.Duration) ([]string, error)

	SetLock(ctx context.Context, id string, until time.Time) error
	ClearLock(ctx context.Context, id string) error

	// SetNextRunAtIfEarlier clamps t against the guardrails and applies it
	// only when the clamped value is earlier than the current nextRunAt.
	// No-op on paused endpoints.
	SetNextRunAtIfEarlier(ctx context.Context, id string, t time.Time) error

	WriteAIHint(ctx context.Context, id string, hint Hint) error
	SetPausedUntil(ctx context.Context, id string, t *time.Time) error
	UpdateAfterRun(ctx context.Context, id string, patch AfterRunPatch) error
	ClearAIHints(ctx context.Context, id string) error
	ResetFailureCount(ctx context.Context, id string) error

	// Planner cadence.
	ListDueForAnalysis(ctx context.Context, limit int) ([]*endpoint.Endpoint, error)
	SetNextAnalysisAt(ctx context.Context, id string, t time.Time) error
}

// Jobs is the job store. Archiving a job hides its endpoints from claims and
// listings.
type Jobs interface {
	AddJob(ctx context.Context, j *endpoint.Job) error
	GetJob(ctx context.Context, id string) (*endpoint.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*endpoint.Job, error)
	SetJobStatus(ctx context.Context, id string, status endpoint.JobStatus) error
	ArchiveJob(ctx context.Context, id string) error
}

// Runs is the append-log of dispatch attempts (C7).
type Runs interface {
	InsertRun(ctx context.Context, r *endpoint.Run) error
	FinishRun(ctx context.Context, id string, status endpoint.RunStatus, durationMs int64, statusCode int, errMsg string, body *endpoint.Body) error

	LatestRun(ctx context.Context, endpointID string) (*endpoint.Run, error)
	RecentRuns(ctx context.Context, endpointID string, limit int) ([]*endpoint.Run, error)
	SiblingLatestRuns(ctx context.Context, jobID, excludeEndpointID string) (map[string]*endpoint.Run, error)

	// HealthSummary rolls the runs log up over the given windows ending now.
	HealthSummary(ctx context.Context, endpointID string, windows []time.Duration) ([]endpoint.HealthWindow, error)

	// SweepZombies marks runs still running after olderThan as failed with
	// the given message and returns how many were swept.
	SweepZombies(ctx context.Context, olderThan time.Duration, message string) (int64, error)
}

// Sessions persists planner invocation records.
type Sessions interface {
	InsertSession(ctx context.Context, s *endpoint.Session) error
	RecentSessions(ctx context.Context, endpointID string, limit int) ([]*endpoint.Session, error)
}

// Keys resolves per-tenant HMAC signing keys. A nil key with nil error means
// the tenant has no key registered and the request goes out unsigned.
type Keys interface {
	GetKey(ctx context.Context, tenantID string) ([]byte, error)
	SetKey(ctx context.Context, tenantID string, key []byte) error
}
