// Package scheduler runs the claim-and-dispatch loop: workers claim due
// endpoints under a lease, execute them through the dispatcher, record runs
// and commit the scheduling decision. A sweeper finalises runs orphaned by
// dead workers.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/dispatch"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/store"
)

const (
	// DefaultHorizon is how far ahead of nextRunAt a claim may reach.
	DefaultHorizon = 30 * time.Second
	// DefaultClaimLimit bounds one tick's claim batch.
	DefaultClaimLimit = 25
	// DefaultTickInterval is the pause between claim attempts.
	DefaultTickInterval = 5 * time.Second
)

// Executor performs one dispatch. Satisfied by *dispatch.Dispatcher; tests
// substitute a fake.
type Executor interface {
	Execute(ctx context.Context, e *endpoint.Endpoint) dispatch.Outcome
}

// Options configures a Worker.
type Options struct {
	// Endpoints and Runs are the stores the worker claims from and records
	// into. Both required.
	Endpoints store.Endpoints
	Runs      store.Runs
	// Executor dispatches claimed endpoints. Required.
	Executor Executor
	// Quota gates per-tenant dispatch volume. Defaults to quota.Unlimited.
	Quota quota.Guard
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Horizon, ClaimLimit, TickInterval default to the package constants.
	Horizon      time.Duration
	ClaimLimit   int
	TickInterval time.Duration
	// Concurrency bounds in-flight dispatches. Defaults to ClaimLimit.
	Concurrency int
}

// Worker is one claim-and-dispatch loop. Multiple workers may run against the
// same store; the claim lease keeps them from double-dispatching.
type Worker struct {
	endpoints store.Endpoints
	runs      store.Runs
	exec      Executor
	guard     quota.Guard
	clk       clock.Clock

	horizon     time.Duration
	claimLimit  int
	tick        time.Duration
	concurrency int
}

// NewWorker builds a Worker from options.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Endpoints == nil || opts.Runs == nil {
		return nil, errors.New("endpoint and run stores are required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	w := &Worker{
		endpoints:   opts.Endpoints,
		runs:        opts.Runs,
		exec:        opts.Executor,
		guard:       opts.Quota,
		clk:         opts.Clock,
		horizon:     opts.Horizon,
		claimLimit:  opts.ClaimLimit,
		tick:        opts.TickInterval,
		concurrency: opts.Concurrency,
	}
	if w.guard == nil {
		w.guard = quota.Unlimited{}
	}
	if w.clk == nil {
		w.clk = clock.System{}
	}
	if w.horizon <= 0 {
		w.horizon = DefaultHorizon
	}
	if w.claimLimit <= 0 {
		w.claimLimit = DefaultClaimLimit
	}
	if w.tick <= 0 {
		w.tick = DefaultTickInterval
	}
	if w.concurrency <= 0 {
		w.concurrency = w.claimLimit
	}
	return w, nil
}

// Run ticks until ctx is canceled, draining in-flight dispatches before
// returning.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(ctx, err, "scheduler tick")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims one batch of due endpoints and dispatches them with bounded
// concurrency. It returns once every claimed endpoint has been processed.
func (w *Worker) Tick(ctx context.Context) error {
	ids, err := w.endpoints.ClaimDueEndpoints(ctx, w.claimLimit, w.horizon)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			w.process(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

// process handles one claimed endpoint end to end. It never returns an error:
// failures are logged and the lease released so the endpoint is not stuck
// until lease expiry.
func (w *Worker) process(ctx context.Context, id string) {
	e, err := w.endpoints.GetEndpoint(ctx, id)
	if err != nil {
		log.Errorf(ctx, err, "load claimed endpoint %s", id)
		w.release(ctx, id)
		return
	}

	allowed, err := w.guard.CanProceed(ctx, e.TenantID)
	if err != nil {
		// The guard failing is not the tenant being over quota; dispatch
		// rather than silently stalling the schedule.
		log.Warnf(ctx, "quota check for tenant %s: %v", e.TenantID, err)
		allowed = true
	}
	if !allowed {
		log.Infof(ctx, "tenant %s over quota, skipping endpoint %s", e.TenantID, id)
		w.release(ctx, id)
		return
	}

	started := w.clk.Now().UTC()
	run := &endpoint.Run{
		ID:         uuid.NewString(),
		EndpointID: id,
		Status:     endpoint.RunRunning,
		Attempt:    e.FailureCount + 1,
		Source:     schedule.Attribute(e, started),
		StartedAt:  started,
	}
	if err := w.runs.InsertRun(ctx, run); err != nil {
		log.Errorf(ctx, err, "insert run for endpoint %s", id)
		w.release(ctx, id)
		return
	}

	out := w.exec.Execute(ctx, e)

	if err := w.runs.FinishRun(ctx, run.ID, out.Status, out.DurationMs, out.StatusCode, out.ErrorMessage, out.ResponseBody); err != nil {
		log.Errorf(ctx, err, "finish run %s", run.ID)
	}

	// Reschedule from a fresh snapshot: hints or pauses written while the
	// dispatch was in flight take part in the decision.
	fresh, err := w.endpoints.GetEndpoint(ctx, id)
	if err != nil {
		log.Errorf(ctx, err, "reload endpoint %s", id)
		w.release(ctx, id)
		return
	}
	fresh.LastRunAt = &started
	d := schedule.Next(fresh, outcomeOf(out.Status), w.clk.Now().UTC())
	patch := store.AfterRunPatch{
		LastRunAt:     started,
		NextRunAt:     d.NextRunAt,
		FailureCount:  d.FailureCount,
		ClearOneShot:  d.ClearOneShot,
		ClearAllHints: d.ClearAllHints,
		FromBackoff:   d.FromBackoff,
	}
	if err := w.endpoints.UpdateAfterRun(ctx, id, patch); err != nil {
		log.Errorf(ctx, err, "commit schedule for endpoint %s", id)
		w.release(ctx, id)
	}
}

func (w *Worker) release(ctx context.Context, id string) {
	if err := w.endpoints.ClearLock(ctx, id); err != nil {
		log.Errorf(ctx, err, "release lease on endpoint %s", id)
	}
}

func outcomeOf(status endpoint.RunStatus) schedule.Outcome {
	switch status {
	case endpoint.RunSuccess:
		return schedule.OutcomeSuccess
	case endpoint.RunCanceled:
		return schedule.OutcomeCanceled
	default:
		return schedule.OutcomeFailed
	}
}
