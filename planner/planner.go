// Package planner runs the advisory analysis loop: for each endpoint due for
// analysis it assembles a health prompt, lets an LLM inspect recent behavior
// through a closed toolset, and records the session. Every mutation the model
// makes goes through a store primitive and is subject to the same guardrails
// as manual operations.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/model"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/store"
)

// Analysis cadence bounds. The model may choose its own revisit delay within
// these; outside values are clamped, never rejected.
const (
	MinAnalysisGap = 5 * time.Minute
	MaxAnalysisGap = 24 * time.Hour
)

const (
	// DefaultTickInterval is the pause between scans for due endpoints.
	DefaultTickInterval = time.Minute
	// DefaultBatchLimit bounds how many endpoints one scan analyzes.
	DefaultBatchLimit = 10
	// DefaultMaxToolTurns bounds the tool-calling conversation length.
	DefaultMaxToolTurns = 8
)

// healthWindows are the roll-up buckets presented in the prompt.
var healthWindows = []time.Duration{time.Hour, 4 * time.Hour, 24 * time.Hour}

const systemPrompt = `You are a scheduling analyst for HTTP endpoint polling.
You observe an endpoint's recent run history and decide whether its cadence
should change. Use the provided tools to inspect responses and, when
justified, to propose a different interval, a one-shot run time, or a pause.
Be conservative: only adjust when the data clearly supports it. Always finish
by calling submit_analysis with your reasoning.`

// Options configures a Planner.
type Options struct {
	// Endpoints, Runs and Sessions are required stores.
	Endpoints store.Endpoints
	Runs      store.Runs
	Sessions  store.Sessions
	// Model is the LLM client. Required.
	Model model.Client
	// Quota gates per-tenant analysis volume. Defaults to quota.Unlimited.
	Quota quota.Guard
	// Clock defaults to the system clock.
	Clock clock.Clock
	// TickInterval, BatchLimit and MaxToolTurns default to the package
	// constants.
	TickInterval time.Duration
	BatchLimit   int
	MaxToolTurns int
}

// Planner is the analysis loop.
type Planner struct {
	endpoints store.Endpoints
	runs      store.Runs
	sessions  store.Sessions
	llm       model.Client
	guard     quota.Guard
	clk       clock.Clock

	tick     time.Duration
	batch    int
	maxTurns int
}

// New builds a Planner from options.
func New(opts Options) (*Planner, error) {
	if opts.Endpoints == nil || opts.Runs == nil || opts.Sessions == nil {
		return nil, errors.New("endpoint, run and session stores are required")
	}
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	p := &Planner{
		endpoints: opts.Endpoints,
		runs:      opts.Runs,
		sessions:  opts.Sessions,
		llm:       opts.Model,
		guard:     opts.Quota,
		clk:       opts.Clock,
		tick:      opts.TickInterval,
		batch:     opts.BatchLimit,
		maxTurns:  opts.MaxToolTurns,
	}
	if p.guard == nil {
		p.guard = quota.Unlimited{}
	}
	if p.clk == nil {
		p.clk = clock.System{}
	}
	if p.tick <= 0 {
		p.tick = DefaultTickInterval
	}
	if p.batch <= 0 {
		p.batch = DefaultBatchLimit
	}
	if p.maxTurns <= 0 {
		p.maxTurns = DefaultMaxToolTurns
	}
	return p, nil
}

// Run scans for due endpoints until ctx is canceled.
func (p *Planner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		if err := p.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(ctx, err, "planner tick")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick analyzes one batch of due endpoints sequentially. LLM latency
// dominates; per-endpoint parallelism buys little and complicates quota
// accounting.
func (p *Planner) Tick(ctx context.Context) error {
	due, err := p.endpoints.ListDueForAnalysis(ctx, p.batch)
	if err != nil {
		return err
	}
	for _, e := range due {
		if err := p.Analyze(ctx, e); err != nil {
			log.Errorf(ctx, err, "analyze endpoint %s", e.ID)
			// Still push the analysis clock forward so a persistently failing
			// endpoint cannot monopolize the loop.
			p.scheduleNext(ctx, e, 0)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Analyze runs one planner session for one endpoint.
func (p *Planner) Analyze(ctx context.Context, e *endpoint.Endpoint) error {
	allowed, err := p.guard.CanProceed(ctx, e.TenantID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !allowed {
		log.Infof(ctx, "tenant %s over quota, skipping analysis of endpoint %s", e.TenantID, e.ID)
		p.scheduleNext(ctx, e, 0)
		return nil
	}

	prompt, err := p.buildPrompt(ctx, e)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}

	now := p.clk.Now().UTC()
	box := &toolbox{endpoints: p.endpoints, runs: p.runs, target: e, now: p.clk.Now}
	sess := &endpoint.Session{
		ID:           uuid.NewString(),
		EndpointID:   e.ID,
		AnalyzedAt:   now,
		FailureCount: e.FailureCount,
	}

	messages := []model.Message{{Role: model.RoleUser, Content: prompt}}
	defs := toolDefinitions()
	for turn := 0; turn < p.maxTurns && box.done == nil; turn++ {
		resp, err := p.llm.Complete(ctx, model.Request{
			System:   systemPrompt,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			return fmt.Errorf("model complete: %w", err)
		}
		sess.InputTokens += resp.Usage.InputTokens
		sess.OutputTokens += resp.Usage.OutputTokens
		sess.TotalTokens += resp.Usage.TotalTokens
		if resp.Text != "" && sess.Reasoning == "" {
			sess.Reasoning = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		turnMsg := model.Message{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		results := model.Message{Role: model.RoleUser}
		for _, call := range resp.ToolCalls {
			record := endpoint.ToolCallRecord{Name: call.Name, Args: call.Args}
			result, err := box.execute(ctx, call)
			res := model.ToolResult{ToolCallID: call.ID, Content: result}
			if err != nil {
				record.Error = err.Error()
				res.Content = err.Error()
				res.IsError = true
			} else {
				record.Result = result
			}
			sess.ToolCalls = append(sess.ToolCalls, record)
			results.ToolResults = append(results.ToolResults, res)
		}
		messages = append(messages, turnMsg, results)
	}

	var chosen int64
	if box.done != nil {
		sess.Reasoning = box.done.Reasoning
		chosen = box.done.NextAnalysisInMs
	}
	sess.NextAnalysisAt = p.nextAnalysisAt(e, chosen)
	if err := p.sessions.InsertSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	p.scheduleNext(ctx, e, chosen)
	return nil
}

// buildPrompt assembles endpoint identity, the multi-window health roll-up,
// sibling names and recent response summaries into a single user message.
func (p *Planner) buildPrompt(ctx context.Context, e *endpoint.Endpoint) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint %q (%s %s)\n", e.Name, e.Method, e.URL)
	if e.BaselineCron != "" {
		fmt.Fprintf(&b, "Baseline: cron %q\n", e.BaselineCron)
	} else {
		fmt.Fprintf(&b, "Baseline: every %s\n", time.Duration(e.BaselineIntervalMs)*time.Millisecond)
	}
	if e.MinIntervalMs != nil {
		fmt.Fprintf(&b, "Minimum interval: %s\n", time.Duration(*e.MinIntervalMs)*time.Millisecond)
	}
	if e.MaxIntervalMs != nil {
		fmt.Fprintf(&b, "Maximum interval: %s\n", time.Duration(*e.MaxIntervalMs)*time.Millisecond)
	}
	fmt.Fprintf(&b, "Current failure streak: %d\n", e.FailureCount)
	if e.HintActive(p.clk.Now()) {
		fmt.Fprintf(&b, "An AI hint is already active (reason: %s)\n", e.AIHintReason)
	}
	if paused := e.PausedUntil; paused != nil {
		fmt.Fprintf(&b, "Paused until %s\n", paused.Format(time.RFC3339))
	}

	windows, err := p.runs.HealthSummary(ctx, e.ID, healthWindows)
	if err != nil {
		return "", err
	}
	b.WriteString("\nHealth summary:\n")
	for _, w := range windows {
		total := w.Successes + w.Failures
		rate := 0.0
		if total > 0 {
			rate = float64(w.Successes) / float64(total) * 100
		}
		fmt.Fprintf(&b, "  last %s: %d runs, %.0f%% success, avg %dms\n",
			w.Window, total, rate, w.AvgDurationMs)
	}

	siblings, err := p.endpoints.ListEndpoints(ctx, e.JobID)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != e.ID {
			names = append(names, s.Name)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, "\nSibling endpoints in the same job: %s\n", strings.Join(names, ", "))
	}

	recent, err := p.runs.RecentRuns(ctx, e.ID, 5)
	if err != nil {
		return "", err
	}
	if len(recent) > 0 {
		b.WriteString("\nMost recent runs (newest first):\n")
		for _, r := range recent {
			fmt.Fprintf(&b, "  %s %s", r.StartedAt.Format(time.RFC3339), r.Status)
			if r.StatusCode != 0 {
				fmt.Fprintf(&b, " http=%d", r.StatusCode)
			}
			fmt.Fprintf(&b, " %dms", r.DurationMs)
			if r.ErrorMessage != "" {
				fmt.Fprintf(&b, " error=%q", r.ErrorMessage)
			}
			if r.ResponseBody != nil {
				fmt.Fprintf(&b, " body=%s", snippet(r.ResponseBody.Bytes(), 200))
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nAnalyze whether the current cadence fits this endpoint's behavior.")
	return b.String(), nil
}

// nextAnalysisAt picks the next analysis time: the model's choice when it
// made one, else the baseline interval, else five minutes; always clamped to
// the analysis cadence bounds.
func (p *Planner) nextAnalysisAt(e *endpoint.Endpoint, chosenMs int64) time.Time {
	gap := time.Duration(chosenMs) * time.Millisecond
	if gap <= 0 {
		if e.BaselineIntervalMs > 0 {
			gap = time.Duration(e.BaselineIntervalMs) * time.Millisecond
		} else {
			gap = MinAnalysisGap
		}
	}
	if gap < MinAnalysisGap {
		gap = MinAnalysisGap
	}
	if gap > MaxAnalysisGap {
		gap = MaxAnalysisGap
	}
	return p.clk.Now().UTC().Add(gap)
}

func (p *Planner) scheduleNext(ctx context.Context, e *endpoint.Endpoint, chosenMs int64) {
	if err := p.endpoints.SetNextAnalysisAt(ctx, e.ID, p.nextAnalysisAt(e, chosenMs)); err != nil {
		log.Errorf(ctx, err, "set next analysis for endpoint %s", e.ID)
	}
}

func snippet(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
