package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/model"
	"github.com/cronicorn/cronicorn/store"
)

// Tool names form the closed set exposed to the model. Every mutation routes
// through a store primitive and inherits its guardrail and pause semantics.
const (
	toolProposeInterval  = "propose_interval"
	toolProposeNextTime  = "propose_next_time"
	toolPauseUntil       = "pause_until"
	toolLatestResponse   = "get_latest_response"
	toolResponseHistory  = "get_response_history"
	toolSiblingResponses = "get_sibling_latest_responses"
	toolSubmitAnalysis   = "submit_analysis"
)

const maxHistoryLimit = 50

// toolDefinitions returns the schemas advertised to the model.
func toolDefinitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name:        toolProposeInterval,
			Description: "Propose a new polling interval for this endpoint. The hint expires after ttl_minutes and is clamped to the endpoint guardrails.",
			InputSchema: objectSchema(map[string]any{
				"interval_ms": map[string]any{"type": "integer", "description": "Proposed interval in milliseconds."},
				"ttl_minutes": map[string]any{"type": "integer", "description": "How long the hint stays active."},
				"reason":      map[string]any{"type": "string", "description": "Why this cadence fits the observed behavior."},
			}, "interval_ms", "ttl_minutes", "reason"),
		},
		{
			Name:        toolProposeNextTime,
			Description: "Propose a single specific next run time (RFC 3339). One-shot: consumed after it fires.",
			InputSchema: objectSchema(map[string]any{
				"next_run_at": map[string]any{"type": "string", "description": "RFC 3339 timestamp for the next run."},
				"ttl_minutes": map[string]any{"type": "integer", "description": "How long the hint stays active."},
				"reason":      map[string]any{"type": "string", "description": "Why this exact time."},
			}, "next_run_at", "ttl_minutes", "reason"),
		},
		{
			Name:        toolPauseUntil,
			Description: "Pause dispatching until the given RFC 3339 time, or resume immediately when until is null.",
			InputSchema: objectSchema(map[string]any{
				"until":  map[string]any{"type": []string{"string", "null"}, "description": "RFC 3339 timestamp, or null to clear the pause."},
				"reason": map[string]any{"type": "string", "description": "Why dispatching should pause or resume."},
			}, "reason"),
		},
		{
			Name:        toolLatestResponse,
			Description: "Fetch the most recent run of this endpoint including its captured response body.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name:        toolResponseHistory,
			Description: "Fetch recent runs of this endpoint, newest first.",
			InputSchema: objectSchema(map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Number of runs to return, at most 50."},
			}),
		},
		{
			Name:        toolSiblingResponses,
			Description: "Fetch the latest run of each sibling endpoint in the same job.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name:        toolSubmitAnalysis,
			Description: "Finish the analysis. Call this exactly once with your conclusions.",
			InputSchema: objectSchema(map[string]any{
				"reasoning":           map[string]any{"type": "string", "description": "Summary of what was observed and what was changed."},
				"next_analysis_in_ms": map[string]any{"type": "integer", "description": "Optional delay before the next analysis of this endpoint."},
				"confidence":          map[string]any{"type": "number", "description": "Optional confidence in the adjustments, 0 to 1."},
			}, "reasoning"),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// analysis carries submit_analysis output out of the tool loop.
type analysis struct {
	Reasoning        string
	NextAnalysisInMs int64
	Confidence       float64
}

// toolbox executes tool calls for one endpoint under analysis.
type toolbox struct {
	endpoints store.Endpoints
	runs      store.Runs
	target    *endpoint.Endpoint
	now       func() time.Time

	done *analysis
}

// execute runs one tool call and returns its JSON-encoded result.
func (t *toolbox) execute(ctx context.Context, call model.ToolCall) (string, error) {
	switch call.Name {
	case toolProposeInterval:
		return t.proposeInterval(ctx, call.Args)
	case toolProposeNextTime:
		return t.proposeNextTime(ctx, call.Args)
	case toolPauseUntil:
		return t.pauseUntil(ctx, call.Args)
	case toolLatestResponse:
		return t.latestResponse(ctx)
	case toolResponseHistory:
		return t.responseHistory(ctx, call.Args)
	case toolSiblingResponses:
		return t.siblingResponses(ctx)
	case toolSubmitAnalysis:
		return t.submitAnalysis(call.Args)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (t *toolbox) proposeInterval(ctx context.Context, args map[string]any) (string, error) {
	interval, err := intArg(args, "interval_ms", true)
	if err != nil {
		return "", err
	}
	if interval <= 0 {
		return "", fmt.Errorf("interval_ms must be positive")
	}
	ttl, err := intArg(args, "ttl_minutes", true)
	if err != nil {
		return "", err
	}
	now := t.now()
	hint := store.Hint{
		IntervalMs: &interval,
		ExpiresAt:  now.Add(time.Duration(ttl) * time.Minute),
		Reason:     stringArg(args, "reason"),
	}
	if err := t.endpoints.WriteAIHint(ctx, t.target.ID, hint); err != nil {
		return "", err
	}
	// Pull the schedule forward so the new cadence takes effect before the
	// currently scheduled run. The store clamps and keeps the earlier time.
	if err := t.endpoints.SetNextRunAtIfEarlier(ctx, t.target.ID, now.Add(time.Duration(interval)*time.Millisecond)); err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"applied": true, "interval_ms": interval, "expires_at": hint.ExpiresAt}), nil
}

func (t *toolbox) proposeNextTime(ctx context.Context, args map[string]any) (string, error) {
	at, err := timeArg(args, "next_run_at")
	if err != nil {
		return "", err
	}
	ttl, err := intArg(args, "ttl_minutes", true)
	if err != nil {
		return "", err
	}
	hint := store.Hint{
		NextRunAt: &at,
		ExpiresAt: t.now().Add(time.Duration(ttl) * time.Minute),
		Reason:    stringArg(args, "reason"),
	}
	if err := t.endpoints.WriteAIHint(ctx, t.target.ID, hint); err != nil {
		return "", err
	}
	if err := t.endpoints.SetNextRunAtIfEarlier(ctx, t.target.ID, at); err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"applied": true, "next_run_at": at, "expires_at": hint.ExpiresAt}), nil
}

func (t *toolbox) pauseUntil(ctx context.Context, args map[string]any) (string, error) {
	var until *time.Time
	if v, ok := args["until"]; ok && v != nil {
		at, err := timeArg(args, "until")
		if err != nil {
			return "", err
		}
		until = &at
	}
	if err := t.endpoints.SetPausedUntil(ctx, t.target.ID, until); err != nil {
		return "", err
	}
	if until == nil {
		return jsonResult(map[string]any{"paused": false}), nil
	}
	return jsonResult(map[string]any{"paused": true, "until": until}), nil
}

func (t *toolbox) latestResponse(ctx context.Context) (string, error) {
	run, err := t.runs.LatestRun(ctx, t.target.ID)
	if errors.Is(err, store.ErrNotFound) || run == nil {
		return jsonResult(map[string]any{"run": nil}), nil
	}
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"run": runSummary(run)}), nil
}

func (t *toolbox) responseHistory(ctx context.Context, args map[string]any) (string, error) {
	limit, err := intArg(args, "limit", false)
	if err != nil {
		return "", err
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	runs, err := t.runs.RecentRuns(ctx, t.target.ID, int(limit))
	if err != nil {
		return "", err
	}
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary(r))
	}
	return jsonResult(map[string]any{"runs": out}), nil
}

func (t *toolbox) siblingResponses(ctx context.Context) (string, error) {
	latest, err := t.runs.SiblingLatestRuns(ctx, t.target.JobID, t.target.ID)
	if err != nil {
		return "", err
	}
	out := make(map[string]any, len(latest))
	for name, r := range latest {
		out[name] = runSummary(r)
	}
	return jsonResult(map[string]any{"siblings": out}), nil
}

func (t *toolbox) submitAnalysis(args map[string]any) (string, error) {
	reasoning := stringArg(args, "reasoning")
	if reasoning == "" {
		return "", fmt.Errorf("reasoning is required")
	}
	next, err := intArg(args, "next_analysis_in_ms", false)
	if err != nil {
		return "", err
	}
	t.done = &analysis{
		Reasoning:        reasoning,
		NextAnalysisInMs: next,
		Confidence:       floatArg(args, "confidence"),
	}
	return jsonResult(map[string]any{"recorded": true}), nil
}

func runSummary(r *endpoint.Run) map[string]any {
	out := map[string]any{
		"status":      string(r.Status),
		"source":      string(r.Source),
		"started_at":  r.StartedAt,
		"duration_ms": r.DurationMs,
	}
	if r.StatusCode != 0 {
		out["status_code"] = r.StatusCode
	}
	if r.ErrorMessage != "" {
		out["error"] = r.ErrorMessage
	}
	if r.ResponseBody != nil {
		out["body"] = json.RawMessage(r.ResponseBody.Bytes())
	}
	return out
}

func jsonResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// JSON numbers decode as float64; accept both for integer arguments.
func intArg(args map[string]any, key string, required bool) (int64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

func floatArg(args map[string]any, key string) float64 {
	if n, ok := args[key].(float64); ok {
		return n
	}
	return 0
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func timeArg(args map[string]any, key string) (time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", key, err)
	}
	return at.UTC(), nil
}
