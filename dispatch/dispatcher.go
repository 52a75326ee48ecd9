package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
)

// FailPolicy decides what happens when the signing-key lookup errors.
type FailPolicy string

const (
	// FailOpen dispatches unsigned and logs a warning (availability over
	// strict integrity). This is the default.
	FailOpen FailPolicy = "open"
	// FailClosed records the attempt as failed without dispatching.
	FailClosed FailPolicy = "closed"
)

// KeySource resolves per-tenant signing keys. nil key, nil error means no
// key registered.
type KeySource interface {
	GetKey(ctx context.Context, tenantID string) ([]byte, error)
}

// Doer is the subset of http.Client used by the dispatcher.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome is the structured result of one dispatch. HTTP-level failures are
// data, not errors: only the scheduler's store layer sees Go errors.
type Outcome struct {
	Status       endpoint.RunStatus
	DurationMs   int64
	ErrorMessage string
	StatusCode   int
	ResponseBody *endpoint.Body
}

// Options configures a Dispatcher.
type Options struct {
	// Client issues the requests. Defaults to an http.Client whose dialer
	// re-validates addresses through the Validator (DNS-rebinding defence).
	Client Doer
	// Validator gates every URL. Required.
	Validator *Validator
	// Keys resolves tenant signing keys. Optional; without it requests go
	// out unsigned.
	Keys KeySource
	// FailPolicy applies when the key lookup errors. Defaults to FailOpen.
	FailPolicy FailPolicy
	// Clock supplies signing timestamps. Defaults to the system clock.
	Clock clock.Clock
}

// Dispatcher executes a single HTTP request per endpoint tick.
type Dispatcher struct {
	client     Doer
	validator  *Validator
	keys       KeySource
	failPolicy FailPolicy
	clk        clock.Clock
}

// New builds a Dispatcher from options.
func New(opts Options) (*Dispatcher, error) {
	if opts.Validator == nil {
		return nil, errors.New("validator is required")
	}
	client := opts.Client
	if client == nil {
		dialer := &net.Dialer{Control: opts.Validator.DialControl}
		client = &http.Client{
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				ForceAttemptHTTP2: true,
			},
		}
	}
	policy := opts.FailPolicy
	if policy == "" {
		policy = FailOpen
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		client:     client,
		validator:  opts.Validator,
		keys:       opts.Keys,
		failPolicy: policy,
		clk:        clk,
	}, nil
}

// Execute performs one dispatch: SSRF gate, signing, transport with
// deadline, outcome classification and size-capped JSON body capture.
func (d *Dispatcher) Execute(ctx context.Context, e *endpoint.Endpoint) Outcome {
	if err := d.validator.ValidateURL(ctx, e.URL); err != nil {
		return Outcome{Status: endpoint.RunFailed, ErrorMessage: fmt.Sprintf("url rejected: %v", err)}
	}

	var payload []byte
	if e.Body != nil && e.Method != http.MethodGet && e.Method != http.MethodHead {
		payload = e.Body.Bytes()
	}

	timeout := time.Duration(e.TimeoutMs) * time.Millisecond
	if timeout < endpoint.MinTimeoutMs*time.Millisecond {
		timeout = endpoint.MinTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Status: endpoint.RunFailed, ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	if len(payload) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if out, failed := d.sign(ctx, req, e.TenantID, payload); failed != nil {
		return *failed
	} else if out != nil {
		req.Header.Set(HeaderTimestamp, out.ts)
		req.Header.Set(HeaderSignature, out.sig)
	}

	start := time.Now() // monotonic
	resp, err := d.client.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline exceeded") {
			msg = fmt.Sprintf("timed out after %dms", e.TimeoutMs)
		} else if errors.Is(err, ErrBlocked) {
			msg = fmt.Sprintf("url rejected: %v", err)
		} else {
			msg = fmt.Sprintf("request failed: %v", err)
		}
		return Outcome{Status: endpoint.RunFailed, DurationMs: duration, ErrorMessage: msg}
	}
	defer resp.Body.Close()

	out := Outcome{DurationMs: duration, StatusCode: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Status = endpoint.RunSuccess
	} else {
		out.Status = endpoint.RunFailed
		out.ErrorMessage = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	out.ResponseBody = captureBody(resp, e.MaxResponseSizeKb)
	return out
}

type signature struct {
	ts  string
	sig string
}

// sign resolves the tenant key and computes the two signing headers. Key
// lookup failure follows the configured fail policy.
func (d *Dispatcher) sign(ctx context.Context, req *http.Request, tenantID string, payload []byte) (*signature, *Outcome) {
	if d.keys == nil || tenantID == "" {
		return nil, nil
	}
	key, err := d.keys.GetKey(ctx, tenantID)
	if err != nil {
		if d.failPolicy == FailClosed {
			return nil, &Outcome{
				Status:       endpoint.RunFailed,
				ErrorMessage: fmt.Sprintf("signing key lookup failed: %v", err),
			}
		}
		log.Warnf(ctx, "signing key lookup failed, dispatching unsigned: %v", err)
		return nil, nil
	}
	if len(key) == 0 {
		return nil, nil
	}
	ts := d.clk.Now().Unix()
	return &signature{
		ts:  strconv.FormatInt(ts, 10),
		sig: SignatureHeader(Sign(key, ts, payload)),
	}, nil
}

// captureBody keeps the response body only when it is JSON and fits the
// per-endpoint ceiling. Oversized or non-JSON bodies are dropped, never
// failed.
func captureBody(resp *http.Response, maxKb int) *endpoint.Body {
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || (ct != "application/json" && !strings.HasSuffix(ct, "+json")) {
		return nil
	}
	limit := int64(maxKb) * 1024
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil || int64(len(raw)) > limit {
		return nil
	}
	body, err := endpoint.ParseBody(raw)
	if err != nil {
		return nil
	}
	return body
}
