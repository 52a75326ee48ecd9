package dispatch_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/dispatch"
	"github.com/cronicorn/cronicorn/endpoint"
)

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

type fakeKeys struct {
	key []byte
	err error
}

func (k *fakeKeys) GetKey(context.Context, string) ([]byte, error) { return k.key, k.err }

func publicValidator() *dispatch.Validator {
	return dispatch.NewValidator(&fakeResolver{answers: map[string][]net.IP{
		"svc.example.com": {net.ParseIP("203.0.113.50")},
	}})
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testEndpoint() *endpoint.Endpoint {
	e := &endpoint.Endpoint{
		ID:       "ep-1",
		JobID:    "job-1",
		TenantID: "tenant-1",
		URL:      "http://svc.example.com/hook",
		Method:   "POST",
	}
	e.Body, _ = endpoint.ParseBody([]byte(`{"ping":true}`))
	e.Normalize()
	return e
}

func newDispatcher(t *testing.T, client dispatch.Doer, keys dispatch.KeySource, policy dispatch.FailPolicy) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(dispatch.Options{
		Client:     client,
		Validator:  publicValidator(),
		Keys:       keys,
		FailPolicy: policy,
		Clock:      clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return d
}

func TestExecuteSuccess(t *testing.T) {
	var seen *http.Request
	var seenBody []byte
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		seenBody, _ = io.ReadAll(req.Body)
		return jsonResponse(200, `{"ok":true}`), nil
	})
	d := newDispatcher(t, client, &fakeKeys{key: []byte("k")}, "")

	out := d.Execute(context.Background(), testEndpoint())
	require.Equal(t, endpoint.RunSuccess, out.Status)
	require.Equal(t, 200, out.StatusCode)
	require.Empty(t, out.ErrorMessage)
	require.NotNil(t, out.ResponseBody)
	require.JSONEq(t, `{"ok":true}`, string(out.ResponseBody.Bytes()))

	require.Equal(t, "application/json", seen.Header.Get("Content-Type"))
	require.JSONEq(t, `{"ping":true}`, string(seenBody))

	// Signing headers verify against the sent body.
	ts := seen.Header.Get(dispatch.HeaderTimestamp)
	sig := seen.Header.Get(dispatch.HeaderSignature)
	require.NotEmpty(t, ts)
	require.True(t, strings.HasPrefix(sig, "sha256="))
	require.NoError(t, dispatch.Verify([]byte("k"), ts, sig, seenBody,
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 0))
}

func TestExecuteUserContentTypeKept(t *testing.T) {
	var seen *http.Request
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		return jsonResponse(204, ""), nil
	})
	d := newDispatcher(t, client, nil, "")

	e := testEndpoint()
	e.Headers = map[string]string{"Content-Type": "application/vnd.custom+json"}
	out := d.Execute(context.Background(), e)
	require.Equal(t, endpoint.RunSuccess, out.Status)
	require.Equal(t, "application/vnd.custom+json", seen.Header.Get("Content-Type"))
}

func TestExecuteNoBodyForGet(t *testing.T) {
	var seenBody []byte
	var seen *http.Request
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		seenBody, _ = io.ReadAll(req.Body)
		return jsonResponse(200, `{}`), nil
	})
	d := newDispatcher(t, client, nil, "")

	e := testEndpoint()
	e.Method = "GET"
	out := d.Execute(context.Background(), e)
	require.Equal(t, endpoint.RunSuccess, out.Status)
	require.Empty(t, seenBody)
	require.Empty(t, seen.Header.Get("Content-Type"))
	require.Empty(t, seen.Header.Get(dispatch.HeaderSignature), "unsigned without a key source")
}

func TestExecuteHTTPFailureStatuses(t *testing.T) {
	for _, status := range []int{301, 404, 500} {
		client := doerFunc(func(*http.Request) (*http.Response, error) {
			return jsonResponse(status, `{"error":"boom"}`), nil
		})
		d := newDispatcher(t, client, nil, "")

		out := d.Execute(context.Background(), testEndpoint())
		require.Equal(t, endpoint.RunFailed, out.Status)
		require.Equal(t, status, out.StatusCode)
		require.Contains(t, out.ErrorMessage, "http status")
		require.NotNil(t, out.ResponseBody, "failure bodies are still captured")
	}
}

func TestExecuteNetworkError(t *testing.T) {
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	d := newDispatcher(t, client, nil, "")

	out := d.Execute(context.Background(), testEndpoint())
	require.Equal(t, endpoint.RunFailed, out.Status)
	require.Contains(t, out.ErrorMessage, "request failed")
}

func TestExecuteTimeout(t *testing.T) {
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	d := newDispatcher(t, client, nil, "")

	e := testEndpoint()
	e.TimeoutMs = 1500
	out := d.Execute(context.Background(), e)
	require.Equal(t, endpoint.RunFailed, out.Status)
	require.Contains(t, out.ErrorMessage, "timed out after 1500ms")
}

func TestExecuteBlockedURLNeverDialed(t *testing.T) {
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("blocked URL must not reach the transport")
		return nil, nil
	})
	d := newDispatcher(t, client, nil, "")

	e := testEndpoint()
	e.URL = "http://169.254.169.254/latest/meta-data/"
	out := d.Execute(context.Background(), e)
	require.Equal(t, endpoint.RunFailed, out.Status)
	require.Contains(t, out.ErrorMessage, "url rejected")
}

func TestExecuteBodyCaptureLimits(t *testing.T) {
	t.Run("non-json dropped", func(t *testing.T) {
		client := doerFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       io.NopCloser(strings.NewReader("<html></html>")),
			}, nil
		})
		d := newDispatcher(t, client, nil, "")
		out := d.Execute(context.Background(), testEndpoint())
		require.Equal(t, endpoint.RunSuccess, out.Status)
		require.Nil(t, out.ResponseBody)
	})

	t.Run("oversized dropped", func(t *testing.T) {
		big := `{"data":"` + strings.Repeat("x", 2048) + `"}`
		client := doerFunc(func(*http.Request) (*http.Response, error) {
			return jsonResponse(200, big), nil
		})
		d := newDispatcher(t, client, nil, "")
		e := testEndpoint()
		e.MaxResponseSizeKb = 1
		out := d.Execute(context.Background(), e)
		require.Equal(t, endpoint.RunSuccess, out.Status, "oversized body is dropped, not a failure")
		require.Nil(t, out.ResponseBody)
	})
}

func TestExecuteKeyLookupFailPolicies(t *testing.T) {
	keys := &fakeKeys{err: errors.New("key store down")}

	t.Run("fail open dispatches unsigned", func(t *testing.T) {
		var seen *http.Request
		client := doerFunc(func(req *http.Request) (*http.Response, error) {
			seen = req
			return jsonResponse(200, `{}`), nil
		})
		d := newDispatcher(t, client, keys, dispatch.FailOpen)
		out := d.Execute(context.Background(), testEndpoint())
		require.Equal(t, endpoint.RunSuccess, out.Status)
		require.Empty(t, seen.Header.Get(dispatch.HeaderSignature))
	})

	t.Run("fail closed records failure without dispatching", func(t *testing.T) {
		client := doerFunc(func(*http.Request) (*http.Response, error) {
			t.Fatal("fail-closed must not dispatch")
			return nil, nil
		})
		d := newDispatcher(t, client, keys, dispatch.FailClosed)
		out := d.Execute(context.Background(), testEndpoint())
		require.Equal(t, endpoint.RunFailed, out.Status)
		require.Contains(t, out.ErrorMessage, "signing key lookup failed")
	})
}
