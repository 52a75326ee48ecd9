package endpoint_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/endpoint"
)

func mustBody(t *testing.T, raw string) *endpoint.Body {
	t.Helper()
	b, err := endpoint.ParseBody([]byte(raw))
	require.NoError(t, err)
	return b
}

func TestParseBodyRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{"", "{", `{"a":}`, "nul"} {
		_, err := endpoint.ParseBody([]byte(raw))
		require.ErrorIs(t, err, endpoint.ErrInvalid, raw)
	}
}

func TestParseBodyCompacts(t *testing.T) {
	b := mustBody(t, "{\n  \"a\": 1,\n  \"b\": [1, 2]\n}")
	require.Equal(t, `{"a":1,"b":[1,2]}`, string(b.Bytes()))
}

func TestBodyPreservesNumberPrecision(t *testing.T) {
	raw := `{"big":9007199254740993,"dec":0.30000000000000004}`
	b := mustBody(t, raw)
	require.Equal(t, raw, string(b.Bytes()))
}

func TestBodyNilSerialisesToNull(t *testing.T) {
	var b *endpoint.Body
	require.Equal(t, "null", string(b.Bytes()))
	require.Equal(t, 4, b.Size())

	data, err := json.Marshal(struct{ Body *endpoint.Body }{})
	require.NoError(t, err)
	require.JSONEq(t, `{"Body":null}`, string(data))
}

func TestBodyEqualIgnoresKeyOrder(t *testing.T) {
	a := mustBody(t, `{"x":1,"y":[true,{"k":"v"}]}`)
	b := mustBody(t, `{"y":[true,{"k":"v"}],"x":1}`)
	require.True(t, a.Equal(b))

	c := mustBody(t, `{"x":1,"y":[true,{"k":"other"}]}`)
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(nil))
	require.True(t, mustBody(t, "null").Equal(nil), "explicit null equals absent")
}

func TestBodyFromValue(t *testing.T) {
	b, err := endpoint.BodyFromValue(map[string]any{"n": 42})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":42}`, string(b.Bytes()))
	require.Equal(t, map[string]any{"n": float64(42)}, b.Value())

	_, err = endpoint.BodyFromValue(make(chan int))
	require.ErrorIs(t, err, endpoint.ErrInvalid)
}
