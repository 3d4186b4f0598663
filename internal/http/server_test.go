package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slatekv/pkg/engine"
	"slatekv/pkg/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	opts := engine.DefaultOptions(t.TempDir())
	opts.WALSyncOnWrite = false
	reg := metrics.NewRegistry()
	e, err := engine.Open(opts, reg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	s := NewServer(e, reg, "")
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return ts, e
}

func decode(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func putKV(t *testing.T, ts *httptest.Server, key, value string) *http.Response {
	t.Helper()
	form := url.Values{"key": {key}, "value": {value}}
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/kv", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOK, decode(t, resp).Status)
}

func TestPutGetDelete(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := putKV(t, ts, "apple", "1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/kv?key=apple")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", decode(t, resp).Value)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/kv?key=apple", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/kv?key=apple")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetMissingKey(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/kv?key=ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPutValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := putKV(t, ts, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBatchPut(t *testing.T) {
	ts, _ := newTestServer(t)

	body, err := json.Marshal(batchRequest{Items: []Pair{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/kv/batch", contentTypeJSON, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/kv?key=b")
	require.NoError(t, err)
	assert.Equal(t, "2", decode(t, resp).Value)
}

func TestScan(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 10; i++ {
		resp := putKV(t, ts, fmt.Sprintf("key_%02d", i), fmt.Sprintf("v%d", i))
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/scan?start=key_03&end=key_07")
	require.NoError(t, err)
	out := decode(t, resp)

	require.Len(t, out.Pairs, 4)
	assert.Equal(t, "key_03", out.Pairs[0].Key)
	assert.Equal(t, "key_06", out.Pairs[3].Key)
}

func TestScanLimit(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 10; i++ {
		resp := putKV(t, ts, fmt.Sprintf("key_%02d", i), "v")
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/scan?limit=3")
	require.NoError(t, err)
	assert.Len(t, decode(t, resp).Pairs, 3)

	resp, err = http.Get(ts.URL + "/api/scan?limit=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := putKV(t, ts, "k", "v")
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	out := decode(t, resp)

	require.NotNil(t, out.Stats)
	assert.Equal(t, uint64(1), out.Stats.Puts)
}

func TestCompactEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/compact", contentTypeJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := putKV(t, ts, "k", "v")
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "slatekv_")
}
