package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayServer(t *testing.T, sink Sink) *httptest.Server {
	t.Helper()
	h := NewRESTHandler(sink, nil)
	mux := http.NewServeMux()
	mux.Handle("/relay", h)
	mux.Handle("/relay/{id}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRESTRelaySingleReport(t *testing.T) {
	sink := newFakeSink()
	srv := relayServer(t, sink)

	resp := post(t, srv.URL+"/relay/dev1", ` {"print":{"gcode_state":"IDLE"}} `)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sink.reports["dev1"], 1)
	assert.JSONEq(t, `{"print":{"gcode_state":"IDLE"}}`, string(sink.reports["dev1"][0]))

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/relay/dev1", `[1]`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/relay/dev1", `{"print":`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/relay/dev1", "  ").StatusCode)
}

func TestRESTRelayBatch(t *testing.T) {
	sink := newFakeSink()
	srv := relayServer(t, sink)

	resp := post(t, srv.URL+"/relay", `[
		{"device_id":"a","report":{"print":{"mc_percent":1}}},
		{"device_id":"","report":{}},
		{"device_id":"b","report":{"print":{"mc_percent":2}}}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out["accepted"])
	assert.Equal(t, 1, out["failed"])
	assert.Len(t, sink.reports["a"], 1)
	assert.Len(t, sink.reports["b"], 1)
}

func TestRESTRelayMethod(t *testing.T) {
	srv := relayServer(t, newFakeSink())
	resp, err := http.Get(srv.URL + "/relay/dev1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
