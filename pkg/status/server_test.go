package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/metrics"
)

func seededLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.NewMemory()
	for _, e := range []ledger.Entry{
		{RunID: "r1", Index: 1, Name: "A", Stage: "fold", State: ledger.StateFailed, Detail: "TIMEOUT"},
		{RunID: "r2", Index: 1, Name: "A", Stage: "fold", State: ledger.StateSucceeded},
		{RunID: "r2", Index: 2, Name: "B", Stage: "fold", State: ledger.StateFailed, Detail: "OUT_OF_MEMORY exit=0:125"},
		{RunID: "r3", Index: 1, Name: "A", Stage: "design", State: ledger.StateCancelledPending, JobID: "99"},
	} {
		require.NoError(t, l.Record(e))
	}
	return l
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(ledger.NewMemory(), prometheus.NewRegistry(), nil)
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSummaryOfLatestRun(t *testing.T) {
	s := New(seededLedger(t), prometheus.NewRegistry(), nil)

	rec := get(t, s, "/summary/fold")
	require.Equal(t, http.StatusOK, rec.Code)
	var v SummaryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "r2", v.RunID)
	assert.Equal(t, 1, v.Succeeded)
	assert.Equal(t, 1, v.Failed)
	require.Len(t, v.Failures, 1)
	assert.Equal(t, FailureView{Index: 2, Name: "B", Detail: "OUT_OF_MEMORY exit=0:125"}, v.Failures[0])

	rec = get(t, s, "/summary/ipsae")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummariesOfAllStages(t *testing.T) {
	s := New(seededLedger(t), prometheus.NewRegistry(), nil)

	rec := get(t, s, "/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []SummaryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "design", out[0].Stage)
	assert.Equal(t, 1, out[0].Cancelled)
	assert.Equal(t, "fold", out[1].Stage)

	empty := New(ledger.NewMemory(), prometheus.NewRegistry(), nil)
	assert.JSONEq(t, `[]`, get(t, empty, "/summary").Body.String())
}

func TestRunEntries(t *testing.T) {
	s := New(seededLedger(t), prometheus.NewRegistry(), nil)

	rec := get(t, s, "/runs/r2")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/runs/nope").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ItemRecorded("fold", ledger.StateSucceeded, 3*time.Second)

	s := New(ledger.NewMemory(), reg, nil)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `subtimizer_items_total{stage="fold",state="succeeded"} 1`)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(ledger.NewMemory(), prometheus.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "ok"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeBadAddr(t *testing.T) {
	s := New(ledger.NewMemory(), prometheus.NewRegistry(), nil)
	assert.Error(t, s.ListenAndServe(context.Background(), "not-an-address"))
}
