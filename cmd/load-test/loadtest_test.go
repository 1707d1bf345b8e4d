package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCountsOutcomes(t *testing.T) {
	var calls, inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1)%5 == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sendResponse{ID: uuid.NewString()})
	}))
	defer srv.Close()

	result := run(context.Background(), srv.Client(), srv.URL, 20, 4)

	assert.Equal(t, 20, result.Requests)
	assert.Equal(t, int32(16), result.Succeeded)
	assert.Equal(t, int32(4), result.Failed)
	assert.Equal(t, map[string]int{"HTTP 502": 4}, result.Errors)
	assert.Len(t, result.Latencies, 20)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, result.RequestsPerSec(), 0.0)
}

func TestPercentile(t *testing.T) {
	r := &Result{Latencies: []time.Duration{5, 1, 4, 2, 3}}
	assert.Equal(t, time.Duration(1), r.Percentile(0))
	assert.Equal(t, time.Duration(3), r.Percentile(50))
	assert.Equal(t, time.Duration(5), r.Percentile(100))
	assert.Zero(t, (&Result{}).Percentile(50))
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &Result{Requests: 2, Succeeded: 1, Failed: 1, Duration: time.Second, Errors: map[string]int{"HTTP 502": 1}})
	require.Contains(t, buf.String(), "requests/sec: 2.00")
	assert.Contains(t, buf.String(), `error "HTTP 502": 1`)
}
