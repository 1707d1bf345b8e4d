package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Result summarises one load run.
type Result struct {
	Requests  int
	Succeeded int32
	Failed    int32
	Duration  time.Duration
	Latencies []time.Duration
	Errors    map[string]int
}

// RequestsPerSec is the overall throughput.
func (r *Result) RequestsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Duration.Seconds()
}

// Percentile returns the latency below which p percent of requests finished.
func (r *Result) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}

// run posts n messages to url with at most concurrency requests in flight.
func run(ctx context.Context, client *http.Client, url string, n, concurrency int) *Result {
	var (
		succeeded atomic.Int32
		failed    atomic.Int32
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, n)
		errs      = make(map[string]int)
		wg        sync.WaitGroup
		slots     = make(chan struct{}, concurrency)
	)
	fail := func(reason string) {
		failed.Add(1)
		mu.Lock()
		errs[reason]++
		mu.Unlock()
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fail(ctx.Err().Error())
			continue
		case slots <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-slots }()

			began := time.Now()
			status, body, err := post(ctx, client, url, sendRequest{Text: fmt.Sprintf("Load test message #%d", i)})
			mu.Lock()
			latencies = append(latencies, time.Since(began))
			mu.Unlock()

			switch {
			case err != nil:
				fail(err.Error())
			case status != http.StatusAccepted:
				fail(fmt.Sprintf("HTTP %d", status))
			default:
				var resp sendResponse
				if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
					fail("malformed response")
					return
				}
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	return &Result{
		Requests:  n,
		Succeeded: succeeded.Load(),
		Failed:    failed.Load(),
		Duration:  time.Since(start),
		Latencies: latencies,
		Errors:    errs,
	}
}

func post(ctx context.Context, client *http.Client, url string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func printResult(w io.Writer, r *Result) {
	fmt.Fprintf(w, "requests:     %d\n", r.Requests)
	fmt.Fprintf(w, "succeeded:    %d\n", r.Succeeded)
	fmt.Fprintf(w, "failed:       %d\n", r.Failed)
	fmt.Fprintf(w, "duration:     %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "requests/sec: %.2f\n", r.RequestsPerSec())
	fmt.Fprintf(w, "p50:          %v\n", r.Percentile(50))
	fmt.Fprintf(w, "p99:          %v\n", r.Percentile(99))
	for reason, count := range r.Errors {
		fmt.Fprintf(w, "error %q: %d\n", reason, count)
	}
}
