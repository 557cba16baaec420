package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// testConfig returns an AppConfig with fast retry delays for testing
func testConfig(maxRetries int) *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent:  "politecrawler-test/1.0",
		MaxRetries:        maxRetries,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		MaxBodyBytes:      1 << 20,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testClient returns an http.Client that, like NewClient, does not follow redirects
func testClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newTestFetcher(maxRetries int) *Fetcher {
	return NewFetcher(testClient(), testConfig(maxRetries), Limits{}, testLogger())
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.WriteHeader(statusCodes[idx])
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func TestFetchWithRetry_Success(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusNoContent, http.StatusMovedPermanently, http.StatusNotModified} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			server, attempts := mockServer(t, []int{code})
			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

			resp, err := newTestFetcher(3).FetchWithRetry(context.Background(), req)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != code {
				t.Errorf("expected status %d, got %d", code, resp.StatusCode)
			}
			if attempts.Load() != 1 {
				t.Errorf("expected 1 attempt, got %d", attempts.Load())
			}
		})
	}
}

func TestFetchWithRetry_ServerError_RetrySuccess(t *testing.T) {
	server, attempts := mockServer(t, []int{500, 429, 500, 200})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := newTestFetcher(3).FetchWithRetry(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error after retry, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if attempts.Load() != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_AllRetriesFail(t *testing.T) {
	server, attempts := mockServer(t, []int{500})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := newTestFetcher(2).FetchWithRetry(context.Background(), req)
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response after all retries failed")
	}
	if !errors.Is(err, utils.ErrRetryFailed) || !errors.Is(err, utils.ErrServerHTTPError) {
		t.Errorf("expected ErrRetryFailed wrapping ErrServerHTTPError, got: %v", err)
	}
	if got := utils.CategorizeError(err); got != "RetryFailed_HTTP_5xx" {
		t.Errorf("CategorizeError = %q, want RetryFailed_HTTP_5xx", got)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ClientError_NoRetry(t *testing.T) {
	server, attempts := mockServer(t, []int{403})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := newTestFetcher(3).FetchWithRetry(context.Background(), req)
	if !errors.Is(err, utils.ErrClientHTTPError) {
		t.Errorf("expected ErrClientHTTPError, got: %v", err)
	}
	if resp == nil {
		t.Fatal("expected response for 4xx")
	}
	resp.Body.Close()
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextCancelled_BeforeAttempt(t *testing.T) {
	server, attempts := mockServer(t, []int{200})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := newTestFetcher(3).FetchWithRetry(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response for cancelled context")
	}
	if attempts.Load() != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextTimeout_DuringBackoff(t *testing.T) {
	server, attempts := mockServer(t, []int{500})

	cfg := testConfig(3)
	cfg.InitialRetryDelay = 10 * time.Second
	cfg.MaxRetryDelay = 10 * time.Second
	fetcher := NewFetcher(testClient(), cfg, Limits{}, testLogger())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	resp, err := fetcher.FetchWithRetry(ctx, req)
	if err == nil {
		t.Fatal("expected error for timed out context")
	}
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt before timeout, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_NetworkError_RetrySuccess(t *testing.T) {
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("server doesn't support hijacking")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := newTestFetcher(3).FetchWithRetry(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	resp.Body.Close()
	if attemptCount.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attemptCount.Load())
	}
}

func TestFetch_Document(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "custom-agent" {
			t.Errorf("User-Agent = %q, want custom-agent", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>hello</html>"))
	}))
	t.Cleanup(server.Close)

	resp, err := newTestFetcher(0).WithUserAgent("custom-agent").Fetch(context.Background(), server.URL+"/page", MethodGet, time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.State != models.StateNew {
		t.Errorf("State = %q, want new", resp.State)
	}
	if resp.ContentType != "text/html" {
		t.Errorf("ContentType = %q, want text/html", resp.ContentType)
	}
	if string(resp.Body) != "<html>hello</html>" {
		t.Errorf("Body = %q", resp.Body)
	}
	if resp.Reason != "OK" {
		t.Errorf("Reason = %q, want OK", resp.Reason)
	}
}

func TestFetch_HeadHasNoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Method = %s, want HEAD", r.Method)
		}
		w.Header().Set("ETag", `"v1"`)
	}))
	t.Cleanup(server.Close)

	resp, err := newTestFetcher(0).Fetch(context.Background(), server.URL, MethodHead, time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.Body != nil {
		t.Errorf("expected nil body for HEAD, got %q", resp.Body)
	}
	if resp.Headers.Get("ETag") != `"v1"` {
		t.Errorf("ETag header = %q", resp.Headers.Get("ETag"))
	}
}

func TestFetch_Redirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			w.Header().Set("Location", "/new?x=1")
			w.WriteHeader(http.StatusMovedPermanently)
			return
		}
		t.Errorf("redirect was followed to %s", r.URL.Path)
	}))
	t.Cleanup(server.Close)

	resp, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/old", MethodGet, time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if !resp.IsRedirect() {
		t.Fatal("expected redirect response")
	}
	if want := server.URL + "/new?x=1"; resp.RedirectTarget != want {
		t.Errorf("RedirectTarget = %q, want %q", resp.RedirectTarget, want)
	}
}

func TestFetch_StatusStates(t *testing.T) {
	tests := []struct {
		code int
		want models.State
	}{
		{http.StatusNotModified, models.StateUnmodified},
		{http.StatusNotFound, models.StateRejectedNotFound},
		{http.StatusGone, models.StateRejectedNotFound},
		{http.StatusForbidden, models.StateRejectedBadStatus},
		{http.StatusFound, models.StateRejectedBadStatus}, // no Location header
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			server, _ := mockServer(t, []int{tt.code})
			resp, err := newTestFetcher(0).Fetch(context.Background(), server.URL, MethodGet, time.Time{})
			if err != nil {
				t.Fatalf("Fetch() error: %v", err)
			}
			if resp.State != tt.want {
				t.Errorf("State = %q, want %q", resp.State, tt.want)
			}
		})
	}
}

func TestFetch_ConditionalRequest(t *testing.T) {
	since := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") == since.Format(http.TimeFormat) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("changed"))
	}))
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(0)
	resp, err := fetcher.Fetch(context.Background(), server.URL, MethodGet, since)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.State != models.StateUnmodified {
		t.Errorf("State = %q, want unmodified", resp.State)
	}

	resp, err = fetcher.Fetch(context.Background(), server.URL, MethodGet, time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.State != models.StateNew {
		t.Errorf("unconditional State = %q, want new", resp.State)
	}
}

func TestFetch_BodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(0)
	cfg.MaxBodyBytes = 1024
	_, err := NewFetcher(testClient(), cfg, Limits{}, testLogger()).Fetch(context.Background(), server.URL, MethodGet, time.Time{})
	if !errors.Is(err, utils.ErrResponseBodyRead) {
		t.Errorf("expected ErrResponseBodyRead, got: %v", err)
	}
}

func TestFetch_TransportErrorIsReturned(t *testing.T) {
	server, _ := mockServer(t, []int{200})
	server.Close()

	_, err := newTestFetcher(0).Fetch(context.Background(), server.URL, MethodGet, time.Time{})
	if err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := newTestFetcher(0).Fetch(context.Background(), "not a url", MethodGet, time.Time{})
	if !errors.Is(err, utils.ErrParsing) {
		t.Errorf("expected ErrParsing, got: %v", err)
	}
}

func TestFetch_RateLimited(t *testing.T) {
	server, attempts := mockServer(t, []int{200})

	limits := Limits{Rate: rate.NewLimiter(rate.Every(100*time.Millisecond), 1)}
	fetcher := NewFetcher(testClient(), testConfig(0), limits, testLogger())

	start := time.Now()
	for range 3 {
		if _, err := fetcher.Fetch(context.Background(), server.URL, MethodGet, time.Time{}); err != nil {
			t.Fatalf("Fetch() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("3 requests at 10/s took %v, expected >= ~200ms", elapsed)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNewLimits(t *testing.T) {
	cfg := testConfig(0)
	cfg.MaxRequests = 4
	cfg.MaxRequestsPerHost = 2

	limits := NewLimits(cfg, testLogger())
	if limits.Global == nil || limits.Hosts == nil {
		t.Fatal("expected global and host semaphores")
	}
	if limits.Rate != nil {
		t.Error("expected no rate limiter without max_requests_per_second")
	}

	cfg.MaxRequestsPerSecond = 2.5
	if NewLimits(cfg, testLogger()).Rate == nil {
		t.Error("expected rate limiter")
	}
}

func TestFetch_SemaphoreTimeout(t *testing.T) {
	server, _ := mockServer(t, []int{200})

	limits := NewLimits(&config.AppConfig{MaxRequests: 1, MaxRequestsPerHost: 1}, testLogger())
	limits.AcquireTimeout = 50 * time.Millisecond
	fetcher := NewFetcher(testClient(), testConfig(0), limits, testLogger())

	if err := limits.Global.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer limits.Global.Release(1)

	_, err := fetcher.Fetch(context.Background(), server.URL, MethodGet, time.Time{})
	if !errors.Is(err, utils.ErrSemaphoreTimeout) {
		t.Errorf("expected ErrSemaphoreTimeout, got: %v", err)
	}
}

func TestFetchFollowing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	f := newTestFetcher(0)

	resp, err := f.FetchFollowing(context.Background(), server.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, server.URL+"/final", resp.URL)
	assert.Equal(t, "done", string(resp.Body))

	_, err = f.FetchFollowing(context.Background(), server.URL+"/loop")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrOtherHTTPError)
	assert.Contains(t, err.Error(), "stopped after 5 redirects")

	// Plain Fetch still hands every hop back
	resp, err = f.Fetch(context.Background(), server.URL+"/start", http.MethodGet, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/middle", resp.RedirectTarget)
}
