package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Fetch methods, one per phase
const (
	MethodHead = http.MethodHead // Metadata phase
	MethodGet  = http.MethodGet  // Document phase
)

// Response is the outcome of a single fetch, with redirects left unfollowed.
type Response struct {
	URL            string
	StatusCode     int
	Reason         string
	Headers        http.Header
	Body           []byte // nil for HEAD requests and non-2xx responses
	ContentType    string // Media type without parameters
	RedirectTarget string // Absolute target of a 3xx response, "" otherwise
	State          models.State
}

// IsRedirect reports whether the response points elsewhere
func (r *Response) IsRedirect() bool {
	return r != nil && r.RedirectTarget != ""
}

// Limits bound how many requests are in flight and how fast they start.
// Shared by every crawler of a process so the limits hold globally.
type Limits struct {
	Global         *semaphore.Weighted // Total concurrent requests, nil = unbounded
	Hosts          *HostPool           // Concurrent requests per host, nil = unbounded
	Rate           *rate.Limiter       // Requests per second, nil = uncapped
	AcquireTimeout time.Duration
}

// NewLimits builds the shared request limits from the application config.
func NewLimits(cfg *config.AppConfig, log *logrus.Entry) Limits {
	l := Limits{
		Global:         semaphore.NewWeighted(int64(cfg.MaxRequests)),
		Hosts:          NewHostPool(cfg.MaxRequestsPerHost, log.WithField("component", "host_pool")),
		AcquireTimeout: cfg.SemaphoreAcquireTimeout,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.MaxRequestsPerSecond))
		l.Rate = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	return l
}

// Fetcher makes HTTP requests with configured retry logic, using an underlying http.Client
type Fetcher struct {
	client    *http.Client
	cfg       *config.AppConfig // Retry settings and body size limit
	limits    Limits
	hsts      *HSTSCache // nil when disable_hsts is set
	userAgent string
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance. It shares DefaultHSTS unless HSTS is disabled.
func NewFetcher(client *http.Client, cfg *config.AppConfig, limits Limits, log *logrus.Entry) *Fetcher {
	f := &Fetcher{
		client:    client,
		cfg:       cfg,
		limits:    limits,
		userAgent: cfg.DefaultUserAgent,
		log:       log,
	}
	if !cfg.HTTPClientSettings.DisableHSTS {
		f.hsts = DefaultHSTS
	}
	return f
}

// WithHSTS returns a copy of the fetcher using cache, nil to ignore HSTS
func (f *Fetcher) WithHSTS(cache *HSTSCache) *Fetcher {
	c := *f
	c.hsts = cache
	return &c
}

// WithUserAgent returns a copy of the fetcher that identifies itself as userAgent.
// The copy shares the client and limits.
func (f *Fetcher) WithUserAgent(userAgent string) *Fetcher {
	c := *f
	if userAgent != "" {
		c.userAgent = userAgent
	}
	return &c
}

// UserAgent returns the agent string sent with every request
func (f *Fetcher) UserAgent() string { return f.userAgent }

// Fetch requests rawURL once per phase and classifies the outcome.
// A non-zero since makes the request conditional (If-Modified-Since).
// Transport failures, timeouts and exhausted retries are returned as errors;
// every HTTP response, including 4xx/5xx, is returned as a Response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, method string, since time.Time) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL '%s'", utils.ErrParsing, rawURL)
	}
	fetchLog := f.log.WithFields(logrus.Fields{"url": rawURL, "method": method})

	if f.hsts != nil {
		if target, ok := f.hsts.Upgrade(u); ok {
			fetchLog.WithField("target", target).Debug("HSTS host, redirecting to https")
			return hstsRedirect(rawURL, target), nil
		}
	}

	release, err := f.acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	httpResp, fetchErr := f.FetchWithRetry(ctx, req)
	if httpResp == nil {
		return nil, fetchErr
	}
	defer func() {
		io.Copy(io.Discard, httpResp.Body)
		httpResp.Body.Close()
	}()

	if f.hsts != nil && strings.EqualFold(u.Scheme, "https") {
		f.hsts.Observe(u.Hostname(), httpResp.Header.Get("Strict-Transport-Security"))
	}

	resp := &Response{
		URL:        rawURL,
		StatusCode: httpResp.StatusCode,
		Reason:     reasonPhrase(httpResp),
		Headers:    httpResp.Header,
	}
	if mediaType, _, perr := mime.ParseMediaType(httpResp.Header.Get("Content-Type")); perr == nil {
		resp.ContentType = mediaType
	}

	switch code := httpResp.StatusCode; {
	case code == http.StatusNotModified:
		resp.State = models.StateUnmodified
	case code >= 300 && code < 400:
		loc := httpResp.Header.Get("Location")
		target, rerr := u.Parse(loc)
		if loc == "" || rerr != nil {
			fetchLog.Warnf("Redirect status %d without usable Location header", code)
			resp.State = models.StateRejectedBadStatus
			break
		}
		resp.RedirectTarget = target.String()
		resp.State = models.StateNew
	case code == http.StatusNotFound || code == http.StatusGone:
		resp.State = models.StateRejectedNotFound
	case code >= 200 && code < 300:
		resp.State = models.StateNew
		if method != http.MethodHead {
			body, rerr := f.readBody(httpResp.Body)
			if rerr != nil {
				return nil, rerr
			}
			resp.Body = body
		}
	default:
		resp.State = models.StateRejectedBadStatus
	}

	fetchLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "state": resp.State}).Debug("Fetch complete")
	return resp, nil
}

// maxFollowedRedirects bounds the redirects FetchFollowing follows
const maxFollowedRedirects = 5

// FetchFollowing GETs a file the crawler reads for itself, such as robots.txt or a sitemap,
// following up to maxFollowedRedirects redirects. The returned Response carries the final URL.
// Crawled references never go through it: their redirects belong to the redirect tracker.
func (f *Fetcher) FetchFollowing(ctx context.Context, rawURL string) (*Response, error) {
	current := rawURL
	for hops := 0; ; hops++ {
		resp, err := f.Fetch(ctx, current, http.MethodGet, time.Time{})
		if err != nil || !resp.IsRedirect() {
			return resp, err
		}
		if hops == maxFollowedRedirects {
			return nil, fmt.Errorf("stopped after %d redirects from '%s': %w",
				maxFollowedRedirects, rawURL, &utils.StatusError{Code: resp.StatusCode})
		}
		f.log.WithFields(logrus.Fields{"url": current, "target": resp.RedirectTarget}).Debug("Following redirect")
		current = resp.RedirectTarget
	}
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	limit := f.cfg.MaxBodyBytes
	if limit <= 0 {
		return readAll(r)
	}
	body, err := readAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", utils.ErrResponseBodyRead, limit)
	}
	return body, nil
}

func readAll(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	return body, nil
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// acquire takes a global and a per-host permit. The returned func releases both.
func (f *Fetcher) acquire(ctx context.Context, host string) (func(), error) {
	timeout := f.limits.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	if f.limits.Global != nil {
		ctxAcquire, cancel := context.WithTimeout(ctx, timeout)
		err := f.limits.Global.Acquire(ctxAcquire, 1)
		cancel()
		if err != nil {
			return nil, semaphoreError(ctx, "global", err)
		}
		releases = append(releases, func() { f.limits.Global.Release(1) })
	}

	if f.limits.Hosts != nil {
		ctxAcquire, cancel := context.WithTimeout(ctx, timeout)
		releaseHost, err := f.limits.Hosts.Acquire(ctxAcquire, host)
		cancel()
		if err != nil {
			release()
			return nil, semaphoreError(ctx, "host "+host, err)
		}
		releases = append(releases, releaseHost)
	}
	return release, nil
}

func semaphoreError(ctx context.Context, which string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s semaphore: %w", utils.ErrSemaphoreTimeout, which, err)
}

// FetchWithRetry performs an HTTP request associated with the provided context.
// It retries transient network errors and 5xx/429 statuses with exponential backoff and jitter.
// 2xx and 3xx responses are returned with a nil error; other 4xx responses are returned with
// ErrClientHTTPError. The caller must close the body of any returned response.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var currentResp *http.Response

	reqLog := f.log.WithField("url", req.URL.String())

	maxRetries := f.cfg.MaxRetries
	initialRetryDelay := f.cfg.InitialRetryDelay
	maxRetryDelay := f.cfg.MaxRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			reqLog.Debugf("Context cancelled before attempt %d: %v", attempt, ctx.Err())
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", ctx.Err())
		default:
		}

		// --- Exponential Backoff Delay ---
		if attempt > 0 {
			// initial * 2^(attempt-1), capped by maxRetryDelay
			backoff := float64(initialRetryDelay) * math.Pow(2, float64(attempt-1))
			delay := time.Duration(backoff)
			if delay <= 0 || delay > maxRetryDelay {
				delay = maxRetryDelay
			}

			// +/- 10% jitter
			var jitter time.Duration
			if delay >= 5 {
				jitter = time.Duration(rand.Int63n(int64(delay)/5)) - (delay / 10)
			}
			finalDelay := max(delay+jitter, 0)

			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": finalDelay}).Warn("Retrying request...")

			select {
			case <-time.After(finalDelay):
			case <-ctx.Done():
				reqLog.Debugf("Context cancelled during retry sleep: %v", ctx.Err())
				if lastErr != nil {
					return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
				}
				return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			}
		}

		if f.limits.Rate != nil {
			if err := f.limits.Rate.Wait(ctx); err != nil {
				if lastErr != nil {
					return nil, fmt.Errorf("rate limiter wait (%v) after error: %w", err, lastErr)
				}
				return nil, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		currentResp, lastErr = f.client.Do(req.WithContext(ctx))

		// --- Network-Level Errors ---
		if lastErr != nil {
			if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
				reqLog.Warnf("Context cancelled/timed out during HTTP request execution: %v", lastErr)
				if currentResp != nil {
					io.Copy(io.Discard, currentResp.Body)
					currentResp.Body.Close()
				}
				return nil, lastErr
			}

			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", lastErr)
			if currentResp != nil {
				io.Copy(io.Discard, currentResp.Body)
				currentResp.Body.Close()
			}
			continue
		}

		// --- HTTP Status Codes ---
		statusCode := currentResp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "status": currentResp.Status, "attempt": attempt})

		switch {
		case statusCode >= 200 && statusCode < 400:
			// Success or an unfollowed redirect; the caller classifies it
			resLog.Debug("Fetched")
			return currentResp, nil

		case statusCode >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = &utils.StatusError{Code: statusCode, Status: currentResp.Status}
			io.Copy(io.Discard, currentResp.Body)
			currentResp.Body.Close()
			continue

		case statusCode == http.StatusTooManyRequests:
			resLog.Warn("Received 429 Too Many Requests, retrying...")
			lastErr = &utils.StatusError{Code: statusCode, Status: currentResp.Status}
			io.Copy(io.Discard, currentResp.Body)
			currentResp.Body.Close()
			continue

		case statusCode >= 400:
			resLog.Debug("Client error (4xx), not retrying")
			return currentResp, &utils.StatusError{Code: statusCode, Status: currentResp.Status}

		default:
			resLog.Warnf("Non-retryable/unexpected status: %d", statusCode)
			return currentResp, &utils.StatusError{Code: statusCode, Status: currentResp.Status}
		}
	}

	// --- All Retries Failed ---
	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
	}
	return nil, utils.ErrRetryFailed
}
