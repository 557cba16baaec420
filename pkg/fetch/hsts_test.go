package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

func upgrade(t *testing.T, c *HSTSCache, rawURL string) (string, bool) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return c.Upgrade(u)
}

func TestHSTSCache_Upgrade(t *testing.T) {
	c := NewHSTSCache()
	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Observe("Example.com", "max-age=3600; includeSubDomains")
	c.Observe("plain.test", `max-age="600"`)

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://example.com/a?q=1", "https://example.com/a?q=1", true},
		{"http://example.com:80/a", "https://example.com/a", true},
		{"http://example.com:8080/a", "https://example.com:8080/a", true},
		{"http://docs.example.com/x", "https://docs.example.com/x", true},
		{"http://plain.test/", "https://plain.test/", true},
		{"http://sub.plain.test/", "", false},
		{"https://example.com/", "", false},
		{"http://other.test/", "", false},
		{"http://notexample.com/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := upgrade(t, c, tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	now = now.Add(2 * time.Hour)
	_, ok := upgrade(t, c, "http://docs.example.com/x")
	assert.False(t, ok, "policy expired")
}

func TestHSTSCache_Observe(t *testing.T) {
	c := NewHSTSCache()

	c.Observe("a.test", "")
	c.Observe("a.test", "includeSubDomains")
	c.Observe("a.test", "max-age=abc")
	c.Observe("a.test", "max-age=-5")
	assert.Equal(t, 0, c.Len(), "invalid headers are ignored")

	c.Observe("a.test", "max-age=31536000")
	assert.True(t, c.Known("a.test"))
	c.Observe("a.test", "max-age=0")
	assert.False(t, c.Known("a.test"), "max-age=0 removes the host")

	c.Observe("b.test", "max-age=999999999999")
	assert.True(t, c.Known("B.test."))

	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestResetHSTS(t *testing.T) {
	t.Cleanup(ResetHSTS)
	DefaultHSTS.Observe("reset.test", "max-age=60")
	require.True(t, DefaultHSTS.Known("reset.test"))

	ResetHSTS()
	assert.False(t, DefaultHSTS.Known("reset.test"))
}

func TestNewFetcher_HSTSToggle(t *testing.T) {
	assert.Same(t, DefaultHSTS, newTestFetcher(0).hsts)

	cfg := testConfig(0)
	cfg.HTTPClientSettings.DisableHSTS = true
	assert.Nil(t, NewFetcher(testClient(), cfg, Limits{}, testLogger()).hsts)
}

func TestFetch_HSTSUpgrade(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Strict-Transport-Security", "max-age=3600")
		w.Write([]byte("secure " + r.URL.Path))
	}))
	t.Cleanup(server.Close)

	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	cache := NewHSTSCache()
	f := NewFetcher(client, testConfig(0), Limits{}, testLogger()).WithHSTS(cache)
	ctx := context.Background()

	_, err := f.Fetch(ctx, server.URL+"/", http.MethodGet, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	plain := "http://" + server.Listener.Addr().String() + "/page"
	resp, err := f.Fetch(ctx, plain, http.MethodGet, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, models.StateNew, resp.State)
	assert.Equal(t, server.URL+"/page", resp.RedirectTarget)
	assert.Equal(t, int32(1), requests.Load(), "no request for the http URL")

	resp, err = f.FetchFollowing(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "secure /page", string(resp.Body))

	// Disabled: the http URL is requested as is, and fails against the TLS listener
	resp, err = f.WithHSTS(nil).Fetch(ctx, plain, http.MethodGet, time.Time{})
	if err == nil {
		assert.NotEqual(t, http.StatusTemporaryRedirect, resp.StatusCode)
	}
}
