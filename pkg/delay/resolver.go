package delay

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDelay is used when no default delay is configured.
const DefaultDelay = 3 * time.Second

// NoRobotsDelay signals that robots.txt carries no crawl-delay directive.
const NoRobotsDelay time.Duration = -1

// ReferenceDelay applies a fixed delay to URLs matching Pattern.
type ReferenceDelay struct {
	Pattern *regexp.Regexp
	Delay   time.Duration
}

// Options configures a Resolver.
type Options struct {
	Default                time.Duration // <= 0 falls back to DefaultDelay
	Scope                  Scope
	IgnoreRobotsCrawlDelay bool
	ReferenceDelays        []ReferenceDelay // First match wins; checked before schedules
	Schedules              []Schedule       // First match wins
}

// slot is the last-fetch bookkeeping for one scope key.
type slot struct {
	mu   sync.Mutex
	last time.Time
}

// Resolver blocks callers until it is polite to fetch a URL.
// Each scope key has its own lock so unrelated sites or workers proceed concurrently.
type Resolver struct {
	opts Options
	log  *logrus.Entry

	slotsMu sync.Mutex
	slots   map[string]*slot

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a Resolver. Unknown scopes fall back to the crawler scope with a warning.
func NewResolver(opts Options, log *logrus.Entry) *Resolver {
	if opts.Default <= 0 {
		opts.Default = DefaultDelay
	}
	if scope, ok := ParseScope(string(opts.Scope)); !ok {
		log.Warnf("Unspecified or unsupported delay scope %q, using %q", opts.Scope, ScopeCrawler)
		opts.Scope = ScopeCrawler
	} else {
		opts.Scope = scope
	}
	return &Resolver{
		opts:  opts,
		log:   log.WithField("component", "delay"),
		slots: make(map[string]*slot),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Scope returns the effective delay scope.
func (r *Resolver) Scope() Scope {
	return r.opts.Scope
}

// Resolve returns the delay that applies to rawURL right now, without waiting.
// robotsDelay < 0 means robots.txt has no crawl-delay.
func (r *Resolver) Resolve(robotsDelay time.Duration, rawURL string) time.Duration {
	if robotsDelay >= 0 && !r.opts.IgnoreRobotsCrawlDelay {
		return robotsDelay
	}
	for _, rd := range r.opts.ReferenceDelays {
		if rd.Pattern != nil && rd.Pattern.MatchString(rawURL) {
			return rd.Delay
		}
	}
	now := r.now()
	for _, s := range r.opts.Schedules {
		if s.Matches(now) {
			return s.Delay
		}
	}
	return r.opts.Default
}

// Delay blocks until the resolved delay has elapsed since the last fetch in the
// same scope, then records the current time as that scope's last fetch.
// Returns how long the caller waited, or ctx.Err() if cancelled while waiting.
func (r *Resolver) Delay(ctx context.Context, robotsDelay time.Duration, rawURL string) (time.Duration, error) {
	d := r.Resolve(robotsDelay, rawURL)
	if d <= 0 {
		return 0, nil
	}

	key, ok := scopeKey(ctx, r.opts.Scope, rawURL)
	if !ok {
		r.log.WithFields(logrus.Fields{"scope": r.opts.Scope, "url": rawURL}).
			Debug("Delay scope key unavailable, using crawler scope")
	}
	s := r.slotFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var waited time.Duration
	if !s.last.IsZero() {
		if remaining := d - r.now().Sub(s.last); remaining > 0 {
			r.log.WithFields(logrus.Fields{
				"key": key, "sleep": remaining, "required_delay": d,
			}).Debug("Politeness delay applying sleep")
			if err := r.sleep(ctx, remaining); err != nil {
				return 0, err
			}
			waited = remaining
		}
	}
	s.last = r.now()
	return waited, nil
}

// Reset forgets every recorded fetch time.
func (r *Resolver) Reset() {
	r.slotsMu.Lock()
	r.slots = make(map[string]*slot)
	r.slotsMu.Unlock()
}

func (r *Resolver) slotFor(key string) *slot {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
