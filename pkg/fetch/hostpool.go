package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultPerHost = 2

// hostSlot is the permit budget of one host
type hostSlot struct {
	sem       *semaphore.Weighted
	users     int64 // holders plus waiters
	idleSince time.Time
}

// HostPool bounds concurrent requests per host. One pool is shared by every crawler
// of a process, robots.txt and sitemap requests included.
type HostPool struct {
	mu      sync.Mutex
	slots   map[string]*hostSlot
	perHost int64
	log     *logrus.Entry
	nowFunc func() time.Time
}

// NewHostPool creates a pool allowing perHost concurrent requests to each host
func NewHostPool(perHost int, log *logrus.Entry) *HostPool {
	if perHost <= 0 {
		log.Warnf("max_requests_per_host must be > 0, using %d", defaultPerHost)
		perHost = defaultPerHost
	}
	return &HostPool{
		slots:   make(map[string]*hostSlot),
		perHost: int64(perHost),
		log:     log,
		nowFunc: time.Now,
	}
}

// Acquire blocks until host has a free permit or ctx is done.
// The returned release func must be called exactly once.
func (p *HostPool) Acquire(ctx context.Context, host string) (release func(), err error) {
	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.perHost)}
		p.slots[host] = slot
		p.log.WithField("host", host).Trace("Tracking new host")
	}
	slot.users++
	p.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		p.leave(slot)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			p.leave(slot)
		})
	}, nil
}

func (p *HostPool) leave(slot *hostSlot) {
	p.mu.Lock()
	slot.users--
	if slot.users == 0 {
		slot.idleSince = p.nowFunc()
	}
	p.mu.Unlock()
}

// InFlight returns the number of requests holding or waiting for a permit on host
func (p *HostPool) InFlight(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.slots[host]; ok {
		return int(slot.users)
	}
	return 0
}

// Len returns the number of tracked hosts
func (p *HostPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Evict forgets hosts idle for at least maxIdle and returns how many were dropped
func (p *HostPool) Evict(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.nowFunc().Add(-maxIdle)
	evicted := 0
	for host, slot := range p.slots {
		if slot.users == 0 && !slot.idleSince.After(cutoff) {
			delete(p.slots, host)
			evicted++
		}
	}
	return evicted
}

// RunEviction evicts idle hosts every interval until ctx is done
func (p *HostPool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("Host eviction stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if n := p.Evict(interval); n > 0 {
				p.log.Debugf("Evicted %d idle hosts, %d tracked", n, p.Len())
			}
		}
	}
}
