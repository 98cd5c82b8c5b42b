package authapi

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// maxTrackedIPs bounds limiter memory; beyond it idle entries are swept.
const maxTrackedIPs = 10000

// loginLimiter counts failed logins per client IP over a sliding window.
// The state is process-local.
type loginLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byIP   map[string][]time.Time
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{
		limit:  limit,
		window: window,
		byIP:   make(map[string][]time.Time),
	}
}

// Blocked reports whether ip has exhausted its failures and for how long.
func (l *loginLimiter) Blocked(ip string, now time.Time) (bool, time.Duration) {
	if l == nil || l.limit <= 0 || ip == "" {
		return false, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	events := prune(l.byIP[ip], now, l.window)
	if len(events) == 0 {
		delete(l.byIP, ip)
	} else {
		l.byIP[ip] = events
	}
	return evaluateWindowThrottle(now, events, l.limit, l.window)
}

// RecordFailure counts one failed attempt from ip.
func (l *loginLimiter) RecordFailure(ip string, now time.Time) {
	if l == nil || l.limit <= 0 || ip == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.byIP) >= maxTrackedIPs {
		l.sweepLocked(now)
	}
	events := prune(l.byIP[ip], now, l.window)
	// Only the newest limit entries can matter.
	if len(events) >= l.limit {
		events = events[len(events)-l.limit+1:]
	}
	l.byIP[ip] = append(events, now)
}

func (l *loginLimiter) sweepLocked(now time.Time) {
	for ip, events := range l.byIP {
		if len(prune(events, now, l.window)) == 0 {
			delete(l.byIP, ip)
		}
	}
}

func prune(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	return dst
}

// evaluateWindowThrottle blocks when at least max failures fall inside window and
// returns the wait until the count drops below max.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	in := make([]time.Time, 0, len(failures))
	for _, t := range failures {
		if t.After(cut) {
			in = append(in, t)
		}
	}
	if len(in) < max {
		return false, 0
	}
	sort.Slice(in, func(i, j int) bool { return in[i].After(in[j]) })
	retry := in[max-1].Add(window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return true, retry
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
