// Package rate throttles credential-guessing endpoints. Each client key gets
// a ring of per-second attempt counters; keys are held in a bounded LRU so a
// spray of distinct addresses cannot grow memory without limit.
package rate

import (
	"container/list"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

const defaultCapacity = 10000

// Window estimates attempts per second for each key over the last few seconds.
type Window struct {
	mu       sync.Mutex
	seconds  int
	capacity int
	keys     map[string]*list.Element
	recent   *list.List // front = most recently seen
	clock    func() int64
}

type attempts struct {
	key   string
	first int64   // earliest second still inside the window
	stamp []int64 // second each slot last counted
	count []uint32
}

// New returns a Window covering the given number of seconds, tracking at
// most capacity keys. Non-positive arguments fall back to 10s and 10k keys.
func New(seconds, capacity int) *Window {
	if seconds <= 0 {
		seconds = 10
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Window{
		seconds:  seconds,
		capacity: capacity,
		keys:     make(map[string]*list.Element),
		recent:   list.New(),
		clock:    func() int64 { return time.Now().Unix() },
	}
}

// Observe counts one attempt for key and returns the key's average rate
// over the seconds it has been active inside the window.
func (w *Window) Observe(key string) float64 {
	now := w.clock()
	w.mu.Lock()
	defer w.mu.Unlock()

	a := w.lookup(key, now)
	slot := int(now % int64(w.seconds))
	if a.stamp[slot] != now {
		a.stamp[slot] = now
		a.count[slot] = 0
	}
	a.count[slot]++

	var total uint64
	oldest := now - int64(w.seconds) + 1
	for i, sec := range a.stamp {
		if sec >= oldest {
			total += uint64(a.count[i])
		}
	}
	if a.first < oldest {
		a.first = oldest
	}
	return float64(total) / float64(now-a.first+1)
}

func (w *Window) lookup(key string, now int64) *attempts {
	if el, ok := w.keys[key]; ok {
		w.recent.MoveToFront(el)
		a := el.Value.(*attempts)
		if now-a.lastSeen() >= int64(w.seconds) {
			a.first = now
		}
		return a
	}
	if n := w.recent.Len(); n >= w.capacity {
		old := w.recent.Remove(w.recent.Back()).(*attempts)
		delete(w.keys, old.key)
		if n%100 == 0 {
			// Sustained eviction usually means a distributed guessing run.
			log.Warn().Int("capacity", w.capacity).Msg("rate limiter evicting keys")
		}
	}
	a := &attempts{
		key:   key,
		first: now,
		stamp: make([]int64, w.seconds),
		count: make([]uint32, w.seconds),
	}
	for i := range a.stamp {
		a.stamp[i] = -1
	}
	w.keys[key] = w.recent.PushFront(a)
	return a
}

func (a *attempts) lastSeen() int64 {
	last := int64(-1)
	for _, sec := range a.stamp {
		if sec > last {
			last = sec
		}
	}
	return last
}

// Allow counts an attempt for key and reports whether the rate stays within
// limit. A non-positive limit disables throttling.
func (w *Window) Allow(key string, limit float64) bool {
	if limit <= 0 {
		return true
	}
	return w.Observe(key) <= limit
}

// Middleware throttles requests per client IP. Throttled requests get 429
// with Retry-After and are counted under endpoint.
func Middleware(w *Window, limit float64, retryAfter time.Duration, endpoint string) func(http.Handler) http.Handler {
	retry := strconv.Itoa(int(retryAfter / time.Second))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if !w.Allow(endpoint+"|"+httputil.ClientIP(r), limit) {
				metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
				httputil.GetLogger(r.Context()).Warn().Str("endpoint", endpoint).Msg("rate limited")
				rw.Header().Set("Retry-After", retry)
				httputil.WriteError(rw, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}
