package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig bounds how many requests one client may make. A zero limit
// disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 600,
		RequestsPerHour:   10000,
	}
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limit_type,omitempty"` // "minute", "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// Sliding Window
// =============================================================================

const bucketCount = 10

// SlidingWindow counts events over a trailing window split into buckets.
// It is not safe for concurrent use; RateLimiter serializes access.
type SlidingWindow struct {
	window  time.Duration
	buckets map[int64]int
}

// NewSlidingWindow creates an empty window of the given length.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:  window,
		buckets: make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketSize() time.Duration {
	return w.window / bucketCount
}

func (w *SlidingWindow) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucketSize())
}

// Record counts one event at now and returns the count in the window.
func (w *SlidingWindow) Record(now time.Time) int {
	current := w.bucket(now)
	for b := range w.buckets {
		if b < current-bucketCount {
			delete(w.buckets, b)
		}
	}
	w.buckets[current]++
	return w.Count(now)
}

// Count returns the number of events in the window ending at now.
func (w *SlidingWindow) Count(now time.Time) int {
	oldest := w.bucket(now) - bucketCount
	count := 0
	for b, n := range w.buckets {
		if b >= oldest {
			count += n
		}
	}
	return count
}

// RetryAfter returns how long until the count drops below limit.
func (w *SlidingWindow) RetryAfter(now time.Time, limit int) time.Duration {
	count := w.Count(now)
	if count < limit {
		return 0
	}

	oldest := w.bucket(now) - bucketCount
	var live []int64
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := count - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b leaves the window once now passes its end plus the window.
			end := time.Unix(0, (b+1)*int64(w.bucketSize())).Add(w.window)
			if d := end.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.window
}

// IsEmpty reports whether the window holds no buckets.
func (w *SlidingWindow) IsEmpty() bool {
	return len(w.buckets) == 0
}

// =============================================================================
// Rate Limiter
// =============================================================================

type windowKey struct {
	client     string
	windowType string
}

// RateLimiter limits requests per client over minute and hour windows.
type RateLimiter struct {
	config  *RateLimitConfig
	windows map[windowKey]*SlidingWindow
	now     func() time.Time
	mu      sync.Mutex
}

// NewRateLimiter creates a limiter. A nil config uses the defaults.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		windows: make(map[windowKey]*SlidingWindow),
		now:     time.Now,
	}
}

type limitCheck struct {
	windowType string
	window     time.Duration
	limit      int
}

func (r *RateLimiter) checks() []limitCheck {
	return []limitCheck{
		{"minute", time.Minute, r.config.RequestsPerMinute},
		{"hour", time.Hour, r.config.RequestsPerHour},
	}
}

// Check tests client against every window and, if all pass, records the
// request.
func (r *RateLimiter) Check(client string) *RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	checks := r.checks()
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		key := windowKey{client, check.windowType}
		window, ok := r.windows[key]
		if !ok {
			window = NewSlidingWindow(check.window)
			r.windows[key] = window
		}
		if current := window.Count(now); current >= check.limit {
			return &RateLimitResult{
				LimitType:  check.windowType,
				Current:    current,
				Limit:      check.limit,
				RetryAfter: window.RetryAfter(now, check.limit),
			}
		}
	}

	remaining := -1
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		n := r.windows[windowKey{client, check.windowType}].Record(now)
		if left := check.limit - n; remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return &RateLimitResult{Allowed: true, Remaining: remaining}
}

// Reset forgets every window of client and returns how many were removed.
func (r *RateLimiter) Reset(client string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.windows {
		if key.client == client {
			delete(r.windows, key)
			n++
		}
	}
	return n
}

// =============================================================================
// RATE LIMIT INTERCEPTOR
// =============================================================================

// RateLimitInterceptor rejects requests from a client that has exceeded its
// limit with ResourceExhausted. Clients are told apart by peer host.
func RateLimitInterceptor(limiter *RateLimiter, logger Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		client := clientKey(ctx)
		result := limiter.Check(client)
		if !result.Allowed {
			logger.Warn("grpc_rate_limited",
				"method", methodName(info.FullMethod),
				"client", client,
				"limit_type", result.LimitType,
				"current", result.Current,
				"retry_after_ms", result.RetryAfter.Milliseconds(),
			)
			return nil, ResourceExhausted("requests per "+result.LimitType,
				fmt.Sprintf("%d, retry after %s", result.Limit, result.RetryAfter.Round(time.Millisecond)))
		}
		return handler(ctx, req)
	}
}

func clientKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
