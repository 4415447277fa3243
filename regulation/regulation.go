// Package regulation guards the first-factor login path against brute-force
// attempts. It tracks failed attempts per user over a sliding window and
// throttles the endpoint globally with a token bucket.
package regulation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUserBanned is returned while a user is inside a ban window.
	ErrUserBanned = errors.New("user is temporarily banned")
	// ErrTooManyRequests is returned when the global attempt budget is
	// exhausted.
	ErrTooManyRequests = errors.New("too many authentication attempts")
)

// Regulator is the brute-force gate consulted before and after a
// first-factor attempt.
type Regulator interface {
	// Regulate reports whether an attempt for username may proceed.
	Regulate(ctx context.Context, username string) error
	// Mark records the outcome of an attempt.
	Mark(ctx context.Context, username string, successful bool)
}

// Config tunes the sliding-window regulator.
type Config struct {
	// MaxRetries failures within FindTime trigger a ban of BanTime.
	MaxRetries int
	FindTime   time.Duration
	BanTime    time.Duration
	// GlobalRate caps attempts per second across all users; GlobalBurst is
	// the bucket size. Zero disables global throttling.
	GlobalRate  float64
	GlobalBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		FindTime:    2 * time.Minute,
		BanTime:     5 * time.Minute,
		GlobalRate:  10,
		GlobalBurst: 30,
	}
}

type userRecord struct {
	failures    []time.Time
	bannedUntil time.Time
}

// SlidingWindowRegulator implements Regulator in memory.
type SlidingWindowRegulator struct {
	mu      sync.Mutex
	cfg     Config
	users   map[string]*userRecord
	global  *rate.Limiter
	nowFunc func() time.Time
}

var _ Regulator = (*SlidingWindowRegulator)(nil)

func NewSlidingWindowRegulator(cfg Config) *SlidingWindowRegulator {
	r := &SlidingWindowRegulator{
		cfg:     cfg,
		users:   make(map[string]*userRecord),
		nowFunc: time.Now,
	}
	if cfg.GlobalRate > 0 {
		r.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst)
	}
	return r
}

func (r *SlidingWindowRegulator) Regulate(_ context.Context, username string) error {
	if r.global != nil && !r.global.Allow() {
		return ErrTooManyRequests
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[username]
	if !ok {
		return nil
	}
	now := r.nowFunc()
	if now.Before(rec.bannedUntil) {
		return ErrUserBanned
	}
	// Drop failures that slid out of the window.
	rec.failures = trimWindow(rec.failures, now, r.cfg.FindTime)
	if len(rec.failures) == 0 && rec.bannedUntil.IsZero() {
		delete(r.users, username)
	}
	return nil
}

func (r *SlidingWindowRegulator) Mark(_ context.Context, username string, successful bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if successful {
		delete(r.users, username)
		return
	}

	rec, ok := r.users[username]
	if !ok {
		rec = &userRecord{}
		r.users[username] = rec
	}
	now := r.nowFunc()
	rec.failures = append(trimWindow(rec.failures, now, r.cfg.FindTime), now)
	if len(rec.failures) >= r.cfg.MaxRetries {
		rec.bannedUntil = now.Add(r.cfg.BanTime)
		rec.failures = rec.failures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
