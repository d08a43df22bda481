// Package main - utils.go
//
// Helper structures used throughout the bot: timing, rate limiting,
// formatting and panic-safe goroutines.
//
// Major Components:
//
// 1. Performance Timing:
//    - Timer measures a pipeline stage and logs the elapsed time at DEBUG
//
// 2. Rate Limiting:
//    - RateLimiter enforces a minimum interval between operations
//    - AllowAt takes the caller's clock so signal-driven code stays deterministic
//
// 3. Formatting:
//    - FormatDuration: HH:MM:SS as printed in the shutdown summary
//    - FormatFloat: fixed decimal places
//
// 4. SafeGo:
//    Launches goroutines with panic recovery. Workers (overlay, pipeline pool,
//    control server) use it so a panic in a collaborator never takes the
//    decision loop down.
package main

import (
	"fmt"
	"sync"
	"time"
)

// Timer provides performance timing functionality
type Timer struct {
	name      string
	startTime time.Time
}

// NewTimer creates and starts a new timer with given name
func NewTimer(name string) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
	}
}

// Elapsed returns the elapsed time since timer creation
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Stop logs the elapsed time and returns the duration
func (t *Timer) Stop() time.Duration {
	elapsed := t.Elapsed()
	LogDebug("Timer [%s]: %v", t.name, elapsed)
	return elapsed
}

// FormatDuration formats a duration as HH:MM:SS; hours are not wrapped at 24
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total / 60) % 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// FormatFloat formats a float to specified decimal places
func FormatFloat(value float64, decimals int) string {
	return fmt.Sprintf("%.*f", decimals, value)
}

// Clamp restricts a value between min and max
func Clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SafeGo runs a function in a goroutine with panic recovery
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				LogError("Panic recovered in %s: %v", name, r)
			}
		}()
		fn()
	}()
}

// RateLimiter limits execution rate
type RateLimiter struct {
	lastExec time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewRateLimiter creates a new rate limiter with specified interval
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
	}
}

// Allow checks against the wall clock
func (rl *RateLimiter) Allow() bool {
	return rl.AllowAt(time.Now())
}

// AllowAt reports whether interval has passed since the last allowed call at now
func (rl *RateLimiter) AllowAt(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lastExec.IsZero() || now.Sub(rl.lastExec) >= rl.interval {
		rl.lastExec = now
		return true
	}
	return false
}

// Reset resets the rate limiter
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.lastExec = time.Time{}
}
