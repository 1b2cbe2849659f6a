package realtime

import (
	"fmt"
	"sync"
	"time"
)

type RateLimiterSettings struct {
	// Limit is the number of events admitted per window per source key.
	Limit          int
	WindowDuration time.Duration
}

func DefaultRateLimiterSettings() *RateLimiterSettings {
	return &RateLimiterSettings{
		Limit:          60,
		WindowDuration: 1 * time.Minute,
	}
}

type RateWindow struct {
	count           int
	windowStartedAt time.Time
	// alerted is set after the first denial so one window trips one alert
	alerted bool
}

// RateLimiter is a fixed-window admission gate, one window per source key.
// It only counts and answers; synthesizing alerts on denial is the caller's
// concern, keyed off firstDenial.
type RateLimiter struct {
	settings *RateLimiterSettings

	stateLock sync.Mutex
	windows   map[string]*RateWindow
}

func NewRateLimiterWithDefaults() *RateLimiter {
	return NewRateLimiter(DefaultRateLimiterSettings())
}

func NewRateLimiter(settings *RateLimiterSettings) *RateLimiter {
	if settings.Limit < 1 {
		panic(fmt.Errorf("Rate limit must be positive: %d", settings.Limit))
	}
	if settings.WindowDuration <= 0 {
		panic(fmt.Errorf("Rate window must be positive: %s", settings.WindowDuration))
	}
	return &RateLimiter{
		settings: settings,
		windows:  map[string]*RateWindow{},
	}
}

// Check accounts one event for sourceKey. firstDenial is true only for the
// first rejected event in the current window.
func (self *RateLimiter) Check(sourceKey string) (allowed bool, firstDenial bool) {
	return self.check(sourceKey, time.Now())
}

func (self *RateLimiter) check(sourceKey string, now time.Time) (bool, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window, ok := self.windows[sourceKey]
	if !ok || self.settings.WindowDuration < now.Sub(window.windowStartedAt) {
		self.windows[sourceKey] = &RateWindow{
			count:           1,
			windowStartedAt: now,
		}
		return true, false
	}

	window.count += 1
	if window.count <= self.settings.Limit {
		return true, false
	}
	firstDenial := !window.alerted
	window.alerted = true
	return false, firstDenial
}

// WindowCount returns the current count for sourceKey, zero if the window
// expired or never started.
func (self *RateLimiter) WindowCount(sourceKey string) int {
	return self.windowCount(sourceKey, time.Now())
}

func (self *RateLimiter) windowCount(sourceKey string, now time.Time) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window, ok := self.windows[sourceKey]
	if !ok || self.settings.WindowDuration < now.Sub(window.windowStartedAt) {
		return 0
	}
	return window.count
}
