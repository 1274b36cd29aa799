package upstream

import (
	"strings"
	"sync"
	"time"
)

// Status represents the observed health of the partner API.
type Status int

const (
	StatusHealthy     Status = iota // responding normally
	StatusDegraded                  // slow but working
	StatusThrottled                 // rate limiting us
	StatusAuthLimited               // repeated auth rejections
)

func (s Status) String() string {
	switch s {
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusAuthLimited:
		return "auth_limited"
	default:
		return "healthy"
	}
}

// MonitorStats holds a snapshot of partner API observations.
type MonitorStats struct {
	Status           Status
	AverageLatency   time.Duration
	RequestsLastHour int
	ThrottleCount    int
	AuthFailureCount int
	LastThrottleAt   time.Time
}

// Monitor tracks partner API health from the traffic the client sends
// through it. Purely observational; it never blocks a call.
type Monitor struct {
	mu sync.RWMutex

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Throttle and auth tracking
	throttleCount    int
	authFailures     int
	lastThrottleTime time.Time
	lastAuthFailure  time.Time
	throttleHold     time.Duration
	throttlePatterns []string

	// Sliding request window
	requestTimestamps []time.Time
	windowDuration    time.Duration

	// Thresholds
	slowResponseThreshold time.Duration
	authFailureThreshold  int
	authFailureWindow     time.Duration
}

// NewMonitor creates a monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"quota exceeded",
			"slow down",
		},
		requestTimestamps:     make([]time.Time, 0),
		windowDuration:        time.Hour,
		slowResponseThreshold: 3 * time.Second,
		authFailureThreshold:  3,
		authFailureWindow:     5 * time.Minute,
	}
}

// RecordRequest records a successful call with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}

	m.requestTimestamps = append(m.requestTimestamps, now)

	cutoff := now.Add(-m.windowDuration)
	filtered := m.requestTimestamps[:0]
	for _, t := range m.requestTimestamps {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	m.requestTimestamps = filtered
}

// RecordThrottle records a rate limiting response. A zero retryAfter uses
// a one minute hold.
func (m *Monitor) RecordThrottle(retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.throttleCount++
	m.lastThrottleTime = time.Now()
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	m.throttleHold = retryAfter
}

// RecordAuthFailure records a 401 or 403 response.
func (m *Monitor) RecordAuthFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Sub(m.lastAuthFailure) > m.authFailureWindow {
		m.authFailures = 0
	}
	m.authFailures++
	m.lastAuthFailure = now
}

// DetectThrottle checks whether a message reads like a rate limit notice.
func (m *Monitor) DetectThrottle(message string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lowerMsg := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// Status returns the current observed health of the partner API.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	if m.authFailures >= m.authFailureThreshold &&
		time.Since(m.lastAuthFailure) < m.authFailureWindow {
		return StatusAuthLimited
	}

	if m.throttleCount > 0 && time.Since(m.lastThrottleTime) < m.throttleHold {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 {
		var total time.Duration
		for _, lat := range m.recentLatencies {
			total += lat
		}
		if total/time.Duration(len(m.recentLatencies)) > m.slowResponseThreshold {
			return StatusDegraded
		}
	}

	return StatusHealthy
}

// RetryAfter returns the remaining server-directed hold, 0 when none.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.throttleHold > 0 {
		if remaining := m.throttleHold - time.Since(m.lastThrottleTime); remaining > 0 {
			return remaining
		}
	}
	return 0
}

// AverageLatency returns the average latency of recent successful calls.
func (m *Monitor) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.recentLatencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// Stats returns a snapshot of current observations.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStats{
		Status:           m.statusLocked(),
		RequestsLastHour: len(m.requestTimestamps),
		ThrottleCount:    m.throttleCount,
		AuthFailureCount: m.authFailures,
		LastThrottleAt:   m.lastThrottleTime,
	}

	if len(m.recentLatencies) > 0 {
		var total time.Duration
		for _, lat := range m.recentLatencies {
			total += lat
		}
		stats.AverageLatency = total / time.Duration(len(m.recentLatencies))
	}

	return stats
}
