package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/dispatch"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/upstream"
)

// Monitor aggregates health status from various system components.
type Monitor struct {
	scheduler     *dispatch.Scheduler
	upstreamMon   *upstream.Monitor
	pingers       map[string]storage.Pinger
	queueCapacity int

	lastCheck  time.Time
	lastReport Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Pingers maps backend names to
// their reachability checks; nil entries are skipped.
func NewMonitor(
	scheduler *dispatch.Scheduler,
	upstreamMon *upstream.Monitor,
	pingers map[string]storage.Pinger,
	queueCapacity int,
) *Monitor {
	return &Monitor{
		scheduler:     scheduler,
		upstreamMon:   upstreamMon,
		pingers:       pingers,
		queueCapacity: queueCapacity,
	}
}

// Check performs a health check across all components.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks (max once per 10s) to avoid hammering backends
	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport.Components) > 0 {
		return m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}

	report.Components["dispatch"] = m.checkDispatch()
	report.Components["upstream"] = m.checkUpstream()
	for name, pinger := range m.pingers {
		if pinger == nil {
			continue
		}
		report.Components[name] = m.checkBackend(ctx, name, pinger)
	}

	// Worst case wins
	for _, component := range report.Components {
		if component.Status == StatusCritical {
			report.SystemStatus = StatusCritical
			break
		}
		if component.Status == StatusDegraded {
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) checkDispatch() ComponentHealth {
	stats := m.scheduler.Stats()
	component := ComponentHealth{
		Name:   "dispatch",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("queued=%d active=%d retry_waiting=%d",
			stats.Queued, stats.Active, stats.RetryWaiting),
	}

	switch {
	case stats.Closed:
		component.Status = StatusCritical
		component.Detail = "scheduler closed"
	case m.queueCapacity > 0 && stats.Queued >= m.queueCapacity:
		component.Status = StatusCritical
	case m.queueCapacity > 0 && stats.Queued > m.queueCapacity/2:
		component.Status = StatusDegraded
	}

	return component
}

func (m *Monitor) checkUpstream() ComponentHealth {
	status := m.upstreamMon.Status()
	component := ComponentHealth{
		Name:   "upstream",
		Status: StatusHealthy,
		Detail: status.String(),
	}

	switch status {
	case upstream.StatusDegraded, upstream.StatusThrottled:
		component.Status = StatusDegraded
	case upstream.StatusAuthLimited:
		component.Status = StatusCritical
	}

	return component
}

func (m *Monitor) checkBackend(ctx context.Context, name string, pinger storage.Pinger) ComponentHealth {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	component := ComponentHealth{Name: name, Status: StatusHealthy}
	if err := pinger.Ping(pingCtx); err != nil {
		component.Status = StatusCritical
		component.Detail = err.Error()
	}
	return component
}
