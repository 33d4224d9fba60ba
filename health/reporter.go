// Package health derives operational status from the event log: queue
// depth, failed events, and sync lag. It reports and alerts; it never
// takes corrective action.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/outbox"
)

// Status is the coarse health classification of the sync pipeline.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Alert thresholds. Alerts are descriptive strings for operators,
// independent of the derived status.
const (
	lagWarn        = 30 * time.Second
	lagCritical    = 60 * time.Second
	queueWarn      = 1_000
	queueCritical  = 10_000
	failedWarn     = 10
	failedCritical = 100
)

// Report is the operational snapshot served to monitoring.
type Report struct {
	Status         Status   `json:"status"`
	QueueSize      int64    `json:"queueSize"`
	FailedEvents   int64    `json:"failedEvents"`
	SyncLagSeconds float64  `json:"syncLagSeconds"`
	Alerts         []string `json:"alerts"`
}

// StatsSource reads aggregate queue counters from the event log.
type StatsSource interface {
	Stats(ctx context.Context) (*outbox.Stats, error)
}

// Pinger reports reachability of a store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter derives health reports from read-only aggregate queries. It is
// stateless and safe for concurrent callers.
type Reporter struct {
	stats       StatsSource
	primary     Pinger
	destination Pinger
	now         func() time.Time
}

// NewReporter creates a health reporter over the event log and the two
// stores it bridges.
func NewReporter(stats StatsSource, primary, destination Pinger) *Reporter {
	return &Reporter{
		stats:       stats,
		primary:     primary,
		destination: destination,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Report computes the current pipeline health. An unreadable event log
// yields an unhealthy report rather than an error: monitoring endpoints
// must answer even when the primary store is down.
func (reporter *Reporter) Report(ctx context.Context) *Report {
	stats, err := reporter.stats.Stats(ctx)
	if err != nil {
		return &Report{
			Status: StatusUnhealthy,
			Alerts: []string{fmt.Sprintf("CRITICAL: event log unreachable: %s", outbox.SanitizeError(err))},
		}
	}

	now := reporter.now()
	lag := stats.OldestUnprocessedAge(now)

	report := &Report{
		QueueSize:      stats.Unprocessed,
		FailedEvents:   stats.Failed,
		SyncLagSeconds: lag.Seconds(),
		Alerts:         []string{},
	}

	primaryOK := reporter.ping(ctx, reporter.primary)
	destinationOK := reporter.ping(ctx, reporter.destination)

	switch {
	case lag < lagWarn && primaryOK && destinationOK:
		report.Status = StatusHealthy
	case lag < lagCritical:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}

	report.Alerts = append(report.Alerts, lagAlerts(lag)...)
	report.Alerts = append(report.Alerts, queueAlerts(stats.Unprocessed)...)
	report.Alerts = append(report.Alerts, failureAlerts(stats.Failed)...)

	if !primaryOK {
		report.Alerts = append(report.Alerts, "CRITICAL: primary store unreachable")
	}

	if !destinationOK {
		report.Alerts = append(report.Alerts, "CRITICAL: secondary store unreachable")
	}

	return report
}

func (reporter *Reporter) ping(ctx context.Context, pinger Pinger) bool {
	if pinger == nil {
		return false
	}

	return pinger.Ping(ctx) == nil
}

func lagAlerts(lag time.Duration) []string {
	switch {
	case lag > lagCritical:
		return []string{fmt.Sprintf("CRITICAL: sync lag %.0fs exceeds %s", lag.Seconds(), lagCritical)}
	case lag > lagWarn:
		return []string{fmt.Sprintf("WARNING: sync lag %.0fs exceeds %s", lag.Seconds(), lagWarn)}
	default:
		return nil
	}
}

func queueAlerts(queueSize int64) []string {
	switch {
	case queueSize > queueCritical:
		return []string{fmt.Sprintf("CRITICAL: queue size %d exceeds %d", queueSize, queueCritical)}
	case queueSize > queueWarn:
		return []string{fmt.Sprintf("WARNING: queue size %d exceeds %d", queueSize, queueWarn)}
	default:
		return nil
	}
}

func failureAlerts(failed int64) []string {
	switch {
	case failed > failedCritical:
		return []string{fmt.Sprintf("CRITICAL: %d events failed repeatedly", failed)}
	case failed > failedWarn:
		return []string{fmt.Sprintf("WARNING: %d events failed repeatedly", failed)}
	default:
		return nil
	}
}
