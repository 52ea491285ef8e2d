// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/offsync/github-mirror/pkg/store"
)

// Health statuses, ordered by severity.
const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

const (
	warnPendingBacklog = 50
	warnPendingAge     = 5 * time.Minute
	criticalPendingAge = 30 * time.Minute
)

// HealthReport is the operator-facing queue health snapshot. Status carries
// the severity; Health restates it as a liveness word for dashboards.
type HealthReport struct {
	Status string       `json:"status"`
	Health string       `json:"health"`
	Alerts []string     `json:"alerts"`
	Queue  QueueMetrics `json:"queue"`
}

// QueueMetrics are the raw queue counters behind the health verdict.
type QueueMetrics struct {
	Pending            int64      `json:"pending"`
	Processing         int64      `json:"processing"`
	Failed             int64      `json:"failed"`
	DeadLetter         int64      `json:"deadLetter"`
	OldestPendingAgeMs *int64     `json:"oldestPendingAgeMs,omitempty"`
	LastProcessedAt    *time.Time `json:"lastProcessedAt,omitempty"`
}

// healthWord maps a severity status to the dashboard liveness word.
func healthWord(status string) string {
	switch status {
	case HealthWarning:
		return "degraded"
	case HealthCritical:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// Health derives a status from the queue counters. Dead letters and an aging
// backlog are critical; retries in flight and a growing backlog warn.
func Health(ctx context.Context, db *store.DB, now time.Time) (*HealthReport, error) {
	stats, err := db.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	report := &HealthReport{
		Status: HealthOK,
		Alerts: []string{},
		Queue: QueueMetrics{
			Pending:         stats.Pending,
			Processing:      stats.Processing,
			Failed:          stats.Failed,
			DeadLetter:      stats.DeadLetter,
			LastProcessedAt: stats.LastProcessedAt,
		},
	}
	if stats.OldestPending != nil {
		ageMs := now.Sub(*stats.OldestPending).Milliseconds()
		report.Queue.OldestPendingAgeMs = &ageMs
	}

	warn := func(format string, args ...any) {
		report.Alerts = append(report.Alerts, fmt.Sprintf(format, args...))
		if report.Status == HealthOK {
			report.Status = HealthWarning
		}
	}
	critical := func(format string, args ...any) {
		report.Alerts = append(report.Alerts, fmt.Sprintf(format, args...))
		report.Status = HealthCritical
	}

	if stats.DeadLetter > 0 {
		critical("%d deliveries dead-lettered", stats.DeadLetter)
	}
	if stats.OldestPending != nil {
		age := now.Sub(*stats.OldestPending)
		if age > criticalPendingAge {
			critical("oldest pending delivery is %s old", age.Round(time.Second))
		} else if age > warnPendingAge {
			warn("oldest pending delivery is %s old", age.Round(time.Second))
		}
	}
	if stats.Failed > 0 {
		warn("%d deliveries awaiting retry", stats.Failed)
	}
	if stats.Pending > warnPendingBacklog {
		warn("pending backlog at %d deliveries", stats.Pending)
	}

	report.Health = healthWord(report.Status)
	return report, nil
}
