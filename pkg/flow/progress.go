// Package flow implements flow composition, progress aggregation, and
// lifecycle event processing.
package flow

import (
	"github.com/tcmartin/flowqueue/pkg/models"
)

// Aggregate reduces a flow's tracked-job map to a progress summary and an
// overall flow status. It is a pure function of the current map snapshot,
// never of the previous flow status, so the outcome is independent of the
// order events were delivered in.
//
// Status derivation: any failed job fails the flow; otherwise a fully
// completed map completes it; otherwise any job still moving (active,
// waiting, delayed, or waiting on children) keeps it running; anything
// else leaves it pending. An empty map is pending.
func Aggregate(tracked map[string]models.JobStatus) (models.ProgressSummary, models.FlowStatus) {
	summary := models.ProgressSummary{Total: len(tracked)}

	for _, status := range tracked {
		switch status {
		case models.JobCompleted:
			summary.Completed++
		case models.JobFailed:
			summary.Failed++
		case models.JobDelayed:
			summary.Delayed++
		case models.JobActive:
			summary.Active++
		case models.JobWaiting:
			summary.Waiting++
		case models.JobWaitingChildren:
			summary.WaitingChildren++
		case models.JobPaused:
			summary.Paused++
		case models.JobStuck:
			summary.Stuck++
		}
	}

	if summary.Total > 0 {
		summary.Percentage = float64(summary.Completed) / float64(summary.Total) * 100
	}

	switch {
	case summary.Failed > 0:
		return summary, models.FlowFailed
	case summary.Total > 0 && summary.Completed == summary.Total:
		return summary, models.FlowCompleted
	case summary.Active+summary.Waiting+summary.Delayed+summary.WaitingChildren > 0:
		return summary, models.FlowRunning
	default:
		return summary, models.FlowPending
	}
}
