// Package trust derives calibration metrics from task history.
//
// Everything here is a pure function of the input task set: no storage, no
// hidden state, and recomputing on the same input always yields the same
// output. Callers fetch the task set and pass it in.
package trust

import (
	"sort"
	"time"

	"github.com/ashita-ai/tasuki/internal/model"
)

// HighConfidenceThreshold is the confidence score at or above which a task
// counts as a high-confidence claim for false-confidence tracking.
const HighConfidenceThreshold = 0.7

// Compute derives the full trust report for a set of tasks: aggregate
// metrics over all tasks plus the same metrics restricted to each assigned
// agent. Unassigned tasks contribute to the aggregate only.
func Compute(tasks []model.Task, now time.Time) model.TrustReport {
	report := model.TrustReport{
		Aggregate: computeMetrics(tasks),
		ByAgent:   make(map[string]model.AgentTrustMetrics),
		Timestamp: now,
	}

	byAgent := make(map[string][]model.Task)
	for _, t := range tasks {
		if t.AgentID == nil || *t.AgentID == "" {
			continue
		}
		byAgent[*t.AgentID] = append(byAgent[*t.AgentID], t)
	}

	for agentID, agentTasks := range byAgent {
		am := model.AgentTrustMetrics{
			AgentID:      agentID,
			TrustMetrics: computeMetrics(agentTasks),
		}
		for _, t := range agentTasks {
			switch t.Status {
			case model.StatusDone:
				am.CompletedTasks++
			case model.StatusCancelled:
				// Policy: the status enum has no explicit failed state, so
				// cancellation is counted as failure.
				am.FailedTasks++
			}
		}
		report.ByAgent[agentID] = am
	}

	return report
}

// AgentIDs returns the agent ids present in a report, sorted. Useful for
// deterministic rendering of the per-agent table.
func AgentIDs(report model.TrustReport) []string {
	ids := make([]string, 0, len(report.ByAgent))
	for id := range report.ByAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func computeMetrics(tasks []model.Task) model.TrustMetrics {
	m := model.TrustMetrics{TotalTasks: len(tasks)}

	var confidenceSum float64
	var confidenceN int
	var velocitySum float64
	var velocityN int

	for _, t := range tasks {
		if t.ConfidenceScore != nil {
			confidenceSum += *t.ConfidenceScore
			confidenceN++
			if *t.ConfidenceScore >= HighConfidenceThreshold {
				m.TotalHighConfidenceTasks++
				if t.WasOverridden {
					m.OverriddenHighConfidenceTasks++
				}
			}
		}

		m.TotalRetries += t.RetryCount

		// Retry velocity: first attempt to eventual success, not per-retry
		// latency. Only tasks that actually retried and reached done count.
		if t.RetryCount > 0 && t.FirstAttemptAt != nil && t.Status == model.StatusDone {
			velocitySum += float64(t.UpdatedAt.Sub(*t.FirstAttemptAt).Milliseconds())
			velocityN++
		}

		if t.RequiresReview {
			m.TasksRequiringReview++
		}
		if t.ReviewedAt != nil {
			m.TasksReviewed++
		}
	}

	if m.TotalHighConfidenceTasks > 0 {
		m.FalseConfidenceRate = float64(m.OverriddenHighConfidenceTasks) / float64(m.TotalHighConfidenceTasks)
	}
	if velocityN > 0 {
		avg := velocitySum / float64(velocityN)
		m.AverageRetryVelocityMs = &avg
	}
	if m.TasksRequiringReview > 0 {
		m.ReviewRate = float64(m.TasksReviewed) / float64(m.TasksRequiringReview)
	}
	if confidenceN > 0 {
		avg := confidenceSum / float64(confidenceN)
		m.AverageConfidence = &avg
	}

	return m
}
