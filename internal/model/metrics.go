package model

import "time"

// TrustMetrics are aggregate calibration signals derived from a user's task
// history. They are recomputed on demand from the task set and never stored
// authoritatively; the same input always yields the same output.
type TrustMetrics struct {
	TotalTasks int `json:"totalTasks"`

	// High-confidence calibration: how often did the agent claim high
	// confidence and then get overridden by a human?
	TotalHighConfidenceTasks      int     `json:"totalHighConfidenceTasks"`
	OverriddenHighConfidenceTasks int     `json:"overriddenHighConfidenceTasks"`
	FalseConfidenceRate           float64 `json:"falseConfidenceRate"`

	// Retry behavior. AverageRetryVelocityMs measures first attempt to
	// eventual success, not per-retry latency.
	TotalRetries           int      `json:"totalRetries"`
	AverageRetryVelocityMs *float64 `json:"averageRetryVelocityMs"`

	// Review throughput.
	TasksRequiringReview int     `json:"tasksRequiringReview"`
	TasksReviewed        int     `json:"tasksReviewed"`
	ReviewRate           float64 `json:"reviewRate"`

	AverageConfidence *float64 `json:"averageConfidence"`
}

// AgentTrustMetrics are TrustMetrics restricted to one agent's tasks, plus
// completion counts. FailedTasks counts cancelled tasks: the status enum has
// no explicit failed state, so cancellation is the failure proxy.
type AgentTrustMetrics struct {
	AgentID string `json:"agentId"`
	TrustMetrics
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
}

// TrustReport is the full metrics snapshot returned by GET /v1/metrics.
type TrustReport struct {
	Aggregate TrustMetrics                 `json:"aggregate"`
	ByAgent   map[string]AgentTrustMetrics `json:"byAgent"`
	Timestamp time.Time                    `json:"timestamp"`
}
