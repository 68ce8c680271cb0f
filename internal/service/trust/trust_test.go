package trust

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func task(mutate func(*model.Task)) model.Task {
	t := model.Task{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Status:   model.StatusTodo,
		Priority: model.PriorityMedium,
	}
	if mutate != nil {
		mutate(&t)
	}
	return t
}

func TestComputeEmptyInput(t *testing.T) {
	now := time.Now().UTC()
	report := Compute(nil, now)

	assert.Equal(t, 0, report.Aggregate.TotalTasks)
	assert.Zero(t, report.Aggregate.FalseConfidenceRate)
	assert.Zero(t, report.Aggregate.ReviewRate)
	assert.Nil(t, report.Aggregate.AverageRetryVelocityMs)
	assert.Nil(t, report.Aggregate.AverageConfidence)
	assert.Empty(t, report.ByAgent)
	assert.Equal(t, now, report.Timestamp)
}

func TestFalseConfidenceRate(t *testing.T) {
	tasks := []model.Task{
		// High confidence, overridden: counts in both numerator and denominator.
		task(func(t *model.Task) { t.ConfidenceScore = f64Ptr(0.9); t.WasOverridden = true }),
		// High confidence at exactly the threshold, not overridden.
		task(func(t *model.Task) { t.ConfidenceScore = f64Ptr(0.7) }),
		// Below threshold and overridden: contributes to neither.
		task(func(t *model.Task) { t.ConfidenceScore = f64Ptr(0.5); t.WasOverridden = true }),
		// No confidence at all.
		task(nil),
	}

	m := Compute(tasks, time.Now()).Aggregate
	assert.Equal(t, 2, m.TotalHighConfidenceTasks)
	assert.Equal(t, 1, m.OverriddenHighConfidenceTasks)
	assert.InDelta(t, 0.5, m.FalseConfidenceRate, 1e-9)
}

func TestAverageConfidenceIgnoresUnscored(t *testing.T) {
	tasks := []model.Task{
		task(func(t *model.Task) { t.ConfidenceScore = f64Ptr(0.2) }),
		task(func(t *model.Task) { t.ConfidenceScore = f64Ptr(0.8) }),
		task(nil),
	}

	m := Compute(tasks, time.Now()).Aggregate
	require.NotNil(t, m.AverageConfidence)
	assert.InDelta(t, 0.5, *m.AverageConfidence, 1e-9)
}

func TestAverageRetryVelocity(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tasks := []model.Task{
		// Retried and done: 2000ms from first attempt to final update.
		task(func(t *model.Task) {
			t.RetryCount = 1
			first := base
			t.FirstAttemptAt = &first
			t.Status = model.StatusDone
			t.UpdatedAt = base.Add(2 * time.Second)
		}),
		// Retried and done: 4000ms.
		task(func(t *model.Task) {
			t.RetryCount = 3
			first := base
			t.FirstAttemptAt = &first
			t.Status = model.StatusDone
			t.UpdatedAt = base.Add(4 * time.Second)
		}),
		// Retried but still in progress: excluded.
		task(func(t *model.Task) {
			t.RetryCount = 2
			first := base
			t.FirstAttemptAt = &first
			t.Status = model.StatusInProgress
			t.UpdatedAt = base.Add(time.Hour)
		}),
		// Done without any retry: excluded.
		task(func(t *model.Task) {
			t.Status = model.StatusDone
			t.UpdatedAt = base.Add(time.Hour)
		}),
	}

	m := Compute(tasks, time.Now()).Aggregate
	assert.Equal(t, 6, m.TotalRetries)
	require.NotNil(t, m.AverageRetryVelocityMs)
	assert.InDelta(t, 3000, *m.AverageRetryVelocityMs, 1e-9)
}

func TestRetryVelocityNilWhenNoRetriedDoneTask(t *testing.T) {
	tasks := []model.Task{
		task(func(t *model.Task) { t.RetryCount = 1; t.Status = model.StatusInProgress }),
	}
	m := Compute(tasks, time.Now()).Aggregate
	assert.Nil(t, m.AverageRetryVelocityMs)
}

func TestReviewRate(t *testing.T) {
	now := time.Now().UTC()
	tasks := []model.Task{
		task(func(t *model.Task) { t.RequiresReview = true }),
		task(func(t *model.Task) { t.RequiresReview = true }),
		// Reviewed task whose flag was cleared by the review itself. It
		// counts in the numerator only, so the rate can legitimately
		// exceed what the currently flagged set suggests.
		task(func(t *model.Task) { t.ReviewedAt = &now }),
	}

	m := Compute(tasks, time.Now()).Aggregate
	assert.Equal(t, 2, m.TasksRequiringReview)
	assert.Equal(t, 1, m.TasksReviewed)
	assert.InDelta(t, 0.5, m.ReviewRate, 1e-9)
}

func TestByAgentGrouping(t *testing.T) {
	tasks := []model.Task{
		task(func(t *model.Task) { t.AgentID = strPtr("scout"); t.Status = model.StatusDone }),
		task(func(t *model.Task) { t.AgentID = strPtr("scout"); t.Status = model.StatusCancelled }),
		task(func(t *model.Task) { t.AgentID = strPtr("coder"); t.ConfidenceScore = f64Ptr(0.9) }),
		// Unassigned: aggregate only.
		task(nil),
		// Empty agent id is treated as unassigned.
		task(func(t *model.Task) { t.AgentID = strPtr("") }),
	}

	report := Compute(tasks, time.Now())
	assert.Equal(t, 5, report.Aggregate.TotalTasks)
	require.Len(t, report.ByAgent, 2)

	scout := report.ByAgent["scout"]
	assert.Equal(t, 2, scout.TotalTasks)
	assert.Equal(t, 1, scout.CompletedTasks)
	assert.Equal(t, 1, scout.FailedTasks, "cancelled counts as failed")

	coder := report.ByAgent["coder"]
	assert.Equal(t, 1, coder.TotalTasks)
	assert.Equal(t, 1, coder.TotalHighConfidenceTasks)
	assert.Equal(t, 0, coder.CompletedTasks)
}

func TestComputeIsPure(t *testing.T) {
	now := time.Now().UTC()
	tasks := []model.Task{
		task(func(t *model.Task) { t.AgentID = strPtr("a"); t.ConfidenceScore = f64Ptr(0.8); t.WasOverridden = true }),
		task(func(t *model.Task) { t.RetryCount = 2 }),
	}

	first := Compute(tasks, now)
	second := Compute(tasks, now)
	assert.Equal(t, first, second)
}

func TestAgentIDsSorted(t *testing.T) {
	tasks := []model.Task{
		task(func(t *model.Task) { t.AgentID = strPtr("zeta") }),
		task(func(t *model.Task) { t.AgentID = strPtr("alpha") }),
		task(func(t *model.Task) { t.AgentID = strPtr("mike") }),
	}

	report := Compute(tasks, time.Now())
	assert.Equal(t, []string{"alpha", "mike", "zeta"}, AgentIDs(report))
}
