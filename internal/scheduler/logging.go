package scheduler

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

func (s *Scheduler) logRunSummary(summary RunSummary) {
	fields := []zap.Field{
		zap.Time("started_at", summary.StartedAt),
		zap.Duration("duration", summary.Duration),
		zap.Int("candidates", summary.Candidates),
		zap.Int("billed", summary.Billed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Int64("charged_amount", summary.ChargedAmount),
		zap.Int64("billed_hours", summary.BilledHours),
	}
	if summary.Errors > 0 || summary.Failed > 0 {
		s.log.Warn("scheduler.run.completed_with_failures", fields...)
		return
	}
	s.log.Info("scheduler.run.completed", fields...)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
