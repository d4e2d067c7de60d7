package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		if evt.ResultID != "" {
			fields = append(fields, zap.String("result_id", evt.ResultID))
		}
		if evt.Key != "" {
			fields = append(fields, zap.String("key", evt.Key))
		}
		if evt.Capability.OSName != "" {
			fields = append(fields, zap.Stringer("capability", evt.Capability))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("dispatch event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
