package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/github-star-crawler/internal/progress"
)

// LogSink writes progress events as structured log lines. Page events are
// logged at debug level since there is one per search call.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("records", evt.Records),
		}
		if evt.Partition != "" {
			fields = append(fields, zap.String("partition", evt.Partition))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StagePageFetched:
		return zapcore.DebugLevel
	case progress.StagePartitionFailed, progress.StageBatchFailed, progress.StagePageRetry:
		return zapcore.WarnLevel
	case progress.StageCrawlAborted:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
