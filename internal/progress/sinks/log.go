package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// LogSink writes the progress stream to a zap logger. Routine events log at
// debug; fallback parks, abandoned documents and failed runs log louder.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level, msg, fields := describeEvent(evt)
		if ce := s.logger.Check(level, msg); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func describeEvent(evt progress.Event) (zapcore.Level, string, []zap.Field) {
	fields := []zap.Field{zap.Stringer("run_id", evt.RunUUID())}
	level, msg := zapcore.DebugLevel, "progress event"

	switch evt.Stage {
	case progress.StageRunStart:
		msg = "run started"
	case progress.StageRunDone:
		msg = "run finished"
		fields = append(fields, zap.Duration("dur", evt.Dur))
	case progress.StageRunError:
		level, msg = zapcore.WarnLevel, "run failed"
		fields = append(fields, zap.Duration("dur", evt.Dur))
	case progress.StageFetchDone:
		msg = "page fetched"
		fields = append(fields,
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
		)
	case progress.StageOutcome:
		msg = "document " + evt.Outcome
		switch evt.Outcome {
		case progress.OutcomeFallback:
			level = zapcore.InfoLevel
		case progress.OutcomeAbandoned, progress.OutcomeFailed:
			level = zapcore.WarnLevel
		}
		fields = append(fields,
			zap.String("url", evt.URL),
			zap.String("domain", evt.Domain),
			zap.String("hash", evt.ContentHash),
			zap.Int("attempts", evt.Attempts),
			zap.String("reason", evt.Reason),
		)
		if evt.DocumentID != "" {
			fields = append(fields, zap.String("location", evt.DocumentID))
		}
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return level, msg, fields
}
