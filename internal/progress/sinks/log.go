package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageSessionStart:
			fields = append(fields,
				zap.String("title", evt.Title),
				zap.String("origin_ref", evt.OriginRef),
				zap.Int("target", evt.Target),
			)
		case progress.StageFragment:
			fields = append(fields,
				zap.Int("sequence", evt.Sequence),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
		default:
			fields = append(fields, zap.Int64("bytes", evt.Bytes), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
