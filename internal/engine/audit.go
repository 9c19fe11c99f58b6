package engine

import (
	"context"
	"time"

	"github.com/citolabs/cito/internal/log"
)

// AuditRecord summarizes one completed query for the audit trail.
type AuditRecord struct {
	SessionID   string        `json:"session_id"`
	Principal   string        `json:"principal"`
	Query       string        `json:"query"`
	Collections []string      `json:"collections"`
	Passages    int           `json:"passages"`
	Citations   int           `json:"citations"`
	Confidence  float64       `json:"confidence"`
	Degraded    bool          `json:"degraded"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// AuditSink receives audit records. Records are delivered asynchronously
// and never block or fail a query.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// LogSink writes audit records to the structured log.
type LogSink struct {
	logger log.Logger
}

// NewLogSink creates an AuditSink backed by logger.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.NewNop()
	}
	return &LogSink{logger: logger}
}

// Record implements AuditSink.
func (s *LogSink) Record(ctx context.Context, rec AuditRecord) {
	s.logger.Info("query audit",
		"session_id", rec.SessionID,
		"principal", rec.Principal,
		"collections", rec.Collections,
		"passages", rec.Passages,
		"citations", rec.Citations,
		"confidence", rec.Confidence,
		"degraded", rec.Degraded,
		"error", rec.Error,
		"duration", rec.Duration,
	)
}
