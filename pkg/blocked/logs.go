// LogEmitter renders diagnostics as OpenTelemetry log records.
// Records are emitted under the DiagnosticTarget scope so sinks can route them.
package blocked

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log"
)

// LogEmitter emits one log record per diagnostic.
type LogEmitter struct {
	logger log.Logger
}

// NewLogEmitter creates a LogEmitter that emits via the given LoggerProvider.
func NewLogEmitter(lp log.LoggerProvider) *LogEmitter {
	return &LogEmitter{logger: lp.Logger(DiagnosticTarget)}
}

// Emit writes d as a log record at its severity.
func (l *LogEmitter) Emit(ctx context.Context, d Diagnostic) {
	var rec log.Record
	sev, text := logSeverity(d.Severity)
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)
	rec.SetBody(log.StringValue(fmt.Sprintf(
		"task poll blocked for %s (threshold %s) at %s:%d:%d",
		d.Elapsed, d.Threshold, d.Callsite.File, d.Callsite.Line, d.Callsite.Col,
	)))
	rec.AddAttributes(
		log.Int64("poll_duration_ns", int64(d.PollDurationNS())), //nolint:gosec // durations fit in int64
		log.String("callsite.name", d.Callsite.Name),
		log.String("callsite.target", d.Callsite.Target),
		log.String("callsite.file", d.Callsite.File),
		log.Int64("callsite.line", int64(d.Callsite.Line)),
		log.Int64("callsite.col", int64(d.Callsite.Col)),
		log.String("check", d.Check),
		log.Int64("threshold_ns", d.Threshold.Nanoseconds()),
	)
	l.logger.Emit(ctx, rec)
}

func logSeverity(s Severity) (log.Severity, string) {
	switch s {
	case SeverityWarn:
		return log.SeverityWarn, "WARN"
	case SeverityInfo:
		return log.SeverityInfo, "INFO"
	default:
		return log.SeverityUndefined, ""
	}
}
