package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event captures a structured audit record.
type Event struct {
	Category  string
	Action    string
	Outcome   string
	CallID    string
	SessionID string
	Tenant    string
	Users     []string
	Details   map[string]interface{}
	Timestamp time.Time
}

// ChainWriter can persist tamper-evident audit records.
type ChainWriter interface {
	Append(map[string]interface{}) error
}

var chainWriter ChainWriter

// SetChainWriter registers a tamper-proof audit chain writer.
func SetChainWriter(writer ChainWriter) {
	chainWriter = writer
}

// Log emits a structured audit record enriched with tracing metadata.
func Log(ctx context.Context, logger *logrus.Logger, evt *Event) {
	if logger == nil || evt == nil {
		return
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	if evt.Details == nil {
		evt.Details = make(map[string]interface{})
	}

	if evt.Tenant == "" {
		evt.Tenant = "unknown"
	}

	fields := logrus.Fields{
		"audit":          true,
		"audit_category": evt.Category,
		"audit_action":   evt.Action,
		"audit_outcome":  evt.Outcome,
		"call_id":        evt.CallID,
		"tenant":         evt.Tenant,
		"timestamp":      evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	if evt.SessionID != "" {
		fields["session_id"] = evt.SessionID
	}
	if len(evt.Users) > 0 {
		fields["users"] = evt.Users
	}

	for k, v := range evt.Details {
		if _, reserved := fields[k]; reserved {
			continue
		}
		fields[k] = v
	}

	if chainWriter != nil {
		payload := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			payload[k] = v
		}
		payload["details"] = evt.Details
		if err := chainWriter.Append(payload); err != nil {
			logger.WithError(err).Warn("Failed to append audit record to chain writer")
		}
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}

	logger.WithFields(fields).Info("audit.event")
}

// MergeDetails merges additional details into an event's detail map.
func MergeDetails(evt *Event, details map[string]interface{}) {
	if evt == nil || details == nil {
		return
	}
	if evt.Details == nil {
		evt.Details = make(map[string]interface{})
	}
	for k, v := range details {
		evt.Details[k] = v
	}
}

// SpanContextFields helper extracts trace identifiers from a context.
func SpanContextFields(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		traceID = sc.TraceID().String()
		spanID = sc.SpanID().String()
	}
	return
}
