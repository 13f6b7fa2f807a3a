package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	mutationEventName   = "board.mutation"
	mutationEventDomain = "boardsync"
	tracerName          = "boardsync-api/api"
)

// mutationMetrics collects per-request timings for a mutation handler and
// emits them once, as a structured observability event plus an OTel span.
type mutationMetrics struct {
	logger *log.Logger
	span   trace.Span

	start         time.Time
	route         string
	mutation      string
	authDuration  time.Duration
	applyDuration time.Duration
	duplicate     bool
	conflict      bool
	errorStage    string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, route, mutation string) (*mutationMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, mutation)
	m := &mutationMetrics{
		logger:   logger,
		span:     span,
		start:    time.Now(),
		route:    route,
		mutation: mutation,
	}
	return m, spanCtx
}

func (m *mutationMetrics) ObserveAuth(d time.Duration) {
	if d <= 0 {
		return
	}
	m.authDuration = d
}

func (m *mutationMetrics) ObserveApply(d time.Duration) {
	if d <= 0 {
		return
	}
	m.applyDuration = d
}

func (m *mutationMetrics) SetDuplicate() { m.duplicate = true }

func (m *mutationMetrics) SetConflict() { m.conflict = true }

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finalizes the request: it records the event on the span, sets the span
// status and emits the log entry. It must be called exactly once.
func (m *mutationMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("boardsync.mutation", m.mutation),
		attribute.Float64("boardsync.mutation.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("boardsync.mutation.duplicate", m.duplicate),
		attribute.Bool("boardsync.mutation.conflict", m.conflict),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("boardsync.mutation.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64("boardsync.mutation.apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("boardsync.mutation.error_stage", m.errorStage))
	}

	fields := log.Fields{
		"event.name":      mutationEventName,
		"event.domain":    mutationEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"status":          status,
		"attributes":      attributesAsMap(attrs),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", mutationEventName),
			attribute.String("event.domain", mutationEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		m.span.SetAttributes(attribute.String("http.route", m.route), attribute.Int("http.status_code", status))
		if err != nil || status >= 500 {
			desc := "request failed"
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func attributesAsMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
