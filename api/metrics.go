package api

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	notificationsRoute       = "/api/notifications"
	notificationsSpanName    = "api.notifications.list"
	notificationsEventName   = "notifications.request.metrics"
	notificationsEventDomain = "taskboard"
	notificationsAttrPrefix  = "taskboard.notifications."
)

// notificationRequestMetrics captures per-request timings for the
// notifications list route and emits them as one structured log entry
// plus one span when the request finishes.
type notificationRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	rowsReturned   int
	errorStage     string
}

func newNotificationRequestMetrics(ctx context.Context, logger *log.Logger) (*notificationRequestMetrics, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &notificationRequestMetrics{
		logger: logger,
		start:  time.Now(),
	}
	tracer := otel.Tracer("taskboard-api/api")
	spanCtx, span := tracer.Start(ctx, notificationsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m.span = span
	return m, spanCtx
}

func (m *notificationRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *notificationRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *notificationRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *notificationRequestMetrics) SetRowsReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.rowsReturned = count
}

func (m *notificationRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finishes the request: it closes the span and writes the
// observability event. Must be called exactly once.
func (m *notificationRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":       notificationsRoute,
		"http.status_code": status,
	}
	attrs[notificationsAttrPrefix+"total_ms"] = durationToMillis(time.Since(m.start))
	attrs[notificationsAttrPrefix+"rows_returned"] = m.rowsReturned
	if m.authDuration > 0 {
		attrs[notificationsAttrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs[notificationsAttrPrefix+"fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs[notificationsAttrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs[notificationsAttrPrefix+"error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		kvs := attributesFromMap(attrs)
		m.span.SetAttributes(kvs...)

		eventAttrs := append(kvs,
			attribute.String("event.name", notificationsEventName),
			attribute.String("event.domain", notificationsEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		if err != nil || status >= 500 {
			desc := m.errorStage
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      notificationsEventName,
		"event.domain":    notificationsEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
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

func attributesFromMap(attrs map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			kvs = append(kvs, attribute.String(k, v))
		case bool:
			kvs = append(kvs, attribute.Bool(k, v))
		case int:
			kvs = append(kvs, attribute.Int(k, v))
		case int64:
			kvs = append(kvs, attribute.Int64(k, v))
		case float64:
			kvs = append(kvs, attribute.Float64(k, v))
		}
	}
	return kvs
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
