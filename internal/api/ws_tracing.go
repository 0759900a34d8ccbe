package api

import (
	"net/http"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	wsConnectSpanName = "websocket.connect"
	wsTracerName      = "dirwatch/ws"
)

// streamSpan covers one websocket stream from upgrade to close.
type streamSpan struct {
	span   trace.Span
	frames int
}

func startStreamSpan(r *http.Request, attrs ...attribute.KeyValue) *streamSpan {
	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	attributes := append(requestAttributes(r), attrs...)
	_, span := otelapi.Tracer(wsTracerName).Start(ctx, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attributes...),
	)
	return &streamSpan{span: span}
}

func (s *streamSpan) frameSent() {
	s.frames++
}

// end records the frame count and why the stream stopped. An empty reason
// means the client went away.
func (s *streamSpan) end(reason string, err error) {
	s.span.SetAttributes(attribute.Int("dirwatch.frames", s.frames))
	if reason == "" {
		reason = "client closed"
	}
	s.span.SetAttributes(attribute.String("dirwatch.close_reason", reason))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, reason)
	}
	s.span.End()
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.route", streamRoute(r)),
		attribute.String("http.target", redactedTarget(r)),
		attribute.String("http.scheme", scheme),
		attribute.String("user_agent", r.UserAgent()),
	}
}

// streamRoute prefers the mux pattern without its method prefix.
func streamRoute(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	return r.URL.Path
}

func redactedTarget(r *http.Request) string {
	target := *r.URL
	query := target.Query()
	if query.Has("token") {
		query.Set("token", "redacted")
	}
	target.RawQuery = query.Encode()
	return target.RequestURI()
}
