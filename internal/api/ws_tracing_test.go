package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"dirwatch/internal/event"
)

func TestStreamSpanAddsAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})

	request := httptest.NewRequest("GET", "http://example.com/events?replay=5&token=secret", nil)
	request.Pattern = "GET /events"
	span := startStreamSpan(request, attribute.String("dirwatch.bus", "changes"))
	span.frameSent()
	span.end("stream closed", nil)

	spanData := findSpan(recorder.Ended(), wsConnectSpanName, "/events")
	if spanData == nil {
		t.Fatalf("expected websocket span")
	}

	attrs := spanAttributes(spanData.Attributes())
	if attrs["http.route"] != "/events" {
		t.Fatalf("expected http.route /events, got %q", attrs["http.route"])
	}
	if target := attrs["http.target"]; strings.Contains(target, "secret") || !strings.Contains(target, "token=redacted") {
		t.Fatalf("expected token to be redacted from http.target, got %q", target)
	}
	if attrs["dirwatch.bus"] != "changes" || attrs["dirwatch.frames"] != "1" || attrs["dirwatch.close_reason"] != "stream closed" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestBusStreamRecordsFrames(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})

	bus := event.NewBus[string](context.Background(), event.BusOptions{Name: "frames", HistorySize: 4})
	bus.Publish("a")
	bus.Publish("b")
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		serveWSBusStream(w, r, wsBusStreamConfig[string]{Bus: bus, Replay: 2})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 2; i++ {
		var got string
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
	}
	_ = conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after client close")
	}

	spanData := findSpan(recorder.Ended(), wsConnectSpanName, "/events")
	if spanData == nil {
		t.Fatal("expected websocket span")
	}
	attrs := spanAttributes(spanData.Attributes())
	if attrs["dirwatch.frames"] != "2" || attrs["dirwatch.bus"] != "frames" || attrs["dirwatch.replay"] != "2" || attrs["dirwatch.close_reason"] != "client closed" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func findSpan(spans []sdktrace.ReadOnlySpan, name, route string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() != name {
			continue
		}
		attrs := spanAttributes(span.Attributes())
		if attrs["http.route"] == route {
			return span
		}
	}
	return nil
}

func spanAttributes(attrs []attribute.KeyValue) map[string]string {
	values := make(map[string]string)
	for _, attr := range attrs {
		values[string(attr.Key)] = attributeValueString(attr.Value)
	}
	return values
}

func attributeValueString(value attribute.Value) string {
	switch value.Type() {
	case attribute.BOOL:
		if value.AsBool() {
			return "true"
		}
		return "false"
	case attribute.INT64:
		return strconv.FormatInt(value.AsInt64(), 10)
	case attribute.FLOAT64:
		return strconv.FormatFloat(value.AsFloat64(), 'g', -1, 64)
	case attribute.STRING:
		return value.AsString()
	default:
		return ""
	}
}
