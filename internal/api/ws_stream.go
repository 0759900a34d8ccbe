package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"dirwatch/internal/event"
	"dirwatch/internal/logging"
)

const (
	wsBufferSize   = 1024
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	// Clients only send control frames.
	wsReadLimit = 512
	// Close reasons must fit a control frame.
	wsMaxCloseReason = 123
)

type wsStreamConfig[T any] struct {
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// Subscribe opens the source once the handshake is accepted. A nil
	// Subscribe answers 503 with Unavailable.
	Subscribe   func() (<-chan T, func())
	Unavailable string
	// BuildPayload converts a value to a JSON frame. Returning false skips
	// the value.
	BuildPayload func(T) (any, bool)
	// PingPeriod defaults to 90% of the pong wait.
	PingPeriod time.Duration
	Attributes []attribute.KeyValue
}

type wsBusStreamConfig[T any] struct {
	Logger            *logging.Logger
	AuthToken         string
	AllowedOrigins    []string
	Bus               *event.Bus[T]
	Replay            int
	UnavailableReason string
	// Filter restricts both the replay and the live stream.
	Filter       func(T) bool
	BuildPayload func(T) (any, bool)
	PingPeriod   time.Duration
}

// serveWSBusStream streams a bus, replaying up to Replay history entries
// first.
func serveWSBusStream[T any](w http.ResponseWriter, r *http.Request, config wsBusStreamConfig[T]) {
	stream := wsStreamConfig[T]{
		Logger:         config.Logger,
		AuthToken:      config.AuthToken,
		AllowedOrigins: config.AllowedOrigins,
		Unavailable:    config.UnavailableReason,
		BuildPayload:   config.BuildPayload,
		PingPeriod:     config.PingPeriod,
	}
	if bus := config.Bus; bus != nil {
		stream.Subscribe = func() (<-chan T, func()) {
			return bus.SubscribeWithReplay(config.Replay, config.Filter)
		}
		stream.Attributes = []attribute.KeyValue{
			attribute.String("dirwatch.bus", bus.Name()),
			attribute.Int("dirwatch.replay", config.Replay),
		}
	}
	serveWSStream(w, r, stream)
}

// serveWSStream writes JSON frames until the client leaves or the source
// channel closes. A closed source ends the stream with CloseGoingAway.
func serveWSStream[T any](w http.ResponseWriter, r *http.Request, config wsStreamConfig[T]) {
	if !validateToken(r, config.AuthToken) {
		rejectWS(w, r, config.Logger, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	if config.Subscribe == nil {
		reason := strings.TrimSpace(config.Unavailable)
		if reason == "" {
			reason = "stream unavailable"
		}
		rejectWS(w, r, config.Logger, http.StatusServiceUnavailable, reason, nil)
		return
	}

	output, cancel := config.Subscribe()
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, config.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		logWS(config.Logger, r, http.StatusBadRequest, "websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	span := startStreamSpan(r, config.Attributes...)
	reason, err := pumpFrames(conn, output, config.BuildPayload, config.PingPeriod, span)
	span.end(reason, err)
}

// pumpFrames writes values until the client leaves, the source closes or a
// write fails. It returns why the stream ended.
func pumpFrames[T any](conn *websocket.Conn, output <-chan T, build func(T) (any, bool), pingPeriod time.Duration, span *streamSpan) (string, error) {
	if build == nil {
		build = func(value T) (any, bool) { return value, true }
	}
	if pingPeriod <= 0 {
		pingPeriod = wsPingPeriod
	}

	clientGone := make(chan struct{})
	go readControlFrames(conn, clientGone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return "", nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return "ping failed", err
			}
		case value, ok := <-output:
			if !ok {
				closeWS(conn, websocket.CloseGoingAway, "stream closed")
				return "stream closed", nil
			}
			payload, ok := build(value)
			if !ok {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return "write failed", err
			}
			if err := conn.WriteJSON(payload); err != nil {
				return "write failed", err
			}
			span.frameSent()
		}
	}
}

// readControlFrames keeps pong handling alive and reports when the client
// disconnects.
func readControlFrames(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	if len(reason) > wsMaxCloseReason {
		reason = reason[:wsMaxCloseReason]
	}
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// rejectWS answers a handshake that cannot proceed with a plain HTTP error.
func rejectWS(w http.ResponseWriter, r *http.Request, logger *logging.Logger, status int, reason string, err error) {
	logWS(logger, r, status, reason, err)
	http.Error(w, reason, status)
}

func logWS(logger *logging.Logger, r *http.Request, status int, message string, err error) {
	if logger == nil || r == nil {
		return
	}
	fields := logging.Fields{
		"path":    r.URL.Path,
		"status":  strconv.Itoa(status),
		"message": message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}
}
