// Package api serves a running watcher over HTTP: websocket streams of
// semantic events and log entries, watch management, metrics and health.
package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/version"
	"dirwatch/internal/watcher"
)

const (
	maxRequestBytes = 64 << 10
	// maxReplay caps ?replay=N; the bus history bounds it further.
	maxReplay   = 4096
	maxLogLimit = 1000
)

// Watches is the subset of *watcher.Watcher the routes drive.
type Watches interface {
	AddWatch(path string, recursive bool) (watcher.WatchID, error)
	RemoveWatch(id watcher.WatchID) error
	Targets() []watcher.WatchTarget
}

type Options struct {
	Watches        Watches
	Hub            *watcher.EventHub
	Metrics        *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

type watchRequest struct {
	Path      string `json:"path"`
	Recursive *bool  `json:"recursive,omitempty"`
}

type handler struct {
	options Options
}

// RegisterRoutes installs every endpoint on mux.
func RegisterRoutes(mux *http.ServeMux, options Options) {
	if options.Metrics == nil {
		options.Metrics = metrics.Default
	}
	h := &handler{options: options}
	wrap := func(next http.Handler) http.Handler {
		return loggingMiddleware(options.Logger, next)
	}

	mux.Handle("GET /events", wrap(http.HandlerFunc(h.handleEvents)))
	mux.Handle("GET /events/recent", wrap(restHandler(options.AuthToken, h.recentEvents)))
	mux.Handle("GET /status", wrap(restHandler(options.AuthToken, h.status)))
	mux.Handle("GET /watches", wrap(restHandler(options.AuthToken, h.listWatches)))
	mux.Handle("POST /watches", wrap(restHandler(options.AuthToken, h.addWatch)))
	mux.Handle("DELETE /watches/{id}", wrap(restHandler(options.AuthToken, h.removeWatch)))
	mux.Handle("GET /logs", wrap(http.HandlerFunc(h.handleLogs)))
	mux.Handle("GET /logs/recent", wrap(restHandler(options.AuthToken, h.recentLogs)))
	mux.Handle("GET /metrics", wrap(http.HandlerFunc(h.handleMetrics)))
	mux.Handle("GET /version", wrap(restHandler("", h.handleVersion)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
}

// handleEvents streams wire events. ?replay=N preloads up to N recent events
// from history and ?type=create,delete restricts the stream to those kinds.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	replay, err := parseReplay(r.URL.Query().Get("replay"))
	if err != nil {
		writeJSONError(w, &apiError{Status: http.StatusBadRequest, Message: err.Error()})
		return
	}
	kinds, err := parseKinds(r.URL.Query().Get("type"))
	if err != nil {
		writeJSONError(w, &apiError{Status: http.StatusBadRequest, Message: err.Error()})
		return
	}

	var filter func(watcher.SemanticEvent) bool
	if len(kinds) > 0 {
		filter = func(event watcher.SemanticEvent) bool {
			return kinds[event.Kind]
		}
	}

	serveWSBusStream(w, r, wsBusStreamConfig[watcher.SemanticEvent]{
		Logger:            h.options.Logger,
		AuthToken:         h.options.AuthToken,
		AllowedOrigins:    h.options.AllowedOrigins,
		Bus:               h.options.Hub.Bus(),
		Replay:            replay,
		UnavailableReason: "event hub unavailable",
		Filter:            filter,
		BuildPayload: func(event watcher.SemanticEvent) (any, bool) {
			return event.Wire(), true
		},
	})
}

// handleLogs streams log entries at or above ?level= (default info).
func (h *handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	level, err := parseLogLevel(r.URL.Query().Get("level"))
	if err != nil {
		writeJSONError(w, &apiError{Status: http.StatusBadRequest, Message: err.Error()})
		return
	}
	stream := wsStreamConfig[logging.LogEntry]{
		Logger:         h.options.Logger,
		AuthToken:      h.options.AuthToken,
		AllowedOrigins: h.options.AllowedOrigins,
		Unavailable:    "logger unavailable",
		Attributes:     []attribute.KeyValue{attribute.String("dirwatch.log_level", string(level))},
	}
	if logger := h.options.Logger; logger != nil {
		stream.Subscribe = func() (<-chan logging.LogEntry, func()) {
			return logger.Subscribe(level)
		}
	}
	serveWSStream(w, r, stream)
}

// recentEvents lists the event history, newest last. ?type= and ?limit=
// narrow it the same way they do for the stream and the log listing.
func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) *apiError {
	bus := h.options.Hub.Bus()
	if bus == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "event hub unavailable"}
	}
	kinds, err := parseKinds(r.URL.Query().Get("type"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	limit, apiErr := parseLimit(r.URL.Query().Get("limit"), maxReplay)
	if apiErr != nil {
		return apiErr
	}

	history := bus.DumpHistory()
	events := make([]watcher.WireEvent, 0, min(len(history), limit))
	for index := len(history) - 1; index >= 0 && len(events) < limit; index-- {
		if len(kinds) > 0 && !kinds[history[index].Kind] {
			continue
		}
		events = append(events, history[index].Wire())
	}
	slices.Reverse(events)
	writeJSON(w, http.StatusOK, events)
	return nil
}

type busStatus struct {
	Name        string `json:"name"`
	Published   int64  `json:"published"`
	Dropped     int64  `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type statusResponse struct {
	Watches int        `json:"watches"`
	Events  *busStatus `json:"events,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) *apiError {
	response := statusResponse{}
	if h.options.Watches != nil {
		response.Watches = len(h.options.Watches.Targets())
	}
	if bus := h.options.Hub.Bus(); bus != nil {
		published, dropped := bus.Stats()
		response.Events = &busStatus{
			Name:        bus.Name(),
			Published:   published,
			Dropped:     dropped,
			Subscribers: bus.SubscriberCount(),
		}
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *handler) recentLogs(w http.ResponseWriter, r *http.Request) *apiError {
	level, err := parseLogLevel(r.URL.Query().Get("level"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	limit, apiErr := parseLimit(r.URL.Query().Get("limit"), maxLogLimit)
	if apiErr != nil {
		return apiErr
	}
	entries := h.options.Logger.Buffer().Recent(level, limit)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (h *handler) listWatches(w http.ResponseWriter, r *http.Request) *apiError {
	if h.options.Watches == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	targets := h.options.Watches.Targets()
	if targets == nil {
		targets = []watcher.WatchTarget{}
	}
	writeJSON(w, http.StatusOK, targets)
	return nil
}

func (h *handler) addWatch(w http.ResponseWriter, r *http.Request) *apiError {
	if h.options.Watches == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	var request watchRequest
	if err := decodeJSON(w, r, &request); err != nil {
		return err
	}
	if strings.TrimSpace(request.Path) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "path is required"}
	}
	recursive := true
	if request.Recursive != nil {
		recursive = *request.Recursive
	}

	id, err := h.options.Watches.AddWatch(request.Path, recursive)
	if err != nil {
		return watchError(err)
	}
	for _, target := range h.options.Watches.Targets() {
		if target.ID == id {
			writeJSON(w, http.StatusCreated, target)
			return nil
		}
	}
	writeJSON(w, http.StatusCreated, watcher.WatchTarget{ID: id, Root: request.Path, Recursive: recursive})
	return nil
}

func (h *handler) removeWatch(w http.ResponseWriter, r *http.Request) *apiError {
	if h.options.Watches == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid watch id"}
	}
	if err := h.options.Watches.RemoveWatch(watcher.WatchID(id)); err != nil {
		return watchError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.options.Metrics.WritePrometheus(w); err != nil {
		h.options.Logger.Warn("metrics write failed", logging.Fields{"error": err.Error()})
	}
}

func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) *apiError {
	writeJSON(w, http.StatusOK, version.GetVersionInfo())
	return nil
}

// watchError maps watcher errors onto HTTP statuses.
func watchError(err error) *apiError {
	switch {
	case errors.Is(err, watcher.ErrPathNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error(), Code: "path_not_found"}
	case errors.Is(err, watcher.ErrNotDirectory):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "not_directory"}
	case errors.Is(err, watcher.ErrAlreadyWatched):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "already_watched"}
	case errors.Is(err, watcher.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, watcher.ErrPlatformLimitExceeded):
		return &apiError{Status: http.StatusInsufficientStorage, Message: err.Error(), Code: "watch_limit"}
	case errors.Is(err, watcher.ErrClosed):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}

func parseReplay(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, errors.New("replay must be a non-negative integer")
	}
	if count > maxReplay {
		count = maxReplay
	}
	return count, nil
}

// parseLimit reads an optional positive ?limit=, capped at ceiling.
func parseLimit(raw string, ceiling int) (int, *apiError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ceiling, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, &apiError{Status: http.StatusBadRequest, Message: "limit must be a positive integer"}
	}
	return min(parsed, ceiling), nil
}

func parseLogLevel(raw string) (logging.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return logging.LevelInfo, nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return "", errors.New("unknown log level " + strconv.Quote(raw))
	}
	return level, nil
}

func parseKinds(raw string) (map[watcher.Kind]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	kinds := make(map[watcher.Kind]bool)
	for _, part := range strings.Split(raw, ",") {
		kind, err := watcher.ParseKind(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		kinds[kind] = true
	}
	return kinds, nil
}
