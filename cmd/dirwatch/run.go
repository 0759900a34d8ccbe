package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"dirwatch/internal/api"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/watcher"
)

const serverShutdownTimeout = 5 * time.Second

// session owns one watcher, its printer and the optional HTTP API.
type session struct {
	cfg     Config
	errOut  io.Writer
	logger  *logging.Logger
	metrics *metrics.Registry
	watcher *watcher.Watcher
	printer *printer

	failMutex sync.Mutex
	failure   error
	failed    chan struct{}
}

func newSession(cfg Config, out, errOut io.Writer) (*session, error) {
	settings := cfg.Settings
	level, ok := logging.ParseLevel(settings.Log.Level)
	if !ok {
		level = logging.LevelWarning
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, errOut)
	registry := &metrics.Registry{}

	backend, err := watcher.ParseBackend(settings.Watch.Backend)
	if err != nil {
		return nil, err
	}

	current := &session{
		cfg:     cfg,
		errOut:  errOut,
		logger:  logger,
		metrics: registry,
		printer: newPrinter(out, settings.Output.Format, settings.Output.Color),
		failed:  make(chan struct{}),
	}

	instance, err := watcher.NewWithOptions(watcher.Options{
		Logger:           logger,
		Backend:          backend,
		SettlingWindow:   settings.Watch.Debounce,
		MaxSettlingDelay: settings.Watch.MaxSettlingDelay,
		MaxPendingEvents: settings.Watch.MaxPendingEvents,
		PollInterval:     settings.Watch.PollInterval,
		MaxWatches:       settings.Watch.MaxWatches,
		Ignore:           settings.Watch.Ignore,
		CancelTransient:  settings.Watch.CancelTransient,
		QueueLimit:       settings.Watch.QueueLimit,
		Metrics:          registry,
		ErrorHandler:     current.handleError,
	})
	if err != nil {
		return nil, err
	}
	current.watcher = instance
	instance.Register(current.printer)

	for _, dir := range cfg.Dirs {
		id, err := instance.AddWatch(dir, settings.Watch.Recursive)
		if err != nil {
			_ = instance.Close()
			return nil, err
		}
		logger.Info("watching", logging.Fields{
			"path":      dir,
			"watch_id":  strconv.FormatUint(uint64(id), 10),
			"recursive": strconv.FormatBool(settings.Watch.Recursive),
		})
	}
	return current, nil
}

// handleError receives subscriber and source failures. A source that gave up
// restarting ends the run.
func (session *session) handleError(err error) {
	if !errors.Is(err, watcher.ErrSourceFailed) {
		return
	}
	session.failMutex.Lock()
	defer session.failMutex.Unlock()
	if session.failure != nil {
		return
	}
	session.failure = err
	close(session.failed)
}

func (session *session) failureErr() error {
	session.failMutex.Lock()
	defer session.failMutex.Unlock()
	return session.failure
}

// run delivers events until ctx is done or the source fails. ready, when
// set, is called once with the API address ("" without --listen) after
// everything is up.
func (session *session) run(ctx context.Context, ready func(addr string)) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var server *http.Server
	var serverErr chan error
	addr := ""
	if listen := session.cfg.Settings.Server.Listen; listen != "" {
		listener, err := net.Listen("tcp", listen)
		if err != nil {
			fmt.Fprintln(session.errOut, err)
			_ = session.watcher.Close()
			return exitSetup
		}
		addr = listener.Addr().String()
		server = session.newServer(ctx)
		serverErr = make(chan error, 1)
		go func() {
			serverErr <- server.Serve(listener)
		}()
		session.logger.Info("api listening", logging.Fields{"addr": addr})
	}

	if ready != nil {
		ready(addr)
	}

	code := exitOK
	deliverDone := make(chan struct{})
	go func() {
		defer close(deliverDone)
		session.deliver(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-session.failed:
		fmt.Fprintln(session.errOut, session.failureErr())
		code = exitRuntime
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(session.errOut, err)
			code = exitRuntime
		}
		server = nil
	}
	cancel()
	<-deliverDone

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			session.logger.Warn("api shutdown failed", logging.Fields{"error": err.Error()})
		}
		shutdownCancel()
	}

	session.watcher.ProcessEvents()
	if err := session.watcher.Close(); err != nil && code == exitOK {
		fmt.Fprintln(session.errOut, err)
		code = exitRuntime
	}
	return code
}

// deliver drives dispatch: a ticker calling ProcessEvents, or push delivery
// when the tick is zero.
func (session *session) deliver(ctx context.Context) {
	tick := session.cfg.Settings.Output.Tick
	if tick <= 0 {
		_ = session.watcher.Run(ctx)
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session.watcher.ProcessEvents()
		}
	}
}

func (session *session) newServer(ctx context.Context) *http.Server {
	hub := watcher.NewEventHub(ctx, watcher.HubOptions{
		HistorySize: session.cfg.Settings.Server.HistorySize,
		Metrics:     session.metrics,
	})
	hub.Attach(session.watcher)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Options{
		Watches:   session.watcher,
		Hub:       hub,
		Metrics:   session.metrics,
		Logger:    session.logger.Named("api"),
		AuthToken: session.cfg.Settings.Server.Token,
	})
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
