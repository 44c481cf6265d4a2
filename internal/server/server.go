package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/procsentry/procsentry/internal/api"
	"github.com/procsentry/procsentry/internal/config"
	"github.com/procsentry/procsentry/internal/detect"
	"github.com/procsentry/procsentry/internal/metrics"
	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/internal/store/composite"
	"github.com/procsentry/procsentry/internal/store/jsonl"
	"github.com/procsentry/procsentry/internal/store/sqlite"
	"github.com/procsentry/procsentry/internal/store/webhook"
	"github.com/procsentry/procsentry/pkg/hotreload"
)

// Options replaces collaborators New would otherwise build from the host.
type Options struct {
	Logger     *slog.Logger
	Source     process.Source
	Terminator detect.Terminator
}

// Server is the long running agent: the detection engine plus the rule
// watcher, the alert stores and the optional HTTP surface.
type Server struct {
	logger  *slog.Logger
	engine  *detect.Engine
	rules   *rules.Store
	watcher *hotreload.FileWatcher
	store   store.AlertStore
	metrics *metrics.Collector

	httpServer *http.Server
	httpLn     net.Listener
}

func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	metricsCollector := metrics.New()

	alertStore, err := OpenAlertStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	alertStore = metrics.WrapAlertStore(alertStore, metricsCollector)

	rulesStore := rules.NewStore(cfg.Rules.Path, logger)

	var watcher *hotreload.FileWatcher
	if cfg.Rules.WatchEnabled() {
		watcher, err = hotreload.NewFileWatcher(hotreload.WatcherConfig{
			Path:     cfg.Rules.Path,
			Loader:   rulesStore,
			Debounce: cfg.Rules.DebounceDuration(),
			OnChange: func(path string, err error) {
				metricsCollector.IncReload(err == nil)
			},
		})
		if err != nil {
			_ = alertStore.Close()
			return nil, err
		}
	}

	src := opts.Source
	if src == nil {
		src = process.NewPsSource()
	}
	term := opts.Terminator
	if term == nil {
		// Leave headroom inside the enforcement timeout for the forced kill.
		term = process.NewKiller(cfg.Monitor.EnforcementTimeoutDuration() / 2)
	}

	engine := detect.New(src, rulesStore,
		detect.WithSink(alertStore),
		detect.WithTerminator(term),
		detect.WithMetrics(metricsCollector),
		detect.WithLogger(logger),
		detect.WithInterval(cfg.Monitor.IntervalDuration()),
		detect.WithWorkers(cfg.Monitor.Workers),
		detect.WithAttributeTimeout(cfg.Monitor.AttributeTimeoutDuration()),
		detect.WithEnforcementTimeout(cfg.Monitor.EnforcementTimeoutDuration()),
		detect.WithBackoff(cfg.Monitor.Backoff.InitialDuration(), cfg.Monitor.Backoff.MaxDuration()),
		detect.WithDryRun(cfg.Monitor.DryRun),
	)

	srv := &Server{
		logger:  logger,
		engine:  engine,
		rules:   rulesStore,
		watcher: watcher,
		store:   alertStore,
		metrics: metricsCollector,
	}

	if cfg.HTTP.Enabled {
		app := api.NewApp(cfg, api.Deps{
			Rules:   rulesStore,
			Alerts:  alertStore,
			Engine:  engine,
			Metrics: metricsCollector,
			Watcher: watcher,
		})
		if !isLoopbackListenAddr(cfg.HTTP.Addr) {
			logger.Warn("http listener is not loopback; the API is unauthenticated", "addr", cfg.HTTP.Addr)
		}
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			_ = alertStore.Close()
			return nil, fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
		}
		srv.httpLn = ln
		srv.httpServer = &http.Server{
			Handler:           app.Router(),
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	return srv, nil
}

// OpenAlertStore builds the configured alert stores. SQLite is the queryable
// primary when configured, otherwise the JSONL log is.
func OpenAlertStore(cfg *config.Config, logger *slog.Logger) (store.AlertStore, error) {
	var stores []store.AlertStore
	closeAll := func() {
		for _, s := range stores {
			_ = s.Close()
		}
	}

	if cfg.Alerts.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Alerts.SQLitePath)
		if err != nil {
			return nil, err
		}
		stores = append(stores, db)
	}
	if cfg.Alerts.Log.Path != "" {
		log, err := jsonl.New(cfg.Alerts.Log.Path, cfg.Alerts.Log.Rotation.MaxSizeMB, cfg.Alerts.Log.Rotation.MaxBackups)
		if err != nil {
			closeAll()
			return nil, err
		}
		stores = append(stores, log)
	}
	if cfg.Alerts.Webhook.URL != "" {
		wh := cfg.Alerts.Webhook
		hook, err := webhook.New(wh.URL, wh.BatchSize, wh.FlushIntervalDuration(), wh.TimeoutDuration(), wh.Headers, webhook.WithLogger(logger))
		if err != nil {
			closeAll()
			return nil, err
		}
		stores = append(stores, hook)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("no alert store configured")
	}
	if logger != nil {
		logger.Info("alert stores opened", "sqlite", cfg.Alerts.SQLitePath, "log", cfg.Alerts.Log.Path, "webhook", cfg.Alerts.Webhook.URL != "")
	}
	return composite.New(stores[0], stores[1:]...), nil
}

func (s *Server) Engine() *detect.Engine { return s.engine }

func (s *Server) Rules() *rules.Store { return s.rules }

func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// HTTPAddr returns the bound HTTP address, or "" when the API is disabled.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM arrives. SIGHUP
// reloads the rule document.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			// The engine still runs with the rules loaded at startup.
			s.logger.Error("rules watcher not started", "path", s.watcher.Path(), "error", err)
		} else {
			defer s.watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error {
		s.reloadOnSignal(gctx)
		return nil
	})

	if s.httpServer != nil {
		s.logger.Info("http api listening", "addr", s.HTTPAddr())
		g.Go(func() error {
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func (s *Server) reloadOnSignal(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	notifyReload(ch)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.logger.Info("reload requested by signal", "path", s.rules.Path())
			s.requestReload()
		}
	}
}

// requestReload hands the reload to the watcher so its stats and the reload
// metric count it once. Without a running watcher the rules are reloaded
// directly.
func (s *Server) requestReload() {
	if s.watcher != nil {
		err := s.watcher.TriggerReload()
		switch {
		case err == nil, errors.Is(err, hotreload.ErrReloadPending):
			return
		case !errors.Is(err, hotreload.ErrNotRunning):
			s.logger.Warn("queue rules reload", "error", err)
		}
	}
	err := s.rules.Reload()
	s.metrics.IncReload(err == nil)
}

// Close flushes and closes the alert stores and releases the listener.
func (s *Server) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
