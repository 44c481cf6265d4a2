package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/procsentry/procsentry/internal/config"
	"github.com/procsentry/procsentry/internal/detect"
	"github.com/procsentry/procsentry/internal/metrics"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/hotreload"
	"github.com/procsentry/procsentry/pkg/types"
)

// TickReporter exposes the last completed polling tick. detect.Engine
// satisfies it.
type TickReporter interface {
	LastTick() (detect.TickStats, bool)
}

// Deps are the collaborators the HTTP surface reads from. Nil fields disable
// the endpoints that need them.
type Deps struct {
	Rules   *rules.Store
	Alerts  store.AlertStore
	Engine  TickReporter
	Metrics *metrics.Collector
	Watcher *hotreload.FileWatcher
}

type App struct {
	cfg     *config.Config
	deps    Deps
	started time.Time
}

func NewApp(cfg *config.Config, deps Deps) *App {
	return &App{cfg: cfg, deps: deps, started: time.Now().UTC()}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.deps.Metrics != nil {
		r.Handle(a.cfg.Metrics.Path, a.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.status)
		r.Get("/alerts", a.searchAlerts)
		r.Get("/rules", a.getRules)
		r.Post("/rules/reload", a.reloadRules)
	})

	return r
}

type statusResponse struct {
	StartedAt    time.Time               `json:"started_at"`
	Uptime       string                  `json:"uptime"`
	LastTick     *detect.TickStats       `json:"last_tick,omitempty"`
	RulesVersion int64                   `json:"rules_version"`
	Enabled      []types.Category        `json:"enabled"`
	Reloads      *hotreload.WatcherStats `json:"reloads,omitempty"`
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		StartedAt: a.started,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Enabled:   []types.Category{},
	}
	if a.deps.Engine != nil {
		if st, ok := a.deps.Engine.LastTick(); ok {
			resp.LastTick = &st
		}
	}
	if a.deps.Rules != nil {
		resp.RulesVersion = a.deps.Rules.Version()
		if en := a.deps.Rules.Current().EnabledCategories(); en != nil {
			resp.Enabled = en
		}
	}
	if a.deps.Watcher != nil {
		st := a.deps.Watcher.Stats()
		resp.Reloads = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) searchAlerts(w http.ResponseWriter, r *http.Request) {
	if a.deps.Alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "alert store not configured"})
		return
	}
	q, err := parseAlertQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	alerts, err := a.deps.Alerts.QueryAlerts(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *App) getRules(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "rules not configured"})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Rules.Current().Summary())
}

// reloadRules re-reads the rule document. A rejected document leaves the
// active rules untouched and answers 422.
func (a *App) reloadRules(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "rules not configured"})
		return
	}
	err := a.deps.Rules.Reload()
	a.deps.Metrics.IncReload(err == nil)
	if err != nil {
		status := http.StatusInternalServerError
		if rules.IsConfigError(err) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": a.deps.Rules.Version(),
		"rules":   a.deps.Rules.Current().Summary(),
	})
}

func parseAlertQuery(r *http.Request) (types.AlertQuery, error) {
	v := r.URL.Query()
	var q types.AlertQuery
	if c := v.Get("category"); c != "" {
		for _, s := range strings.Split(c, ",") {
			cat, ok := types.ParseCategory(strings.TrimSpace(s))
			if !ok {
				return q, fmt.Errorf("unknown category %q", s)
			}
			q.Categories = append(q.Categories, cat)
		}
	}
	if p := v.Get("pid"); p != "" {
		pid, err := strconv.Atoi(p)
		if err != nil || pid <= 0 {
			return q, errors.New("pid must be a positive integer")
		}
		q.PID = pid
	}
	q.NameLike = v.Get("name")
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := ParseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := ParseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// ParseTimeOrAgo accepts an RFC 3339 timestamp or a Go duration meaning
// "that long ago".
func ParseTimeOrAgo(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
