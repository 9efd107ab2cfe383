package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/persistence"
	"github.com/drblury/imbus/internal/runtime/store"
	"github.com/drblury/imbus/transport"
)

// StartWebUIServer mounts the operations API. It is a no-op unless
// WebUIEnabled is set.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	routes := map[string]http.HandlerFunc{
		"/api/handlers":      s.handleGetHandlers,
		"/api/subscriptions": s.handleGetSubscriptions,
		"/api/persistence":   s.handleGetPersistence,
		"/api/retention/run": s.handleRunRetention,
		"/api/events":        s.handleFindEvents,
		"/api/events/counts": s.handleCountEvents,
		"/api/events/live":   s.handleLiveEvents,
		"/api/events/{id}":   s.handleGetEvent,
		"/api/transport":     s.handleGetTransport,
		"/api/dispatch":      s.handleGetDispatch,
		"/api/runtime":       s.handleGetRuntime,
	}
	for pattern, h := range routes {
		s.RegisterHTTPHandler(port, pattern, s.withCORS(h))
	}
}

func (s *Service) registerMetricsHandler() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := s.registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// withCORS sets CORS headers for allowed origins and answers preflight requests.
func (s *Service) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := s.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Handlers())
}

type subscriptionsView struct {
	Configured     []string `json:"configured"`
	Active         []string `json:"active"`
	ActiveCount    int      `json:"activeCount"`
	DecodeFailures uint64   `json:"decodeFailures"`
}

func (s *Service) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	active := s.subscriptions.ActiveSubjects()
	s.writeJSON(w, http.StatusOK, subscriptionsView{
		Configured:     append([]string{}, s.Conf.Subjects...),
		Active:         active,
		ActiveCount:    len(active),
		DecodeFailures: s.subscriptions.DecodeFailures(),
	})
}

type persistenceView struct {
	Enabled           bool              `json:"enabled"`
	Stats             persistence.Stats `json:"stats"`
	RetentionWindow   string            `json:"retentionWindow"`
	RetentionSchedule string            `json:"retentionSchedule"`
	NextRetentionRun  *time.Time        `json:"nextRetentionRun,omitempty"`
}

func (s *Service) handleGetPersistence(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	p := s.Conf.Persistence
	view := persistenceView{
		Enabled:           !p.Disabled,
		Stats:             s.pipeline.Stats(),
		RetentionWindow:   p.RetentionWindow.String(),
		RetentionSchedule: p.RetentionSchedule,
	}
	if s.retention != nil {
		if next, err := s.retention.Next(time.Now()); err == nil {
			view.NextRetentionRun = &next
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.retention == nil {
		s.writeError(w, http.StatusConflict, errors.New("persistence is disabled"))
		return
	}
	removed, err := s.retention.RunOnce(r.Context())
	if err != nil {
		s.Logger.Error("Manual retention run failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"cutoff":  s.retention.Cutoff(),
	})
}

// parseEventQuery maps the /api/events query string onto a store query.
func parseEventQuery(values map[string][]string) (store.Query, error) {
	get := func(key string) string {
		if v := values[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	q := store.Query{
		Subject:   get("subject"),
		UserID:    get("user"),
		Status:    strings.ToUpper(get("status")),
		ErrorCode: get("errorCode"),
		Service:   get("service"),
	}
	if raw := get("priority"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			p, err := envelope.ParsePriority(part)
			if err != nil {
				return q, err
			}
			q.Priorities = append(q.Priorities, string(p))
		}
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("invalid " + key + ": expected RFC3339 time")
		}
		*dst = t.UTC()
	}
	if raw := get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = limit
	}
	return q, nil
}

func (s *Service) handleFindEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q, err := parseEventQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.store.Find(r.Context(), q)
	if err != nil {
		s.Logger.Error("Event query failed", err, loggingpkg.LogFields{"subject": q.Subject})
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Service) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	row, err := s.store.FindByEventID(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, errspkg.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, row)
	}
}

func (s *Service) handleCountEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	byStatus, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	bySubject, err := s.store.CountBySubject(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]map[string]int64{
		"byStatus":  byStatus,
		"bySubject": bySubject,
	})
}

type transportView struct {
	Name         string                 `json:"name"`
	Connected    bool                   `json:"connected"`
	Reliable     bool                   `json:"reliable"`
	Capabilities transport.Capabilities `json:"capabilities"`
}

func (s *Service) handleGetTransport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, transportView{
		Name:         s.Conf.PubSubSystem,
		Connected:    s.IsConnected(),
		Reliable:     s.capabilities.SupportsReliableDelivery(),
		Capabilities: s.capabilities,
	})
}

type dispatchView struct {
	Registry RegistryStats           `json:"registry"`
	Metrics  DispatchMetricsSnapshot `json:"metrics"`
}

func (s *Service) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, dispatchView{
		Registry: s.registry.Stats(),
		Metrics:  s.dispatchMetrics.GetSnapshot(),
	})
}

func (s *Service) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Resources())
}
