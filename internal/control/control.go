// Package control exposes the operator control surface: per-message
// status/freeze/send/remove/recover operations and a live event stream,
// over HTTP. Grounded on elemta's internal/api/server.go's gorilla/mux
// route registration (api.HandleFunc("/queue/...", ...).Methods(...)) and
// its MetricsStore collaborator interface, generalized from elemta's
// queue-type-keyed routes to this module's entry-ID-keyed operations, and
// extended with a /events SSE stream backed by the eventbus.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elemta/relay/internal/deliveryloop"
	"github.com/elemta/relay/internal/eventbus"
	"github.com/elemta/relay/internal/index"
	"github.com/elemta/relay/internal/metricsstore"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/recovery"
	"github.com/elemta/relay/internal/spool"
)

// Metrics are the process-local Prometheus counters the control surface
// exposes at /metrics, mirroring elemta's internal/smtp/metrics.go
// singleton-metrics-struct shape.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// NewMetrics registers the control surface's Prometheus collectors
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_control_operations_total",
			Help: "Count of control-surface operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current number of entries per queue.",
		}, []string{"queue"}),
	}
}

// Server is the HTTP control surface.
type Server struct {
	spool        *spool.Spool
	index        *index.Index
	loop         *deliveryloop.Loop
	bus          *eventbus.Bus
	metrics      *Metrics
	metricsStore *metricsstore.Store
	logger       *slog.Logger
	router       *mux.Router
}

// New builds a Server with its routes registered. metricsStore may be
// nil, in which case /api/v1/totals reports zero values.
func New(s *spool.Spool, idx *index.Index, loop *deliveryloop.Loop, bus *eventbus.Bus, metrics *Metrics, metricsStore *metricsstore.Store, logger *slog.Logger) *Server {
	srv := &Server{
		spool:        s,
		index:        idx,
		loop:         loop,
		bus:          bus,
		metrics:      metrics,
		metricsStore: metricsStore,
		logger:       logger.With("component", "control"),
		router:       mux.NewRouter(),
	}
	srv.registerRoutes()
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/totals", s.handleTotals).Methods("GET")
	api.HandleFunc("/queue/{queue}", s.handleListQueue).Methods("GET")
	api.HandleFunc("/message/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/message/{id}/freeze", s.handleFreeze).Methods("POST")
	api.HandleFunc("/message/{id}/send", s.handleSend).Methods("POST")
	api.HandleFunc("/message/{id}/remove", s.handleRemove).Methods("POST")
	api.HandleFunc("/message/{id}/annotate", s.handleAnnotate).Methods("POST")
	api.HandleFunc("/recover", s.handleRecover).Methods("POST")
	api.HandleFunc("/queue/{queue}/reap", s.handleReap).Methods("POST")
	api.HandleFunc("/config/max_concurrent_send_jobs", s.handleSetMaxConcurrency).Methods("PUT")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.QueueStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, st := range stats {
		s.metrics.queueDepth.WithLabelValues(string(st.Queue)).Set(float64(st.Count))
	}
	s.writeJSON(w, stats)
}

// handleTotals reports lifetime delivered/frozen/deferred counters from
// the external metrics store, independent of the point-in-time queue
// depths handleStatus reports.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	if s.metricsStore == nil {
		s.writeJSON(w, metricsstore.Totals{})
		return
	}
	totals, err := s.metricsStore.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, totals)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	queue := record.QueueName(mux.Vars(r)["queue"])
	ids, err := s.index.IDsInQueue(queue)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, ids)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.locateEntry(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var found record.Message
	err := s.spool.WithEntry(r.Context(), entry, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		found = m
		return m, spool.OutcomeNoop, nil
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, found)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, record.Frozen(), eventbus.KindFrozen, "freeze")
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, record.SendNow(), eventbus.KindRecipientsUpdated, "send")
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, record.Removed(), eventbus.KindRemoved, "remove")
}

// mutate applies a simple whole-record status transition identified by
// the control surface. It uses WithEntryCAS against the record it just
// read, per spec.md §4.2: if the on-disk record changed between the read
// and the write (e.g. the delivery loop just delivered it), the operation
// fails with ErrDiskDivergence rather than clobbering that change.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, newStatus record.Status, evKind eventbus.Kind, opName string) {
	id := mux.Vars(r)["id"]
	entry, ok := s.locateEntry(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var expected record.Message
	if err := s.spool.WithEntry(r.Context(), entry, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		expected = m
		return m, spool.OutcomeNoop, nil
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	err := s.spool.WithEntryCAS(r.Context(), entry, expected, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		out := m.Clone()
		out.Status = newStatus
		outcome := spool.OutcomeStore
		if newStatus.Kind == record.StatusDelivered {
			outcome = spool.OutcomeUnlink
		}
		return out, outcome, nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.operationsTotal.WithLabelValues(opName, outcome).Inc()

	if err != nil {
		if err == spool.ErrDiskDivergence {
			http.Error(w, "message changed concurrently, retry", http.StatusConflict)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	newQueue, _ := newStatus.Queue()
	s.bus.Publish(eventbus.Event{Kind: evKind, ID: id, Queue: newQueue})
	w.WriteHeader(http.StatusNoContent)
}

// handleAnnotate stamps an operator-supplied key/value pair onto a
// message record without affecting its delivery status, grounded on
// elemta's queue.Manager.SetAnnotation.
func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.locateEntry(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Key == "" {
		http.Error(w, "key must not be empty", http.StatusBadRequest)
		return
	}

	err := s.spool.WithEntry(r.Context(), entry, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		return m.WithAnnotation(body.Key, body.Value), spool.OutcomeStore, nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.operationsTotal.WithLabelValues("annotate", outcome).Inc()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReap unlinks entries from a queue older than the given age,
// grounded on elemta's queue.Manager.CleanupExpiredMessages. It is
// operator-invoked rather than automatic, per spec.md's note that a
// reaper policy is not part of the core.
func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	queue := record.QueueName(mux.Vars(r)["queue"])

	var body struct {
		MaxAgeSeconds int `json:"max_age_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.MaxAgeSeconds <= 0 {
		body.MaxAgeSeconds = 7 * 24 * 3600
	}

	n, err := s.index.ReapQueue(r.Context(), s.spool, queue, time.Duration(body.MaxAgeSeconds)*time.Second)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.operationsTotal.WithLabelValues("reap", outcome).Inc()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]int{"reaped": n})
}

// handleRecover re-runs startup reconciliation on demand. It is idempotent:
// entries not currently Sending are left untouched.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := recovery.Reconcile(r.Context(), s.spool, 5*time.Second, s.logger)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.operationsTotal.WithLabelValues("recover", outcome).Inc()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]int{"recovered": n})
}

func (s *Server) handleSetMaxConcurrency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Max int `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.loop.SetMaxConcurrentSendJobs(body.Max)
	s.metrics.operationsTotal.WithLabelValues("set_max_concurrent_send_jobs", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams bus events as Server-Sent Events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.bus.Subscribe(ctx)

	for ev := range sub.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		flusher.Flush()
	}
}

// locateEntry resolves an entry ID to its queue via the index, since the
// queue directory is not encoded in the ID itself.
func (s *Server) locateEntry(id string) (spool.Entry, bool) {
	for _, q := range []record.QueueName{record.QueueActive, record.QueueFrozen, record.QueueRemoved, record.QueueQuarantine} {
		ids, err := s.index.IDsInQueue(q)
		if err != nil {
			continue
		}
		for _, existing := range ids {
			if existing == id {
				return spool.Entry{ID: id, Queue: q}, true
			}
		}
	}
	return spool.Entry{}, false
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
}
