package offline0

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusResponse struct {
	Active   string            `json:"active"`
	Waiting  string            `json:"waiting,omitempty"`
	Online   bool              `json:"online"`
	Queued   int               `json:"queued"`
	Clients  int               `json:"clients"`
	Entries  map[Partition]int `json:"entries,omitempty"`
	Response *statsSnapshot    `json:"response,omitempty"`
}

// controlRoutes serves the page-facing control API: the websocket message
// channel plus plain HTTP equivalents for callers that cannot hold a socket.
func (s *Service) controlRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	r.Get("/ws", s.hub.ServeHTTP)
	r.Get("/status", s.handleStatus)
	r.Get("/queue", s.handleQueue)
	r.Get("/queue/dead", s.handleDeadQueue)
	r.Post("/queue/process", s.handleProcessQueue)
	r.Post("/skip-waiting", s.handleSkipWaiting)
	r.Post("/messages", s.handleMessage)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := statusResponse{
		Active:  s.worker.Active(),
		Waiting: s.worker.Waiting(),
		Online:  s.conn.Online(),
		Clients: s.hub.Count(),
	}
	n, err := s.queue.Len(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	st.Queued = n
	if st.Active != "" {
		st.Entries = s.caches.Counts(st.Active)
	}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		st.Response = &snap
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	forms, err := s.queue.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Message{Type: MsgQueuedForms, Forms: forms})
}

func (s *Service) handleDeadQueue(w http.ResponseWriter, r *http.Request) {
	forms, err := s.queue.ListDead(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if forms == nil {
		forms = []QueuedSubmission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": forms})
}

// handleProcessQueue drains under the service's own context: other triggers
// may join this drain, so the caller hanging up must not cancel it.
func (s *Service) handleProcessQueue(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := contextUntil(s.stopCh, 5*time.Minute)
	defer cancel()
	res, err := s.syncer.Drain(ctx, "control")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if res.Remaining == 0 {
		s.syncer.pending.Store(false)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSkipWaiting(w http.ResponseWriter, _ *http.Request) {
	if err := s.worker.SkipWaiting(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.worker.Active()})
}

// handleMessage accepts the same messages as the websocket. getQueuedForms is
// answered in the response body since there is no socket to reply on.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	typ, ok := parseClientMessage(data)
	if !ok {
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}

	switch typ {
	case MsgSkipWaiting:
		s.handleSkipWaiting(w, r)
	case MsgGetQueuedForms:
		s.handleQueue(w, r)
	case MsgProcessQueue:
		if !s.spawn(func() { s.syncer.drainGuarded(s.stopCh, "message") }) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		log.Printf("control: unknown message %q", typ)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unknown message type", "type": typ})
	}
}
