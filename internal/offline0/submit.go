package offline0

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	msgQueued      = "You appear to be offline. Your submission has been saved and will be sent automatically when your connection is back."
	msgQueueFailed = "You appear to be offline and your submission could not be saved. Please try again once you are back online."
)

// skipSnapshotHeaders are not kept with a queued submission.
var skipSnapshotHeaders = map[string]bool{
	"Content-Length": true,
	"Cookie":         true,
	"Authorization":  true,
	"Host":           true,
}

// handleSubmission sends a form POST to the network once. If no response can
// be obtained the submission is queued for replay and the page gets a 202.
// Any response from the server, error statuses included, is passed through.
func (s *Service) handleSubmission(w http.ResponseWriter, r *http.Request, target *url.URL) {
	limit := s.cfg.Forms.maxBodyBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > limit {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := s.newFetchRequest(r, target)
	req.body = body
	ent, err := s.fetch(r.Context(), req)
	if err == nil {
		requestsTotal.WithLabelValues("form", "network").Inc()
		writeEntry(w, ent, "")
		return
	}
	if !isNetworkError(err) || r.Context().Err() != nil {
		// the page went away; nobody is waiting for a "saved" answer
		return
	}

	sub, err := s.newSubmission(r, target, body)
	if err == nil {
		err = s.queue.Add(r.Context(), sub)
	}
	if err != nil {
		log.Printf("submit: queue %s: %v", target, err)
		requestsTotal.WithLabelValues("form", "queue-failed").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": msgQueueFailed,
		})
		return
	}

	log.Printf("submit: network unavailable, queued %s for %s (%d fields)", sub.ID, sub.URL, sub.Data.Len())
	requestsTotal.WithLabelValues("form", "queued").Inc()
	if s.stats != nil {
		s.stats.ObserveQueued()
	}
	if n, err := s.queue.Len(r.Context()); err == nil {
		queueDepth.Set(float64(n))
	}
	s.syncer.Register()
	s.notify.Notify(r.Context(), Message{Type: MsgFormQueued, Form: &sub})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"message": msgQueued,
		"id":      sub.ID,
	})
}

func (s *Service) newSubmission(r *http.Request, target *url.URL, body []byte) (QueuedSubmission, error) {
	data, err := parseFormBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		return QueuedSubmission{}, err
	}
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		ck := http.CanonicalHeaderKey(k)
		if skipSnapshotHeaders[ck] || hopHeaders[ck] {
			continue
		}
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return QueuedSubmission{
		ID:        newSubmissionID(),
		URL:       target.String(),
		Method:    http.MethodPost,
		Data:      data,
		Headers:   headers,
		Timestamp: isoTimestamp(time.Now()),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
