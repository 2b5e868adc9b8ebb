package offline0

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DrainResult summarises one pass over the queue.
type DrainResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Remaining int `json:"remaining"`
}

// syncer replays queued submissions. All triggers (background sync,
// periodic sync, connectivity restored, explicit requests) end up in Drain.
type syncer struct {
	svc     *Service
	queue   QueueRepository
	notify  Notifier
	limiter *rate.Limiter
	maxAge  time.Duration

	// concurrent triggers join the drain already in flight
	group singleflight.Group

	// a background sync is registered and has not completed yet
	pending atomic.Bool
	kick    chan string

	failLog *rateLimitedLogger
}

func newSyncer(svc *Service, queue QueueRepository, notify Notifier) *syncer {
	perSec := svc.cfg.Sync.ReplayPerSecond
	return &syncer{
		svc:     svc,
		queue:   queue,
		notify:  notify,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		maxAge:  svc.cfg.Queue.maxAgeDur,
		kick:    make(chan string, 4),
		failLog: newRateLimitedLogger(time.Minute),
	}
}

// Register records a background sync request; it fires the next time the
// network is seen as reachable.
func (y *syncer) Register() {
	y.pending.Store(true)
	y.trigger("sync")
}

func (y *syncer) trigger(reason string) {
	select {
	case y.kick <- reason:
	default:
	}
}

// Drain replays every queued submission once. Failures leave the entry in
// place for the next drain and do not stop the pass.
func (y *syncer) Drain(ctx context.Context, reason string) (DrainResult, error) {
	v, err, shared := y.group.Do("drain", func() (any, error) {
		return y.drainOnce(ctx, reason)
	})
	if shared {
		log.Printf("sync: %s trigger joined a running drain", reason)
	}
	res, _ := v.(DrainResult)
	return res, err
}

func (y *syncer) drainOnce(ctx context.Context, reason string) (DrainResult, error) {
	ctx, span := tracer.Start(ctx, "offline0.drain")
	defer span.End()
	span.SetAttributes(attribute.String("offline0.reason", reason))

	var res DrainResult
	subs, err := y.queue.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("list queue: %w", err)
	}
	if len(subs) == 0 {
		queueDepth.Set(0)
		return res, nil
	}

	now := time.Now()
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(subs) - res.Synced - res.Expired
			return res, err
		}
		switch y.processOne(ctx, sub, now) {
		case replaySynced:
			res.Synced++
		case replayExpired:
			res.Expired++
		default:
			res.Failed++
		}
	}
	res.Remaining = len(subs) - res.Synced - res.Expired
	queueDepth.Set(float64(res.Remaining))
	span.SetAttributes(
		attribute.Int("offline0.synced", res.Synced),
		attribute.Int("offline0.failed", res.Failed),
	)
	log.Printf("sync: drain reason=%s synced=%d failed=%d expired=%d remaining=%d",
		reason, res.Synced, res.Failed, res.Expired, res.Remaining)
	return res, nil
}

type replayOutcome int

const (
	replayFailed replayOutcome = iota
	replaySynced
	replayExpired
)

func (y *syncer) processOne(ctx context.Context, sub QueuedSubmission, now time.Time) (out replayOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("sync: replay %s: panic: %v", sub.ID, rec)
			out = replayFailed
		}
	}()

	if y.expired(sub, now) {
		if err := y.queue.Bury(ctx, sub.ID); err != nil {
			log.Printf("sync: bury %s: %v", sub.ID, err)
			return replayFailed
		}
		replaysTotal.WithLabelValues("expired").Inc()
		log.Printf("sync: %s expired after %s, moved to dead letter", sub.ID, y.maxAge)
		s := sub
		y.notify.Notify(ctx, Message{Type: MsgFormExpired, Form: &s})
		return replayExpired
	}

	if err := y.limiter.Wait(ctx); err != nil {
		return replayFailed
	}
	if err := y.replay(ctx, sub); err != nil {
		replaysTotal.WithLabelValues("failed").Inc()
		y.failLog.Printf(sub.ID, "sync: replay %s to %s: %v", sub.ID, sub.URL, err)
		return replayFailed
	}
	if err := y.queue.Remove(ctx, sub.ID); err != nil {
		// the server has it; a leftover entry would be sent again next drain
		log.Printf("sync: remove %s after replay: %v", sub.ID, err)
	}
	replaysTotal.WithLabelValues("synced").Inc()
	s := sub
	y.notify.Notify(ctx, Message{Type: MsgFormSynced, Form: &s})
	return replaySynced
}

func (y *syncer) expired(sub QueuedSubmission, now time.Time) bool {
	if y.maxAge <= 0 {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, sub.Timestamp)
	if err != nil {
		return false
	}
	return now.Sub(t) > y.maxAge
}

// replay re-sends sub as a form-encoded POST. Only a 2xx response counts as
// delivered.
func (y *syncer) replay(ctx context.Context, sub QueuedSubmission) error {
	ctx, span := tracer.Start(ctx, "offline0.replay")
	defer span.End()
	span.SetAttributes(attribute.String("offline0.submission_id", sub.ID))

	h := make(http.Header)
	for k, v := range sub.Headers {
		switch strings.ToLower(k) {
		case "content-type", "content-length", "host":
			continue
		}
		h.Set(k, v)
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("X-Offline0-Replay", sub.ID)

	ent, err := y.svc.roundTrip(ctx, http.MethodPost, sub.URL, h, strings.NewReader(sub.Data.Encode()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !ent.OK() {
		span.SetStatus(codes.Error, http.StatusText(ent.Status))
		return fmt.Errorf("status %d", ent.Status)
	}
	return nil
}

// run owns the trigger loop: kicks from Register and connectivity changes,
// the periodic sync ticker and the connectivity probe.
func (y *syncer) run(stop <-chan struct{}) {
	periodic := y.svc.cfg.Sync.periodicDur
	probeEvery := y.svc.cfg.Sync.probeDur

	var periodicC, probeC <-chan time.Time
	if periodic > 0 {
		t := time.NewTicker(periodic)
		defer t.Stop()
		periodicC = t.C
	}
	if probeEvery > 0 {
		t := time.NewTicker(probeEvery)
		defer t.Stop()
		probeC = t.C
	}

	for {
		select {
		case <-stop:
			return
		case reason := <-y.kick:
			if reason == "sync" && !y.svc.conn.Online() {
				continue
			}
			y.drainGuarded(stop, reason)
		case <-periodicC:
			y.drainGuarded(stop, "periodic")
		case <-probeC:
			if y.pending.Load() || !y.svc.conn.Online() {
				y.probe(stop)
			}
		}
	}
}

func (y *syncer) drainGuarded(stop <-chan struct{}, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("sync: drain panic: %v", rec)
		}
	}()
	ctx, cancel := contextUntil(stop, 5*time.Minute)
	defer cancel()
	res, err := y.Drain(ctx, reason)
	if err != nil {
		log.Printf("sync: drain %s: %v", reason, err)
		return
	}
	if res.Remaining == 0 {
		y.pending.Store(false)
	}
}

// probe checks reachability; a success flips connectivity back online,
// which triggers a drain.
func (y *syncer) probe(stop <-chan struct{}) {
	ctx, cancel := contextUntil(stop, 10*time.Second)
	defer cancel()
	_, _ = y.svc.fetchPath(ctx, y.svc.cfg.Sync.ProbePath)
}

func contextUntil(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
