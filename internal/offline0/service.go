package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/syndtr/goleveldb/leveldb"
)

const defaultDialTimeout = 5 * time.Second

type Service struct {
	cfg    Config
	origin *url.URL

	httpClient *http.Client

	db     *leveldb.DB
	caches *cacheManager
	queue  QueueRepository
	routes []route

	syncer *syncer
	conn   *connectivity
	hub    *hub
	notify Notifier
	worker *lifecycle
	nats   *natsNotifier

	bgSem chan struct{}
	bg    sync.WaitGroup

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// guards wg.Add and bg.Add against the waits in Close
	spawnMu  sync.Mutex
	stopping bool

	stats *statsCollector
}

type options struct {
	transport http.RoundTripper
	queue     QueueRepository
	notifiers []Notifier
}

type Option func(*options)

// WithTransport replaces the transport used for every network round trip.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithQueue replaces the configured queue backend.
func WithQueue(q QueueRepository) Option {
	return func(o *options) { o.queue = q }
}

// WithNotifier adds a receiver for every message sent to page clients.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	db, err := openDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
	}
	pstore, err := newPartitionStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	active, err := readActiveVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		origin:     origin,
		httpClient: newOriginClient(o.transport),
		db:         db,
		caches:     newCacheManager(pstore, cfg.Cache.Prefix, cfg.Cache.MaxDynamicItems),
		conn:       newConnectivity(),
		hub:        newHub(),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
	}

	if active != "" {
		s.caches.markLive(active)
	}

	switch {
	case o.queue != nil:
		s.queue = o.queue
	case cfg.Queue.Backend == "redis":
		rq, err := newRedisQueue(cfg.Queue.Redis.Addr, cfg.Queue.Redis.Prefix)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.queue = rq
	default:
		s.queue = newLevelQueue(db)
	}

	notifiers := multiNotifier{s.hub}
	if cfg.Notify.NATS.URL != "" {
		nn, err := newNATSNotifier(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
		if err != nil {
			// pages still get their messages; only the event stream is lost
			log.Printf("nats: connect %s: %v", cfg.Notify.NATS.URL, err)
		} else {
			s.nats = nn
			notifiers = append(notifiers, nn)
		}
	}
	notifiers = append(notifiers, o.notifiers...)
	s.notify = notifiers

	s.routes = s.buildRoutes()
	s.worker = newLifecycle(s, active)
	s.syncer = newSyncer(s, s.queue, s.notify)
	s.conn.onOnline = func() { s.syncer.trigger("online") }
	s.hub.onMessage = s.handleClientMessage
	s.hub.onEmpty = func() {
		if err := s.worker.SkipWaiting(); err != nil {
			log.Printf("lifecycle: %v", err)
		}
	}

	if n, err := s.queue.Len(context.Background()); err == nil {
		queueDepth.Set(float64(n))
		if n > 0 {
			log.Printf("sync: %d submission(s) pending from a previous run", n)
			s.syncer.Register()
		}
	}

	if active != "" {
		log.Printf("lifecycle: serving %s", active)
	}
	s.spawn(func() { s.worker.installLoop(s.stopCh, cfg.Cache.Version, cfg.Worker.installRetryDur) })
	s.spawn(func() { s.syncer.run(s.stopCh) })

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.spawn(func() { s.statsLoop(cfg.Logging.logStatsEveryDur) })
	}

	return s, nil
}

// spawn runs fn on a goroutine that Close waits for. It reports false, and
// does not run fn, once Close has started.
func (s *Service) spawn(fn func()) bool {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.spawnMu.Lock()
		s.stopping = true
		s.spawnMu.Unlock()

		close(s.stopCh)
		s.hub.closeAll()
		s.wg.Wait()
		s.bg.Wait()
		if s.nats != nil {
			s.nats.Close()
		}
		if err := s.queue.Close(); err != nil {
			log.Printf("queue close: %v", err)
		}
		_ = s.db.Close()
	})
}

// Handler returns the full handler: the control API under the control
// prefix and the intercepting proxy everywhere else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount(s.cfg.Control.Prefix, s.controlRoutes())
	r.Handle("/*", http.HandlerFunc(s.handle))
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.targetURL(r)
	version := s.worker.Active()

	if version == "" {
		s.proxyPass(w, r, target, "bypass")
		return
	}
	if r.Method == http.MethodPost && s.cfg.MatchesForm(target) {
		s.handleSubmission(w, r, target)
		return
	}
	if r.Method != http.MethodGet || !s.sameOrigin(target) {
		s.proxyPass(w, r, target, "bypass")
		return
	}

	req := s.newFetchRequest(r, target)
	res, routeName := s.serveCached(r.Context(), version, req)
	if res == nil {
		s.proxyPass(w, r, target, "bypass")
		return
	}
	requestsTotal.WithLabelValues(routeName, res.source).Inc()
	s.writeEntryWithStats(w, res)
}

// proxyPass forwards r untouched.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, target *url.URL, source string) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if len(b) > 0 {
			body = bytes.NewReader(b)
		}
	}
	ent, err := s.roundTrip(r.Context(), r.Method, target.String(), r.Header, body)
	if err != nil {
		requestsTotal.WithLabelValues("passthrough", "bad-gateway").Inc()
		setSourceHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	requestsTotal.WithLabelValues("passthrough", source).Inc()
	writeEntry(w, ent, source)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, res *served) {
	writeEntry(w, res.ent, res.source)
	if s.stats != nil {
		s.stats.Observe(len(res.ent.Body))
	}
}

// Install runs the install step for the configured version right away.
func (s *Service) Install(ctx context.Context) error {
	return s.worker.Install(ctx, s.cfg.Cache.Version)
}

// Drain replays the queue once.
func (s *Service) Drain(ctx context.Context) (DrainResult, error) {
	return s.syncer.Drain(ctx, "manual")
}

func (s *Service) handleClientMessage(c *wsClient, msgType string) {
	switch msgType {
	case MsgSkipWaiting:
		if err := s.worker.SkipWaiting(); err != nil {
			log.Printf("lifecycle: skipWaiting: %v", err)
		}
	case MsgGetQueuedForms:
		forms, err := s.queue.List(context.Background())
		if err != nil {
			log.Printf("hub: list queue: %v", err)
			return
		}
		c.Reply(Message{Type: MsgQueuedForms, Forms: forms})
	case MsgProcessQueue:
		s.spawn(func() { s.syncer.drainGuarded(s.stopCh, "message") })
	default:
		log.Printf("hub: unknown message %q", msgType)
	}
}
