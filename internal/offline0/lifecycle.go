package offline0

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// lifecycle moves a cache version through install → waiting → active.
// Requests are served with the active version only; a new version takes over
// once it is activated (claim), never halfway through its install.
type lifecycle struct {
	svc *Service

	// serialises install and activate
	mu      sync.Mutex
	waiting string

	active atomic.Value // string
}

func newLifecycle(svc *Service, active string) *lifecycle {
	l := &lifecycle{svc: svc}
	l.active.Store(active)
	return l
}

func (l *lifecycle) Active() string {
	v, _ := l.active.Load().(string)
	return v
}

func (l *lifecycle) Waiting() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}

// Install precaches version. If any manifest URL fails nothing of the new
// version is kept and the current active version keeps serving.
func (l *lifecycle) Install(ctx context.Context, version string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version == l.Active() || version == l.waiting {
		return nil
	}

	ctx, span := tracer.Start(ctx, "offline0.install")
	defer span.End()
	span.SetAttributes(attribute.String("offline0.version", version))

	manifest, err := l.svc.manifest(ctx)
	if err != nil {
		installsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("install %s: manifest: %w", version, err)
	}
	start := time.Now()
	if err := l.svc.caches.Precache(ctx, version, manifest, l.svc.fetchPath); err != nil {
		installsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("install %s: %w", version, err)
	}
	installsTotal.WithLabelValues("ok").Inc()
	log.Printf("lifecycle: installed %s (%d static, %d images) in %s",
		version, len(manifest.Static), len(manifest.Images), time.Since(start).Round(time.Millisecond))

	l.waiting = version
	if l.svc.cfg.Worker.SkipWaiting || l.svc.hub.Count() == 0 || l.Active() == "" {
		return l.activateLocked()
	}
	log.Printf("lifecycle: %s waiting, %d page(s) still on %s", version, l.svc.hub.Count(), l.Active())
	return nil
}

// SkipWaiting activates the waiting version right away, if there is one.
func (l *lifecycle) SkipWaiting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiting == "" {
		return nil
	}
	return l.activateLocked()
}

// activateLocked deletes every partition outside the waiting version's set,
// switches the active version and claims the open pages.
func (l *lifecycle) activateLocked() error {
	version := l.waiting
	deleted, err := l.svc.caches.Activate(version)
	if err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}
	if err := writeActiveVersion(l.svc.db, version); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}
	prev := l.Active()
	l.active.Store(version)
	l.waiting = ""
	log.Printf("lifecycle: activated %s (previous=%q, deleted %d partition(s))", version, prev, len(deleted))

	l.svc.notify.Notify(context.Background(), Message{Type: MsgActivated, Version: version})
	return nil
}

// installLoop retries a failed install until it succeeds or the service
// stops.
func (l *lifecycle) installLoop(stop <-chan struct{}, version string, retry time.Duration) {
	for {
		ctx, cancel := contextUntil(stop, 2*time.Minute)
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic: %v", rec)
				}
			}()
			return l.Install(ctx, version)
		}()
		cancel()
		if err == nil {
			return
		}
		if l.Active() != "" {
			log.Printf("lifecycle: %v; still serving %s", err, l.Active())
		} else {
			log.Printf("lifecycle: %v; passing requests through", err)
		}
		if retry <= 0 {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(retry):
		}
	}
}
