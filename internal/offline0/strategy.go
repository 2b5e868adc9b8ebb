package offline0

import (
	"context"
	"log"
	"time"
)

// served is a strategy result; a nil *served means no response was found.
type served struct {
	ent    CacheEntry
	source string
}

type strategy func(ctx context.Context, version string, req *fetchRequest) *served

// cacheFirst answers from the cache and only goes to the network on a miss.
// Only OK network responses are stored.
func (s *Service) cacheFirst(p Partition) strategy {
	return func(ctx context.Context, version string, req *fetchRequest) *served {
		if ent, ok := s.caches.Lookup(version, p, req.key); ok {
			return &served{ent, "hit"}
		}
		ent, err := s.fetch(ctx, req)
		if err != nil {
			return nil
		}
		s.store(version, p, req.key, ent)
		return &served{ent, "miss"}
	}
}

// networkFirst always asks the network and falls back to the cache when no
// response can be obtained. Server error responses are passed through.
func (s *Service) networkFirst(p Partition) strategy {
	return func(ctx context.Context, version string, req *fetchRequest) *served {
		ent, err := s.fetch(ctx, req)
		if err == nil {
			s.store(version, p, req.key, ent)
			return &served{ent, "network"}
		}
		if ent, ok := s.caches.Lookup(version, p, req.key); ok {
			return &served{ent, "cache-fallback"}
		}
		return nil
	}
}

// staleWhileRevalidate answers from the cache right away and refreshes the
// entry in the background. On a miss it waits for the network.
func (s *Service) staleWhileRevalidate(p Partition) strategy {
	return func(ctx context.Context, version string, req *fetchRequest) *served {
		if ent, ok := s.caches.Lookup(version, p, req.key); ok {
			s.revalidateAsync(version, p, req)
			return &served{ent, "stale"}
		}
		ent, err := s.fetch(ctx, req)
		if err != nil {
			return nil
		}
		s.store(version, p, req.key, ent)
		return &served{ent, "miss"}
	}
}

func (s *Service) store(version string, p Partition, key string, ent CacheEntry) {
	if !s.cacheable(ent) {
		return
	}
	if err := s.caches.Put(version, p, key, ent.clone()); err != nil {
		log.Printf("cache: put %s %s: %v", p, key, err)
	}
}

func (s *Service) revalidateAsync(version string, p Partition, req *fetchRequest) {
	s.spawnMu.Lock()
	if s.stopping {
		s.spawnMu.Unlock()
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.spawnMu.Unlock()
		return
	}
	s.bg.Add(1)
	s.spawnMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	go func() {
		defer s.bg.Done()
		defer func() { <-s.bgSem }()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("revalidate %s: panic: %v", req.key, rec)
			}
		}()

		ent, err := s.fetch(ctx, req)
		if err != nil || !ent.OK() {
			return
		}
		if cur, ok := s.caches.store.Match(s.caches.name(version, p), req.key); ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
			return
		}
		s.store(version, p, req.key, ent)
	}()
}
