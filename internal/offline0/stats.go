package offline0

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"
)

// statsCollector keeps response size figures for the periodic stats line.
type statsCollector struct {
	served   atomic.Uint64
	queued   atomic.Uint64
	total    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.served.Add(1)
	s.total.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveQueued() { s.queued.Add(1) }

type statsSnapshot struct {
	Served   uint64
	Queued   uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Served: s.served.Load(), Queued: s.queued.Load()}
	if out.Served == 0 {
		return out
	}
	out.MinBytes = s.minBytes.Load()
	if out.MinBytes == math.MaxUint64 {
		out.MinBytes = 0
	}
	out.MaxBytes = s.maxBytes.Load()
	out.AvgBytes = s.total.Load() / out.Served
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			version := s.worker.Active()
			counts := s.caches.Counts(version)
			pending, err := s.queue.Len(context.Background())
			if err != nil {
				pending = -1
			}
			log.Printf(
				"Cached (%s): static=%d image=%d dynamic=%d, queued now=%d total=%d, served=%d, Resp min/avg/max %s/%s/%s",
				version,
				counts[PartitionStatic],
				counts[PartitionImage],
				counts[PartitionDynamic],
				pending,
				ss.Queued,
				ss.Served,
				formatBytes(ss.MinBytes),
				formatBytes(ss.AvgBytes),
				formatBytes(ss.MaxBytes),
			)
		}
	}
}
