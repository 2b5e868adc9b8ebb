package offline0

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manifest lists the URL paths precached at install time.
type Manifest struct {
	Static []string
	Images []string
}

func (m Manifest) withPath(p string) Manifest {
	for _, s := range m.Static {
		if s == p {
			return m
		}
	}
	m.Static = append(append([]string(nil), m.Static...), p)
	return m
}

type cacheManager struct {
	store      *partitionStore
	prefix     string
	maxDynamic int

	// trims of the same partition run one at a time
	trimMu sync.Mutex

	// live holds the versions that may still be written: the active one and
	// one being installed. Put holds mu for reading across its write, so a
	// request that started under a replaced version cannot recreate its
	// partitions after Activate dropped them.
	mu   sync.RWMutex
	live map[string]bool
}

func newCacheManager(store *partitionStore, prefix string, maxDynamic int) *cacheManager {
	return &cacheManager{store: store, prefix: prefix, maxDynamic: maxDynamic, live: map[string]bool{}}
}

// markLive allows writes to the given versions.
func (m *cacheManager) markLive(versions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range versions {
		m.live[v] = true
	}
}

func (m *cacheManager) name(version string, p Partition) string {
	return m.prefix + "-" + string(p) + "-" + version
}

// allowList returns the partition names belonging to version.
func (m *cacheManager) allowList(version string) []string {
	out := make([]string, 0, len(allPartitions))
	for _, p := range allPartitions {
		out = append(out, m.name(version, p))
	}
	return out
}

type precacheFetch func(ctx context.Context, path string) (CacheEntry, error)

// Precache fetches every manifest URL and stores them only if all fetches
// returned a 2xx response. On failure no partition of version is left behind.
func (m *cacheManager) Precache(ctx context.Context, version string, manifest Manifest, fetch precacheFetch) error {
	type job struct {
		part Partition
		path string
	}
	var jobs []job
	for _, p := range manifest.Static {
		jobs = append(jobs, job{PartitionStatic, p})
	}
	for _, p := range manifest.Images {
		jobs = append(jobs, job{PartitionImage, p})
	}

	results := make([]CacheEntry, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, j := range jobs {
		g.Go(func() error {
			ent, err := fetch(gctx, j.path)
			if err != nil {
				return fmt.Errorf("precache %s: %w", j.path, err)
			}
			if !ent.OK() {
				return fmt.Errorf("precache %s: status %d", j.path, ent.Status)
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.dropVersion(version)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	wasLive := m.live[version]
	m.live[version] = true

	entries := map[string]map[string]CacheEntry{
		m.name(version, PartitionStatic): {},
		m.name(version, PartitionImage):  {},
	}
	for i, j := range jobs {
		entries[m.name(version, j.part)][j.path] = results[i]
	}
	if err := m.store.PutAll(entries); err != nil {
		if !wasLive {
			delete(m.live, version)
		}
		m.dropVersion(version)
		return fmt.Errorf("precache write: %w", err)
	}
	return nil
}

func (m *cacheManager) dropVersion(version string) {
	for _, name := range m.allowList(version) {
		if err := m.store.Drop(name); err != nil {
			log.Printf("cache: drop %s: %v", name, err)
		}
	}
}

// Trim evicts the oldest-inserted entries of name until at most maxItems
// remain, one deletion at a time.
func (m *cacheManager) Trim(name string, maxItems int) error {
	m.trimMu.Lock()
	defer m.trimMu.Unlock()
	for {
		n, err := m.store.Len(name)
		if err != nil {
			return err
		}
		if n <= maxItems {
			return nil
		}
		key, ok, err := m.store.oldest(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := m.store.Delete(name, key); err != nil {
			return err
		}
	}
}

// Put stores ent in the version's partition p. Writes to the dynamic
// partition are followed by a trim. Writes for a version that is no longer
// live are dropped.
func (m *cacheManager) Put(version string, p Partition, key string, ent CacheEntry) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.live[version] {
		return nil
	}
	if err := m.store.Put(m.name(version, p), key, ent); err != nil {
		return err
	}
	if p == PartitionDynamic {
		return m.Trim(m.name(version, PartitionDynamic), m.maxDynamic)
	}
	return nil
}

// Lookup checks partition p first and then every other partition of the
// version.
func (m *cacheManager) Lookup(version string, p Partition, key string) (CacheEntry, bool) {
	if ent, ok := m.store.Match(m.name(version, p), key); ok {
		return ent, true
	}
	for _, other := range allPartitions {
		if other == p {
			continue
		}
		if ent, ok := m.store.Match(m.name(version, other), key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// Activate deletes every partition that does not belong to version and
// returns the deleted names.
func (m *cacheManager) Activate(version string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = map[string]bool{version: true}

	names, err := m.store.Names()
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{}
	for _, n := range m.allowList(version) {
		keep[n] = true
	}
	var deleted []string
	for _, n := range names {
		if keep[n] {
			continue
		}
		if err := m.store.Drop(n); err != nil {
			return deleted, fmt.Errorf("drop %s: %w", n, err)
		}
		deleted = append(deleted, n)
	}
	return deleted, nil
}

// Counts returns the entry count per partition kind for version.
func (m *cacheManager) Counts(version string) map[Partition]int {
	out := make(map[Partition]int, len(allPartitions))
	for _, p := range allPartitions {
		n, _ := m.store.Len(m.name(version, p))
		out[p] = n
	}
	return out
}
