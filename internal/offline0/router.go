package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
)

var (
	imageExts  = map[string]bool{"webp": true, "jpg": true, "jpeg": true, "png": true, "gif": true, "svg": true, "ico": true}
	staticExts = map[string]bool{"css": true, "js": true}
)

// route pairs a predicate with the strategy serving matching requests. The
// first matching route wins.
type route struct {
	name   string
	match  func(req *fetchRequest) bool
	handle strategy
}

func (s *Service) buildRoutes() []route {
	return []route{
		{
			name: "image",
			match: func(req *fetchRequest) bool {
				return req.dest == "image" || imageExts[extOf(req.url.Path)]
			},
			handle: s.cacheFirst(PartitionImage),
		},
		{
			name: "static",
			match: func(req *fetchRequest) bool {
				return req.dest == "style" || req.dest == "script" || staticExts[extOf(req.url.Path)]
			},
			handle: s.staleWhileRevalidate(PartitionStatic),
		},
		{
			name: "page",
			match: func(req *fetchRequest) bool {
				return req.navigate || extOf(req.url.Path) == "html" || req.url.Path == "/" || req.url.Path == ""
			},
			handle: s.networkFirst(PartitionDynamic),
		},
		{
			name:   "dynamic",
			match:  func(*fetchRequest) bool { return true },
			handle: s.staleWhileRevalidate(PartitionDynamic),
		},
	}
}

func extOf(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func (s *Service) pickRoute(req *fetchRequest) *route {
	for i := range s.routes {
		if s.routes[i].match(req) {
			return &s.routes[i]
		}
	}
	return nil
}

// serveCached runs the matching strategy and applies the fallback policy
// when it yields nothing.
func (s *Service) serveCached(ctx context.Context, version string, req *fetchRequest) (*served, string) {
	rt := s.pickRoute(req)
	if rt == nil {
		return nil, ""
	}
	if res := rt.handle(ctx, version, req); res != nil {
		return res, rt.name
	}
	return s.fallback(version, req), rt.name
}

func (s *Service) fallback(version string, req *fetchRequest) *served {
	if req.navigate {
		for _, p := range []string{s.cfg.Offline.Page, "/"} {
			if ent, ok := s.caches.Lookup(version, PartitionStatic, p); ok {
				return &served{ent, "offline-page"}
			}
		}
	}
	return &served{jsonEntry(http.StatusServiceUnavailable, map[string]any{
		"success": false,
		"message": "You are offline and this resource is not available from the cache.",
	}), "unavailable"}
}

func jsonEntry(status int, v any) CacheEntry {
	b, _ := json.Marshal(v)
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return CacheEntry{Status: status, Header: h, Body: b}
}
