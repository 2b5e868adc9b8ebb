package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// manifest builds the install manifest: configured paths, the offline page
// and same-origin pages listed in the configured sitemaps.
func (s *Service) manifest(ctx context.Context) (Manifest, error) {
	m := Manifest{
		Static: append([]string(nil), s.cfg.Precache.Static...),
		Images: append([]string(nil), s.cfg.Precache.Images...),
	}
	m = m.withPath(s.cfg.Offline.Page)
	if len(s.cfg.Precache.Sitemaps) == 0 {
		return m, nil
	}
	paths, err := s.discoverSitemapPaths(ctx, s.cfg.Precache.SitemapLimit)
	if err != nil {
		return Manifest{}, err
	}
	for _, p := range paths {
		if imageExts[extOf(p)] {
			continue
		}
		m = m.withPath(p)
	}
	return m, nil
}

// discoverSitemapPaths walks the configured sitemaps, following nested
// sitemap indexes, and returns up to limit same-origin paths.
func (s *Service) discoverSitemapPaths(ctx context.Context, limit int) ([]string, error) {
	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.normalizeMaybeRelativeURL(sm))
		}
	}

	seenMaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var out []string
	for len(queue) > 0 && len(out) < limit {
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenMaps[smURL]; ok {
			continue
		}
		seenMaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			p, ok := s.sameOriginPath(loc)
			if !ok {
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			out = append(out, p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.origin.String() + u
}

// sameOriginPath turns a sitemap loc into a path on the origin. Locs on other
// hosts are skipped.
func (s *Service) sameOriginPath(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc, true
	}
	u, err := url.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, s.origin.Host) {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ent, err := s.roundTrip(ctx, http.MethodGet, sitemapURL, nil, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// .gz sitemaps, unless the transport already decompressed them
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	return doc, nil
}
