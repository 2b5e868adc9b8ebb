package offline0

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const headerName = "X-Offline0"

// fetchRequest is the part of an intercepted request the strategies need.
type fetchRequest struct {
	method   string
	url      *url.URL
	key      string
	header   http.Header
	dest     string
	navigate bool
	body     []byte
}

func (s *Service) newFetchRequest(r *http.Request, target *url.URL) *fetchRequest {
	req := &fetchRequest{
		method: r.Method,
		url:    target,
		key:    target.RequestURI(),
		header: cloneHeader(r.Header),
		dest:   strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
	}
	mode := strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))
	switch {
	case mode == "navigate" || req.dest == "document":
		req.navigate = true
	case mode == "" && req.dest == "":
		req.navigate = r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
	}
	return req
}

// targetURL resolves where r is headed: absolute-form proxy requests keep
// their own host, everything else goes to the origin.
func (s *Service) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u := *s.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (s *Service) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, s.origin.Scheme) && strings.EqualFold(u.Host, s.origin.Host)
}

// fetch performs req against the network and buffers the response. A non-nil
// error means no response could be obtained.
func (s *Service) fetch(ctx context.Context, req *fetchRequest) (CacheEntry, error) {
	var body io.Reader
	if len(req.body) > 0 {
		body = bytes.NewReader(req.body)
	}
	return s.roundTrip(ctx, req.method, req.url.String(), req.header, body)
}

func (s *Service) fetchPath(ctx context.Context, path string) (CacheEntry, error) {
	return s.roundTrip(ctx, http.MethodGet, s.origin.String()+path, nil, nil)
}

func (s *Service) roundTrip(ctx context.Context, method, target string, h http.Header, body io.Reader) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, h)
	req.Header.Set("Accept-Encoding", "identity")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	s.conn.Observe(err)
	if err != nil {
		originFetchSeconds.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		originFetchSeconds.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return CacheEntry{}, err
	}
	originFetchSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// cacheable reports whether an OK response may be stored.
func (s *Service) cacheable(ent CacheEntry) bool {
	if !ent.OK() {
		return false
	}
	if s.cfg.Cache.maxEntryBytes > 0 && int64(len(ent.Body)) > s.cfg.Cache.maxEntryBytes {
		return false
	}
	return !strings.Contains(strings.ToLower(ent.Header.Get("Cache-Control")), "no-store")
}

// isNetworkError separates "no response" from the caller giving up.
func isNetworkError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Host" || ck == "Content-Length" || hopHeaders[ck] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerName) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeader(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeader(h http.Header, source string) {
	if source == "" {
		return
	}
	h.Set(headerName, source)
	ensureExposedHeader(h, headerName)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
