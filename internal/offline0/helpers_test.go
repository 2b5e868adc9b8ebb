package offline0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePage struct {
	status int
	ctype  string
	body   string
	header map[string]string

	// when set, the response is held until gate is closed
	gate chan struct{}
}

type fakePost struct {
	path   string
	header http.Header
	form   url.Values
}

// fakeOrigin is the site behind the proxy.
type fakeOrigin struct {
	srv *httptest.Server

	mu         sync.Mutex
	pages      map[string]fakePage
	hits       map[string]int
	posts      []fakePost
	postStatus int
	postGate   chan struct{}
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		pages: map[string]fakePage{
			"/":             {status: 200, ctype: "text/html", body: "<h1>home</h1>"},
			"/about":        {status: 200, ctype: "text/html", body: "<h1>about</h1>"},
			"/offline.html": {status: 200, ctype: "text/html", body: "<h1>you are offline</h1>"},
			"/app.css":      {status: 200, ctype: "text/css", body: "body{color:red}"},
			"/logo.png":     {status: 200, ctype: "image/png", body: "PNG-1"},
		},
		hits:       map[string]int{},
		postStatus: http.StatusOK,
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.RequestURI()]++
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		o.posts = append(o.posts, fakePost{path: r.URL.Path, header: r.Header.Clone(), form: form})
		status, gate := o.postStatus, o.postGate
		o.mu.Unlock()
		if gate != nil {
			<-gate
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("thanks"))
		return
	}
	p, ok := o.pages[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if p.gate != nil {
		<-p.gate
	}
	for k, v := range p.header {
		w.Header().Set(k, v)
	}
	if p.ctype != "" {
		w.Header().Set("Content-Type", p.ctype)
	}
	w.WriteHeader(p.status)
	_, _ = w.Write([]byte(p.body))
}

func (o *fakeOrigin) setPage(path string, p fakePage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.status == 0 {
		p.status = http.StatusOK
	}
	o.pages[path] = p
}

func (o *fakeOrigin) hitCount(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[uri]
}

func (o *fakeOrigin) received() []fakePost {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]fakePost(nil), o.posts...)
}

func (o *fakeOrigin) setPostStatus(status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.postStatus = status
}

// switchTransport fails every round trip while offline is set.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int64
}

func (t *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	if t.offline.Load() {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) ofType(typ string) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Message
	for _, m := range n.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	svc     *Service
	handler http.Handler
	origin  *fakeOrigin
	net     *switchTransport
	notes   *recordingNotifier
}

const testConfigYAML = `
server:
  origin: %s
storage:
  path: %s
cache:
  version: v1
  maxDynamicItems: 3
precache:
  static: ["/", "/about", "/app.css"]
  images: ["/logo.png"]
forms:
  paths: ["/contact"]
sync:
  periodic: 1h
  probeInterval: 1h
  replayPerSecond: 1000
worker:
  installRetry: 1h
`

func testConfig(t *testing.T, originURL, storagePath string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(testConfigYAML, originURL, storagePath)))
	require.NoError(t, err)
	return cfg
}

// newTestEnv starts a service in front of a fake origin and waits for the
// first install to finish.
func newTestEnv(t *testing.T, tweak func(*Config), opts ...Option) *testEnv {
	t.Helper()
	origin := newFakeOrigin(t)
	cfg := testConfig(t, origin.srv.URL, t.TempDir())
	if tweak != nil {
		tweak(&cfg)
	}
	return startEnv(t, cfg, origin, opts...)
}

func startEnv(t *testing.T, cfg Config, origin *fakeOrigin, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{origin: origin, net: &switchTransport{}, notes: &recordingNotifier{}}
	opts = append([]Option{WithTransport(env.net), WithNotifier(env.notes)}, opts...)
	svc, err := NewService(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	env.svc = svc
	env.handler = svc.Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Install(ctx))
	require.Equal(t, cfg.Cache.Version, svc.worker.Active())
	return env
}

func (e *testEnv) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) queued(t *testing.T) []QueuedSubmission {
	t.Helper()
	subs, err := e.svc.queue.List(context.Background())
	require.NoError(t, err)
	return subs
}

var (
	navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}
	asImage  = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"}
	asStyle  = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "style"}
	asFetch  = map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "empty"}
)
