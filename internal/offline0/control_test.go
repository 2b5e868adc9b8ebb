package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) control(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, e.svc.cfg.Control.Prefix+path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestControlStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	queueSubmission(t, env, "/contact", 0)

	rec := env.control(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "v1", st.Active)
	assert.Empty(t, st.Waiting)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 0, st.Clients)
	// "/", "/about", "/app.css" and the offline page
	assert.Equal(t, 4, st.Entries[PartitionStatic])
	assert.Equal(t, 1, st.Entries[PartitionImage])
}

func TestControlQueueEndpoints(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Queue.maxAgeDur = time.Hour })
	sub := queueSubmission(t, env, "/contact", 0)
	old := queueSubmission(t, env, "/contact", 3*time.Hour)

	rec := env.control(http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg struct {
		Type  string             `json:"type"`
		Forms []QueuedSubmission `json:"forms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, MsgQueuedForms, msg.Type)
	require.Len(t, msg.Forms, 2)
	assert.Equal(t, sub.ID, msg.Forms[0].ID)

	rec = env.control(http.MethodPost, "/queue/process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, DrainResult{Synced: 1, Expired: 1}, res)

	rec = env.control(http.MethodGet, "/queue/dead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dead struct {
		Forms []QueuedSubmission `json:"forms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dead))
	require.Len(t, dead.Forms, 1)
	assert.Equal(t, old.ID, dead.Forms[0].ID)

	rec = env.control(http.MethodGet, "/queue", "")
	assert.JSONEq(t, `{"type":"QUEUED_FORMS","forms":[]}`, rec.Body.String())
}

func TestControlMessages(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.control(http.MethodPost, "/messages", `"getQueuedForms"`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"QUEUED_FORMS","forms":[]}`, rec.Body.String())

	queueSubmission(t, env, "/contact", 0)
	rec = env.control(http.MethodPost, "/messages", `{"type":"processQueue"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(env.notes.ofType(MsgFormSynced)) == 1 }, 5*time.Second, 10*time.Millisecond)

	rec = env.control(http.MethodPost, "/messages", `{"type":"selfDestruct"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.control(http.MethodPost, "/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlSkipWaiting(t *testing.T) {
	env := newTestEnv(t, nil)
	dialPage(t, env)
	require.NoError(t, env.svc.worker.Install(t.Context(), "v2"))
	require.Equal(t, "v2", env.svc.worker.Waiting())

	rec := env.control(http.MethodPost, "/skip-waiting", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":"v2"}`, rec.Body.String())
	assert.Equal(t, "v2", env.svc.worker.Active())
}

func TestControlMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.get("/about", navigate)
	require.Equal(t, http.StatusOK, env.control(http.MethodGet, "/status", "").Code)

	rec := env.control(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "offline0_queue_depth")
	assert.Contains(t, body, `offline0_requests_total{route="page",source="network"}`)
	assert.Contains(t, body, `offline0_control_request_duration_seconds_count{method="GET",path="/status",status="200"}`)
}

func TestControlPrefixIsNotProxied(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.control(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(headerName))
	assert.Zero(t, env.origin.hitCount(env.svc.cfg.Control.Prefix+"/nope"))
}

func TestControlProcessSurvivesCallerHangup(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := queueSubmission(t, env, "/contact", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, env.svc.cfg.Control.Prefix+"/queue/process", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, DrainResult{Synced: 1}, res)
	synced := env.notes.ofType(MsgFormSynced)
	require.Len(t, synced, 1)
	assert.Equal(t, sub.ID, synced[0].Form.ID)
}

func TestNoBackgroundWorkAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.Close()

	rec := env.control(http.MethodPost, "/messages", `"processQueue"`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ran := false
	assert.False(t, env.svc.spawn(func() { ran = true }))
	env.svc.wg.Wait()
	assert.False(t, ran)
}
