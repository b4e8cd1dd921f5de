package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/internal/campaign/campaigntest"
	"campaignflow/internal/config"
	"campaignflow/internal/db"
	"campaignflow/internal/domain"
	"campaignflow/internal/engine"
	"campaignflow/internal/events"
	"campaignflow/internal/metrics"
	"campaignflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

var legacyAlice = map[string]string{"X-Actor-Id": "alice"}

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
	}
	deps, _, _ := campaigntest.Deps()
	e := engine.New(conn, cfg, deps)
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	e.Metrics = metrics.New()
	return e
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	e := newTestEngine(t, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, AllowDevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		require.NoError(t, e.Wait(context.Background()))
		srv.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func briefBody(b domain.Brief, wait bool) map[string]any {
	return map[string]any{"brief": b, "wait": wait}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestRequestsRequireAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/workflows", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodGet, "/v0/workflows", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRunCampaignSynchronously(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/campaigns", briefBody(campaigntest.Brief(), true), legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	run := decode[RunCampaignResponse](t, data)
	require.Equal(t, domain.StatusSucceeded, run.Status)
	require.NotNil(t, run.Report)
	assert.Len(t, run.Report.Trace, 5)

	res, data = srv.do(t, http.MethodGet, "/v0/workflows/"+run.WorkflowID, nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	wf := decode[WorkflowResponse](t, data)
	assert.Equal(t, domain.StatusSucceeded, wf.Status)
	assert.Equal(t, "alice", wf.ActorID)
	assert.NotEmpty(t, wf.Summary["stages_run"])

	res, data = srv.do(t, http.MethodGet, "/v0/workflows/"+run.WorkflowID+"/trace", nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[TraceResponse](t, data).Items, 5)

	res, data = srv.do(t, http.MethodGet, "/v0/workflows/"+run.WorkflowID+"/artifacts", nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	arts := decode[ArtifactsResponse](t, data)
	keys := []string{}
	for _, a := range arts.Items {
		keys = append(keys, a.Key)
	}
	assert.Contains(t, keys, "publication")
	assert.Contains(t, keys, "quality_report")

	res, data = srv.do(t, http.MethodGet, "/v0/events?workflow_id="+run.WorkflowID+"&type="+events.QualityEvaluated, nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	evs := decode[paginatedEvents](t, data)
	require.Len(t, evs.Items, 1)
	assert.Equal(t, true, evs.Items[0].Payload["passed"])

	res, data = srv.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `campaignflow_workflows_total{status="succeeded"} 1`)
}

func TestSubmitCampaignReturnsAccepted(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/campaigns", briefBody(campaigntest.Brief(), false), legacyAlice)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	run := decode[RunCampaignResponse](t, data)
	assert.Equal(t, domain.StatusPending, run.Status)
	assert.Nil(t, run.Report)

	require.NoError(t, srv.Engine.Wait(context.Background()))
	res, data = srv.do(t, http.MethodGet, "/v0/workflows/"+run.WorkflowID, nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.StatusSucceeded, decode[WorkflowResponse](t, data).Status)
}

func TestMalformedBriefFailsWithValidation(t *testing.T) {
	srv := newTestServer(t)
	brief := campaigntest.Brief()
	brief.Topic = ""
	res, data := srv.do(t, http.MethodPost, "/v0/campaigns", briefBody(brief, true), legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	run := decode[RunCampaignResponse](t, data)
	assert.Equal(t, domain.StatusFailed, run.Status)
	require.NotNil(t, run.Report)
	require.NotNil(t, run.Report.Error)
	assert.Equal(t, "validation", string(run.Report.Error.Kind))
	assert.Len(t, run.Report.Trace, 1)
}

func TestWorkflowErrors(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/workflows/nope", nil, legacyAlice)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodPost, "/v0/workflows/nope/cancel", nil, legacyAlice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	_, data = srv.do(t, http.MethodPost, "/v0/campaigns", briefBody(campaigntest.Brief(), true), legacyAlice)
	run := decode[RunCampaignResponse](t, data)
	res, data = srv.do(t, http.MethodPost, "/v0/workflows/"+run.WorkflowID+"/cancel", nil, legacyAlice)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_running", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodGet, "/v0/workflows?cursor=broken", nil, legacyAlice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListWorkflowsPaginates(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		res, data := srv.do(t, http.MethodPost, "/v0/campaigns", briefBody(campaigntest.Brief(), true), legacyAlice)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := srv.do(t, http.MethodGet, "/v0/workflows?limit=2", nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page := decode[paginatedWorkflows](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/workflows?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	next := decode[paginatedWorkflows](t, data)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.NotEqual(t, page.Items[1].ID, next.Items[0].ID)
}

func TestTokenAndAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	token, err := SignToken(testSecret, "alice", time.Minute, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data := srv.do(t, http.MethodGet, "/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, MeResponse{ActorID: "alice", Source: "jwt"}, decode[MeResponse](t, data))

	res, data = srv.do(t, http.MethodPost, "/v0/api-keys", map[string]any{"name": "ci"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	res, data = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "api_key", decode[MeResponse](t, data).Source)

	res, _ = srv.do(t, http.MethodDelete, "/v0/api-keys/"+key.ID, nil, map[string]string{"X-Actor-Id": "mallory"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = srv.do(t, http.MethodDelete, "/v0/api-keys/"+key.ID, nil, bearer)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	dev := decode[DevLoginResponse](t, data)
	res, data = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + dev.Token})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "bob", decode[MeResponse](t, data).ActorID)
}

func TestOpenAPIAndConfig(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "run-campaign")
	assert.Contains(t, string(data), "bearerAuth")

	res, data = srv.do(t, http.MethodGet, "/v0/config", nil, legacyAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	cfg := decode[ConfigResponse](t, data)
	require.Len(t, cfg.Stages, 5)
	assert.True(t, cfg.Stages[3].Gated)
}

type hookRecorder struct {
	mu       sync.Mutex
	types    []string
	secrets  []string
	payloads []webhookEvent
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.mu.Lock()
	h.types = append(h.types, r.Header.Get("X-Campaignflow-Event"))
	h.secrets = append(h.secrets, r.Header.Get("X-Campaignflow-Secret"))
	h.payloads = append(h.payloads, evt)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.types...)
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{events.WorkflowSucceeded}, Secret: "s3"}}
	e := newTestEngine(t, cfg)
	d := NewWebhookDispatcher(e, nil)
	require.NotNil(t, d)
	ctx := context.Background()

	d.DispatchAll(ctx)
	report, err := e.RunCampaign(ctx, campaigntest.Brief(), "alice")
	require.NoError(t, err)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	assert.Equal(t, []string{events.WorkflowSucceeded}, rec.received())
	rec.mu.Lock()
	assert.Equal(t, "s3", rec.secrets[0])
	assert.Equal(t, report.WorkflowID, rec.payloads[0].WorkflowID)
	rec.mu.Unlock()
}

func TestWebhookDispatcherHonoursPerHookTimeout(t *testing.T) {
	slow := func(rec *hookRecorder) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
			rec.ServeHTTP(w, r)
		}))
	}
	patient, impatient := &hookRecorder{}, &hookRecorder{}
	patientSrv, impatientSrv := slow(patient), slow(impatient)
	defer patientSrv.Close()
	defer impatientSrv.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{
		{URL: patientSrv.URL, Events: []string{events.WorkflowSucceeded}, TimeoutSeconds: 10},
		{URL: impatientSrv.URL, Events: []string{events.WorkflowSucceeded}},
	}
	e := newTestEngine(t, cfg)
	d := NewWebhookDispatcher(e, nil)
	require.NotNil(t, d)
	d.timeout = 50 * time.Millisecond
	ctx := context.Background()

	d.DispatchAll(ctx)
	_, err := e.RunCampaign(ctx, campaigntest.Brief(), "alice")
	require.NoError(t, err)
	d.DispatchAll(ctx)

	assert.Equal(t, []string{events.WorkflowSucceeded}, patient.received())
	assert.Empty(t, impatient.received())
}

func TestWebhookDispatcherStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/unused"}}
	d := NewWebhookDispatcher(newTestEngine(t, cfg), nil)
	d.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Nil(t, NewWebhookDispatcher(newTestEngine(t, nil), nil))
}
