package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/alerts"
	"signal-engine/internal/audit"
	"signal-engine/internal/baseline"
	"signal-engine/internal/capability"
	"signal-engine/internal/definitions"
	"signal-engine/internal/delivery"
	"signal-engine/internal/engine"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

var t0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

const healthDoc = `
score_types:
  - id: health
    components:
      - name: input
        weight: 1
        source: value
        metric: health.input
        normalize: {kind: percent}
    zones:
      - {name: at_risk, min: 0}
      - {name: watch, min: 50}
      - {name: healthy, min: 70}
triggers:
  - id: low-health
    cooldown: 1h
    condition: {compare: {score: health, op: "<", value: 50}}
    severity: {default: medium}
    actions:
      - {id: notify, kind: notify, channel: slack, template: low-health}
`

type testServer struct {
	srv    *httptest.Server
	clock  *clockwork.FakeClock
	broker *Broker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()
	clock := clockwork.NewFakeClockAt(t0)

	catalog := definitions.NewCatalog(nil, logger)
	f, err := definitions.Decode("test.yaml", []byte(healthDoc))
	require.NoError(t, err)
	_, err = catalog.LoadFile(ctx, f)
	require.NoError(t, err)

	signals := signal.NewMemoryStore()
	history := scoring.NewMemoryHistory()
	registry := alerts.NewRegistry(alerts.NewMemoryStore(), clock, logger)
	scorer := scoring.NewScorer(history, catalog, clock, 0, logger)
	broker := NewBroker(logger)
	registry.Subscribe(broker.Publish)

	e := engine.New(engine.Components{
		Signals:      signals,
		Evaluator:    baseline.NewEvaluator(signals, baseline.NewMemoryStore(), baseline.Config{}, logger, baseline.WithClock(clock)),
		Scorer:       scorer,
		Rules:        rules.NewEngine(rules.NewMemoryStateStore(), registry, logger),
		Alerts:       registry,
		Orchestrator: workflow.NewOrchestrator(workflow.NewMemoryStore(), catalog, delivery.NewRecorder(), capability.NewRegistry(), scorer, clock, workflow.DefaultConfig(), logger),
		Catalog:      catalog,
		Audit:        audit.New(24*time.Hour, clock),
		Clock:        clock,
	}, engine.Options{Workers: 1, QueueSize: 16}, logger)

	srv := httptest.NewServer(New(e, catalog, broker, Options{MaxBodyBytes: 1 << 16}, logger).Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, clock: clock, broker: broker}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

type alertBody struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Severity   string `json:"severity"`
	Resolution string `json:"resolution"`
}

func sampleJSON(account string, at time.Time, v float64) string {
	b, _ := json.Marshal(map[string]any{
		"account_id": account, "metric_key": "health.input", "timestamp": at.Format(time.RFC3339Nano), "value": v,
	})
	return string(b)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestPostSamplesCountsDuplicates(t *testing.T) {
	ts := newTestServer(t)
	one := sampleJSON("acme", t0, 80)
	status, body := ts.do(t, http.MethodPost, "/v1/samples", "["+one+","+one+","+sampleJSON("acme", t0.Add(time.Minute), 81)+"]")
	require.Equal(t, http.StatusAccepted, status, string(body))

	var res ingestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, ingestResult{Accepted: 2, Duplicates: 1}, res)

	status, _ = ts.do(t, http.MethodPost, "/v1/samples", one)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestPostSamplesRejectsInvalid(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/samples", `{"metric_key":"health.input","timestamp":"2026-07-01T09:00:00Z","value":1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/v1/samples", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/v1/events", `{"account_id":"acme","timestamp":"2026-07-01T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTriggerCRUD(t *testing.T) {
	ts := newTestServer(t)
	spec := `{"condition":{"compare":{"metric":"logins","op":"<","value":3}},"severity":{"default":"low"},"cooldown":"2d"}`

	status, body := ts.do(t, http.MethodPut, "/v1/triggers/few-logins", spec)
	require.Equal(t, http.StatusCreated, status, string(body))
	var got triggerView
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "few-logins", got.ID)
	assert.Equal(t, 1, got.Version)

	status, _ = ts.do(t, http.MethodPut, "/v1/triggers/few-logins", spec)
	assert.Equal(t, http.StatusOK, status, "identical content is not a new version")

	status, body = ts.do(t, http.MethodPut, "/v1/triggers/few-logins", strings.Replace(spec, `"value":3`, `"value":5`, 1))
	require.Equal(t, http.StatusCreated, status)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []int{1, 2}, got.Versions)

	status, _ = ts.do(t, http.MethodPut, "/v1/triggers/broken", `{"condition":{},"severity":{"default":"low"}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPut, "/v1/triggers/a", `{"id":"b","condition":{"severity_at_least":"low"},"severity":{"default":"low"}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodDelete, "/v1/triggers/few-logins", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, body = ts.do(t, http.MethodGet, "/v1/triggers/few-logins", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Disabled)

	status, _ = ts.do(t, http.MethodDelete, "/v1/triggers/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestScoreTypeEndpoints(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/v1/score-types/health", "")
	require.Equal(t, http.StatusOK, status)
	var st definitions.ScoreTypeSpec
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Len(t, st.Zones, 3)

	status, _ = ts.do(t, http.MethodGet, "/v1/score-types/nope", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPut, "/v1/score-types/empty", `{"components":[],"zones":[]}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/samples", sampleJSON("acme", t0, 40))
	require.Equal(t, http.StatusAccepted, status)

	status, body := ts.do(t, http.MethodGet, "/v1/alerts?account=acme&status=open", "")
	require.Equal(t, http.StatusOK, status)
	var list []alertBody
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	id := list[0].ID
	assert.Equal(t, "medium", list[0].Severity)

	status, _ = ts.do(t, http.MethodGet, "/v1/alerts/"+id+"/run", "")
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/acknowledge", `{"actor":"csm@acme"}`)
	require.Equal(t, http.StatusOK, status)
	var a alertBody
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, "acknowledged", a.Status)

	status, body = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, "resolved", a.Status)

	status, _ = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/suppress", "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.do(t, http.MethodGet, "/v1/alerts/unknown", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = ts.do(t, http.MethodGet, "/v1/accounts/acme/alerts", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestAccountQueries(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/samples", sampleJSON("acme", t0, 80))
	require.Equal(t, http.StatusAccepted, status)

	status, body := ts.do(t, http.MethodGet, "/v1/accounts/acme/status", "")
	require.Equal(t, http.StatusOK, status)
	var st engine.AccountStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "acme", st.AccountID)
	assert.True(t, st.DataUnavailable, "one sample is not enough history")
	require.Len(t, st.Scores, 1)

	status, body = ts.do(t, http.MethodGet, "/v1/accounts/acme/scores/health", "")
	require.Equal(t, http.StatusOK, status)
	var scores []map[string]any
	require.NoError(t, json.Unmarshal(body, &scores))
	assert.Len(t, scores, 1)

	status, _ = ts.do(t, http.MethodGet, "/v1/accounts/acme/scores/nope", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodGet, "/v1/accounts/acme/scores/health?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApprovalErrors(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/runs/missing/steps/s1/approval", `{"decision":"approve","actor":"lead"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPost, "/v1/runs/missing/steps/s1/approval", `{"decision`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{signal.ErrInvalidSample, http.StatusBadRequest},
		{workflow.ErrUnknownDecision, http.StatusBadRequest},
		{&rules.ConfigError{TriggerID: "x", Err: assert.AnError}, http.StatusBadRequest},
		{alerts.ErrNotFound, http.StatusNotFound},
		{workflow.ErrRunNotFound, http.StatusNotFound},
		{alerts.ErrInvalidTransition, http.StatusConflict},
		{workflow.ErrStepNotWaiting, http.StatusConflict},
		{definitions.ErrVersionConflict, http.StatusConflict},
		{engine.ErrStopped, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestStreamDeliversFilteredEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/stream/alerts?type=alert.resolved"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return ts.broker.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	ts.broker.Publish(alerts.Event{Type: alerts.EventFired, Alert: alerts.Alert{ID: "a1"}, At: t0})
	ts.broker.Publish(alerts.Event{Type: alerts.EventResolved, Alert: alerts.Alert{ID: "a1"}, At: t0})

	var got struct {
		Type  string    `json:"type"`
		Alert alertBody `json:"alert"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "alert.resolved", got.Type)
	assert.Equal(t, "a1", got.Alert.ID)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return ts.broker.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
