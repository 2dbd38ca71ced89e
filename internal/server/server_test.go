package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/app"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := app.New(cfg, app.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	h, err := New(Config{Engine: a.Engine, Approvals: a.Gate, Gatherer: a.Registry, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, contentType, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

const echoPlan = `{
  "plan_id": "sync",
  "actions": [
    {"id": "a", "module": "system", "action": "echo", "params": {"n": 1}},
    {"id": "b", "module": "system", "action": "echo", "params": {"prev": "{{result.a.n}}"}, "depends_on": ["a"]}
  ]
}`

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitPlan_Wait(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/v1/plans?wait=true", "application/json", echoPlan)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "sync", body["plan_id"])
	assert.Equal(t, string(dragonscale.PlanStatusCompleted), body["status"])

	code, body = do(t, http.MethodGet, srv.URL+"/v1/plans/sync", "", "")
	require.Equal(t, http.StatusOK, code)
	actions := body["actions"].([]any)
	require.Len(t, actions, 2)
	second := actions[1].(map[string]any)
	assert.Equal(t, map[string]any{"prev": float64(1)}, second["result"])

	code, body = do(t, http.MethodGet, srv.URL+"/v1/plans", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["plans"], 1)
}

func TestSubmitPlan_YAML(t *testing.T) {
	srv := newTestServer(t)
	plan := "plan_id: y\nactions:\n  - id: a\n    module: system\n    action: echo\n"

	code, body := do(t, http.MethodPost, srv.URL+"/v1/plans?wait=1", "application/yaml", plan)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(dragonscale.PlanStatusCompleted), body["status"])
}

func TestSubmitPlan_Invalid(t *testing.T) {
	srv := newTestServer(t)

	cycle := `{"actions":[
	  {"id":"a","module":"system","action":"echo","depends_on":["b"]},
	  {"id":"b","module":"system","action":"echo","depends_on":["a"]}]}`
	code, body := do(t, http.MethodPost, srv.URL+"/v1/plans", "application/json", cycle)
	assert.Equal(t, http.StatusBadRequest, code)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, strings.ToLower(dragonscale.ErrCodeCycle), errBody["code"])

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/plans", "application/json", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/plans/missing", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestApprovalFlow(t *testing.T) {
	srv := newTestServer(t)
	plan := `{
	  "plan_id": "gated",
	  "actions": [
	    {"id": "w", "module": "system", "action": "set", "params": {"key": "k", "value": 1},
	     "requires_approval": true, "approval": {"timeout": "30s"}}
	  ]
	}`

	code, body := do(t, http.MethodPost, srv.URL+"/v1/plans", "application/json", plan)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "gated", body["plan_id"])

	var requestID string
	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, srv.URL+"/v1/approvals", "", "")
		pending := body["approvals"].([]any)
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].(map[string]any)["id"].(string)
		return true
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/approvals/"+requestID, "application/json", `{"decision":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/approvals/"+requestID, "application/json",
		`{"decision":"approve","approved_by":"alice"}`)
	require.Equal(t, http.StatusOK, code)

	assert.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, srv.URL+"/v1/plans/gated", "", "")
		return body["status"] == string(dragonscale.PlanStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/approvals/"+requestID, "application/json", `{"decision":"approve"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelPlan(t *testing.T) {
	srv := newTestServer(t)
	plan := `{"plan_id":"slow","actions":[{"id":"s","module":"system","action":"sleep","params":{"duration":"10s"}}]}`

	code, _ := do(t, http.MethodPost, srv.URL+"/v1/plans", "application/json", plan)
	require.Equal(t, http.StatusAccepted, code)

	code, body := do(t, http.MethodPost, srv.URL+"/v1/plans/slow/cancel", "", "")
	require.Equal(t, http.StatusAccepted, code, body)

	assert.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, srv.URL+"/v1/plans/slow", "", "")
		return body["status"] == string(dragonscale.PlanStatusFailed) && body["cancelled"] == true
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/plans/slow/cancel", "", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/plans/nope/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}
