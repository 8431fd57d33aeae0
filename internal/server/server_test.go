package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"pulseline/internal/app"
	"pulseline/internal/config"
	"pulseline/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	a, err := app.Open(context.Background(), workspace, cfg, app.Options{})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestReportPartialUpdateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", map[string]any{
		"jobId": "build-1", "state": "running", "progress": 10,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first report %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", map[string]any{
		"jobId": "build-1", "progress": 90,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second report %d: %s", res.StatusCode, string(data))
	}
	var got JobResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Job.State != domain.StateRunning {
		t.Fatalf("expected running, got %s", got.Job.State)
	}
	if got.Job.Progress == nil || *got.Job.Progress != 90 {
		t.Fatalf("expected progress 90, got %v", got.Job.Progress)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/status", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	_ = json.Unmarshal(data, &status)
	if len(status.Jobs) != 1 || !strings.Contains(status.Text, "build-1") {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestReportValidationUsesEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for name, body := range map[string]map[string]any{
		"bad state":    {"jobId": "x", "state": "sleeping"},
		"bad progress": {"jobId": "x", "progress": 140},
		"blank job":    {"jobId": "   "},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", body, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", name, res.StatusCode, string(data))
		}
		var env struct {
			Error apiErrorBody `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
			t.Fatalf("%s: expected error envelope, got %s", name, string(data))
		}
	}
}

func TestResetRequiresConfirm(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", map[string]any{"jobId": "keep"}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/reset", map[string]any{"confirm": false}, nil)
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "confirmation_required") {
		t.Fatalf("expected refusal, got %d %s", res.StatusCode, string(data))
	}
	jobs, err := srv.App.Engine.CurrentState(context.Background())
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs changed after refused reset: %v %v", jobs, err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/reset", map[string]any{"confirm": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset %d: %s", res.StatusCode, string(data))
	}
	jobs, err = srv.App.Engine.CurrentState(context.Background())
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %v %v", jobs, err)
	}
}

func TestResetClearsActivity(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/before-tool-call", map[string]any{"agentId": "pm", "toolName": "exec"}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/tool-result", map[string]any{"agentId": "pm", "toolName": "exec", "durationMs": 10}, nil)
	if snap := srv.App.Activity.Snapshot(); len(snap.Agents) != 1 || len(snap.Completed) != 1 {
		t.Fatalf("expected tracked activity, got %+v", snap)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/reset", map[string]any{"confirm": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agents %d: %s", res.StatusCode, string(data))
	}
	var agents AgentsResponse
	_ = json.Unmarshal(data, &agents)
	if len(agents.Agents) != 0 || len(agents.Recent) != 0 {
		t.Fatalf("expected empty activity after reset: %s", string(data))
	}
}

func TestStatusDuringReload(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			cfg := config.Default()
			cfg.Briefing.IncludeCompleted = i%2 == 0
			if err := srv.App.Reload(cfg); err != nil {
				t.Errorf("reload: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/status", map[string]any{}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
	}
	wg.Wait()
}

func TestHooksFeedAgentsView(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/before-tool-call", map[string]any{
		"sessionKey": "agent:pm:main", "toolName": "exec", "params": map[string]any{"cmd": "go test"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("before hook %d: %s", res.StatusCode, string(data))
	}
	var hook HookResponse
	_ = json.Unmarshal(data, &hook)
	if hook.Agent != "pm" || !hook.Tracked {
		t.Fatalf("unexpected hook response: %+v", hook)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/tool-result", map[string]any{
		"agentId": "pm", "toolName": "exec", "durationMs": 1200,
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/before-tool-call", map[string]any{
		"agentId": "pm", "toolName": "pulse_status",
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", map[string]any{
		"jobId": domain.AgentJobKey("pm"), "state": "running", "detail": "fixing tests",
	}, nil)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agents %d: %s", res.StatusCode, string(data))
	}
	var agents AgentsResponse
	_ = json.Unmarshal(data, &agents)
	if len(agents.Agents) != 1 || agents.Agents[0].Activity == nil || agents.Agents[0].Activity.LastTool != "exec" {
		t.Fatalf("unexpected agents: %s", string(data))
	}
	if !strings.Contains(agents.Text, "pm: running - fixing tests") {
		t.Fatalf("unexpected agents text: %q", agents.Text)
	}
	if len(agents.Recent) != 1 || agents.Recent[0].Outcome != "ok" {
		t.Fatalf("expected one completed call: %+v", agents.Recent)
	}
}

func TestBriefingTickAndPreview(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/report", map[string]any{"jobId": "deploy", "state": "blocked"}, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/briefing/preview", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "BLOCKED") {
		t.Fatalf("preview %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/briefing/tick", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick %d: %s", res.StatusCode, string(data))
	}
	var tick TickResponse
	_ = json.Unmarshal(data, &tick)
	if !tick.Published || tick.Sent {
		t.Fatalf("expected a log-only publish, got %+v", tick)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "pulseline_ticks_total 1") {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tools/status", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for metrics without token, got %d", res.StatusCode)
	}

	token, err := SignAgentToken(secret, "ops", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/before-tool-call", map[string]any{"toolName": "exec"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hook %d: %s", res.StatusCode, string(data))
	}
	var hook HookResponse
	_ = json.Unmarshal(data, &hook)
	if hook.Agent != "ops" {
		t.Fatalf("expected token subject attribution, got %+v", hook)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, headers)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "pulseline_") {
		t.Fatalf("metrics with token %d: %s", res.StatusCode, string(data))
	}
}

func TestAgentFromSessionKey(t *testing.T) {
	cases := map[string]string{"agent:pm:main": "pm", "agent:ops": "ops", "session:pm": "", "agent::x": ""}
	for key, want := range cases {
		got, _ := agentFromSessionKey(key)
		if got != want {
			t.Fatalf("%q: want %q got %q", key, want, got)
		}
	}
}
