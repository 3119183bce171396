package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/export"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/preflight"
	"github.com/mtzanidakis/conclave/internal/registry"
	"github.com/mtzanidakis/conclave/internal/runner"
	"github.com/mtzanidakis/conclave/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const password = "secret"

const classifyTemplate = `
agents:
  - id: classifier
    role: classifier
    provider: custom
    command: [fake-agent]
    prompt: "Classify {{ISSUE_OPENED.content.text}}"
    triggers:
      - topic: ISSUE_OPENED
        action: execute_task
    hooks:
      onComplete:
        action: publish_message
        config:
          topic: CLASSIFICATION_DONE
          content:
            text: "{{result.category}}"
  - id: closer
    role: orchestrator
    triggers:
      - topic: CLASSIFICATION_DONE
        action: publish_message
        config:
          topic: CLUSTER_COMPLETE
          content: "classified"
`

// fakeRunner writes a canned result, or blocks until cancelled when block is set.
type fakeRunner struct {
	block bool
	calls atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return runner.Result{ExitCode: -1, LogPath: spec.LogPath}, ctx.Err()
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return runner.Result{}, err
	}
	if err := os.WriteFile(spec.LogPath, []byte(`{"category":"bug"}`+"\n"), 0o644); err != nil {
		return runner.Result{}, err
	}
	return runner.Result{LogPath: spec.LogPath}, nil
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	orch   *cluster.Orchestrator
	runner *fakeRunner
}

func newTestEnv(t *testing.T, block bool, natsBus *natsbus.Bus) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "conclave.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	templates := filepath.Join(dir, "clusters")
	if err := os.MkdirAll(templates, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(templates, "classify.yaml"), []byte(classifyTemplate), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &fakeRunner{block: block}
	cfg := config.Config{
		Orchestrator: config.OrchestratorConfig{Provider: "claude", Model: "sonnet", Workdir: dir},
		Runner:       config.RunnerConfig{LogDir: filepath.Join(dir, "logs"), Timeout: time.Minute},
	}
	orch := cluster.New(bus.New(st), st, r, cfg)
	orch.SetPreflight(func(context.Context, preflight.Options) preflight.Result {
		return preflight.Result{Valid: true}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	srv := NewServer(orch, registry.New(templates), nil, st, natsBus, config.WebConfig{Auth: password}, "test")
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{srv: srv, http: hs, orch: orch, runner: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("admin", password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func (e *testEnv) start(t *testing.T) cluster.Info {
	t.Helper()
	var info cluster.Info
	resp := e.do(t, http.MethodPost, "/api/clusters", map[string]any{"template": "classify", "text": "app crashes"}, &info)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	return info
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp, err := http.Get(env.http.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodGet, "/api/status", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.http.URL+"/api/login", "application/json", strings.NewReader(`{"password":"wrong"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.http.URL+"/api/login", "application/json", strings.NewReader(`{"password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	cookies := resp.Cookies()
	if resp.StatusCode != http.StatusOK || len(cookies) == 0 {
		t.Fatalf("expected session cookie, got %d %v", resp.StatusCode, cookies)
	}

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with session cookie, got %d", resp.StatusCode)
	}
}

func TestStartAndInspectCluster(t *testing.T) {
	env := newTestEnv(t, false, nil)
	info := env.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := env.orch.Wait(ctx, info.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != cluster.StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}

	var got cluster.Info
	env.do(t, http.MethodGet, "/api/clusters/"+info.ID, nil, &got)
	if got.State != cluster.StateCompleted || got.Reason != "classified" {
		t.Errorf("unexpected cluster %+v", got)
	}

	var list []clusterEntry
	env.do(t, http.MethodGet, "/api/clusters", nil, &list)
	if len(list) != 1 || list[0].EventCount == 0 || list[0].LastEvent == nil {
		t.Errorf("unexpected listing %+v", list)
	}

	var events []bus.Event
	env.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/events?topic=CLASSIFICATION_DONE", nil, &events)
	if len(events) != 1 || events[0].Content.Text != "bug" {
		t.Fatalf("expected one CLASSIFICATION_DONE with text bug, got %+v", events)
	}

	var later []bus.Event
	env.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/events?after="+jsonInt(events[0].ID), nil, &later)
	for _, ev := range later {
		if ev.ID <= events[0].ID {
			t.Errorf("expected only events after %d, got %d", events[0].ID, ev.ID)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/export", nil, nil)
	md, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(md), "# Cluster classify") {
		t.Errorf("unexpected export %s", md)
	}

	resp = env.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/export?format=archive", nil, nil)
	archived, report, err := export.ReadArchive(resp.Body)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(archived) == 0 || !strings.Contains(report, "completed") {
		t.Errorf("unexpected archive: %d events, report %q", len(archived), report)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, false, nil)

	cases := []struct {
		body map[string]any
		code int
	}{
		{map[string]any{"template": "classify"}, http.StatusBadRequest},
		{map[string]any{"text": "x"}, http.StatusBadRequest},
		{map[string]any{"template": "missing", "text": "x"}, http.StatusNotFound},
		{map[string]any{"template": "classify", "config": map[string]any{}, "text": "x"}, http.StatusBadRequest},
		{map[string]any{"config": map[string]any{"agents": []any{}}, "text": "x"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if resp := env.do(t, http.MethodPost, "/api/clusters", tc.body, nil); resp.StatusCode != tc.code {
			t.Errorf("body %v: expected %d, got %d", tc.body, tc.code, resp.StatusCode)
		}
	}
}

func TestKillCluster(t *testing.T) {
	env := newTestEnv(t, true, nil)
	info := env.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for env.runner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var got cluster.Info
	resp := env.do(t, http.MethodPost, "/api/clusters/"+info.ID+"/kill", map[string]string{"reason": "stop"}, &got)
	if resp.StatusCode != http.StatusOK || got.State != cluster.StateKilled || got.Reason != "stop" {
		t.Errorf("unexpected kill reply %d %+v", resp.StatusCode, got)
	}

	if resp := env.do(t, http.MethodPost, "/api/clusters/"+info.ID+"/kill", nil, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for second kill, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/clusters/missing/kill", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTemplatesAndStatus(t *testing.T) {
	env := newTestEnv(t, false, nil)

	var templates []registry.Template
	env.do(t, http.MethodGet, "/api/templates", nil, &templates)
	if len(templates) != 1 || templates[0].Name != "classify" || len(templates[0].Agents) != 2 {
		t.Errorf("unexpected templates %+v", templates)
	}

	var schedules []any
	env.do(t, http.MethodGet, "/api/schedules", nil, &schedules)
	if len(schedules) != 0 {
		t.Errorf("expected no schedules, got %v", schedules)
	}

	env.start(t)
	var status map[string]any
	env.do(t, http.MethodGet, "/api/status", nil, &status)
	if status["version"] != "test" || status["clusters"] != float64(1) {
		t.Errorf("unexpected status %v", status)
	}
}

func TestWebSocketForwardsEvents(t *testing.T) {
	natsBus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to start nats: %v", err)
	}
	t.Cleanup(natsBus.Close)

	env := newTestEnv(t, false, natsBus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.srv.hub.Run(ctx)
	if err := env.srv.subscribeEvents(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(env.srv.nats.Close)

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", password)
	header.Set("Authorization", req.Header.Get("Authorization"))

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.srv.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	publisher, err := natsbus.NewClient(natsBus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(publisher.Close)
	if err := publisher.PublishJSON(natsbus.TopicClusterEvents("c1"), bus.Event{ID: 7, ClusterID: "c1", Topic: "PLAN_READY"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publisher.Flush()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type    string    `json:"type"`
		Payload bus.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "event" || frame.Payload.Topic != "PLAN_READY" || frame.Payload.ID != 7 {
		t.Errorf("unexpected frame %+v", frame)
	}
}

func TestPasswordMatchesBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := &Server{cfg: config.WebConfig{Auth: string(hash)}}
	if !srv.passwordMatches(password) {
		t.Error("expected hashed password to match")
	}
	if srv.passwordMatches("wrong") {
		t.Error("expected wrong password to be rejected")
	}
	if srv.passwordMatches(string(hash)) {
		t.Error("expected the hash itself to be rejected")
	}

	plain := &Server{cfg: config.WebConfig{Auth: password}}
	if !plain.passwordMatches(password) || plain.passwordMatches("secre") {
		t.Error("expected plain comparison for non-hash values")
	}
}
