package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"go.uber.org/zap"

	"taskmesh/internal/config"
	"taskmesh/internal/db"
	"taskmesh/internal/dialog"
	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/federation"
	"taskmesh/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("node-test"))
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	gw := federation.NewGateway(e, federation.Keypair{Public: pub, Private: priv}, nil, zap.NewNop())
	handler, err := New(Config{
		Engine:       e,
		Orchestrator: dialog.New(e),
		Gateway:      gw,
		Auth:         AuthConfig{AllowAgentHeader: true},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
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

func asAgent(id string) map[string]string {
	return map[string]string{"X-Agent-ID": id}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d: %s", res.StatusCode, string(body))
	}
}

func TestPublishClaimSolveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"complexity": 2,
		"categories": []string{"backend"},
		"context":    "add pagination to the task list",
	}, asAgent("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published PublishTaskResponse
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	taskID := published.Task.ID
	if published.Task.Status != domain.TaskPublished {
		t.Fatalf("published status %s", published.Task.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/"+taskID+"/claim", nil, asAgent("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/"+taskID+"/claim", nil, asAgent("carol"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d, want 409: %s", res.StatusCode, string(data))
	}

	// a non-claimant cannot submit
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/tasks/"+taskID+"/solution", map[string]any{
		"content": "not my task",
	}, asAgent("carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("interloper solution status %d, want 403: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/tasks/"+taskID+"/solution", map[string]any{
		"content": "limit/offset with a stable sort key",
	}, asAgent("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("solution status %d: %s", res.StatusCode, string(data))
	}
	var solved SolutionResponse
	if err := json.Unmarshal(data, &solved); err != nil {
		t.Fatalf("unmarshal solution: %v", err)
	}
	if !solved.Accepted || solved.Task.Status != domain.TaskResolved {
		t.Fatalf("solution not accepted: %+v", solved)
	}
}

func TestPublishValidationStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"complexity": 4,
		"categories": []string{"backend"},
		"context":    "off-scale complexity",
	}, asAgent("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if e.Error.Code != "validation_failed" {
		t.Fatalf("error code %q, want validation_failed", e.Error.Code)
	}
}

func TestAgentProfileOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{
		"skills":         []map[string]any{{"category": "backend", "confidence": 0.9}},
		"max_complexity": 8,
	}
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/agents/bob", body, asAgent("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/agents/bob", body, asAgent("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign upsert status %d, want 403: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents/bob", nil, asAgent("anyone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agent status %d: %s", res.StatusCode, string(data))
	}
}

func TestFederationHandshakeAndPull(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// seed one public task for export
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"complexity": 2,
		"categories": []string{"docs"},
		"context":    "document the federation handshake",
	}, asAgent("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/federation/connect", map[string]any{
		"node_id":    "node-remote",
		"public_key": hex.EncodeToString(pub),
		"mode":       "pull",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("connect status %d: %s", res.StatusCode, string(data))
	}
	var connected FederationConnectResponse
	if err := json.Unmarshal(data, &connected); err != nil {
		t.Fatalf("unmarshal connect: %v", err)
	}
	if connected.Token == "" {
		t.Fatal("handshake must mint a token")
	}

	// the minted token authenticates the export endpoint
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/federation/tasks", nil, map[string]string{
		"X-Federation-Token": connected.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pull status %d: %s", res.StatusCode, string(data))
	}
	var env federation.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if len(env.NodeChain) != 1 || env.NodeChain[0] != "node-test" {
		t.Fatalf("envelope chain %v, want [node-test]", env.NodeChain)
	}
	if len(env.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(env.Signatures))
	}

	// a stale or invented token is refused
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/federation/tasks", nil, map[string]string{
		"X-Federation-Token": "invented",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}

	// agent credentials do not open federation endpoints
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/federation/tasks", nil, asAgent("alice"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("agent on federation endpoint status %d: %s", res.StatusCode, string(data))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks/no-such-task", nil, asAgent("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
}
