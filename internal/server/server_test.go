package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/poliarc/election-management-system-sub008/internal/config"
	"github.com/poliarc/election-management-system-sub008/internal/db"
	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
	"github.com/poliarc/election-management-system-sub008/internal/migrate"
)

const testSecret = "test-secret"

const fixture = `
nodes:
  - id: 1
    name: Bihar
    level: State
    children:
      - id: 2
        name: Patna
        level: District
        children:
          - id: 3
            name: Digha
            level: Assembly
            children:
              - id: 4
                name: Block A
                level: Block
                children:
                  - {id: 5, name: Booth 101, level: Booth}
                  - {id: 6, name: Booth 102, level: Booth}
users:
  - {id: u-state, levels: [1]}
  - {id: u-district, levels: [2]}
  - {id: u-assembly, levels: [3]}
  - {id: u-block, levels: [4]}
  - {id: u-booth, levels: [5]}
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	doc, err := engine.ParseHierarchyDocument([]byte(fixture))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if _, err := e.ImportHierarchy(context.Background(), doc, "tester"); err != nil {
		t.Fatalf("import fixture: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		EnableDevLogin:         true,
	}})
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
		Engine: e,
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

func as(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func bearer(t *testing.T, user string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, user, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env ApiError
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func submitReport(t *testing.T, srv *testServer, level int64) domain.Report {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reports", map[string]any{
		"title":       "Booth captured",
		"description": "Armed group at gate",
		"priority":    "Critical",
		"report_type": "Booth Capturing",
		"level_id":    level,
	}, as("u-booth"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var rep domain.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	return rep
}

func TestForwardThenApproveOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	rep := submitReport(t, srv, 4)
	if rep.Version != 1 || rep.Status != domain.ReportPending || len(rep.Timeline) != 1 {
		t.Fatalf("unexpected submitted report: %+v", rep)
	}

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/reports/%d/eligibility", srv.URL, rep.ID), nil, bearer(t, "u-block"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("eligibility status %d: %s", res.StatusCode, string(data))
	}
	var elig EligibilityResponse
	if err := json.Unmarshal(data, &elig); err != nil {
		t.Fatalf("unmarshal eligibility: %v", err)
	}
	if !elig.CanAct || len(elig.ForwardLevels) != 3 {
		t.Fatalf("unexpected eligibility: %+v", elig)
	}

	actionURL := fmt.Sprintf("%s/v1/reports/%d/actions", srv.URL, rep.ID)
	res, data = doJSON(t, client, http.MethodPost, actionURL, map[string]any{
		"action":                  "forward",
		"notes":                   "escalate",
		"forward_target_level_id": 2,
		"expected_version":        1,
	}, bearer(t, "u-block"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forward status %d: %s", res.StatusCode, string(data))
	}
	var forwarded domain.Report
	if err := json.Unmarshal(data, &forwarded); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if forwarded.CurrentLevel.ID != 2 || forwarded.Version != 2 || len(forwarded.Timeline) != 2 {
		t.Fatalf("unexpected forwarded report: %+v", forwarded)
	}

	res, data = doJSON(t, client, http.MethodPost, actionURL, map[string]any{
		"action": "approve", "notes": "ok", "expected_version": 2,
	}, bearer(t, "u-block"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for previous level, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "forbidden" {
		t.Fatalf("unexpected error code %q", body.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, actionURL, map[string]any{
		"action": "approve", "notes": "handled", "expected_version": 2,
	}, bearer(t, "u-district"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.Report
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if approved.Status != domain.ReportApproved || approved.Version != 3 {
		t.Fatalf("unexpected approved report: %+v", approved)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=report&limit=2", nil, as("u-state"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 2 || evts.NextCursor == "" {
		t.Fatalf("expected a second page of events, got %+v", evts)
	}
}

func TestStaleVersionReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rep := submitReport(t, srv, 4)
	actionURL := fmt.Sprintf("%s/v1/reports/%d/actions", srv.URL, rep.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, actionURL, map[string]any{
		"action": "resolve", "notes": "cleared", "expected_version": 1,
	}, as("u-block"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, actionURL, map[string]any{
		"action": "reject", "notes": "late", "expected_version": 1,
	}, as("u-block"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "version_conflict" || body.Details["actual_version"] != float64(2) {
		t.Fatalf("unexpected conflict body: %+v", body)
	}
}

func TestActionValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rep := submitReport(t, srv, 4)
	actionURL := fmt.Sprintf("%s/v1/reports/%d/actions", srv.URL, rep.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, actionURL, map[string]any{
		"action": "approve", "notes": "   ", "expected_version": 1,
	}, as("u-block"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank notes, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "validation_failed" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, actionURL, map[string]any{
		"action": "escalate", "notes": "n", "expected_version": 1,
	}, as("u-block"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, actionURL, map[string]any{
		"action": "forward", "notes": "n", "forward_target_level_id": 5, "expected_version": 1,
	}, as("u-block"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for descendant target, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reports/999", nil, as("u-block"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reports", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reports", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be public, got %d", res.StatusCode)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": "u-assembly"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "u-assembly" || me.Source != "jwt" || len(me.Levels) != 1 || me.Levels[0].ID != 3 {
		t.Fatalf("unexpected me: %+v", me)
	}

	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "u-district", "ci", "tester")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
}

func TestDiscoverAndListing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/nodes/1/discover?path=2,3,4&leaf=5", nil, as("u-state"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("discover status %d: %s", res.StatusCode, string(data))
	}
	var result domain.DiscoveryResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal discovery: %v", err)
	}
	if len(result.Levels) != 3 || len(result.Leaves) != 2 || result.LeafLevelName != "Booth" {
		t.Fatalf("unexpected discovery: %+v", result)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/nodes/1/discover?path=x", nil, as("u-state"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad path, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/nodes/404/children", nil, as("u-state"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/nodes/5/children", nil, as("u-state"))
	if res.StatusCode != http.StatusOK || string(bytes.TrimSpace(data)) != "[]" {
		t.Fatalf("expected empty children, got %d: %s", res.StatusCode, string(data))
	}

	submitReport(t, srv, 4)
	submitReport(t, srv, 3)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports?mine=true", nil, as("u-block"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page domain.ReportPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 1 || page.Items[0].CurrentLevel.ID != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports?status=Lost", nil, as("u-block"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIListsErrorSchema(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Components struct {
			Schemas         map[string]any `json:"schemas"`
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Components.Schemas["ApiError"]; !ok {
		t.Fatalf("ApiError schema missing")
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("bearerAuth scheme missing")
	}
}
