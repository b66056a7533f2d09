package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/engine/gate"
	"fieldline/internal/migrate"
)

const testSiteID = "obra-1"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default(testSiteID)
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitSite(context.Background(), testSiteID, "Obra Teste", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        "test-secret",
			Gate:             gate.Gate{Secret: cfg.Engineering.Secret},
			AllowActorHeader: true,
		},
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

func createTestIssue(t *testing.T, srv *testServer) IssueResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+testSiteID+"/issues", map[string]any{
		"title":        "Trinca na parede",
		"location":     "Bloco B",
		"requested_by": "Ailton",
		"assignee":     "Diego",
		"deadline":     "2030-01-15",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, string(data))
	}
	var created IssueResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	return created
}

func engineeringToken(t *testing.T, srv *testServer, password string) (string, int) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/engineering/login", map[string]any{
		"password": password,
		"actor_id": "engineer",
	}, nil)
	if res.StatusCode != http.StatusOK {
		return "", res.StatusCode
	}
	var login EngineeringLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return login.Token, res.StatusCode
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestIssue(t, srv)
	if created.Status != "open" || created.PriorityLabel != "Média" {
		t.Fatalf("unexpected created issue: %+v", created)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/submit", map[string]any{
		"completion_photos": []string{"done.jpg"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// approving without a token is forbidden
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d: %s", res.StatusCode, string(data))
	}

	token, status := engineeringToken(t, srv, "1957")
	if status != http.StatusOK {
		t.Fatalf("login status %d", status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/approve", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var done IssueResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" || done.StatusLabel != "Resolvido" {
		t.Fatalf("expected done issue, got %+v", done)
	}
}

func TestEngineeringLoginRejectsWrongSecret(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	if _, status := engineeringToken(t, srv, "0000"); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	// retries stay open
	if _, status := engineeringToken(t, srv, "1957"); status != http.StatusOK {
		t.Fatalf("expected login after failed attempt, got %d", status)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestIssue(t, srv)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/start", map[string]any{}, nil)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/submit", map[string]any{
		"completion_photos": []string{"p.jpg"},
	}, nil)

	token, _ := engineeringToken(t, srv, "1957")
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/engineering/logout", map[string]any{}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/approve", nil, auth)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidTransitionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestIssue(t, srv)
	token, _ := engineeringToken(t, srv, "1957")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/issues/"+created.ID+"/approve", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for open -> done, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if apiErr.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected error code %q", apiErr.Error.Code)
	}
}

func TestReceiveProblemReturnsDraft(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sites/"+testSiteID+"/deliveries", map[string]any{
		"material":       "Cimento CP-II",
		"supplier":       "Votorantim",
		"quantity":       200,
		"unit":           "sacos",
		"expected_date":  "2030-01-10",
		"invoice_number": "NF-55",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}
	var d DeliveryResponse
	_ = json.Unmarshal(data, &d)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliveries/"+d.ID+"/receive", map[string]any{
		"outcome":       "problem",
		"receiver_name": "Izaias",
		"notes":         "sacos rasgados",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("receive status %d: %s", res.StatusCode, string(data))
	}
	var received ReceiveDeliveryResponse
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("unmarshal receive: %v", err)
	}
	if received.Delivery.Status != "problem" || received.Delivery.StatusLabel != "Problema / Não Conformidade" {
		t.Fatalf("unexpected delivery: %+v", received.Delivery)
	}
	if received.IssueDraft == nil || received.IssueDraft.Title != "Problema no recebimento: Cimento CP-II" {
		t.Fatalf("unexpected draft: %+v", received.IssueDraft)
	}
	if received.Delivery.LinkedIssueID != nil {
		t.Fatalf("receipt must not link an issue")
	}

	// persist the draft and link explicitly
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sites/"+testSiteID+"/issues", map[string]any{
		"title":        received.IssueDraft.Title,
		"description":  received.IssueDraft.Description,
		"priority":     received.IssueDraft.Priority,
		"location":     received.IssueDraft.Location,
		"requested_by": received.IssueDraft.RequestedBy,
		"assignee":     "Diego",
		"deadline":     received.IssueDraft.Deadline,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create from draft status %d: %s", res.StatusCode, string(data))
	}
	var iss IssueResponse
	_ = json.Unmarshal(data, &iss)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliveries/"+d.ID+"/link", map[string]any{
		"issue_id": iss.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("link status %d: %s", res.StatusCode, string(data))
	}
	var linked DeliveryResponse
	_ = json.Unmarshal(data, &linked)
	if linked.LinkedIssueID == nil || *linked.LinkedIssueID != iss.ID {
		t.Fatalf("link not recorded: %+v", linked)
	}
}

func TestIssueListFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sites/"+testSiteID+"/issues", map[string]any{
		"title": "Alta prioridade", "priority": "high", "location": "Bloco A",
		"requested_by": "Ailton", "assignee": "Diego", "deadline": "2030-02-01",
	}, nil)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sites/"+testSiteID+"/issues", map[string]any{
		"title": "Baixa prioridade", "priority": "low", "location": "Bloco B",
		"requested_by": "Geraldo", "assignee": "Iltinho", "deadline": "2030-01-01",
	}, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sites/"+testSiteID+"/issues?tab=active", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []IssueResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 2 || listed[0].Priority != "high" {
		t.Fatalf("expected priority ranking, got %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sites/"+testSiteID+"/issues?assignee=Iltinho", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(data))
	}
	listed = nil
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 1 || listed[0].Title != "Baixa prioridade" {
		t.Fatalf("assignee filter failed: %+v", listed)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
