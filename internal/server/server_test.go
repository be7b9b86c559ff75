package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"journalflow/internal/config"
	"journalflow/internal/db"
	"journalflow/internal/domain"
	"journalflow/internal/engine"
	"journalflow/internal/migrate"
	"journalflow/internal/notify"
)

const testSecret = "test-secret"

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("jrn-1")
	e := engine.New(conn, cfg)
	e.Notifier = &notify.Recorder{}
	ctx := context.Background()
	for _, j := range []string{"jrn-1", "jrn-2"} {
		if err := e.EnsureJournal(ctx, j, j); err != nil {
			t.Fatalf("ensure journal: %v", err)
		}
	}
	grants := []struct{ actor, role, journal string }{
		{"author-1", "author", ""},
		{"me-1", "managing_editor", "jrn-1"},
		{"me-2", "managing_editor", "jrn-2"},
		{"root", "admin", ""},
	}
	for _, g := range grants {
		if _, err := e.Auth.GrantRole(ctx, g.actor, g.role, "seed"); err != nil {
			t.Fatalf("grant role: %v", err)
		}
		if g.journal != "" {
			if err := e.Auth.GrantJournal(ctx, g.actor, g.journal, "seed"); err != nil {
				t.Fatalf("grant journal: %v", err)
			}
		}
	}
	handler, err := New(Config{
		Engine:    e,
		Auth:      AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		DevTokens: true,
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
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

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func errorCode(t *testing.T, data []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error.Code, env.Error.Details
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal: %v: %s", err, string(data))
	}
	return v
}

// call issues a request and asserts its status.
func (s *testServer) call(t *testing.T, actor, method, path string, body any, want int) []byte {
	t.Helper()
	res, data := doJSON(t, s.Client(), method, s.URL+"/v1"+path, body, as(actor))
	expectStatus(t, res, data, want)
	return data
}

func (s *testServer) submit(t *testing.T) domain.Manuscript {
	t.Helper()
	data := s.call(t, "author-1", http.MethodPost, "/manuscripts", map[string]any{"journal_id": "jrn-1", "title": "On Things"}, http.StatusCreated)
	return decode[domain.Manuscript](t, data)
}

func (s *testServer) toApproved(t *testing.T) string {
	t.Helper()
	m := s.submit(t)
	s.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/assistant-editor", map[string]any{"assignee_id": "ae-1"}, http.StatusOK)
	for _, target := range []string{"under_review", "decision", "decision_done"} {
		s.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/transition", map[string]any{"target": target}, http.StatusOK)
	}
	s.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/transition", map[string]any{"target": "approved", "reason": "sound work"}, http.StatusOK)
	return m.ID
}

func galley(name string) map[string]any {
	return map[string]any{"file_name": name, "content_type": "application/pdf", "content": []byte("%PDF-1.4 " + name)}
}

func TestHealthIsOpenAndEverythingElseNeedsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/manuscripts", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code, _ := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code, _ := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s", code)
	}
}

func TestJWTClaimsMergeWithStoredRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := SignToken(testSecret, "ae-9", []string{"assistant_editor"}, []string{"jrn-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)
	who := decode[WhoAmIResponse](t, data)
	if who.ActorID != "ae-9" || len(who.Roles) != 1 || who.Roles[0] != "assistant_editor" {
		t.Fatalf("whoami = %+v", who)
	}
	if !who.Capabilities.CanManageReviewers || who.Capabilities.CanOpenProductionWorkspace {
		t.Fatalf("capabilities = %+v", who.Capabilities)
	}
}

func TestDevTokenEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	data := srv.call(t, "root", http.MethodPost, "/auth/token", map[string]any{"actor_id": "x-1", "roles": []string{"author"}}, http.StatusOK)
	tok := decode[TokenResponse](t, data)
	p, err := authenticateJWT(tok.Token, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if p.ActorID != "x-1" || p.Source != "jwt" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestPublishFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := srv.toApproved(t)
	base := "/manuscripts/" + id

	srv.call(t, "me-1", http.MethodPost, base+"/production-cycles", map[string]any{"layout_editor_id": "le-1"}, http.StatusCreated)
	srv.call(t, "me-1", http.MethodPost, base+"/production-cycles/active/galley", galley("g1.pdf"), http.StatusOK)
	srv.call(t, "author-1", http.MethodPost, base+"/production-cycles/active/proofreading-response", map[string]any{"decision": "confirm_clean"}, http.StatusOK)
	srv.call(t, "me-1", http.MethodPost, base+"/production-cycles/active/approve", nil, http.StatusOK)
	for i := 0; i < 3; i++ {
		srv.call(t, "me-1", http.MethodPost, base+"/production/advance", map[string]any{}, http.StatusOK)
	}
	final := galley("final.pdf")
	srv.call(t, "me-1", http.MethodPost, base+"/final-pdf", final, http.StatusOK)
	srv.call(t, "me-1", http.MethodPut, base+"/invoice", map[string]any{"amount": "1500.00", "currency": "usd"}, http.StatusOK)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1"+base+"/transition", map[string]any{"target": "published"}, as("me-1"))
	expectStatus(t, res, data, http.StatusConflict)
	code, details := errorCode(t, data)
	if code != "gate_not_satisfied" {
		t.Fatalf("code = %s", code)
	}
	if gates, _ := details["gates"].([]any); len(gates) != 1 || gates[0] != "financial" {
		t.Fatalf("details = %v", details)
	}

	data = srv.call(t, "me-1", http.MethodGet, base, nil, http.StatusOK)
	st := decode[engine.ManuscriptState](t, data)
	if st.Gates.Financial || !st.Gates.Proof || st.Manuscript.Status != domain.StatusProofreading {
		t.Fatalf("state = %+v", st)
	}

	srv.call(t, "me-1", http.MethodPost, base+"/invoice/confirm", map[string]any{"expected_status": "unpaid"}, http.StatusOK)
	data = srv.call(t, "me-1", http.MethodPost, base+"/transition", map[string]any{"target": "published"}, http.StatusOK)
	if m := decode[domain.Manuscript](t, data); m.Status != domain.StatusPublished {
		t.Fatalf("status = %s", m.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1"+base+"/production/revert", map[string]any{"reason": "typo"}, as("me-1"))
	expectStatus(t, res, data, http.StatusConflict)
	if code, _ := errorCode(t, data); code != "terminal_state" {
		t.Fatalf("code = %s", code)
	}
}

func TestStaleRevisionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	m := srv.submit(t)

	data := srv.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/assistant-editor",
		map[string]any{"assignee_id": "ae-1", "expected_revision": m.Revision}, http.StatusOK)
	if got := decode[domain.Manuscript](t, data); got.Revision != m.Revision+1 {
		t.Fatalf("revision = %d", got.Revision)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/manuscripts/"+m.ID+"/transition",
		map[string]any{"target": "under_review", "expected_revision": m.Revision}, as("me-1"))
	expectStatus(t, res, data, http.StatusConflict)
	if code, _ := errorCode(t, data); code != "conflict" {
		t.Fatalf("code = %s", code)
	}
}

func TestScopeAndCapabilityErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	m := srv.submit(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/manuscripts/"+m.ID+"/assistant-editor", map[string]any{"assignee_id": "ae-1"}, as("me-2"))
	expectStatus(t, res, data, http.StatusForbidden)
	if code, _ := errorCode(t, data); code != "scope_forbidden" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/manuscripts/"+m.ID+"/transition", map[string]any{"target": "under_review"}, as("author-1"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/manuscripts/"+m.ID+"/transition", map[string]any{"target": "under_review"}, as("me-1"))
	expectStatus(t, res, data, http.StatusBadRequest)
	code, details := errorCode(t, data)
	if code != "precondition_failed" || details["reason"] != "assign_ae_first" {
		t.Fatalf("code = %s details = %v", code, details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/manuscripts/missing", nil, as("me-1"))
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestRequestValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	m := srv.submit(t)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/manuscripts/"+m.ID+"/invoice", map[string]any{"amount": "lots"}, as("me-1"))
	expectStatus(t, res, data, http.StatusBadRequest)
	if code, _ := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/manuscripts", map[string]any{"journal_id": "jrn-1", "title": ""}, as("author-1"))
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestProofreadingCorrectionsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := srv.toApproved(t)
	base := "/manuscripts/" + id + "/production-cycles"

	srv.call(t, "me-1", http.MethodPost, base, map[string]any{"layout_editor_id": "le-1", "collaborator_editor_ids": []string{"le-2"}}, http.StatusCreated)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1"+base, map[string]any{"layout_editor_id": "le-1"}, as("me-1"))
	expectStatus(t, res, data, http.StatusConflict)
	if code, _ := errorCode(t, data); code != "cycle_already_active" {
		t.Fatalf("code = %s", code)
	}

	srv.call(t, "me-1", http.MethodPost, base+"/active/galley", galley("g1.pdf"), http.StatusOK)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1"+base+"/active/proofreading-response",
		map[string]any{"decision": "submit_corrections"}, as("author-1"))
	expectStatus(t, res, data, http.StatusBadRequest)
	if code, _ := errorCode(t, data); code != "corrections_required" {
		t.Fatalf("code = %s", code)
	}
	srv.call(t, "author-1", http.MethodPost, base+"/active/proofreading-response", map[string]any{
		"decision":    "submit_corrections",
		"corrections": []map[string]any{{"location": "p.3", "suggested_text": "their"}},
	}, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1"+base+"/active/approve", nil, as("me-1"))
	expectStatus(t, res, data, http.StatusConflict)
	if code, _ := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("code = %s", code)
	}

	data = srv.call(t, "me-1", http.MethodPost, base+"/active/galley", galley("g2.pdf"), http.StatusOK)
	if c := decode[domain.ProductionCycle](t, data); c.Status != domain.CycleAwaitingAuthor || c.LatestResponseID != nil {
		t.Fatalf("cycle = %+v", c)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	m := srv.submit(t)
	srv.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/assistant-editor", map[string]any{"assignee_id": "ae-1"}, http.StatusOK)
	srv.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/owner", map[string]any{"assignee_id": "owner-1"}, http.StatusOK)

	data := srv.call(t, "me-1", http.MethodGet, "/manuscripts/"+m.ID+"/events?limit=2", nil, http.StatusOK)
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].Type != "manuscript.owner_bound" {
		t.Fatalf("newest = %s", page.Items[0].Type)
	}
	data = srv.call(t, "me-1", http.MethodGet, "/manuscripts/"+m.ID+"/events?limit=2&cursor="+page.NextCursor, nil, http.StatusOK)
	rest := decode[paginatedEvents](t, data)
	if len(rest.Items) != 1 || rest.Items[0].Type != "manuscript.submitted" || rest.NextCursor != "" {
		t.Fatalf("rest = %+v", rest)
	}
}

func TestAdminGrants(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/actors/pe-1/grants", map[string]any{"role": "production_editor"}, as("me-1"))
	expectStatus(t, res, data, http.StatusForbidden)

	data = srv.call(t, "root", http.MethodPost, "/actors/pe-1/grants", map[string]any{"role": "production_editor", "journal_id": "jrn-1"}, http.StatusOK)
	who := decode[WhoAmIResponse](t, data)
	if !who.Capabilities.CanOpenProductionWorkspace || len(who.Journals) != 1 {
		t.Fatalf("grants = %+v", who)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/actors/pe-1/grants", map[string]any{"role": "janitor"}, as("root"))
	expectStatus(t, res, data, http.StatusBadRequest)
	if code, _ := errorCode(t, data); code != "unknown_role" {
		t.Fatalf("code = %s", code)
	}

	data = srv.call(t, "root", http.MethodDelete, "/actors/pe-1/grants?role=production_editor", nil, http.StatusOK)
	if who := decode[WhoAmIResponse](t, data); len(who.Roles) != 0 {
		t.Fatalf("roles after revoke = %v", who.Roles)
	}
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(RateLimitConfig{PerSecond: 1, Burst: 2})
	now := time.Now()
	if !l.allow("a", now) || !l.allow("a", now) {
		t.Fatal("burst should pass")
	}
	if l.allow("a", now) {
		t.Fatal("third request should be limited")
	}
	if !l.allow("b", now) {
		t.Fatal("other clients are independent")
	}
	if !l.allow("a", now.Add(time.Second)) {
		t.Fatal("token should refill")
	}
}

func TestAuditForwarderDelivers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []auditEnvelope
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt auditEnvelope
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Journalflow-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	f := NewAuditForwarder(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"manuscript.*"}, Secret: "s3cret"}})
	ctx := context.Background()
	f.Tick(ctx) // pins the cursor past the seed grants

	m := srv.submit(t)
	srv.call(t, "root", http.MethodPost, "/actors/rev-1/grants", map[string]any{"role": "reviewer"}, http.StatusOK)
	srv.call(t, "me-1", http.MethodPost, "/manuscripts/"+m.ID+"/owner", map[string]any{"assignee_id": "owner-1"}, http.StatusOK)
	f.Tick(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d events: %+v", len(received), received)
	}
	if received[0].Type != "manuscript.submitted" || received[1].Type != "manuscript.owner_bound" {
		t.Fatalf("types = %s, %s", received[0].Type, received[1].Type)
	}
	if received[0].EntityID != m.ID || received[0].JournalID != "jrn-1" {
		t.Fatalf("envelope = %+v", received[0])
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("signature = %q", sigs[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"invoice.paid", "production_cycle.*"})
	for evt, want := range map[string]bool{
		"invoice.paid":              true,
		"invoice.updated":           false,
		"production_cycle.approved": true,
		"manuscript.submitted":      false,
	} {
		if got := f.match(evt); got != want {
			t.Errorf("match(%s) = %v", evt, got)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatal("empty filter matches all")
	}
}
