package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/ringi/internal/config"
	"github.com/pitabwire/ringi/internal/engine"
	"github.com/pitabwire/ringi/internal/observability"
	"github.com/pitabwire/ringi/internal/store"
	"github.com/pitabwire/ringi/model"
)

// identityHeaderAuth is a test stand-in for JWT authentication: it builds
// claims from X-Test-Subject and X-Test-Tenant headers.
func identityHeaderAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{}
		if sub := r.Header.Get("X-Test-Subject"); sub != "" {
			claims["sub"] = sub
		}
		if tenant := r.Header.Get("X-Test-Tenant"); tenant != "" {
			claims["tenant_id"] = tenant
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Observability.Metrics.Enabled = false
	st := store.NewMemoryStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	eng := engine.NewEngine(st, nil, nil, metrics, zap.NewNop(), engine.Options{})

	router := NewRouter(Dependencies{
		Config:       cfg,
		Engine:       eng,
		Store:        st,
		Metrics:      metrics,
		Logger:       zap.NewNop(),
		Authenticate: identityHeaderAuth,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	t       *testing.T
	base    string
	subject string
	tenant  string
}

func (c *testClient) do(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.subject != "" {
		req.Header.Set("X-Test-Subject", c.subject)
	}
	if c.tenant != "" {
		req.Header.Set("X-Test-Tenant", c.tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (c *testClient) doJSON(method, path string, body any, wantStatus int, out any) {
	c.t.Helper()
	resp, raw := c.do(method, path, body)
	if resp.StatusCode != wantStatus {
		c.t.Fatalf("%s %s: status = %d, want %d, body %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
}

func definitionDocJSON(approvals ...string) map[string]any {
	nodes := []map[string]any{{"step_id": "start", "name": "Start", "kind": "start"}}
	for _, id := range approvals {
		nodes = append(nodes, map[string]any{"step_id": id, "name": id, "kind": "approval"})
	}
	nodes = append(nodes, map[string]any{"step_id": "end", "name": "End", "kind": "end"})
	return map[string]any{"nodes": nodes}
}

// publishDefinition drives the definition endpoints and returns the
// published definition id.
func publishDefinition(c *testClient, approvals ...string) string {
	c.t.Helper()
	var def model.WorkflowDefinition
	c.doJSON(http.MethodPost, "/v1/definitions", map[string]any{
		"name":     "expense approval",
		"document": definitionDocJSON(approvals...),
	}, http.StatusCreated, &def)
	c.doJSON(http.MethodPost, "/v1/definitions/"+def.ID+"/publish", nil, http.StatusOK, nil)
	return def.ID
}

func TestHandlers_fullApprovalFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	bob := &testClient{t: t, base: srv.URL, subject: "user-bob", tenant: "tenant-1"}
	carol := &testClient{t: t, base: srv.URL, subject: "user-carol", tenant: "tenant-1"}

	defID := publishDefinition(alice, "manager", "finance")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID,
		"title":         "New laptops",
		"form":          map[string]any{"amount": 4200},
	}, http.StatusCreated, &inst)
	if inst.Status != model.InstanceStatusDraft {
		t.Fatalf("Status = %q", inst.Status)
	}

	var view model.InstanceView
	alice.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/submit", map[string]any{
		"assignments": []map[string]any{
			{"step_id": "manager", "assignee_id": "user-bob"},
			{"step_id": "finance", "assignee_id": "user-carol"},
		},
	}, http.StatusOK, &view)
	if view.Instance.Status != model.InstanceStatusInProgress {
		t.Fatalf("Status = %q", view.Instance.Status)
	}
	if len(view.Steps) != 2 {
		t.Fatalf("len(steps) = %d", len(view.Steps))
	}

	bob.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/steps/manager/approve",
		map[string]any{"comment": "ok"}, http.StatusOK, &view)
	if view.Instance.CurrentStepID != "finance" {
		t.Fatalf("CurrentStepID = %q", view.Instance.CurrentStepID)
	}

	carol.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/steps/finance/approve",
		nil, http.StatusOK, &view)
	if view.Instance.Status != model.InstanceStatusApproved {
		t.Fatalf("Status = %q, want approved", view.Instance.Status)
	}

	// The aggregate read shows the full trail.
	alice.doJSON(http.MethodGet, "/v1/instances/"+inst.ID, nil, http.StatusOK, &view)
	for _, s := range view.Steps {
		completed, ok := s.State.(model.StateCompleted)
		if !ok || completed.Decision != model.DecisionApproved {
			t.Errorf("step %q state = %+v", s.StepID, s.State)
		}
	}
}

func TestHandlers_rejectRequiresComment(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	defID := publishDefinition(alice, "manager")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID, "title": "New laptops",
	}, http.StatusCreated, &inst)
	alice.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/submit", map[string]any{
		"assignments": []map[string]any{{"step_id": "manager", "assignee_id": "user-bob"}},
	}, http.StatusOK, nil)

	resp, _ := alice.do(http.MethodPost, "/v1/instances/"+inst.ID+"/steps/manager/reject", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestHandlers_doubleApproveConflicts(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	defID := publishDefinition(alice, "manager", "finance")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID, "title": "New laptops",
	}, http.StatusCreated, &inst)
	alice.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/submit", map[string]any{
		"assignments": []map[string]any{
			{"step_id": "manager", "assignee_id": "user-bob"},
			{"step_id": "finance", "assignee_id": "user-carol"},
		},
	}, http.StatusOK, nil)

	path := "/v1/instances/" + inst.ID + "/steps/manager/approve"
	alice.doJSON(http.MethodPost, path, nil, http.StatusOK, nil)
	resp, _ := alice.do(http.MethodPost, path, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHandlers_crossTenantIs404(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	intruder := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-2"}
	defID := publishDefinition(alice, "manager")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID, "title": "Secret plan",
	}, http.StatusCreated, &inst)

	resp, _ := intruder.do(http.MethodGet, "/v1/instances/"+inst.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlers_missingTenantIs401(t *testing.T) {
	srv := newTestServer(t)
	anon := &testClient{t: t, base: srv.URL, subject: "user-alice"}

	resp, _ := anon.do(http.MethodGet, "/v1/instances", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandlers_submitValidationIs422(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	defID := publishDefinition(alice, "manager", "finance")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID, "title": "New laptops",
	}, http.StatusCreated, &inst)

	// Missing the finance assignment.
	resp, raw := alice.do(http.MethodPost, "/v1/instances/"+inst.ID+"/submit", map[string]any{
		"assignments": []map[string]any{{"step_id": "manager", "assignee_id": "user-bob"}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", resp.StatusCode, raw)
	}
}

func TestHandlers_cancel(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	mallory := &testClient{t: t, base: srv.URL, subject: "user-mallory", tenant: "tenant-1"}
	defID := publishDefinition(alice, "manager")

	var inst model.WorkflowInstance
	alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
		"definition_id": defID, "title": "New laptops",
	}, http.StatusCreated, &inst)

	resp, _ := mallory.do(http.MethodPost, "/v1/instances/"+inst.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	var view model.InstanceView
	alice.doJSON(http.MethodPost, "/v1/instances/"+inst.ID+"/cancel", nil, http.StatusOK, &view)
	if view.Instance.Status != model.InstanceStatusCancelled {
		t.Fatalf("Status = %q", view.Instance.Status)
	}
}

func TestHandlers_listFilters(t *testing.T) {
	srv := newTestServer(t)
	alice := &testClient{t: t, base: srv.URL, subject: "user-alice", tenant: "tenant-1"}
	defID := publishDefinition(alice, "manager")

	for i := 0; i < 3; i++ {
		alice.doJSON(http.MethodPost, "/v1/instances", map[string]any{
			"definition_id": defID, "title": fmt.Sprintf("request %d", i),
		}, http.StatusCreated, nil)
	}

	var listed struct {
		Data []model.WorkflowInstance `json:"data"`
	}
	alice.doJSON(http.MethodGet, "/v1/instances?status=draft&limit=2", nil, http.StatusOK, &listed)
	if len(listed.Data) != 2 {
		t.Fatalf("len = %d, want 2", len(listed.Data))
	}

	alice.doJSON(http.MethodGet, "/v1/instances?status=approved", nil, http.StatusOK, &listed)
	if len(listed.Data) != 0 {
		t.Fatalf("len = %d, want 0", len(listed.Data))
	}
}

func TestHandlers_healthAndReady(t *testing.T) {
	srv := newTestServer(t)
	anon := &testClient{t: t, base: srv.URL}

	resp, _ := anon.do(http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	resp, _ = anon.do(http.MethodGet, "/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
}
