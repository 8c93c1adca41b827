package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/reviewflow/internal/transport"
	"github.com/pitabwire/reviewflow/model"
)

// ==========================================================================
// Actor headers
// ==========================================================================

func TestSecurity_MissingActor_Returns400(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", workflowPath("doc1")},
		{"GET", workflowPath("doc1") + "/history"},
		{"GET", workflowPath("doc1") + "/actions"},
		{"POST", workflowPath("doc1") + "/start"},
		{"POST", workflowPath("doc1") + "/advance"},
		{"POST", workflowPath("doc1") + "/reset"},
		{"POST", workflowPath("doc1") + "/reconcile"},
		{"GET", "/v1/workflows/definitions"},
		{"GET", "/v1/admin/instances"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var resp *http.Response
			if ep.method == "GET" {
				resp = h.GET(ep.path, model.Actor{})
			} else {
				resp = h.POST(ep.path, map[string]any{}, model.Actor{})
			}
			h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
		})
	}
}

func TestSecurity_ActorWithoutRole_Returns400(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders(workflowPath("doc1"), model.Actor{}, map[string]string{
		transport.HeaderActorID: "user-1",
	})
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}

func TestSecurity_MalformedDocumentID_Returns400(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/documents/has%20space/workflow", Author())
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)

	resp = h.GET(workflowPath(strings.Repeat("x", 129)), Author())
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}

// ==========================================================================
// Role gating
// ==========================================================================

func TestSecurity_StageRoleGating(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	intruders := []model.Actor{Reviewer(), Publisher(), Editor(), {ID: "x", Role: "author"}}
	for _, actor := range intruders {
		t.Run(actor.Role, func(t *testing.T) {
			resp := h.POST(workflowPath("doc1")+"/advance", map[string]any{"action": "submit"}, actor)
			h.AssertError(t, resp, http.StatusForbidden, model.ErrRoleNotAuthorized)
		})
	}

	if got := view(t, h, "doc1", Author()).Instance.CurrentStageID; got != "draft" {
		t.Errorf("stage after rejected attempts = %q, want draft", got)
	}
}

func TestSecurity_CapabilityGating(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	tests := []struct {
		name    string
		path    string
		allowed model.Actor
		denied  model.Actor
	}{
		{"reset", workflowPath("doc1") + "/reset", Editor(), Author()},
		{"reconcile", workflowPath("doc1") + "/reconcile", model.Actor{ID: "user-auditor", Role: "Auditor"}, Editor()},
		{"reconcile all", "/v1/admin/reconcile", Admin(), Reviewer()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertError(t, h.POST(tt.path, map[string]any{}, tt.denied), http.StatusForbidden, model.ErrRoleNotAuthorized)
			h.AssertStatus(t, h.POST(tt.path, map[string]any{}, tt.allowed), http.StatusOK)
		})
	}
}

func TestSecurity_AdminRoutesRequireAdmin(t *testing.T) {
	h := NewTestHarness(t)

	for _, actor := range []model.Actor{Author(), Editor(), {ID: "user-auditor", Role: "Auditor"}} {
		t.Run(actor.Role, func(t *testing.T) {
			h.AssertError(t, h.GET("/v1/admin/instances", actor), http.StatusForbidden, model.ErrForbidden)
			h.AssertError(t, h.POST("/v1/admin/definitions/reload", nil, actor), http.StatusForbidden, model.ErrForbidden)
		})
	}

	h.AssertStatus(t, h.GET("/v1/admin/instances", Admin()), http.StatusOK)
}

// ==========================================================================
// Response hygiene
// ==========================================================================

func TestSecurity_SecurityHeaders(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	responses := map[string]*http.Response{
		"public":    h.GET("/healthz", model.Actor{}),
		"success":   h.GET(workflowPath("doc1"), Author()),
		"error":     h.POST(workflowPath("doc1")+"/advance", map[string]any{"action": "approve"}, Author()),
		"not found": h.GET("/v1/nope", Author()),
	}

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for name, resp := range responses {
		resp.Body.Close()
		for header, value := range want {
			if got := resp.Header.Get(header); got != value {
				t.Errorf("%s: %s = %q, want %q", name, header, got, value)
			}
		}
		if resp.Header.Get("Strict-Transport-Security") == "" {
			t.Errorf("%s: missing Strict-Transport-Security", name)
		}
	}
}

func TestSecurity_CorrelationID(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders(workflowPath("doc1"), Author(), map[string]string{
		transport.HeaderCorrelationID: "corr-123",
	})
	resp.Body.Close()
	if got := resp.Header.Get(transport.HeaderCorrelationID); got != "corr-123" {
		t.Errorf("echoed correlation id = %q", got)
	}

	resp = h.GET(workflowPath("doc1"), Author())
	resp.Body.Close()
	if resp.Header.Get(transport.HeaderCorrelationID) == "" {
		t.Error("a correlation id should be generated when absent")
	}
}

func TestSecurity_CORS(t *testing.T) {
	h := NewTestHarness(t)

	allowed := h.GETWithHeaders("/healthz", model.Actor{}, map[string]string{"Origin": "http://localhost:3000"})
	allowed.Body.Close()
	if got := allowed.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allowed origin header = %q", got)
	}

	denied := h.GETWithHeaders("/healthz", model.Actor{}, map[string]string{"Origin": "https://evil.example"})
	denied.Body.Close()
	if got := denied.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin %q", got)
	}
}

func TestSecurity_ErrorBodiesDoNotLeakInternals(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	responses := []*http.Response{
		h.POST(workflowPath("doc1")+"/advance", map[string]any{"action": "nope"}, Author()),
		h.POST(workflowPath("doc1")+"/start", map[string]any{"workflowId": "ghost"}, Author()),
		h.GET("/v1/workflows/definitions/ghost", Author()),
	}
	for _, resp := range responses {
		body := string(h.ReadBody(resp))
		for _, leak := range []string{"goroutine", ".go:", "runtime.", "panic"} {
			if strings.Contains(body, leak) {
				t.Errorf("error body contains %q: %s", leak, body)
			}
		}
		if !strings.Contains(body, `"code"`) {
			t.Errorf("error body is not an envelope: %s", body)
		}
	}
}

func TestSecurity_OversizedBodyRejected(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	resp := h.POST(workflowPath("doc1")+"/advance", map[string]any{
		"action":  "submit",
		"comment": strings.Repeat("a", 2<<20),
	}, Author())
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}
