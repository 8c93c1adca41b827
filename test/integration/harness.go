// Package integration provides a reusable test harness for end-to-end
// integration testing of the reviewflow HTTP API. It starts a full HTTP
// server over a real instance store with the gateway actor headers supplied
// per request.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/reviewflow/internal/capability"
	"github.com/pitabwire/reviewflow/internal/config"
	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/idempotency"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/internal/transport"
	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

// TestHarness encapsulates a fully wired reviewflow server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Store       workflow.InstanceStore
	Memory      *workflow.MemoryInstanceStore // nil unless the memory driver is used
	Manager     *workflow.Manager
	CapResolver *capability.Resolver
	Redis       *miniredis.Miniredis
	Metrics     *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	driver         string
	redis          bool
	handlerTimeout time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithSQLite stores instances in a temporary SQLite database instead of
// memory.
func WithSQLite() HarnessOption {
	return func(c *harnessConfig) {
		c.driver = config.DriverSQLite
	}
}

// WithRedis puts a miniredis-backed instance cache in front of the store and
// keeps idempotency keys in Redis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full reviewflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		driver:         config.DriverMemory,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir, "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policies.yaml")
	}

	h := &TestHarness{t: t}

	// Definitions and policy.
	defs, err := definition.LoadValidated(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(defs)

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile, "ADMIN")
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0) // no caching in tests

	// Metrics.
	h.Metrics = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Metrics)

	// Instance store.
	var store workflow.InstanceStore
	switch hc.driver {
	case config.DriverSQLite:
		db, err := workflow.OpenSQLite(filepath.Join(t.TempDir(), "reviewflow.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		sqlStore, err := workflow.NewSQLiteInstanceStore(context.Background(), db)
		if err != nil {
			t.Fatalf("migrate sqlite: %v", err)
		}
		store = sqlStore
	default:
		h.Memory = workflow.NewMemoryInstanceStore()
		store = h.Memory
	}
	store = workflow.NewInstrumentedStore(store, hc.driver, metrics)

	var idem idempotency.Store = idempotency.NewMemoryStore()
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
	}
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		store = workflow.NewCachedInstanceStore(store, client, time.Minute, nil)
		idem = idempotency.NewRedisStore(client)
		readiness.Redis = observability.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	h.Store = store
	readiness.Store = observability.PingFunc(store.Ping)

	h.Manager = workflow.NewManager(h.Registry, h.Store, h.CapResolver,
		workflow.WithDefaultWorkflow("article-review"),
		workflow.WithMetrics(metrics),
	)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Idempotency.Enabled = true

	router := transport.NewRouter(transport.Dependencies{
		Config:     h.cfg,
		Manager:    h.Manager,
		Registry:   h.Registry,
		Authorizer: h.CapResolver,
		Reload: func(context.Context) error {
			if err := h.Registry.Reload(hc.definitionDirs); err != nil {
				return err
			}
			return h.CapResolver.Sync()
		},
		Idempotency: idem,
		Metrics:     metrics,
		Gatherer:    h.Metrics,
		Readiness:   readiness,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request as actor.
func (h *TestHarness) GET(path string, actor model.Actor) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, actor, nil)
}

// POST performs a POST request as actor with a JSON body.
func (h *TestHarness) POST(path string, body any, actor model.Actor) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, actor, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, actor model.Actor, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, actor, headers)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path string, actor model.Actor, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, actor, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, actor model.Actor, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if actor.ID != "" {
		req.Header.Set(transport.HeaderActorID, actor.ID)
		req.Header.Set(transport.HeaderActorRole, actor.Role)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default actors ---

// Author returns an actor holding the draft stage role.
func Author() model.Actor { return model.Actor{ID: "user-author", Role: "Author"} }

// Reviewer returns an actor holding the review stage role.
func Reviewer() model.Actor { return model.Actor{ID: "user-reviewer", Role: "Reviewer"} }

// Publisher returns an actor holding the final stage role.
func Publisher() model.Actor { return model.Actor{ID: "user-publisher", Role: "Publisher"} }

// Editor returns an actor that may reset workflows.
func Editor() model.Actor { return model.Actor{ID: "user-editor", Role: "Editor"} }

// Admin returns an actor with every workflow capability.
func Admin() model.Actor { return model.Actor{ID: "user-admin", Role: "ADMIN"} }

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// workflowPath returns the workflow route prefix for a document.
func workflowPath(documentID string) string {
	return "/v1/documents/" + documentID + "/workflow"
}
