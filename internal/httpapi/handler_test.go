package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/admin"
	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/execctx"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/orchestrator"
	"pkt.systems/catalogd/internal/pipeline"
	"pkt.systems/catalogd/internal/status"
	"pkt.systems/catalogd/internal/storage/memory"
)

type fixture struct {
	server  *httptest.Server
	backend *memory.Store
	leases  *lease.Manager
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	backend := memory.New()
	clk := clock.NewManual(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	settings, err := admin.NewSettings(admin.Values{
		AppName:          "catalogd",
		RunLockTimeout:   time.Hour,
		AdminLockTimeout: time.Hour,
		MaxErrors:        3,
		AdminSecret:      "s3cret",
	}, "", nil)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	leases := lease.NewManager(lease.Config{Backend: backend, Owner: "node-a", Timeouts: settings, Clock: clk})
	publisher := status.New(status.Config{Backend: backend, Leases: leases, Clock: clk})
	registry := pipeline.NewRegistry()
	registry.Register(pipeline.KindMusts, pipeline.Func(func(context.Context) (pipeline.Outcome, error) {
		return pipeline.Outcome{HTTPStatus: http.StatusOK, Status: "SUCCESS", Message: "musts published"}, nil
	}))
	runStore := execctx.NewStore(execctx.Config{Backend: backend, Scope: execctx.Run, Guard: leases.RunGuard(), NonQueueable: []string{pipeline.KindScrape}})
	requests := orchestrator.New(orchestrator.Config{
		Leases:    leases,
		Context:   runStore,
		Pipelines: registry,
		Settings:  settings,
		Status:    publisher,
		Root: func(context.Context) api.RootResponse {
			return api.RootResponse{Name: settings.Snapshot().AppName}
		},
	})
	adminOrch := admin.New(admin.Config{Leases: leases, Backend: backend, Settings: settings, Status: publisher})
	h := New(Config{
		Requests: requests,
		Admin:    adminOrch,
		Settings: settings,
		Leases:   leases,
		Status:   publisher,
		Backend:  backend,
		Limiter:  limiter,
		Clock:    clk,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, backend: backend, leases: leases}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(api.HeaderRequestID) == "" {
		t.Fatalf("missing request id header")
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) postAdmin(t *testing.T, secret, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/admin", &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(api.HeaderAdminSecret, secret)
	}
	if token != "" {
		req.Header.Set(api.HeaderAdminLockToken, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /admin: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestRootAndRunRoutes(t *testing.T) {
	f := newFixture(t, nil)
	var root api.RootResponse
	if code := f.get(t, "/", &root); code != http.StatusOK || root.Name != "catalogd" {
		t.Fatalf("root: %d %+v", code, root)
	}
	var run api.RequestResponse
	if code := f.get(t, "/run-musts", &run); code != http.StatusOK || run.Message != "musts published" {
		t.Fatalf("run-musts: %d %+v", code, run)
	}
	run = api.RequestResponse{}
	if code := f.get(t, "/run-scrape", &run); code != http.StatusNotImplemented || run.Status != api.RequestStatusUnsupported {
		t.Fatalf("run-scrape: %d %+v", code, run)
	}
	var apiErr api.ErrorResponse
	if code := f.get(t, "/run/Bad%20Kind", &apiErr); code != http.StatusBadRequest || apiErr.ErrorCode != "invalid_kind" {
		t.Fatalf("invalid kind: %d %+v", code, apiErr)
	}
	var doc api.StatusDocument
	raw, ok := f.backend.Raw("status.json")
	if !ok || json.Unmarshal(raw, &doc) != nil || doc.Status != status.Idle {
		t.Fatalf("status not republished after run: %s", raw)
	}
}

func TestStatusAndHealthRoutes(t *testing.T) {
	f := newFixture(t, nil)
	var st api.StatusResponse
	if code := f.get(t, "/status", &st); code != http.StatusOK || st.Status != status.Idle || st.Run.Active {
		t.Fatalf("status: %d %+v", code, st)
	}
	if _, err := f.leases.AcquireAdmin(context.Background()); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if code := f.get(t, "/status", &st); code != http.StatusOK || st.Status != status.Busy || !st.Admin.Active {
		t.Fatalf("status under admin: %d %+v", code, st)
	}
	if code := f.get(t, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := f.get(t, "/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
}

func TestAdminAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	var resp api.AdminResponse
	if code := f.postAdmin(t, "", "", api.AdminRequest{Action: api.ActionAdminLockStatus}, &resp); code != http.StatusUnauthorized || resp.Status != api.AdminStatusFailed {
		t.Fatalf("missing secret: %d %+v", code, resp)
	}
	if code := f.postAdmin(t, "wrong", "", api.AdminRequest{Action: api.ActionAdminLockStatus}, nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", code)
	}
	var apiErr api.ErrorResponse
	if code := f.postAdmin(t, "s3cret", "", `{"action":"nope"}`, &apiErr); code != http.StatusBadRequest || apiErr.ErrorCode != "invalid_request" {
		t.Fatalf("schema rejection: %d %+v", code, apiErr)
	}
}

func TestAdminFlowOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	var acquired api.AdminResponse
	if code := f.postAdmin(t, "s3cret", "", api.AdminRequest{Action: api.ActionAdminLockAcquire}, &acquired); code != http.StatusOK {
		t.Fatalf("acquire: %d %+v", code, acquired)
	}
	token, _ := acquired.Data["lock_token"].(string)

	var run api.RequestResponse
	if code := f.get(t, "/run-musts", &run); code != http.StatusServiceUnavailable || run.Status != api.RequestStatusBusy {
		t.Fatalf("run under admin lock: %d %+v", code, run)
	}

	var resp api.AdminResponse
	if code := f.postAdmin(t, "s3cret", "wrong-token", api.AdminRequest{Action: api.ActionContextUnsuspend}, &resp); code != http.StatusConflict {
		t.Fatalf("wrong token: %d %+v", code, resp)
	}
	body := api.AdminRequest{Action: api.ActionSettingsSet, Payload: map[string]any{
		"updates": map[string]any{"MAX_ERRORS": 4, "LOCK_OWNER_ID": "evil"},
	}}
	if code := f.postAdmin(t, "s3cret", token, body, &resp); code != http.StatusMultiStatus || resp.Status != api.AdminStatusPartial {
		t.Fatalf("settings_set: %d %+v", code, resp)
	}
	payloadToken := api.AdminRequest{Action: api.ActionAdminLockRelease, Payload: map[string]any{"lock_token": token}}
	if code := f.postAdmin(t, "s3cret", "", payloadToken, &resp); code != http.StatusOK {
		t.Fatalf("release via payload token: %d %+v", code, resp)
	}
	if code := f.get(t, "/run-musts", &run); code != http.StatusOK {
		t.Fatalf("run after release: %d %+v", code, run)
	}
}

func TestAdminRateLimit(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	f := newFixture(t, NewRateLimiter(1, 1, clk))
	if code := f.postAdmin(t, "s3cret", "", api.AdminRequest{Action: api.ActionAdminLockStatus}, nil); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	var apiErr api.ErrorResponse
	if code := f.postAdmin(t, "s3cret", "", api.AdminRequest{Action: api.ActionAdminLockStatus}, &apiErr); code != http.StatusTooManyRequests || apiErr.ErrorCode != "rate_limited" {
		t.Fatalf("second request: %d %+v", code, apiErr)
	}
	clk.Advance(time.Second)
	if code := f.postAdmin(t, "s3cret", "", api.AdminRequest{Action: api.ActionAdminLockStatus}, nil); code != http.StatusOK {
		t.Fatalf("after refill: %d", code)
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	if NewRateLimiter(0, 1, nil) != nil {
		t.Fatalf("zero rps should disable limiting")
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("x") {
		t.Fatalf("nil limiter allows everything")
	}
	rl := NewRateLimiter(1, 1, clock.NewManual(time.Unix(0, 0)))
	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatalf("bucket for a should hold one token")
	}
	if !rl.Allow("b") {
		t.Fatalf("b has its own bucket")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(api.HeaderRequestID, "trace-me-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(api.HeaderRequestID); got != "trace-me-42" {
		t.Fatalf("request id = %q", got)
	}
}
