package catalogd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/pipeline"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/storage/memory"
)

func startTestServer(t *testing.T, backend *memory.Store, opts ...Option) (*Server, string) {
	t.Helper()
	cfg := Config{
		Listen:      "127.0.0.1:0",
		Store:       "mem://",
		LockOwner:   "test-node",
		AdminSecret: "s3cret",
	}
	opts = append([]Option{WithBackend(backend)}, opts...)
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func TestServerEndToEnd(t *testing.T) {
	backend := memory.New()
	var runs atomic.Int32
	_, base := startTestServer(t, backend, WithPipeline(pipeline.KindMusts, pipeline.Func(func(context.Context) (pipeline.Outcome, error) {
		runs.Add(1)
		return pipeline.Outcome{HTTPStatus: http.StatusOK, Status: "SUCCESS", Message: "ok"}, nil
	})))

	if _, ok := backend.Raw("status.json"); !ok {
		t.Fatalf("startup status document missing")
	}

	resp, err := http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	var root api.RootResponse
	json.NewDecoder(resp.Body).Decode(&root)
	resp.Body.Close()
	if root.Name != DefaultAppName || root.Status != "idle" || root.Endpoints["musts"] == "" {
		t.Fatalf("unexpected root %+v", root)
	}

	resp, err = http.Get(base + "/run-musts")
	if err != nil {
		t.Fatalf("GET /run-musts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || runs.Load() != 1 {
		t.Fatalf("run-musts: %d runs=%d", resp.StatusCode, runs.Load())
	}

	body, _ := json.Marshal(api.AdminRequest{Action: api.ActionSettingsGet})
	req, _ := http.NewRequest(http.MethodPost, base+"/admin", bytes.NewReader(body))
	req.Header.Set(api.HeaderAdminSecret, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /admin: %v", err)
	}
	var adminResp api.AdminResponse
	json.NewDecoder(resp.Body).Decode(&adminResp)
	resp.Body.Close()
	settings, _ := adminResp.Data["settings"].(map[string]any)
	if resp.StatusCode != http.StatusOK || settings["ADMIN_SECRET"] != "***" || settings["LOCK_OWNER_ID"] != "***" {
		t.Fatalf("settings_get: %d %+v", resp.StatusCode, adminResp)
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"}, WithBackend(memory.New()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRootReportsPublishedStatusWithoutTouchingLeases(t *testing.T) {
	backend := memory.New()
	_, base := startTestServer(t, backend)

	expired := lease.Record{
		Owner:      "other-node",
		AcquiredAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	payload, _ := json.Marshal(expired)
	if _, err := backend.PutObject(context.Background(), "run.lock", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("seed run lease: %v", err)
	}

	resp, err := http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	var root api.RootResponse
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		t.Fatalf("decode root: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || root.Status != "idle" {
		t.Fatalf("unexpected root %d %+v", resp.StatusCode, root)
	}
	if _, ok := backend.Raw("run.lock"); !ok {
		t.Fatalf("root request reclaimed the expired run lease")
	}
}
