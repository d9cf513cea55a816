package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/gpu"
)

func startService(t *testing.T, dbPath string) (*Service, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.URL = dbPath
	cfg.Stream.URL = "memory"
	cfg.Bus.URL = ""
	cfg.Orchestrator.Addr = "127.0.0.1:0"
	// Keep the leader loop quiet for the duration of a test.
	cfg.Orchestrator.ReclaimIntervalSeconds = 60
	return startServiceCfg(t, cfg)
}

func startServiceCfg(t *testing.T, cfg config.Config) (*Service, string) {
	t.Helper()

	svc, err := New(cfg, gpu.NewStatic(rtx3090()), events.NewBus(32), zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var addr string
	for time.Now().Before(deadline) {
		if addr = svc.Shell().BoundAddr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		cancel()
		t.Fatal("service never bound its listener")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not shut down")
		}
	})
	return svc, "http://" + addr
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp, decoded
}

func TestServiceLeaseLifecycleOverHTTP(t *testing.T) {
	svc, base := startService(t, filepath.Join(t.TempDir(), "svc.db"))
	if !svc.IsLeader() {
		t.Fatal("single replica did not take leadership")
	}

	resp, grant := postJSON(t, base+"/leases", `{"agent":"analyst","mode":"gpu"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("lease create status = %d, want 201 (%v)", resp.StatusCode, grant)
	}
	token, _ := grant["token"].(string)
	if token == "" {
		t.Fatalf("no token in grant: %v", grant)
	}
	if idx, ok := grant["gpu_index"].(float64); !ok || int(idx) != 0 {
		t.Errorf("gpu_index = %v, want 0", grant["gpu_index"])
	}

	resp, hb := postJSON(t, base+"/leases/"+token+"/heartbeat", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d (%v)", resp.StatusCode, hb)
	}
	if _, err := time.Parse(time.RFC3339Nano, hb["expires_at"].(string)); err != nil {
		t.Errorf("expires_at %v: %v", hb["expires_at"], err)
	}

	resp, rel := postJSON(t, base+"/leases/"+token+"/release", `{}`)
	if resp.StatusCode != http.StatusOK || rel["released"] != true {
		t.Fatalf("release status = %d (%v)", resp.StatusCode, rel)
	}

	listResp, err := http.Get(base + "/leases")
	if err != nil {
		t.Fatalf("GET /leases: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Leases []Lease `json:"leases"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Leases) != 0 {
		t.Errorf("leases after release = %d, want 0", len(list.Leases))
	}
}

func TestServiceToolCallEnvelope(t *testing.T) {
	_, base := startService(t, filepath.Join(t.TempDir(), "svc.db"))

	resp, envelope := postJSON(t, base+"/lease_gpu",
		`{"args":[],"kwargs":{"agent":"analyst","mode":"gpu","ttl_seconds":60}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, envelope)
	}
	if envelope["status"] != "success" {
		t.Fatalf("envelope status = %v", envelope["status"])
	}
	data, _ := envelope["data"].(map[string]any)
	if data["token"] == "" || data["token"] == nil {
		t.Errorf("no token in data: %v", envelope)
	}

	// Validation failures come back as the error envelope.
	resp, envelope = postJSON(t, base+"/lease_gpu", `{"kwargs":{"mode":"gpu"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing agent status = %d, want 400", resp.StatusCode)
	}
	if envelope["status"] != "error" {
		t.Errorf("envelope status = %v, want error", envelope["status"])
	}
}

func TestServiceJobRoutes(t *testing.T) {
	_, base := startService(t, filepath.Join(t.TempDir(), "svc.db"))

	resp, job := postJSON(t, base+"/jobs/submit",
		`{"type":"inference","payload":{"prompt":"summarize"},"model_id":"mistral-7b"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d (%v)", resp.StatusCode, job)
	}
	jobID, _ := job["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id: %v", job)
	}
	if job["status"] != JobPending {
		t.Errorf("status = %v, want %q", job["status"], JobPending)
	}

	getResp, err := http.Get(base + "/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", getResp.StatusCode)
	}

	resp, done := postJSON(t, base+"/jobs/"+jobID+"/complete",
		`{"status":"succeeded","result":{"summary":"fine"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d (%v)", resp.StatusCode, done)
	}
	if done["status"] != JobSucceeded {
		t.Errorf("completed status = %v", done["status"])
	}

	missing, err := http.Get(base + "/jobs/no-such-job")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", missing.StatusCode)
	}
}

func TestFollowerRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	leader, _ := startService(t, dbPath)
	if !leader.IsLeader() {
		t.Fatal("first replica did not take leadership")
	}

	follower, followerBase := startService(t, dbPath)
	if follower.IsLeader() {
		t.Fatal("second replica also claims leadership")
	}

	resp, body := postJSON(t, followerBase+"/leases", `{"agent":"analyst","mode":"gpu"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("follower write status = %d, want 503 (%v)", resp.StatusCode, body)
	}
	if body["kind"] != "not_leader" {
		t.Errorf("kind = %v, want not_leader", body["kind"])
	}
	detail := fmt.Sprint(body["detail"])
	if !strings.Contains(detail, "not the leader") {
		t.Errorf("detail = %q", detail)
	}

	// Reads stay available on followers.
	listResp, err := http.Get(followerBase + "/leases")
	if err != nil {
		t.Fatalf("GET /leases on follower: %v", err)
	}
	listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Errorf("follower read status = %d, want 200", listResp.StatusCode)
	}
}

func TestServiceAdapterResolution(t *testing.T) {
	cfg := config.Default()
	cfg.Store.URL = filepath.Join(t.TempDir(), "svc.db")
	cfg.Stream.URL = "memory"
	cfg.Bus.URL = ""
	cfg.Orchestrator.Addr = "127.0.0.1:0"
	cfg.Orchestrator.ReclaimIntervalSeconds = 60
	cfg.Orchestrator.AdapterPaths = "sentiment=/srv/adapters/sentiment"
	cfg.Orchestrator.AdapterCacheDir = t.TempDir()
	_, base := startServiceCfg(t, cfg)

	listResp, err := http.Get(base + "/adapters")
	if err != nil {
		t.Fatalf("GET /adapters: %v", err)
	}
	var listing struct {
		Adapters map[string]string `json:"adapters"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode adapter listing: %v", err)
	}
	listResp.Body.Close()
	if listing.Adapters["sentiment"] != "/srv/adapters/sentiment" {
		t.Errorf("adapter table = %v", listing.Adapters)
	}

	resp, body := postJSON(t, base+"/resolve_adapter", `{"args":[],"kwargs":{"name":"sentiment"}}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "success" {
		t.Fatalf("resolve status = %d (%v)", resp.StatusCode, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["path"] != "/srv/adapters/sentiment" {
		t.Errorf("path = %v, want the local entry passed through", data["path"])
	}

	resp, body = postJSON(t, base+"/resolve_adapter", `{"args":[],"kwargs":{"name":"ghost"}}`)
	if resp.StatusCode != http.StatusNotFound || body["status"] != "error" {
		t.Errorf("unknown adapter status = %d (%v)", resp.StatusCode, body)
	}
}
