package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpetscm/internal/audit"
	"cpetscm/internal/config"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/sandbox"
)

const testConfig = `
database:
  path: %[1]s/tscm.db
tscm:
  config_store: %[1]s/configs
  per_device_dirs: true
devices:
  - {id: bsr01, vendor: cisco, business_service: VPN, device_model: "3600"}
checks:
  - key: ACL10
    vendor: cisco
    business_service: VPN
    body: |
      validated = "access-list 10 permit" in config
  - key: NTP
    vendor: cisco
    business_service: VPN
    body: |
      validated = "ntp server" in config
`

type testServer struct {
	server *Server
	store  *database.ExtendedBoltStore
	index  *export.BleveSink
	cfg    *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	path := filepath.Join(dir, "tscm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dir)), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	store, err := database.NewExtendedBoltStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := export.OpenBleveSink("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	evaluator := sandbox.NewEvaluator(sandbox.Options{Timeout: 2 * time.Second, MaxSteps: 100000})
	t.Cleanup(func() { _ = evaluator.Close() })

	engine := audit.NewEngine(cfg, store, audit.Dependencies{
		Evaluator: evaluator,
		Snapshots: audit.NewDirSource(cfg.TSCM.ConfigStore, true),
		Sink:      index,
	})
	require.NoError(t, engine.SyncCatalog(context.Background()))

	snapshot := filepath.Join(cfg.TSCM.ConfigStore, "bsr01", "running.cfg")
	require.NoError(t, os.MkdirAll(filepath.Dir(snapshot), 0755))
	require.NoError(t, os.WriteFile(snapshot, []byte("access-list 10 permit any\nntp server 10.0.0.1\n"), 0644))

	return &testServer{
		server: NewServer(cfg, store, engine, index, nil),
		store:  store,
		index:  index,
		cfg:    cfg,
	}
}

func (ts *testServer) do(t *testing.T, method, target string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndBuild(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, body = ts.do(t, http.MethodGet, "/api/build", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, Version, data["version"])
	assert.NotEmpty(t, data["go_version"])
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = ts.do(t, http.MethodGet, "/api/devices/bsr01", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/devices/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunComplianceAndHistory(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/api/devices/bsr01/compliance", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := body["data"].(map[string]interface{})
	assert.Equal(t, true, report["is_compliant"])
	assert.EqualValues(t, 1, report["snapshots"])

	w, body = ts.do(t, http.MethodPost, "/api/devices/bsr01/compliance?check=NTP", "")
	require.Equal(t, http.StatusOK, w.Code)
	report = body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"NTP"}, report["rules"])

	w, _ = ts.do(t, http.MethodPost, "/api/devices/ghost/compliance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = ts.do(t, http.MethodGet, "/api/devices/bsr01/history?limit=1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = ts.do(t, http.MethodGet, "/api/devices/bsr01/history?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = ts.do(t, http.MethodGet, "/api/search?q=device_id:bsr01", "")
	assert.Equal(t, http.StatusOK, w.Code)
	// Document ids are per device per day, so the second run overwrites.
	assert.EqualValues(t, 3, body["total"])

	w, _ = ts.do(t, http.MethodGet, "/api/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRules(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/api/rules", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, body = ts.do(t, http.MethodGet, "/api/rules?vendor=cisco&service=VPN&model=3600&check=ACL10", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = ts.do(t, http.MethodPost, "/api/rules", `{"key":"SNMP"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = ts.do(t, http.MethodPost, "/api/rules",
		`{"key":"SNMP","vendor":"cisco","business_service":"VPN","body":"validated = True"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["data"].(map[string]interface{})["id"].(string)

	w, _ = ts.do(t, http.MethodDelete, "/api/rules/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = ts.do(t, http.MethodDelete, "/api/rules/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPurgeAndStats(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.store.CreateDevice(context.Background(), &database.Device{
		ID: "retired", Vendor: "cisco", BusinessService: "VPN",
	}))

	w, body := ts.do(t, http.MethodDelete, "/api/purge/devices", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["purged"])

	w, _ = ts.do(t, http.MethodDelete, "/api/purge/all", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/catalog/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = ts.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	stats := body["data"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["total_devices"])
	assert.EqualValues(t, 2, stats["total_rules"])
}

func TestSearchDisabled(t *testing.T) {
	ts := newTestServer(t)
	ts.server.search = nil

	w, _ := ts.do(t, http.MethodGet, "/api/search?q=x", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebSocketBroadcastsRuns(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.server.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/devices/bsr01/compliance", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string     `json:"type"`
		Data RunSummary `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageRunCompleted, msg.Type)
	assert.Equal(t, "bsr01", msg.Data.DeviceID)
	assert.True(t, msg.Data.IsCompliant)

	conn.Close()
	require.Eventually(t, func() bool { return ts.server.hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
