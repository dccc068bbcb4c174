package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestRunPhase_Download(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/download": `{"status":"partial","committed":1,"categories":[{"collection":"clientes","rows":3},{"collection":"roteiro","rows":0,"error":"server unreachable"}]}`,
	})

	res, err := runPhase(ctx, ts.client(), "/sync/download")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "partial" {
		t.Errorf("status = %q, want partial", res.Status)
	}
	if res.Committed != 1 {
		t.Errorf("committed = %d, want 1", res.Committed)
	}
	if len(res.Categories) != 2 || res.Categories[1].Error == "" {
		t.Errorf("categories = %+v, want two with the second failed", res.Categories)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Method != "POST" || ts.requests[0].Path != "/sync/download" {
		t.Errorf("request = %s %s, want POST /sync/download", ts.requests[0].Method, ts.requests[0].Path)
	}
	if ts.requests[0].Body != "" {
		t.Errorf("body = %q, want empty", ts.requests[0].Body)
	}
}

func TestRunPhase_Upload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/upload": `{"status":"ok","sent":4,"failed":0,"purged":2,"pending":{"sessoes":0,"registros":0,"fotos":0,"rotas":0,"total":0}}`,
	})

	res, err := runPhase(ctx, ts.client(), "/sync/upload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "ok" || res.Sent != 4 || res.Purged != 2 {
		t.Errorf("result = %+v, want ok with 4 sent and 2 purged", res)
	}
	if res.Pending.Total != 0 {
		t.Errorf("pending total = %d, want 0", res.Pending.Total)
	}
}

func TestRunPhase_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := runPhase(ctx, ts.client(), "/sync/download")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain '404'", err.Error())
	}
}

func TestListQueue(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue/registros": `[{"localId":7,"syncStatus":"error","createdAt":"2025-03-01T10:00:00Z","attempts":2,"lastError":"server returned 500","tipo":"despesa"}]`,
	})

	entries, err := listQueue(ctx, ts.client(), storage.QueueRecords, "error,pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LocalID != 7 || e.SyncStatus != "error" || e.Attempts != 2 {
		t.Errorf("entry = %+v", e)
	}
	if e.LastError != "server returned 500" {
		t.Errorf("lastError = %q", e.LastError)
	}

	if got := ts.requests[0].Path; got != "/queue/registros?status=error%2Cpending" {
		t.Errorf("path = %q, want status filter encoded", got)
	}
}

func TestListQueue_NoFilter(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue/fotos": `[]`,
	})

	entries, err := listQueue(ctx, ts.client(), storage.QueuePhotos, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	if got := ts.requests[0].Path; got != "/queue/fotos" {
		t.Errorf("path = %q, want /queue/fotos", got)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestStatusResponse_Decode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"online":true,"downloading":false,"uploading":true,"ultimaSync":"2025-03-01T06:00:00Z","pending":{"sessoes":1,"registros":2,"fotos":0,"rotas":0,"total":3},"configSync":{"horariosDownload":["06:00","12:00"],"enviarNoCheckout":true}}`,
	})

	resp, err := ts.client().get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st statusResponse
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Online || !st.Uploading || st.Downloading {
		t.Errorf("flags = %+v", st)
	}
	if st.LastSync == nil || st.LastSync.Hour() != 6 {
		t.Errorf("ultimaSync = %v, want 06:00", st.LastSync)
	}
	if st.Pending.Total != 3 || st.Pending.Records != 2 {
		t.Errorf("pending = %+v", st.Pending)
	}
	if len(st.Config.DownloadTimes) != 2 || !st.Config.SendOnCheckout {
		t.Errorf("configSync = %+v", st.Config)
	}
}

func TestPendingLabel(t *testing.T) {
	if got := pendingLabel(storage.PendingCounts{}); got != "none" {
		t.Errorf("pendingLabel(empty) = %q, want none", got)
	}
	got := pendingLabel(storage.PendingCounts{Sessions: 1, Photos: 2, Total: 3})
	want := "3 (sessoes 1, registros 0, fotos 2, rotas 0)"
	if got != want {
		t.Errorf("pendingLabel = %q, want %q", got, want)
	}
}

func TestFormatTime_Never(t *testing.T) {
	if got := formatTime(nil); got != "never" {
		t.Errorf("formatTime(nil) = %q, want never", got)
	}
}

func TestPhaseColor(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"ok", colorGreen},
		{"partial", colorYellow},
		{"offline", colorYellow},
		{"in_progress", colorYellow},
		{"auth_error", colorRed},
		{"timeout", colorRed},
		{"error", colorRed},
	}
	for _, tt := range tests {
		if got := phaseColor(tt.status); got != tt.want {
			t.Errorf("phaseColor(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestAPIClientPut_SendsJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /config/sync": `{"horariosDownload":["07:00"],"enviarNoCheckout":false}`,
	})

	body := map[string]any{"horariosDownload": []string{"07:00"}, "enviarNoCheckout": false}
	resp, err := ts.client().put(ctx, "/config/sync", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.requests[0].Body; !strings.Contains(got, `"horariosDownload":["07:00"]`) {
		t.Errorf("body = %q, want encoded config", got)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"unknown queue \"outra\"","type":"not_found_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	_, err := listQueue(ctx, client, "outra", "")

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *apiError", err)
	}
	if apiErr.Status != 404 || apiErr.Type != "not_found_error" || apiErr.Message != `unknown queue "outra"` {
		t.Errorf("apiError = %+v", apiErr)
	}
	if got := err.Error(); got != `unknown queue "outra" (HTTP 404, not_found_error)` {
		t.Errorf("Error() = %q", got)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway\n"))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "server returned 502: bad gateway" {
		t.Errorf("error = %v", err)
	}
}

type recordingReconfigurer struct {
	calls []metadata.SyncConfig
	err   error
}

func (r *recordingReconfigurer) Reconfigure(cfg metadata.SyncConfig) error {
	r.calls = append(r.calls, cfg)
	return r.err
}

func TestFileSyncTracker(t *testing.T) {
	target := &recordingReconfigurer{}
	tr := &fileSyncTracker{target: target, last: config.SyncConfig{DownloadTimes: "06:00,12:00", SendOnCheckout: true}}

	// Only non-sync keys changed.
	if tr.apply(config.SyncConfig{DownloadTimes: "06:00, 12:00", SendOnCheckout: true, ProbeInterval: time.Minute}) {
		t.Error("unchanged sync keys should not reconfigure")
	}
	if len(target.calls) != 0 {
		t.Fatalf("Reconfigure called %d times, want 0", len(target.calls))
	}

	if !tr.apply(config.SyncConfig{DownloadTimes: "07:30", SendOnCheckout: false}) {
		t.Fatal("changed sync keys should reconfigure")
	}
	got := target.calls[0]
	if len(got.DownloadTimes) != 1 || got.DownloadTimes[0] != "07:30" || got.SendOnCheckout {
		t.Errorf("Reconfigure(%+v)", got)
	}

	target.err = errors.New("horariosDownload: invalid time")
	if tr.apply(config.SyncConfig{DownloadTimes: "25:00"}) {
		t.Error("rejected keys should report false")
	}
	if tr.last.DownloadTimes != "07:30" {
		t.Errorf("last = %q, want the accepted keys kept", tr.last.DownloadTimes)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Remote.Origin = "https://campo.example.com"
	cfg.Remote.Token = "secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if strings.Contains(k.Value, "secret") {
			t.Errorf("ShowAll leaked a secret under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d, want positive", pid)
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removing PID file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"info":    "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSetupLogging_File(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	path := filepath.Join(t.TempDir(), "fieldsync.log")
	closer := setupLogging(config.LogConfig{Level: "info", File: path})
	slog.Info("rotating log check")
	if err := closer.Close(); err != nil {
		t.Fatalf("closing log file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "rotating log check") {
		t.Errorf("log file = %q, want the logged message", data)
	}
}
