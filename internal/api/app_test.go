package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

const testToken = "test-token"

// --- mocks ---

type mockSyncer struct {
	mu sync.Mutex

	status      syncer.StatusReport
	download    syncer.DownloadResult
	upload      syncer.UploadResult
	pending     storage.PendingCounts
	purged      int
	checkInErr  error
	checkoutErr error
	verdict     remote.Verdict

	checkIns     []syncer.Position
	checkouts    []int64
	reconfigured []metadata.SyncConfig
	validations  []string
}

func (m *mockSyncer) Status() (syncer.StatusReport, error) { return m.status, nil }

func (m *mockSyncer) Pull(context.Context) syncer.DownloadResult { return m.download }

func (m *mockSyncer) Push(context.Context) syncer.UploadResult { return m.upload }

func (m *mockSyncer) CheckForced(context.Context) (syncer.ForcedResult, error) {
	return syncer.ForcedResult{}, nil
}

func (m *mockSyncer) Purge() (int, error) { return m.purged, nil }

func (m *mockSyncer) PendingCounts() (storage.PendingCounts, error) { return m.pending, nil }

func (m *mockSyncer) CheckIn(_ context.Context, payload json.RawMessage, pos syncer.Position) (syncer.CheckInResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkInErr != nil {
		return syncer.CheckInResult{}, m.checkInErr
	}
	m.checkIns = append(m.checkIns, pos)
	return syncer.CheckInResult{LocalID: int64(len(m.checkIns)), CreatedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}, nil
}

func (m *mockSyncer) Checkout(_ context.Context, id int64, pos syncer.Position) (syncer.CheckoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkoutErr != nil {
		return syncer.CheckoutResult{}, m.checkoutErr
	}
	m.checkouts = append(m.checkouts, id)
	return syncer.CheckoutResult{LocalID: id, Sending: true}, nil
}

func (m *mockSyncer) ValidateTime(_ context.Context, op string, _ time.Time) remote.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations = append(m.validations, op)
	return m.verdict
}

func (m *mockSyncer) Reconfigure(cfg metadata.SyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconfigured = append(m.reconfigured, cfg)
	return nil
}

type staticConfig struct{ cfg metadata.SyncConfig }

func (s staticConfig) SyncConfig() (metadata.SyncConfig, error) { return s.cfg, nil }

// --- helpers ---

func newTestApp(t *testing.T) (http.Handler, *mockSyncer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := &mockSyncer{verdict: remote.Verdict{OK: true, Valid: true}}
	h := NewAppHandler(AppDeps{
		Sync:   m,
		Store:  store,
		Config: staticConfig{cfg: metadata.DefaultSyncConfig()},
		Token:  testToken,
	})
	return h, m, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error envelope %q: %v", rr.Body.String(), err)
	}
	return body.Error.Type
}

// --- tests ---

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := newTestApp(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	h, _, _ := newTestApp(t)
	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, rr.Code)
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("auth %q: error type = %q", auth, got)
		}
	}
}

func TestStatusAndSyncPhases(t *testing.T) {
	h, m, _ := newTestApp(t)
	m.status = syncer.StatusReport{Online: true, Pending: storage.PendingCounts{Records: 2, Total: 2}}
	m.download = syncer.DownloadResult{Status: syncer.StatusPartial, Committed: 3}
	m.upload = syncer.UploadResult{Status: syncer.StatusOffline}
	m.purged = 4

	rr := do(t, h, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"registros":2`) {
		t.Errorf("status: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/sync/download", "")
	var dl syncer.DownloadResult
	json.Unmarshal(rr.Body.Bytes(), &dl)
	if rr.Code != http.StatusOK || dl.Status != syncer.StatusPartial || dl.Committed != 3 {
		t.Errorf("download: %d %+v", rr.Code, dl)
	}

	rr = do(t, h, http.MethodPost, "/sync/upload", "")
	var ul syncer.UploadResult
	json.Unmarshal(rr.Body.Bytes(), &ul)
	if ul.Status != syncer.StatusOffline {
		t.Errorf("upload: %+v", ul)
	}

	rr = do(t, h, http.MethodPost, "/sync/purge", "")
	if !strings.Contains(rr.Body.String(), `"purged":4`) {
		t.Errorf("purge: %s", rr.Body.String())
	}
}

func TestCheckInAndCheckout(t *testing.T) {
	h, m, _ := newTestApp(t)

	rr := do(t, h, http.MethodPost, "/sessions", `{"payload":{"cliente":"c1"},"lat":-23.5,"lng":-46.6}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("check-in status = %d: %s", rr.Code, rr.Body.String())
	}
	if len(m.checkIns) != 1 || m.checkIns[0].Lat != -23.5 {
		t.Errorf("check-ins = %+v", m.checkIns)
	}

	rr = do(t, h, http.MethodPost, "/sessions/1/checkout", `{"lat":-23.6,"lng":-46.7}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkout status = %d: %s", rr.Code, rr.Body.String())
	}
	if len(m.checkouts) != 1 || m.checkouts[0] != 1 {
		t.Errorf("checkouts = %v", m.checkouts)
	}

	rr = do(t, h, http.MethodPost, "/sessions/abc/checkout", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/sessions", `{"payload":[1,2]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("array payload status = %d", rr.Code)
	}
}

func TestSessionErrors(t *testing.T) {
	h, m, _ := newTestApp(t)

	m.checkInErr = syncer.ErrTimeRejected
	rr := do(t, h, http.MethodPost, "/sessions", `{"payload":{}}`)
	if rr.Code != http.StatusUnprocessableEntity || errorType(t, rr) != "time_rejected_error" {
		t.Errorf("rejected check-in: %d %s", rr.Code, rr.Body.String())
	}

	m.checkoutErr = storage.ErrNotFound
	rr = do(t, h, http.MethodPost, "/sessions/99/checkout", `{}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rr.Code)
	}
}

func TestEnqueueAndList(t *testing.T) {
	h, _, store := newTestApp(t)

	rr := do(t, h, http.MethodPost, "/queue/registros", `{"tipo":"venda","valor":10}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		LocalID int64  `json:"localId"`
		Queue   string `json:"queue"`
	}
	json.Unmarshal(rr.Body.Bytes(), &created)
	if created.LocalID == 0 || created.Queue != storage.QueueRecords {
		t.Errorf("created = %+v", created)
	}
	if err := store.MarkError(storage.QueueRecords, created.LocalID, 0, "boom"); err != nil {
		t.Fatal(err)
	}

	rr = do(t, h, http.MethodGet, "/queue/registros?status=error", "")
	var entries []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding entries: %v", err)
	}
	if len(entries) != 1 || entries[0]["tipo"] != "venda" || entries[0]["lastError"] != "boom" {
		t.Errorf("entries = %v", entries)
	}

	rr = do(t, h, http.MethodGet, "/queue/registros?status=pending", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("pending list = %s, want []", rr.Body.String())
	}

	if rr := do(t, h, http.MethodGet, "/queue/registros?status=lost", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status filter: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/queue/nope", `{}`); rr.Code != http.StatusNotFound {
		t.Errorf("unknown queue enqueue: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/queue/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown queue list: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/queue/fotos", `"just a string"`); rr.Code != http.StatusBadRequest {
		t.Errorf("non-object payload: %d", rr.Code)
	}
}

func TestReferenceLookups(t *testing.T) {
	h, _, store := newTestApp(t)
	rows := []storage.Record{
		{Key: "1", Data: json.RawMessage(`{"id":"1","cidade":"Santos"}`)},
		{Key: "2", Data: json.RawMessage(`{"id":"2","cidade":"Campinas"}`)},
	}
	if err := store.ReplaceCollection(storage.CollectionCustomers, rows); err != nil {
		t.Fatal(err)
	}

	rr := do(t, h, http.MethodGet, "/reference/clientes", "")
	var all []map[string]string
	json.Unmarshal(rr.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Errorf("all = %v", all)
	}

	rr = do(t, h, http.MethodGet, "/reference/clientes?field=cidade&value=Santos", "")
	var byIndex []map[string]string
	json.Unmarshal(rr.Body.Bytes(), &byIndex)
	if len(byIndex) != 1 || byIndex[0]["id"] != "1" {
		t.Errorf("by index = %v", byIndex)
	}

	rr = do(t, h, http.MethodGet, "/reference/clientes/2", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Campinas") {
		t.Errorf("get: %d %s", rr.Code, rr.Body.String())
	}

	if rr := do(t, h, http.MethodGet, "/reference/clientes/9", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing key: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/reference/planetas", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown collection: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/reference/clientes?field=x')--&value=1", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid field: %d", rr.Code)
	}
}

func TestCurrentUser(t *testing.T) {
	h, _, _ := newTestApp(t)

	if rr := do(t, h, http.MethodGet, "/user", ""); rr.Code != http.StatusNotFound {
		t.Errorf("user before sign-in: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPut, "/user", `{"id":7,"nome":"Ana"}`); rr.Code != http.StatusNoContent {
		t.Fatalf("put user: %d %s", rr.Code, rr.Body.String())
	}
	rr := do(t, h, http.MethodGet, "/user", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Ana") {
		t.Errorf("get user: %d %s", rr.Code, rr.Body.String())
	}
}

func TestSyncConfigEndpoints(t *testing.T) {
	h, m, _ := newTestApp(t)

	rr := do(t, h, http.MethodGet, "/config/sync", "")
	if !strings.Contains(rr.Body.String(), `"horariosDownload":["06:00","12:00"]`) {
		t.Errorf("get config = %s", rr.Body.String())
	}

	rr = do(t, h, http.MethodPut, "/config/sync", `{"horariosDownload":["07:00"],"enviarNoCheckout":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put config: %d %s", rr.Code, rr.Body.String())
	}
	if len(m.reconfigured) != 1 || m.reconfigured[0].SendOnCheckout || m.reconfigured[0].DownloadTimes[0] != "07:00" {
		t.Errorf("reconfigured = %+v", m.reconfigured)
	}

	rr = do(t, h, http.MethodPut, "/config/sync", `{"horariosDownload":["25:00"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid time status = %d", rr.Code)
	}
	if len(m.reconfigured) != 1 {
		t.Error("invalid config reached the orchestrator")
	}
}

func TestValidateTime(t *testing.T) {
	h, m, _ := newTestApp(t)
	m.verdict = remote.Verdict{OK: false, Valid: false}

	rr := do(t, h, http.MethodPost, "/validate-time", `{"tipoOperacao":"checkin","timestamp":"2026-03-02T08:00:00Z"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"valido":false`) {
		t.Errorf("validate: %d %s", rr.Code, rr.Body.String())
	}
	if len(m.validations) != 1 || m.validations[0] != "checkin" {
		t.Errorf("validations = %v", m.validations)
	}

	if rr := do(t, h, http.MethodPost, "/validate-time", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing operation: %d", rr.Code)
	}
}
