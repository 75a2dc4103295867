package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/fieldledger/backend/internal/app"
	"github.com/fieldledger/fieldledger/backend/internal/config"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/export"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/scheduler"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

type fakeScheduler struct {
	err       error
	calls     int
	triggered int
}

func (f *fakeScheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.Result{Rounds: 1, Sent: 3, Applied: 2}, nil
}

func (f *fakeScheduler) TriggerSync() bool {
	f.triggered++
	return true
}

func (f *fakeScheduler) Resume() bool { return false }

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{State: scheduler.StateOnline, Running: true}
}

type fakeExport struct {
	exported *export.ExportConfig
	imported *export.ImportConfig
	object   string
	err      error
}

func (f *fakeExport) Export(ctx context.Context, cfg export.ExportConfig) (*export.ExportResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.exported = &cfg
	return &export.ExportResult{Name: "site-a.flsync", PacketNo: 4, Changes: 2}, nil
}

func (f *fakeExport) Import(ctx context.Context, cfg export.ImportConfig) (*export.ImportResult, error) {
	f.imported = &cfg
	return &export.ImportResult{Envelopes: 1, Applied: 2}, nil
}

func (f *fakeExport) ImportFromStore(ctx context.Context, name, passphrase string) (*export.ImportResult, error) {
	f.object = name
	return &export.ImportResult{Envelopes: 1, Replays: 1}, nil
}

type recordedEvent struct {
	Type string
	Data interface{}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBroadcaster) Broadcast(eventType string, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{eventType, data})
}

type testAPI struct {
	stack    *app.Stack
	sched    *fakeScheduler
	exp      *fakeExport
	events   *fakeBroadcaster
	serverID string
	handler  http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	stack, err := app.OpenDesktop(ctx, &config.DesktopConfig{
		Database:  config.DatabaseConfig{Driver: "sqlite", DataDir: t.TempDir()},
		Schema:    config.SchemaConfig{Version: "1.0.0"},
		Packets:   config.PacketConfig{MaxChanges: 100, MaxBytes: 1 << 20},
		Conflicts: config.ConflictConfig{DefaultPolicy: "server_wins"},
		Sync:      config.SyncConfig{MaxRounds: 3},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close() })

	serverID := uuid.New()
	_, err = stack.Nodes.Join(ctx, nodes.Membership{NodeID: uuid.New(), Code: "site-a", ServerID: serverID})
	require.NoError(t, err)
	require.NoError(t, stack.BindDesktop(ctx, nil))

	api := &testAPI{
		stack:    stack,
		sched:    &fakeScheduler{},
		exp:      &fakeExport{},
		events:   &fakeBroadcaster{},
		serverID: serverID,
	}
	mux := http.NewServeMux()
	Routes(mux,
		NewSyncHandler(api.sched, stack.Nodes, stack.DB, stack.Resolver, serverID),
		NewExportHandler(api.exp, serverID, api.events),
		NewEntityHandler(stack.Entities, stack.Serializer),
	)
	api.handler = WithLogging(mux)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestEntities_Lifecycle(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.do(t, http.MethodPost, "/api/entities/Material", map[string]interface{}{
		"code": "REB-12", "name": "Rebar 12mm", "unit": "t", "unit_price": "812.40",
	})
	require.Equal(t, http.StatusOK, status, "%v", body)
	id, _ := body["uuid"].(string)
	require.True(t, uuid.IsValid(id))
	assert.Equal(t, "812.40", body["unit_price"])
	assert.NotNil(t, body["updated_at"])

	status, body = a.do(t, http.MethodGet, "/api/entities/Material/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Rebar 12mm", body["name"])

	status, body = a.do(t, http.MethodGet, "/api/entities/Material?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = a.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, status)
	server := body["server"].(map[string]interface{})
	assert.EqualValues(t, 1, server["pending_changes"])
	assert.Equal(t, "online", body["scheduler"].(map[string]interface{})["state"])

	status, _ = a.do(t, http.MethodDelete, "/api/entities/Material/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, body = a.do(t, http.MethodGet, "/api/entities/Material/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_deleted"])

	status, body = a.do(t, http.MethodGet, "/api/entities/Material", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])
}

func TestEntities_NestedItemsGetIDs(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodPost, "/api/entities/Estimate", map[string]interface{}{
		"number": "EST-7",
		"title":  "Garage slab",
		"lines": []interface{}{
			map[string]interface{}{"position": 1, "description": "Concrete C25"},
			map[string]interface{}{"position": 2, "description": "Mesh"},
		},
	})
	require.Equal(t, http.StatusOK, status, "%v", body)
	id := body["uuid"].(string)
	lines := body["lines"].([]interface{})
	require.Len(t, lines, 2)
	for _, l := range lines {
		line := l.(map[string]interface{})
		assert.True(t, uuid.IsValid(line["uuid"].(string)))
		assert.Equal(t, id, line["estimate_uuid"])
	}
}

func TestEntities_Errors(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.do(t, http.MethodPost, "/api/entities/Crane", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(apperrors.ErrUnknownEntityType), body["code"])

	status, body = a.do(t, http.MethodPost, "/api/entities/Material", map[string]interface{}{"code": "NO-NAME"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(apperrors.ErrSchemaMismatch), body["code"])

	status, _ = a.do(t, http.MethodPost, "/api/entities/EstimateLine", map[string]interface{}{"description": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodGet, "/api/entities/Material/"+uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = a.do(t, http.MethodGet, "/api/entities", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body["types"], "EstimateLine")
	assert.Contains(t, body["types"], "Material")
}

func TestSyncNow(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodPost, "/api/sync/now", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["sent"])

	a.sched.err = apperrors.New(apperrors.ErrNetwork, "dial tcp: connection refused")
	status, body = a.do(t, http.MethodPost, "/api/sync/now", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, string(apperrors.ErrNetwork), body["code"])
	assert.Equal(t, "sync server unreachable", body["error"])

	status, body = a.do(t, http.MethodPost, "/api/sync/now?async=1", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["triggered"])
	assert.Equal(t, 2, a.sched.calls)

	status, body = a.do(t, http.MethodPost, "/api/sync/resume", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["resumed"])
}

func TestConflicts(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodGet, "/api/sync/conflicts/manual", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	status, _ = a.do(t, http.MethodGet, "/api/sync/conflicts?kind=conflict", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(t, http.MethodPost, "/api/sync/conflicts/manual/42/resolve", ResolveRequest{Choice: "both"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodPost, "/api/sync/conflicts/manual/42/resolve", ResolveRequest{Choice: "take_incoming"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Zero(t, a.sched.triggered)
}

func TestExport(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodPost, "/api/sync/export", ExportRequest{Passphrase: "long enough phrase", Upload: true})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 4, body["packet_no"])
	require.NotNil(t, a.exp.exported)
	assert.Equal(t, a.serverID, a.exp.exported.PeerNodeID)
	assert.True(t, a.exp.exported.Upload)
	require.Len(t, a.events.events, 1)
	assert.Equal(t, EventExportCompleted, a.events.events[0].Type)

	a.exp.err = apperrors.New(apperrors.ErrExportFailed, "disk full")
	status, _ = a.do(t, http.MethodPost, "/api/sync/export", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, EventExportFailed, a.events.events[1].Type)
}

func TestImport(t *testing.T) {
	a := newTestAPI(t)
	status, _ := a.do(t, http.MethodPost, "/api/sync/import", ImportRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodPost, "/api/sync/import", ImportRequest{Path: "a", Object: "b"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := a.do(t, http.MethodPost, "/api/sync/import", ImportRequest{Path: "/media/usb/site-a.flsync", Passphrase: "pw"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["applied"])
	assert.Equal(t, "/media/usb/site-a.flsync", a.exp.imported.Path)
	assert.Equal(t, "pw", a.exp.imported.Passphrase)

	status, body = a.do(t, http.MethodPost, "/api/sync/import", ImportRequest{Object: "site-a.flsync"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["replays"])
	assert.Equal(t, "site-a.flsync", a.exp.object)
	assert.Equal(t, EventImportCompleted, a.events.events[len(a.events.events)-1].Type)
}
