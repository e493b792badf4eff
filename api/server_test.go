package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/itamrec/policy"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/schema"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/storage/storagetest"
	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/types"
)

// stubEngine is a reconciler.Reconciler with pluggable runs
type stubEngine struct {
	reconcileFn func(ctx context.Context, itamID, activeID string) (*reconciler.RunResult, error)
	latestFn    func(ctx context.Context) (*reconciler.RunResult, error)
	state       types.RunState
}

func (e *stubEngine) Reconcile(ctx context.Context, itamID, activeID string) (*reconciler.RunResult, error) {
	return e.reconcileFn(ctx, itamID, activeID)
}

func (e *stubEngine) ReconcileLatest(ctx context.Context) (*reconciler.RunResult, error) {
	return e.latestFn(ctx)
}

func (e *stubEngine) State() types.RunState {
	return e.state
}

type testServer struct {
	server *Server
	store  *storage.BoltStore
	engine *stubEngine
	itam   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "itamrec.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.ReplaceSnapshot(ctx, storagetest.Fixture("run-1"))
	require.NoError(t, err)

	scope, err := policy.NewScopeEngine(ctx, "")
	require.NoError(t, err)

	itamDir, activeDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(itamDir, "itam.csv"), []byte("itam_id\n"), 0600))

	engine := &stubEngine{state: types.RunState{
		CurrentITAMSource:   "itam.csv",
		CurrentActiveSource: "active.csv",
		LastReconciledAt:    "2026-10-17 09:30:00",
		RunID:               "run-1",
		Revision:            1,
	}}

	server := NewServer(store, scope,
		WithEngine(engine),
		WithSources(source.NewDirSource("itam", itamDir), source.NewDirSource("active", activeDir)),
		WithLogger(telemetry.Nop()),
	)

	return &testServer{server: server, store: store, engine: engine, itam: itamDir}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

var (
	asAdmin   = map[string]string{HeaderRole: "admin"}
	asFinance = map[string]string{HeaderRole: "DEPT", HeaderDepartment: "finance"}
)

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDepartments_OpenToAnyone(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/departments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"FINANCE", "OPS", "SALES"}, decode[[]string](t, rec))
}

func TestSummary(t *testing.T) {
	ts := newTestServer(t)

	t.Run("admin", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/summary", nil, asAdmin)
		require.Equal(t, http.StatusOK, rec.Code)

		rows := decode[[]types.SummaryRow](t, rec)
		require.NotEmpty(t, rows)
		assert.Equal(t, "apac", rows[0].Region)
		assert.Equal(t, "FINANCE", rows[0].Department)
	})

	t.Run("department viewer is forbidden", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/summary", nil, asFinance)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRecords(t *testing.T) {
	ts := newTestServer(t)

	t.Run("admin filters freely", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records?region=emea&department=SALES&status=Pending", nil, asAdmin)
		require.Equal(t, http.StatusOK, rec.Code)

		records := decode[[]types.ReconciledRecord](t, rec)
		require.Len(t, records, 2)
		assert.Equal(t, "db-01", records[0].Hostname)
		assert.Equal(t, "web-01", records[1].Hostname)
	})

	t.Run("department viewer sees own region and department only", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records", nil, asFinance)
		require.Equal(t, http.StatusOK, rec.Code)

		records := decode[[]types.ReconciledRecord](t, rec)
		require.Len(t, records, 1)
		assert.Equal(t, "4", records[0].ITAMID)
	})

	t.Run("department viewer asking for another department", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records?department=OPS", nil, asFinance)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown department has no region", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records", nil,
			map[string]string{HeaderRole: "DEPT", HeaderDepartment: "LEGAL"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("anonymous", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bad status", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records?status=Done", nil, asAdmin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRecords_DrillDownKeepsDepartmentCase(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.ReplaceSnapshot(context.Background(), storagetest.Snapshot("run-2", []types.ReconciledRecord{
		storagetest.Record("1", "web-01", "prod", "Finance", "emea", types.StatusPending),
		storagetest.Record("2", "web-02", "prod", "FINANCE", "emea", types.StatusPending),
	}))
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/summary", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]types.SummaryRow](t, rec)
	require.Len(t, rows, 2)

	for _, row := range rows {
		rec := ts.do(t, http.MethodGet, "/api/v1/records?region="+row.Region+"&department="+row.Department, nil, asAdmin)
		require.Equal(t, http.StatusOK, rec.Code)

		records := decode[[]types.ReconciledRecord](t, rec)
		require.Len(t, records, row.Total, row.Department)
		assert.Equal(t, row.Department, records[0].Department)
	}

	t.Run("department viewer header is upper-cased", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/records", nil,
			map[string]string{HeaderRole: "DEPT", HeaderDepartment: "Finance"})
		require.Equal(t, http.StatusOK, rec.Code)

		records := decode[[]types.ReconciledRecord](t, rec)
		require.Len(t, records, 1)
		assert.Equal(t, "2", records[0].ITAMID)
	})
}

func TestState(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/state", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StateResponse](t, rec)
	assert.Equal(t, ts.engine.state, resp.State)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, int64(1), resp.Snapshot.Revision)
	assert.Equal(t, "run-1", resp.Snapshot.RunID)
}

func TestSources(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/sources", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SourcesResponse](t, rec)
	require.Len(t, resp.ITAM, 1)
	assert.Equal(t, "itam.csv", resp.ITAM[0].ID)
	assert.NotNil(t, resp.Active)
	assert.Empty(t, resp.Active)
}

func TestReconcile(t *testing.T) {
	t.Run("chosen pair", func(t *testing.T) {
		ts := newTestServer(t)
		var gotITAM, gotActive string
		ts.engine.reconcileFn = func(_ context.Context, itamID, activeID string) (*reconciler.RunResult, error) {
			gotITAM, gotActive = itamID, activeID
			return &reconciler.RunResult{Meta: types.SnapshotMeta{Revision: 2}}, nil
		}

		rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", []byte(`{"itam":"a.csv","active":"b.csv"}`), asAdmin)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, "a.csv", gotITAM)
		assert.Equal(t, "b.csv", gotActive)
		assert.Equal(t, int64(2), decode[ReconcileResponse](t, rec).Run.Meta.Revision)
	})

	t.Run("latest pair with empty body", func(t *testing.T) {
		ts := newTestServer(t)
		ts.engine.latestFn = func(context.Context) (*reconciler.RunResult, error) {
			return &reconciler.RunResult{Meta: types.SnapshotMeta{Revision: 3}}, nil
		}

		rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", nil, asAdmin)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(3), decode[ReconcileResponse](t, rec).Run.Meta.Revision)
	})

	t.Run("nothing to reconcile", func(t *testing.T) {
		ts := newTestServer(t)
		ts.engine.latestFn = func(context.Context) (*reconciler.RunResult, error) { return nil, nil }

		rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", []byte(`{}`), asAdmin)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("half a pair", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", []byte(`{"itam":"a.csv"}`), asAdmin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("department viewer", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", nil, asFinance)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", &source.SourceNotFoundError{Source: "itam", ID: "a.csv", Err: os.ErrNotExist}, http.StatusNotFound},
		{"parse", &source.ParseError{Source: "itam", ID: "a.csv", Line: 3, Err: errors.New("wrong number of fields")}, http.StatusUnprocessableEntity},
		{"identity", &schema.MissingIdentityColumnError{Aliases: schema.IdentityAliases}, http.StatusUnprocessableEntity},
		{"schema", &schema.SchemaValidationError{Side: "inventory", Missing: []string{"department"}}, http.StatusUnprocessableEntity},
		{"persist", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tc := range errorCases {
		t.Run("failure "+tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.engine.reconcileFn = func(context.Context, string, string) (*reconciler.RunResult, error) {
				return nil, tc.err
			}

			rec := ts.do(t, http.MethodPost, "/api/v1/reconcile", []byte(`{"itam":"a.csv","active":"b.csv"}`), asAdmin)
			assert.Equal(t, tc.status, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			require.NotNil(t, resp.Applied)
			assert.False(t, *resp.Applied)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestStatusFor_Wrapped(t *testing.T) {
	err := &schema.SchemaValidationError{Side: "inventory", Missing: []string{"region"}}
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(errors.Join(errors.New("context"), err)))
	assert.Equal(t, http.StatusForbidden, statusFor(policy.ErrForbidden))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/reconcile", nil, asAdmin)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
