package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
)

type storeStub struct {
	pingErr    error
	pending    int64
	processing int64
	countErr   error
	sum        harvest.RunSummary
	sumErr     error
}

func (s *storeStub) Ping(context.Context) error { return s.pingErr }

func (s *storeStub) CountByStatus(_ context.Context, status harvest.Status) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	switch status {
	case harvest.StatusPending:
		return s.pending, nil
	case harvest.StatusProcessing:
		return s.processing, nil
	}
	return 0, nil
}

func (s *storeStub) Metrics(context.Context) (harvest.RunSummary, error) {
	return s.sum, s.sumErr
}

func get(t *testing.T, st Store, path string) *httptest.ResponseRecorder {
	t.Helper()
	server := NewServer(st, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz_OK(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{}, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz_StoreUp(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{}, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ready"`)
}

func TestServer_Readyz_StoreDown(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{pingErr: errors.New("database is locked")}, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestServer_Metrics_ServesRegistry(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{}, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvest_active_workers")
}

func TestServer_GetRun_Active(t *testing.T) {
	t.Parallel()

	st := &storeStub{
		pending:    7,
		processing: 2,
		sum: harvest.RunSummary{
			Counts: []harvest.StatusCount{
				{Source: "reuters", Status: harvest.StatusSuccess, Count: 41},
				{Source: "wsj", Status: harvest.StatusPaywallSuspected, Count: 5},
			},
			TotalURLs:   55,
			Successes:   41,
			SuccessRate: 41.0 / 55.0,
		},
	}
	rec := get(t, st, "/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		State      string                `json:"state"`
		Pending    int64                 `json:"pending"`
		Processing int64                 `json:"processing"`
		TotalURLs  int64                 `json:"total_urls"`
		Successes  int64                 `json:"successes"`
		Counts     []harvest.StatusCount `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "active", snap.State)
	require.Equal(t, int64(7), snap.Pending)
	require.Equal(t, int64(2), snap.Processing)
	require.Equal(t, int64(55), snap.TotalURLs)
	require.Equal(t, int64(41), snap.Successes)
	require.Len(t, snap.Counts, 2)
}

func TestServer_GetRun_Drained(t *testing.T) {
	t.Parallel()

	st := &storeStub{sum: harvest.RunSummary{TotalURLs: 9, Successes: 6, SuccessRate: 6.0 / 9.0}}
	rec := get(t, st, "/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"drained"`)
}

func TestServer_GetRun_StoreError(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{countErr: errors.New("closed")}, "/v1/run")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "run snapshot failed")
}

func TestServer_UnknownRoute_NotFound(t *testing.T) {
	t.Parallel()

	rec := get(t, &storeStub{}, "/v1/jobs")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
