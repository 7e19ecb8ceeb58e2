package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazantaxi/dwh/pkg/loader"
)

type stubLoader struct {
	state loader.State
}

func (s *stubLoader) State() loader.State { return s.state }

func testServer(t *testing.T, state loader.State) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := New(Config{
		Logger:     log,
		ListenAddr: "127.0.0.1:0",
		VersionInfo: VersionInfo{
			Version: "1.2.3",
			Commit:  "abc123",
			Date:    "2025-07-01",
		},
	}, &stubLoader{state: state})
	require.NoError(t, err)
	return s
}

func TestHealthz(t *testing.T) {
	s := testServer(t, loader.StateIdle)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	s := testServer(t, loader.StateSucceeded)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "succeeded")
}

func TestReadyz_FailedRun(t *testing.T) {
	s := testServer(t, loader.StateFailed)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersion(t *testing.T) {
	s := testServer(t, loader.StateIdle)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var info VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "1.2.3", info.Version)
	require.Equal(t, "abc123", info.Commit)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, loader.StateIdle)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{}, &stubLoader{})
	require.Error(t, err)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err = New(Config{Logger: log}, &stubLoader{})
	require.Error(t, err, "listen addr is required")
}
