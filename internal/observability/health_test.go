package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"MarginLedger/internal/observability"

	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Readiness(t *testing.T) {
	hc := observability.NewHealthChecker()
	dbErr := errors.New("connection refused")
	var dbDown bool
	hc.AddCheck("postgres", func(context.Context) error {
		if dbDown {
			return dbErr
		}
		return nil
	})

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		hc.ReadinessHandler(rec, httptest.NewRequest("GET", "/readyz", nil))
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "recovering")

	hc.SetReady(true)
	require.Equal(t, http.StatusOK, get().Code)

	dbDown = true
	rec = get()
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
	require.Equal(t, map[string]string{"postgres": "connection refused"}, hc.Check(context.Background()))
}

func TestHealthChecker_Liveness(t *testing.T) {
	hc := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"alive"`)
}
