package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_WaitRecovers(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHealthChecker(slog.Default())
	h.Attempts = 5
	h.Delay = 10 * time.Millisecond

	require.NoError(t, h.Wait(context.Background(), srv.URL+"/healthz"))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHealthChecker_WaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHealthChecker(slog.Default())
	h.Attempts = 2
	h.Delay = time.Millisecond

	err := h.Wait(context.Background(), srv.URL+"/healthz")
	require.ErrorIs(t, err, ErrHealthCheckTimeout)
}

func TestHealthChecker_CheckUnreachable(t *testing.T) {
	h := NewHealthChecker(slog.Default())

	err := h.Check(context.Background(), "http://127.0.0.1:1/healthz")
	require.Error(t, err)
}
