package throttle

import (
	"bytes"
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

func TestNew_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		rps     int
		burst   int
		wantErr bool
	}{
		{name: "Invalid RPS (zero)", rps: 0, burst: 10, wantErr: true},
		{name: "Invalid RPS (negative)", rps: -5, burst: 10, wantErr: true},
		{name: "Invalid Burst (zero)", rps: 10, burst: 0, wantErr: true},
		{name: "Valid input", rps: 10, burst: 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(tc.rps, tc.burst, nil)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMustNotBeZero)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLimiter_NilNeverWaits(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Wait(context.Background(), "host"))
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l, err := New(1, 1, nil)
	require.NoError(t, err)

	require.NoError(t, l.Wait(context.Background(), "host"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = l.Wait(ctx, "host")
	assert.ErrorIs(t, err, ErrWaitingFailed)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, l.Wait(cancelled, "host"), ErrContextEnded)
}

func TestLimiter_LogsWhenExhausted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l, err := New(100, 1, func() *slog.Logger { return logger })
	require.NoError(t, err)

	require.NoError(t, l.Wait(context.Background(), "a"))
	assert.Empty(t, buf.String())

	require.NoError(t, l.Wait(context.Background(), "b"))
	assert.Contains(t, buf.String(), "throttle tokens exhausted")
	assert.Contains(t, buf.String(), "throttle wait complete")
}

func TestRoundTripper(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	l, err := New(1000, 10, nil)
	require.NoError(t, err)

	client := &http.Client{Transport: l.RoundTripper(nil)}

	for range 3 {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, int32(3), hits.Load())
}
