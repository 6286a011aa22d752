package solver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

func testInstance() *model.ProblemInstance {
	day := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	return &model.ProblemInstance{
		DatasetID: "ds-1",
		Vehicles: []model.Vehicle{{ID: "A", Shifts: []model.Shift{{
			ID:     "A-1",
			Window: model.TimeWindow{Start: day.Add(8 * time.Hour), End: day.Add(16 * time.Hour)},
			Breaks: []model.Break{{ID: "lunch", Window: model.TimeWindow{Start: day.Add(12 * time.Hour), End: day.Add(13 * time.Hour)}, Duration: 30 * time.Minute}},
		}}}},
		Visits: []model.Visit{{
			ID:               "v1",
			ClientID:         "C1",
			Window:           model.TimeWindow{Start: day.Add(9 * time.Hour), End: day.Add(11 * time.Hour)},
			ServiceDuration:  45 * time.Minute,
			RequiredVehicles: []string{"A"},
		}},
	}
}

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(Config{
		BaseURL:        url,
		APIKey:         "secret",
		Timeout:        time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestHTTPClient_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/route-plans", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))

		var req RoutePlanRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PT1M", req.Config.Run.TerminationSpentLimit)
		if assert.Len(t, req.ModelInput.Visits, 1) {
			assert.Equal(t, []string{"A"}, req.ModelInput.Visits[0].RequiredVehicles)
			assert.Equal(t, "PT45M", req.ModelInput.Visits[0].ServiceDuration)
			assert.Equal(t, "PT30M", req.ModelInput.Vehicles[0].Shifts[0].RequiredBreaks[0].Duration)
		}

		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"metadata":{"id":"job-1","solverStatus":"SOLVING_SCHEDULED"}}`)
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).Submit(context.Background(), "run-1", testInstance(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"metadata":{"id":"job-1","solverStatus":"SOLVING_ACTIVE"}}`)
	}))
	defer srv.Close()

	meta, err := newTestClient(srv.URL).Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, meta.SolverStatus)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClient_RejectedNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"visit v1 has no time window"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), "run-1", testInstance(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeSolverRejected))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClient_TransportExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Cancel(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeTransport))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Output(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeTransport))
}

func TestHTTPClient_MissingJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"metadata":{}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), "run-1", testInstance(), 0)
	assert.True(t, errors.Is(err, errors.CodeMalformedOutput))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		iso string
		d   time.Duration
	}{
		{"PT0S", 0},
		{"PT30S", 30 * time.Second},
		{"PT45M", 45 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"PT2H0M5S", 2*time.Hour + 5*time.Second},
		{"P1DT1H", 25 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.iso, func(t *testing.T) {
			d, err := ParseDuration(tt.iso)
			require.NoError(t, err)
			assert.Equal(t, tt.d, d)

			back, err := ParseDuration(FormatDuration(d))
			require.NoError(t, err)
			assert.Equal(t, d, back)
		})
	}

	for _, bad := range []string{"", "1H", "PT", "PTH", "PT5X", "P1H"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}
