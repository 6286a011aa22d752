package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/paiban/continuity/internal/config"
)

func TestInfluxSink_WriteRun(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(config.InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	run := completedRun()
	if err := sink.WriteRun(context.Background(), run); err != nil {
		t.Fatalf("write error: %v", err)
	}

	expected := strings.TrimSpace(write.PointToLineProtocol(Point("solve_run", run), time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
	if !strings.Contains(body, "phase=pooled") {
		t.Errorf("phase tag missing: %s", body)
	}
}

func TestInfluxSink_SkipsRunWithoutKPIs(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(config.InfluxConfig{URL: srv.URL, Org: "org", Bucket: "bucket"})
	defer sink.Close()

	run := completedRun()
	run.KPIs = nil
	if err := sink.WriteRun(context.Background(), run); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if called {
		t.Errorf("run without KPIs should not be written")
	}
}

func TestNewRunSink_Fallback(t *testing.T) {
	if _, ok := NewRunSink(config.InfluxConfig{Enabled: false}).(NopSink); !ok {
		t.Fatalf("disabled sink should be NopSink")
	}

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	sink := NewRunSink(config.InfluxConfig{Enabled: true, URL: srv.URL + "/api/v2/write", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
