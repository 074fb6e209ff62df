package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantfall/deriva/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "example.com:4318" || insecure {
		t.Fatalf("host=%q insecure=%v", host, insecure)
	}

	host, insecure, err = parseEndpoint("http://localhost:4318")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "localhost:4318" || !insecure {
		t.Fatalf("host=%q insecure=%v", host, insecure)
	}
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if provider == nil || shutdown == nil {
		t.Fatalf("expected provider and shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitInvalidEndpoint(t *testing.T) {
	if _, _, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: "://bad"}); err == nil {
		t.Fatalf("invalid endpoint should be rejected")
	}
}

func TestInitWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider, shutdown, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: srv.URL, ServiceName: "trader"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if provider == nil {
		t.Fatalf("expected provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
