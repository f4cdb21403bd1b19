package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/metrics"
	"github.com/keywatch/keywatch/internal/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func stubExporter(t *testing.T, transport roundTripFunc) {
	t.Helper()

	originalClient := metricsProxyClient
	metricsProxyClient = &http.Client{Transport: transport}
	observability.PrometheusExporter = exporters.NewPrometheusExporter("keywatch", ":9090")
	t.Cleanup(func() {
		metricsProxyClient = originalClient
		observability.PrometheusExporter = nil
	})
}

func TestMetricsHandlerProxiesProfileMetrics(t *testing.T) {
	stubExporter(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "127.0.0.1", req.URL.Hostname())
		assert.Equal(t, "/metrics", req.URL.Path)
		assert.Equal(t, "text/plain", req.Header.Get("Accept"))

		body := "# TYPE profile_fetch_attempts_total counter\n" +
			`profile_fetch_attempts_total{outcome="changed"} 1` + "\n"
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}
		resp.Header.Set("Connection", "keep-alive")
		return resp, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	MetricsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Contains(t, rec.Body.String(), `profile_fetch_attempts_total{outcome="changed"} 1`)
}

func TestMetricsHandlerWithoutExporter(t *testing.T) {
	observability.PrometheusExporter = nil

	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeError(t, rec).Error.Code)
}

func TestMetricsHandlerExporterUnreachable(t *testing.T) {
	stubExporter(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", decodeError(t, rec).Error.Code)
}

func TestErrorResponsesCountedByRoute(t *testing.T) {
	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)
	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	srv, _ := newTestServer(t, &fakeStore{})
	rec := serve(srv, http.MethodGet, "/v1/recipients/+15550009/identity")
	require.Equal(t, http.StatusNotFound, rec.Code)

	recorded := collector.GetMetricsByName(metrics.APIErrorsTotal)
	require.Len(t, recorded, 1)
	assert.Equal(t, "/v1/recipients/{recipientID}/identity", recorded[0].Tags["route"])
	assert.Equal(t, "NOT_FOUND", recorded[0].Tags["code"])
	assert.Equal(t, "404", recorded[0].Tags["status"])
	for _, m := range collector.GetMetrics() {
		for _, value := range m.Tags {
			assert.NotContains(t, value, "+15550009", "recipient ids never become labels")
		}
	}
}
