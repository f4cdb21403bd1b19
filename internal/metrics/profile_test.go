package metrics

import (
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() {
		observability.TelemetrySystem = original
	})

	return collector
}

func TestRecordProfileFetch(t *testing.T) {
	collector := setupTelemetry(t)

	RecordProfileFetch(engine.Result{RecipientID: "alice", Outcome: engine.OutcomeChanged, Attempts: 1})
	RecordProfileFetch(engine.Result{RecipientID: "alice", Outcome: engine.OutcomeThrottled})
	RecordProfileFetch(engine.Result{RecipientID: "bob", Outcome: engine.OutcomeTransportFailed, Attempts: 3, Err: errors.New("timeout")})

	assert.Equal(t, 3, collector.CountMetricsByName(ProfileFetchesTotal))
	assert.Equal(t, 1, collector.CountMetricsByName(ProfileFetchesThrottledName))
	assert.Equal(t, 1, collector.CountMetricsByName(IdentityChangesTotal))
	assert.Equal(t, 2, collector.CountMetricsByName(ProfileFetchRetriesName))
}

func TestRecordProfileFetchWithoutTelemetry(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	RecordProfileFetch(engine.Result{Outcome: engine.OutcomeChanged})
}

func TestRecordConfigReload(t *testing.T) {
	collector := setupTelemetry(t)
	RecordConfigReload(true)
	RecordConfigReload(false)
	assert.Equal(t, 2, collector.CountMetricsByName(ConfigReloadsTotal))
}
