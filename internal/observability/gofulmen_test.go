package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/observability"
)

func TestLoggers(t *testing.T) {
	originalCLI := observability.CLILogger
	originalServer := observability.ServerLogger
	t.Cleanup(func() {
		observability.CLILogger = originalCLI
		observability.ServerLogger = originalServer
	})

	t.Run("Current falls back to no-op", func(t *testing.T) {
		observability.CLILogger = nil
		observability.ServerLogger = nil

		logger := observability.Current()
		require.NotNil(t, logger)
		logger.Info("discarded", zap.String("test", "value"))
	})

	t.Run("CLI logger creation", func(t *testing.T) {
		observability.InitCLILogger("keywatch-test", true)
		require.NotNil(t, observability.CLILogger)
		require.Same(t, observability.CLILogger, observability.Current())

		observability.CLILogger.Debug("Test CLI log message", zap.String("test", "value"))
	})

	t.Run("Structured logger creation", func(t *testing.T) {
		observability.InitServerLogger(observability.ServerLoggerOptions{
			Service:     "keywatch-test",
			Level:       " WARN ",
			Environment: "test",
			Namespace:   "keywatch",
		})
		require.NotNil(t, observability.ServerLogger)
		require.Same(t, observability.ServerLogger, observability.Current())

		observability.ServerLogger.Warn("Test structured log message",
			zap.String("component", "test"),
			zap.Int("request_id", 123))
	})

	t.Run("Logger with verbose mode", func(t *testing.T) {
		logger, err := logging.NewCLI("verbose-test")
		require.NoError(t, err)
		logger.SetLevel(logging.DEBUG)
		logger.Debug("Debug message", zap.String("mode", "verbose"))
	})
}

func TestEmbeddedCrucible(t *testing.T) {
	version := crucible.GetVersion()
	require.NotEmpty(t, version.Gofulmen)
	require.NotEmpty(t, version.Crucible)
}
