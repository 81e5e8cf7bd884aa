package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/certagent/internal/config"
)

func shellHook(script string) config.Hook {
	return config.Hook{
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Timeout:   config.Duration{Duration: 10 * time.Second},
		OnFailure: config.FailurePolicyContinue,
	}
}

func TestRunSuccess(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	marker := filepath.Join(t.TempDir(), "ran")
	hook := shellHook("touch " + marker)

	require.NoError(t, executor.Run(t.Context(), []config.Hook{hook}, Env{Status: "success"}))

	_, err := os.Stat(marker)
	require.NoError(t, err)
}

func TestRunExportsEnvironment(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	out := filepath.Join(t.TempDir(), "env")
	hook := shellHook(`echo "$CERT_PATH|$PRIMARY_DOMAIN|$RENEW_STATUS|$RENEW_ERROR" > ` + out)

	env := Env{
		CertPath: "/etc/certs/api.pem",
		KeyPath:  "/etc/certs/api.key",
		Domains:  []string{"i-1.api.node-7.mesh.internal"},
		Status:   "failure",
		Error:    "order became invalid",
	}

	require.NoError(t, executor.Run(t.Context(), []config.Hook{hook}, env))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "/etc/certs/api.pem|i-1.api.node-7.mesh.internal|failure|order became invalid\n", string(data))
}

func TestRunContinuePolicy(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	marker := filepath.Join(t.TempDir(), "second")
	hooks := []config.Hook{
		shellHook("exit 1"),
		shellHook("touch " + marker),
	}

	err := executor.Run(t.Context(), hooks, Env{Status: "success"})
	require.ErrorContains(t, err, "1 hook(s) failed")

	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestRunStopPolicy(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	marker := filepath.Join(t.TempDir(), "second")
	failing := shellHook("exit 1")
	failing.OnFailure = config.FailurePolicyStop

	hooks := []config.Hook{
		failing,
		shellHook("touch " + marker),
	}

	require.Error(t, executor.Run(t.Context(), hooks, Env{Status: "success"}))

	_, statErr := os.Stat(marker)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	counter := filepath.Join(t.TempDir(), "attempts")
	// Fails on the first run, succeeds once the marker exists.
	hook := shellHook("test -f " + counter + " || { touch " + counter + "; exit 1; }")
	hook.RetryBackoff = []config.Duration{{Duration: 10 * time.Millisecond}}

	require.NoError(t, executor.Run(t.Context(), []config.Hook{hook}, Env{Status: "success"}))
}

func TestRunTimeout(t *testing.T) {
	executor := NewExecutor(zerolog.Nop())

	hook := shellHook("sleep 10")
	hook.Timeout = config.Duration{Duration: 100 * time.Millisecond}

	start := time.Now()
	err := executor.Run(t.Context(), []config.Hook{hook}, Env{Status: "success"})
	require.ErrorContains(t, err, "timed out")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTruncateOutput(t *testing.T) {
	out := truncateOutput([]byte("short"), 1024)
	require.Equal(t, "short", out)

	out = truncateOutput([]byte("0123456789"), 4)
	require.Equal(t, "0123"+truncationMarker, out)
}
