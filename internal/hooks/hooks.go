package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshguard/certagent/internal/config"
)

const truncationMarker = "...[output truncated]"

const defaultMaxOutputBytes = 64 * 1024

// Env carries the issuance outcome into hook processes. Every field is
// exported to the child as an environment variable.
type Env struct {
	CertPath     string
	KeyPath      string
	CABundlePath string
	Domains      []string
	RenewedAt    time.Time
	Status       string
	Error        string
	ServerURL    string
}

func (e Env) vars() []string {
	vars := []string{
		"CERT_PATH=" + e.CertPath,
		"KEY_PATH=" + e.KeyPath,
		"CA_BUNDLE_PATH=" + e.CABundlePath,
		"DOMAINS=" + strings.Join(e.Domains, ","),
		"RENEW_STATUS=" + e.Status,
		"ACME_SERVER_URL=" + e.ServerURL,
	}
	if len(e.Domains) > 0 {
		vars = append(vars, "PRIMARY_DOMAIN="+e.Domains[0])
	}
	if !e.RenewedAt.IsZero() {
		vars = append(vars, "RENEWED_AT="+e.RenewedAt.UTC().Format(time.RFC3339))
	}
	if e.Error != "" {
		vars = append(vars, "RENEW_ERROR="+e.Error)
	}
	return vars
}

// Executor runs post-issuance hooks sequentially, honouring each hook's
// timeout, retry schedule and failure policy.
type Executor struct {
	logger zerolog.Logger
}

func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Run executes the hooks in order. A hook that exhausts its retries and is
// marked on_failure = "stop" aborts the remainder; the error reports every
// hook that failed.
func (x *Executor) Run(ctx context.Context, hooks []config.Hook, env Env) error {
	var failed []string

	for _, hook := range hooks {
		if err := x.runWithRetries(ctx, hook, env); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", hook.Command, err))
			if hook.OnFailure == config.FailurePolicyStop {
				x.logger.Error().Str("command", hook.Command).Msg("hook failed with stop policy, skipping remaining hooks")
				break
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d hook(s) failed: %s", len(failed), strings.Join(failed, "; "))
	}

	return nil
}

func (x *Executor) runWithRetries(ctx context.Context, hook config.Hook, env Env) error {
	attempts := len(hook.RetryBackoff) + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := hook.RetryBackoff[attempt-1].Duration
			x.logger.Warn().Str("command", hook.Command).Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying hook")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = x.runOnce(ctx, hook, env)
		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}

func (x *Executor) runOnce(ctx context.Context, hook config.Hook, env Env) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout.Duration)
	defer cancel()

	cmd := exec.CommandContext(runCtx, hook.Command, hook.Args...)
	cmd.Dir = hook.Dir
	cmd.Env = append(os.Environ(), env.vars()...)
	// Without a wait delay, a descendant holding the output pipes open keeps
	// Run blocked past the timeout.
	cmd.WaitDelay = time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	captured := truncateOutput(output.Bytes(), hook.MaxOutputBytes)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", hook.Timeout.Duration)
		}
		x.logger.Error().
			Err(err).
			Str("command", hook.Command).
			Dur("elapsed", elapsed).
			Str("output", captured).
			Msg("hook failed")
		return err
	}

	x.logger.Info().
		Str("command", hook.Command).
		Dur("elapsed", elapsed).
		Msg("hook succeeded")

	return nil
}

func truncateOutput(output []byte, maxBytes int64) string {
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}
	if int64(len(output)) <= maxBytes {
		return string(output)
	}
	return string(output[:maxBytes]) + truncationMarker
}
