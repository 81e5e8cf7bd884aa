package scheduler

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/meshguard/certagent/internal/acme"
	"github.com/meshguard/certagent/internal/config"
	"github.com/meshguard/certagent/internal/hooks"
	"github.com/meshguard/certagent/internal/responder"
)

var issuanceCounter, _ = otel.Meter("github.com/meshguard/certagent/internal/scheduler").Int64Counter(
	"certagent.issuance.total",
	metric.WithDescription("Issuance attempts by outcome."),
)

// Scheduler runs issuance jobs with bounded parallelism. Admission is FIFO:
// a job waits on the semaphore in submission order.
type Scheduler struct {
	configPath string
	insecure   bool
	logger     zerolog.Logger
	executor   *hooks.Executor

	mu       sync.Mutex
	settings *config.Settings
	sem      *semaphore.Weighted

	// runJob is swapped out in tests.
	runJob func(ctx context.Context, settings *config.Settings, profile config.Profile) *acme.Result
}

func New(settings *config.Settings, configPath string, insecure bool, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		configPath: configPath,
		insecure:   insecure,
		logger:     logger,
		executor:   hooks.NewExecutor(logger),
		settings:   settings,
		sem:        semaphore.NewWeighted(settings.Scheduler.MaxConcurrent),
	}
	s.runJob = s.runProfile
	return s
}

// Reload swaps in new settings. Jobs already running keep the snapshot they
// started with; the next scheduling decision sees the new profiles.
func (s *Scheduler) Reload(settings *config.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.Scheduler.MaxConcurrent != s.settings.Scheduler.MaxConcurrent {
		s.sem = semaphore.NewWeighted(settings.Scheduler.MaxConcurrent)
	}
	s.settings = settings
	s.logger.Info().Int("profiles", len(settings.Profiles)).Msg("configuration reloaded")
}

func (s *Scheduler) snapshot() *config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Scheduler) acquire(ctx context.Context) (*semaphore.Weighted, error) {
	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sem, nil
}

// RunOnce issues certificates for every profile and waits for all of them.
// Profile outcomes are independent; one failure never stops the others.
func (s *Scheduler) RunOnce(ctx context.Context) []*acme.Result {
	settings := s.snapshot()

	results := make([]*acme.Result, len(settings.Profiles))

	var wg sync.WaitGroup
	for i, profile := range settings.Profiles {
		wg.Add(1)
		go func(i int, profile config.Profile) {
			defer wg.Done()
			results[i] = s.runJob(ctx, settings, profile)
		}(i, profile)
	}
	wg.Wait()

	return results
}

func (s *Scheduler) runProfile(ctx context.Context, settings *config.Settings, profile config.Profile) *acme.Result {
	result := &acme.Result{
		ProfileName: profile.Name,
		SAN:         profile.SAN(settings.Domain),
		CertPath:    profile.CertPath,
		KeyPath:     profile.KeyPath,
	}

	sem, err := s.acquire(ctx)
	if err != nil {
		result.Err = fmt.Errorf("admission cancelled: %w", err)
		return result
	}
	defer sem.Release(1)

	defer func() { s.recordOutcome(ctx, result) }()

	client, err := acme.Bootstrap(ctx, settings, s.insecure, s.logger)
	if err != nil {
		result.Err = err
		s.runHooks(ctx, settings, profile, result)
		return result
	}

	admin := responder.NewAdminClient(
		settings.ACME.ResponderURL,
		settings.ACME.ResponderHMAC,
		settings.ACME.ResponderTimeout.Duration,
		settings.ACME.ResponderTokenTTL.Duration,
	)

	result = acme.NewJob(settings, s.configPath, s.insecure, profile, client, admin, s.logger).Run(ctx)
	s.runHooks(ctx, settings, profile, result)

	return result
}

func (s *Scheduler) recordOutcome(ctx context.Context, result *acme.Result) {
	outcome := "success"
	switch {
	case result.Err != nil:
		outcome = "failure"
	case result.HardenErr != nil:
		outcome = "hardening_failed"
	}
	issuanceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Scheduler) runHooks(ctx context.Context, settings *config.Settings, profile config.Profile, result *acme.Result) {
	env := hooks.Env{
		CertPath:     result.CertPath,
		KeyPath:      result.KeyPath,
		CABundlePath: result.CABundlePath,
		Domains:      []string{result.SAN},
		RenewedAt:    result.RenewedAt,
		ServerURL:    settings.Server,
	}

	var toRun []config.Hook
	if result.Succeeded() {
		env.Status = "success"
		toRun = profile.Hooks.Success
	} else {
		env.Status = "failure"
		env.Error = result.Err.Error()
		toRun = profile.Hooks.Failure
	}

	if len(toRun) == 0 {
		return
	}

	if err := s.executor.Run(ctx, toRun, env); err != nil {
		s.logger.Error().Err(err).Str("profile", profile.Name).Msg("hooks failed")
	}
}

// RunDaemon schedules periodic renewal checks per profile until ctx is
// cancelled, then waits for in-flight jobs to finish. A job that issued a
// certificate but could not harden the config terminates the daemon; that
// outcome must surface in the process exit status.
func (s *Scheduler) RunDaemon(ctx context.Context) error {
	next := make(map[string]time.Time)
	busy := make(map[string]bool)
	fatal := make(chan error, 1)

	var busyMu sync.Mutex
	var wg sync.WaitGroup

	now := time.Now()
	for _, profile := range s.snapshot().Profiles {
		// First check is immediate, spread by jitter only.
		next[profile.Name] = now.Add(jitter(profile.Daemon.CheckJitter.Duration))
	}

	for {
		settings := s.snapshot()

		fireAt, ok := earliest(next, settings.Profiles)
		if !ok {
			s.logger.Warn().Msg("no profiles configured, daemon idle")
			fireAt = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("shutdown requested, waiting for in-flight jobs")
			wg.Wait()
			return nil
		case err := <-fatal:
			timer.Stop()
			wg.Wait()
			return err
		case <-timer.C:
		}

		now := time.Now()
		for _, profile := range settings.Profiles {
			due, known := next[profile.Name]
			if !known {
				// New profile from a reload.
				next[profile.Name] = now.Add(jitter(profile.Daemon.CheckJitter.Duration))
				continue
			}
			if due.After(now) {
				continue
			}

			next[profile.Name] = now.Add(profile.Daemon.CheckInterval.Duration + jitter(profile.Daemon.CheckJitter.Duration))

			busyMu.Lock()
			if busy[profile.Name] {
				busyMu.Unlock()
				s.logger.Debug().Str("profile", profile.Name).Msg("previous job still running, skipping check")
				continue
			}

			renew, reason := needsRenewal(profile, now)
			if !renew {
				busyMu.Unlock()
				s.logger.Debug().Str("profile", profile.Name).Msg("certificate still fresh")
				continue
			}

			busy[profile.Name] = true
			busyMu.Unlock()

			s.logger.Info().Str("profile", profile.Name).Str("reason", reason).Msg("starting renewal")

			wg.Add(1)
			go func(settings *config.Settings, profile config.Profile) {
				defer wg.Done()
				defer func() {
					busyMu.Lock()
					busy[profile.Name] = false
					busyMu.Unlock()
				}()

				// In-flight jobs run to completion during shutdown.
				result := s.runJob(context.WithoutCancel(ctx), settings, profile)
				if result.Err != nil {
					s.logger.Error().Err(result.Err).Str("profile", profile.Name).Msg("renewal failed")
				}
				if result.HardenErr != nil {
					s.logger.Error().Err(result.HardenErr).Str("profile", profile.Name).Msg("issued but hardening failed, stopping daemon")
					select {
					case fatal <- result.HardenErr:
					default:
					}
				}
			}(settings, profile)
		}
	}
}

// needsRenewal decides whether a profile's certificate must be (re)issued.
func needsRenewal(profile config.Profile, now time.Time) (bool, string) {
	data, err := os.ReadFile(profile.CertPath)
	if err != nil {
		return true, "certificate missing or unreadable"
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return true, "certificate not PEM"
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return true, "certificate unparseable"
	}

	if now.Add(profile.Daemon.RenewBefore.Duration).After(cert.NotAfter) {
		return true, fmt.Sprintf("certificate expires %s", cert.NotAfter.Format(time.RFC3339))
	}

	return false, ""
}

func earliest(next map[string]time.Time, profiles []config.Profile) (time.Time, bool) {
	var min time.Time
	found := false
	for _, profile := range profiles {
		due, ok := next[profile.Name]
		if !ok {
			return time.Now(), true
		}
		if !found || due.Before(min) {
			min = due
			found = true
		}
	}
	return min, found
}

// jitter returns a symmetric offset in [-max, max) so checks drift both
// earlier and later instead of always slipping forward.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(2*int64(max))) - max
}
