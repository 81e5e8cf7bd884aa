package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshguard/certagent/internal/acme"
	"github.com/meshguard/certagent/internal/config"
	"github.com/meshguard/certagent/internal/logger"
	"github.com/meshguard/certagent/internal/scheduler"
	"github.com/meshguard/certagent/internal/telemetry"
)

type RunCmd struct {
	Config  string `help:"Path to TOML configuration file" default:"/etc/certagent/config.toml" env:"CERTAGENT_CONFIG"`
	Oneshot bool   `help:"Issue certificates for all profiles once and exit" default:"false"`

	Email   string `help:"Account contact email override" default:""`
	EABKid  string `help:"Key ID for external account binding" default:"" env:"CERTAGENT_EAB_KID"`
	EABHmac string `help:"HMAC key for external account binding" default:"" env:"CERTAGENT_EAB_HMAC"`
	EABFile string `help:"Path to JSON file with EAB credentials" default:"" env:"CERTAGENT_EAB_FILE"`

	Insecure bool `help:"Skip TLS verification towards the CA (bootstrap only)" default:"false"`
	Verify   bool `help:"Force chain verification against pinned fingerprints" default:"false"`
	Tracing  bool `help:"Enable OpenTelemetry tracing" default:"false" env:"CERTAGENT_TRACING"`
}

func (r *RunCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("oneshot", r.Oneshot).Msg("Starting agent")

	if r.Tracing {
		shutdown, err := telemetry.Init(ctx, "certagent", globals.Version)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	settings, err := r.loadSettings()
	if err != nil {
		return err
	}

	sched := scheduler.New(settings, r.Config, r.Insecure, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if r.Oneshot {
		results := sched.RunOnce(ctx)
		logResults(log, results)
		return summarize(results)
	}

	go r.watchReload(ctx, sched, log)

	// The only fatal daemon outcome is issued-but-hardening-failed; surface
	// it as the distinct exit status.
	if err := sched.RunDaemon(ctx); err != nil {
		log.Error().Err(err).Msg("daemon terminated")
		return ErrHardeningFailed
	}
	return nil
}

func (r *RunCmd) loadSettings() (*config.Settings, error) {
	settings, err := config.Load(r.Config)
	if err != nil {
		return nil, err
	}
	if err := r.applyOverrides(settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// applyOverrides folds CLI flags into the loaded settings. EAB precedence
// is flags, then file, then per-profile config, then global config.
func (r *RunCmd) applyOverrides(settings *config.Settings) error {
	if r.Email != "" {
		settings.Email = r.Email
	}
	if r.Verify {
		settings.Trust.VerifyCertificates = true
	}

	override := &config.EAB{KID: r.EABKid, HMAC: r.EABHmac}

	if r.EABFile != "" {
		fromFile, err := config.LoadEABFile(r.EABFile)
		if err != nil {
			return err
		}
		if fromFile != nil {
			if override.KID == "" {
				override.KID = fromFile.KID
			}
			if override.HMAC == "" {
				override.HMAC = fromFile.HMAC
			}
		}
	}

	if override.KID != "" && override.HMAC != "" {
		settings.EAB = override
		for i := range settings.Profiles {
			settings.Profiles[i].EAB = nil
		}
	}

	return nil
}

// watchReload re-reads the config on SIGHUP. A broken config keeps the
// previous settings in place.
func (r *RunCmd) watchReload(ctx context.Context, sched *scheduler.Scheduler, log zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			settings, err := r.loadSettings()
			if err != nil {
				log.Error().Err(err).Msg("config reload failed, keeping previous settings")
				continue
			}
			sched.Reload(settings)
		}
	}
}

func logResults(log zerolog.Logger, results []*acme.Result) {
	for _, result := range results {
		switch {
		case result.Err != nil:
			log.Error().Err(result.Err).Str("profile", result.ProfileName).Str("san", result.SAN).Msg("issuance failed")
		case result.HardenErr != nil:
			log.Error().Err(result.HardenErr).Str("profile", result.ProfileName).Msg("issued, hardening failed")
		default:
			log.Info().Str("profile", result.ProfileName).Str("cert_path", result.CertPath).Msg("issuance succeeded")
		}
	}
}

func summarize(results []*acme.Result) error {
	failed := false
	hardenFailed := false

	for _, result := range results {
		if result.Err != nil {
			failed = true
		}
		if result.HardenErr != nil {
			hardenFailed = true
		}
	}

	switch {
	case hardenFailed:
		return ErrHardeningFailed
	case failed:
		return ErrIssuanceFailed
	default:
		return nil
	}
}
