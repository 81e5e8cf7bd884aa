package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshguard/certagent/internal/config"
	"github.com/meshguard/certagent/internal/logger"
	"github.com/meshguard/certagent/internal/responder"
	"github.com/meshguard/certagent/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

type ServeCmd struct {
	Config  string `help:"Path to TOML configuration file" default:"/etc/certagent/responder.toml" env:"RESPONDER_CONFIG"`
	Tracing bool   `help:"Enable OpenTelemetry tracing" default:"false" env:"RESPONDER_TRACING"`
}

func (s *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Msg("Starting responder")

	if s.Tracing {
		shutdown, err := telemetry.Init(ctx, "certagent-responder", globals.Version)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	settings, err := config.LoadResponder(s.Config)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := responder.NewTokenStore()
	server := responder.NewServer(settings, store, log)

	return server.Run(ctx)
}
