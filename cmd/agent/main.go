package main

import (
	"errors"
	"os"

	"github.com/alecthomas/kong"

	"github.com/meshguard/certagent/cmd/agent/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Run     commands.RunCmd `cmd:"" help:"Issue and renew certificates"`
		Debug   bool            `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		})
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	if errors.Is(err, commands.ErrHardeningFailed) {
		os.Exit(3)
	}
	cmd.FatalIfErrorf(err)
}
