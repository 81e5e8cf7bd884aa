package main

import (
	"github.com/alecthomas/kong"

	"github.com/meshguard/certagent/cmd/responder/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Serve   commands.ServeCmd `cmd:"" help:"Serve HTTP-01 challenge responses"`
		Debug   bool              `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		})
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
