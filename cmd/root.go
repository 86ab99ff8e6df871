package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "localgram",
		Usage: "A local HTML archive for feed channels",
		Description: `Archives a configured set of feed channels to a local
		SQLite database, downloads their media, and materializes static HTML
		pages you can browse offline.

		Localgram talks to a feed gateway service for the actual feed
		protocol session, backfills recent history for each channel on
		startup, then follows the live message stream.

		Flags can generally be set via environment variables, e.g.:

		--config => LOCALGRAM_CONFIG=config.toml
		--port => LOCALGRAM_PORT=8080
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			resetCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
