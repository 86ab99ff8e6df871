package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"localgram/config"
	"localgram/db"
	"localgram/render"
	"localgram/server"
)

func resetCmd() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Wipe the archive",
		Description: `Destructively wipes the archive: removes every channel
		and message record from the database, deletes downloaded media and
		rendered channel pages, and re-renders an empty index page.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "Path to the configuration file",
				EnvVars: []string{"LOCALGRAM_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}

			store, err := db.NewStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ResetAll(ctx.Context); err != nil {
				return err
			}

			if err := server.PurgeArtifacts(cfg.DownloadPath, cfg.OutputPath); err != nil {
				return err
			}

			builder, err := render.NewBuilder(cfg.OutputPath)
			if err != nil {
				return err
			}
			if err := builder.RenderIndexPage(nil); err != nil {
				return err
			}

			log.Warn("Archive reset complete")
			return nil
		},
	}
}
