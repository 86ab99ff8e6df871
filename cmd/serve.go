package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"localgram/archiver"
	"localgram/config"
	"localgram/db"
	"localgram/feed"
	"localgram/media"
	"localgram/render"
	"localgram/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the archiver and web server",
		Description: `Starts the full archiver: resolves the configured
channels against the gateway, backfills recent history, subscribes to the
live message stream, and serves the generated archive over HTTP.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "Path to the configuration file",
				EnvVars: []string{"LOCALGRAM_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "Port for the web server",
				EnvVars: []string{"LOCALGRAM_PORT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				// Configuration failures are the only fatal startup errors
				return err
			}

			log.Info("Starting localgram...")

			if err := db.Migrate(cfg.Database); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			store, err := db.NewStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			gateway, err := feed.NewGateway(feed.GatewayConfig{
				Hosts:     cfg.GatewayHosts,
				Compress:  cfg.GatewayCompress,
				UserAgent: cfg.UserAgent,
			})
			if err != nil {
				return err
			}

			builder, err := render.NewBuilder(cfg.OutputPath)
			if err != nil {
				return err
			}

			broadcaster := server.NewBroadcaster()

			arch := archiver.New(
				gateway,
				store,
				media.NewFetcher(gateway, cfg.DownloadPath),
				builder,
				render.NewGate(),
				broadcaster,
				archiver.Config{
					Channels:      cfg.Channels,
					MediaTypes:    cfg.MediaTypes,
					BackfillLimit: cfg.BackfillLimit,
					RenderLimit:   cfg.RenderLimit,
					RetryAttempts: cfg.RetryAttempts,
					RetryDelay:    cfg.RetryDelayDuration(),
				},
			)

			app := server.Server(&server.ServerConfig{
				Store:         store,
				Broadcaster:   broadcaster,
				IndexRenderer: arch,
				OutputPath:    cfg.OutputPath,
				DownloadPath:  cfg.DownloadPath,
			})

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			var wg sync.WaitGroup

			go func() {
				<-c
				log.Info("Gracefully shutting down...")
				cancel()
				app.ShutdownWithTimeout(60 * time.Second)
				broadcaster.Shutdown()
			}()

			wg.Add(2)

			go func() {
				defer wg.Done()
				log.Info("Subscribing to gateway...")
				if err := arch.Start(runCtx); err != nil && runCtx.Err() == nil {
					log.Errorf("Archiver stopped: %v", err)
				}
			}()

			go func() {
				defer wg.Done()
				log.Infof("Starting server on port %d...", ctx.Int("port"))
				if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
					log.Errorf("Server stopped: %v", err)
				}
			}()

			wg.Wait()

			log.Info("Done!")
			return nil
		},
	}
}
