package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "github.com/bhashasuraksha/pipeline/config"
	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/server"
	"github.com/bhashasuraksha/pipeline/store"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "bhasha",
		Short:         "Audio dialect clustering pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config/<CONFIG_ENV>/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), processCmd(), migrateCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func load() (*cfg.Root, *logrus.Logger, error) {
	conf, err := cfg.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(conf.Pipeline.LogLvl, conf.Pipeline.LogFormat, verbose)
	if err != nil {
		return nil, nil, err
	}
	if conf.File != "" {
		log.WithField("file", conf.File).Debug("loaded config")
	}
	return conf, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if conf.Store.Backend == "postgres" && conf.Store.AutoMigrate && conf.Store.DSN != "" {
				if err := store.Migrate(ctx, conf.Store.DSN, store.Up, log); err != nil {
					return err
				}
			}

			app, err := build(ctx, conf, log)
			if err != nil {
				return err
			}
			defer app.Close()

			srv, err := server.New(app.pipeline, app.store, server.Options{
				Service:     conf.Pipeline.Name,
				Version:     conf.Pipeline.Version,
				CORSOrigins: conf.Server.CORSOrigins,
				RateLimit:   conf.Server.RateLimit,
				RateBurst:   conf.Server.RateBurst,
				MaxUploadMB: conf.Server.MaxUploadMB,
				CacheSize:   conf.Server.CacheSize,
				TempDir:     conf.Paths.Temp,
				FilesDir:    app.filesDir,
				Log:         log,
			})
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"policy":  app.engine.Policy().Name(),
				"version": conf.Pipeline.Version,
			}).Info("bhasha pipeline starting")
			return srv.Run(ctx, conf.Server.Addr, conf.Server.ShutdownTimeout)
		},
	}
}

func processCmd() *cobra.Command {
	var (
		region   string
		lat, lng string
	)
	cmd := &cobra.Command{
		Use:   "process <path/to/audio>",
		Short: "Run one audio file through the pipeline and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := load()
			if err != nil {
				return err
			}
			up := orchestrator.Upload{Path: args[0], Filename: filepath.Base(args[0]), Region: region}
			if up.Lat, err = parseCoord(lat); err != nil {
				return fmt.Errorf("--lat: %w", err)
			}
			if up.Lng, err = parseCoord(lng); err != nil {
				return fmt.Errorf("--lng: %w", err)
			}

			app, err := build(cmd.Context(), conf, log)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.pipeline.Process(cmd.Context(), up)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&region, "region", "Unknown", "region the clip was recorded in")
	cmd.Flags().StringVar(&lat, "lat", "", "latitude")
	cmd.Flags().StringVar(&lng, "lng", "", "longitude")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(store.Up), string(store.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := load()
			if err != nil {
				return err
			}
			if conf.Store.DSN == "" {
				return fmt.Errorf("store.dsn (or DATABASE_URL) is not set")
			}
			dir := store.Up
			if len(args) == 1 {
				dir = store.Direction(args[0])
			}
			return store.Migrate(cmd.Context(), conf.Store.DSN, dir, log)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := cfg.Load(configPath)
			if err != nil {
				return err
			}
			out, err := conf.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func parseCoord(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
