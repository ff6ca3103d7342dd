package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/internal/relayer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	environment string
	configPath  string
	rootCmd     = &cobra.Command{
		Use:   "relayx",
		Short: "Multi-chain smart account transaction relayer",
		RunE:  run,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(environment, configPath)
	if err != nil {
		return err
	}
	config.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := relayer.NewService(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create relayer service")
		return err
	}
	if err := service.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start relayer service")
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down relayer...")
	service.Stop()
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&environment, "env", "local", "Environment name of the configuration file in ./config")
	flags.StringVar(&configPath, "config", "", "Path to a configuration file, overrides --env")
	flags.String("http.host", "", "HTTP listen host")
	flags.Int("http.port", 0, "HTTP listen port")
	flags.String("db.path", "", "LevelDB directory")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	bind := map[string]string{
		"env":           "env",
		"http.host":     "http.host",
		"http.port":     "http.port",
		"database.path": "db.path",
		"log_level":     "log-level",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatal().Err(err).Str("flag", flag).Msg("failed to bind flag")
		}
	}
}
