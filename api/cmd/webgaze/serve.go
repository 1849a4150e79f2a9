package webgaze

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webgaze/webgaze/api/pkg/browser"
	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/server"
	"github.com/webgaze/webgaze/api/pkg/session"
	"github.com/webgaze/webgaze/api/pkg/stream"
	"github.com/webgaze/webgaze/api/pkg/version"
)

func NewServeConfig() (*config.ServerConfig, *config.Store, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load server config: %w", err)
	}

	var store *config.Store
	if cfg.Server.ConfigFile != "" {
		store, err = config.NewStore(cfg.Server.ConfigFile)
		if err != nil {
			return nil, nil, err
		}
		store.Apply(&cfg)
	}
	return &cfg, store, nil
}

func NewServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webgaze streaming server.",
		Long:  "Start the webgaze streaming server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := NewServeConfig()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to load serve config")
			}
			setupLogging(cfg.Server)
			if err := serve(cmd.Context(), cfg, store); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
	return serveCmd
}

func setupLogging(cfg config.Server) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig, store *config.Store) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version.Get()).
		Int("port", cfg.Server.Port).
		Int("max_browsers", cfg.Browser.MaxBrowsers).
		Msg("starting webgaze")

	driver, err := browser.NewRodDriver(ctx, cfg.Browser.ChromeURL, time.Duration(cfg.Browser.NavigationTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect browser driver: %w", err)
	}

	pool := browser.NewPool(cfg.Browser, driver)
	sessions := session.NewStore(cfg.Session)
	engine := stream.NewEngine(cfg.Streaming, pool)
	srv := server.NewServer(cfg, store, pool, sessions, engine)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gCtx)
	})
	g.Go(func() error {
		pool.StartReaper(gCtx)
		return nil
	})
	g.Go(func() error {
		sessions.StartReaper(gCtx)
		return nil
	})

	err = g.Wait()

	pool.CloseAll()
	if cerr := driver.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("browser driver close failed")
	}
	log.Info().Msg("webgaze stopped")
	return err
}
