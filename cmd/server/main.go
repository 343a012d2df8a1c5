package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/callsig/internal/adapters/http"
	sig "github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/janitor"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	loader := config.NewLoader(config.FileName())
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	loader.Watch(func(c *config.Config) {
		zerolog.SetGlobalLevel(c.Level())
		log.Info().Str("level", c.Level().String()).Msg("log level applied")
	})

	metrics.Register(prometheus.DefaultRegisterer)

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	roomDir := rooms.NewDirectory(cfg.Relay.RoomCapacity)
	pairDir := rooms.NewDirectory(2)
	defer roomDir.Close()
	defer pairDir.Close()

	policy := app.SimplePolicy{}
	ctl := sig.NewSignalWSController(
		orch.New(app.NewRegistry(), roomDir, policy),
		orch.New(app.NewRegistry(), pairDir, policy),
		sig.NewRoomRateLimiter(cfg.Relay.CreateRate, cfg.Relay.CreateBurst),
	)
	ctl.SendQueue = cfg.Relay.SendQueue
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod

	if cfg.Janitor.Enabled {
		j := janitor.New(st, cfg.Call.RingTimeout)
		if err := j.Start(cfg.Janitor.Schedule); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Janitor.Schedule).Msg("failed to start janitor")
		}
		defer j.Stop(context.Background())
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Signal: ctl, Store: st, Rooms: roomDir})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("callsig server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.Path, cfg.PollInterval)
	default:
		return store.NewMemory(), nil
	}
}
