package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Stage/internal/adapters/http"
	"github.com/dkeye/Stage/internal/adapters/mongodb"
	"github.com/dkeye/Stage/internal/adapters/redisfeed"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/adapters/token"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/guard"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
)

func sessionConfig(cfg *config.Config) orch.Config {
	oc := orch.DefaultConfig()
	oc.Lifecycle = lifecycle.Config{
		Attempts:  cfg.Transport.InitAttempts,
		BaseDelay: cfg.Transport.InitBaseDelay,
	}
	oc.Guard = guard.Config{
		Mute:            cfg.Throttle.MuteCooldown,
		ScreenShare:     cfg.Throttle.ShareCooldown,
		Recording:       cfg.Throttle.RecordingCooldown,
		InFlightTimeout: cfg.Throttle.InFlightTimeout,
	}
	oc.NotifyInterval = cfg.Throttle.NotifyInterval
	oc.FieldDebounce = cfg.Throttle.FieldDebounce
	oc.DepartureGrace = cfg.Throttle.DepartureGrace
	oc.SyncWarnAfter = cfg.Throttle.SyncWarnAfter
	oc.JoinTimeout = cfg.Transport.JoinTimeout
	oc.LeaveTimeout = cfg.Session.LeaveTimeout
	oc.BeaconTimeout = cfg.Session.BeaconTimeout
	oc.PollInterval = cfg.Session.PollInterval
	return oc
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	mc, err := mongodb.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect")
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout)
		defer dcancel()
		_ = mc.Disconnect(dctx)
	}()
	mongoStore := mongodb.NewStore(mc.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection), clock.New())
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("mongo indexes")
	}

	var (
		store core.ParticipantStore = mongoStore
		feed  core.ChangeFeed
	)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, roster falls back to polling")
	} else {
		f := redisfeed.New(rdb, cfg.Redis.ChannelPrefix)
		store = redisfeed.NewPublishingStore(mongoStore, f)
		feed = f
	}

	transport := rtc.NewTransport(rtc.Config{
		SignalURL:  cfg.Transport.SignalURL,
		ICEServers: cfg.Transport.ICEServers,
		ReadLimit:  cfg.Transport.ReadLimit,
		PingPeriod: cfg.Transport.PingPeriod,
	}, rtc.AnyScreen)
	tokens := token.NewSource(cfg.Token.URL, cfg.Token.Timeout)

	hub := router.NewHub(app.SimplePolicy{})
	oc := sessionConfig(cfg)
	reg := app.NewRegistry(func() *orch.Session {
		return orch.New(orch.Deps{
			Transport: transport,
			Tokens:    tokens,
			Store:     store,
			Feed:      feed,
			Notifier:  hub,
		}, oc)
	})
	hub.Attach(reg)

	r := router.SetupRouter(cfg, reg, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Stage agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	reg.Shutdown(shutdownCtx)
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
