// Command wardengate runs the anti-abuse pipeline as a standalone
// demonstrator: it wires every stage together, exposes the admin HTTP
// surface, and implements a stub proxyapi.Downstream since the real
// connection-accept/TLS/codec front-end is explicitly out of scope
// (spec.md §1). The startup/shutdown sequencing — console logger from
// LOG_LEVEL, config load, background server, signal-driven graceful
// drain — follows the reference reverse proxy's cmd/protector/main.go.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/adminapi"
	"github.com/skywalker-88/wardengate/internal/antibot"
	"github.com/skywalker-88/wardengate/internal/clusterstate"
	"github.com/skywalker-88/wardengate/internal/l4guard"
	"github.com/skywalker-88/wardengate/internal/l7guard"
	"github.com/skywalker-88/wardengate/internal/packetfilter"
	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/internal/security"
	"github.com/skywalker-88/wardengate/internal/verifyworld"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// stubDownstream is a logging-only proxyapi.Downstream. A real proxy
// front-end owns the wire codec and connection table (spec.md §1); this
// stands in so the pipeline is runnable and observable on its own.
type stubDownstream struct{}

func (stubDownstream) WritePacket(player uuid.UUID, packet any) error {
	log.Debug().Str("player", player.String()).Interface("packet", packet).Msg("stub: write packet")
	return nil
}

func (stubDownstream) TransferToDestination(player uuid.UUID, serverName string) error {
	log.Info().Str("player", player.String()).Str("server", serverName).Msg("stub: transfer to destination")
	return nil
}

func (stubDownstream) Disconnect(player uuid.UUID, reason string) error {
	log.Info().Str("player", player.String()).Str("reason", reason).Msg("stub: disconnect")
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfgPath := getenv("WARDENGATE_CONFIG", "configs/wardengate.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Warn().Err(err).Str("config", cfgPath).Msg("config file not loaded, using defaults")
		cfg = config.Default()
	}
	cfgStore := config.NewStore(cfg)
	metrics.Register(prometheus.DefaultRegisterer)

	cluster, err := clusterstate.New(&cfg.Cluster)
	if err != nil {
		log.Fatal().Err(err).Msg("clusterstate init failed")
	}
	var clusterSync l4guard.ClusterSync
	if cluster != nil {
		clusterSync = cluster
		log.Info().Str("redis_url", cfg.Cluster.RedisURL).Msg("cluster sync enabled")
	}

	downstream := stubDownstream{}

	l4 := l4guard.New(cfgStore, clusterSync)
	filter := packetfilter.New(cfgStore)
	l7 := l7guard.New(cfgStore)

	bot := antibot.New(cfgStore, nil, downstream)
	world := verifyworld.New(cfgStore, downstream, bot)
	bot.SetMiniWorld(world)

	mgr := security.New(cfgStore, security.PipelineStages{
		L4:      l4,
		Filter:  filter,
		L7:      l7,
		AntiBot: bot,
		World:   world,
	})
	mgr.Start()

	router := adminapi.New(cfgStore, mgr, mgr)
	srv := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("admin http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	if cluster != nil {
		go refreshClusterGaugeLoop(cluster)
	}

	log.Info().Str("config", cfgPath).Msg("wardengate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	adminapi.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	}

	mgr.Stop()

	if cluster != nil {
		if err := cluster.Close(); err != nil {
			log.Warn().Err(err).Msg("cluster sync close")
		}
	}

	log.Info().Msg("wardengate exited")
}

func refreshClusterGaugeLoop(cluster *clusterstate.Sync) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for range t.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cluster.RefreshGauge(ctx); err != nil {
			log.Warn().Err(err).Msg("cluster gauge refresh failed")
		}
		cancel()
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
