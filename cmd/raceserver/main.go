// Command raceserver is the composition root: it wires every component the
// way spec.md §9 describes — an explicit dependency graph built once at
// boot, no global singleton lookups — and then serves the socket/HTTP
// surface until told to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"textrace/server/internal/broadcast"
	"textrace/server/internal/config"
	"textrace/server/internal/connection"
	"textrace/server/internal/durable"
	"textrace/server/internal/health"
	"textrace/server/internal/raceengine"
	"textrace/server/internal/recovery"
	"textrace/server/internal/registry"
	"textrace/server/internal/snapshot"
	"textrace/server/internal/telemetry"
	"textrace/server/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "optional path to a YAML or TOML config overlay")
	addr := flag.String("addr", ":8080", "HTTP/WS listen address")
	flag.Parse()

	log := telemetry.New(os.Stderr, zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := run(cfg, *addr, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

// shutdownGrace is the broadcast-buffer drain window spec.md §5 names
// between notifying sockets of a shutdown and closing them.
const shutdownGrace = 1 * time.Second

func run(cfg config.Config, addr string, log zerolog.Logger) error {
	store := durable.NewMemoryStore()
	cache := durable.NewMemoryCache()

	conns := connection.New(nil, telemetry.Component(log, "connection"))
	dispatcher := broadcast.New(conns, telemetry.Component(log, "broadcast"))

	snapshots := snapshot.New(snapshot.Config{
		Cache:               cache,
		Logger:              telemetry.Component(log, "snapshot"),
		MaxSnapshotsPerRace: cfg.MaxSnapshotsPerRace,
	})

	recoveryCoordinator := recovery.New(recovery.Config{
		Snapshots: snapshots,
		Store:     store,
		Logger:    telemetry.Component(log, "recovery"),
	})

	var reg *registry.Registry
	factory := func(raceID, trackID string, totalLaps, maxParticipants int) *raceengine.Engine {
		return raceengine.New(raceengine.Config{
			RaceID:          raceID,
			TrackID:         trackID,
			TotalLaps:       totalLaps,
			MaxParticipants: maxParticipants,
			TickPeriod:      cfg.TickPeriod(),
			EventLogLimit:   cfg.EventLogLimit,
			QueueMaxSize:    cfg.MaxQueueSize,
			QueueMaxRate:    cfg.MaxCommandsPerSecond,
			Broadcaster:     dispatcher,
			Snapshots:       asyncSnapshotSink{snapshots},
			SnapshotPeriod:  cfg.SnapshotPeriod(),
			Logger:          telemetry.Component(log, "engine"),
		})
	}
	notifier := recoveryNotifier{coordinator: recoveryCoordinator, log: telemetry.Component(log, "recovery")}
	reg = registry.New(factory, notifier, nil, telemetry.Component(log, "registry"))

	monitor := health.New(health.Config{
		Store:       store,
		Cache:       cache,
		Connections: conns,
		Races:       reg,
		Thresholds: health.Thresholds{
			MemoryWarnPct:      float64(cfg.MemoryWarnPct),
			MemoryCritPct:      float64(cfg.MemoryCritPct),
			CPUWarnPct:         75,
			CPUCritPct:         90,
			DBLatencyHealthyMs: 1000,
		},
		Logger: telemetry.Component(log, "health"),
	})

	srv := transport.New(transport.Dependencies{
		Registry: reg,
		Conns:    conns,
		Resolver: passthroughResolver{},
		Recovery: recoveryCoordinator,
		Logger:   telemetry.Component(log, "transport"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx, cfg.HealthCheckInterval())
	go sweepStaleConnections(ctx, conns, cfg.StaleAfter(), telemetry.Component(log, "connection"))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Routes(monitor),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("raceserver listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg.ShutdownAll()
	srv.Shutdown(shutdownGrace)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// passthroughResolver is the stand-in transport.TokenResolver wired here in
// place of a real account service (out of scope per spec.md §1): it treats
// the bearer token as the playerId directly. A production deployment
// replaces this with a client that validates the token against the account
// service and returns the playerId it names.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// asyncSnapshotSink dispatches Sample off the engine's own tick goroutine,
// matching spec.md §5's "must not block the tick loop" for every
// Broadcaster/SnapshotSink collaborator.
type asyncSnapshotSink struct {
	store *snapshot.Store
}

func (s asyncSnapshotSink) Sample(state raceengine.RaceState) {
	go s.store.Sample(state)
}

// recoveryNotifier adapts recovery.Coordinator to registry.RecoveryNotifier:
// an abnormal termination just pre-warms the recovery path so the next
// reconnect attempt finds a result already computed, rather than racing the
// first client's own request.
type recoveryNotifier struct {
	coordinator *recovery.Coordinator
	log         zerolog.Logger
}

func (n recoveryNotifier) NotifyAbnormalTermination(raceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := n.coordinator.Recover(ctx, raceID)
	n.log.Warn().Str("raceId", raceID).Str("outcome", result.Outcome.String()).Msg("recovery pre-warmed after abnormal termination")
}

func sweepStaleConnections(ctx context.Context, conns *connection.Registry, staleAfter time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := conns.SweepStale(staleAfter)
			if len(stale) > 0 {
				log.Info().Int("count", len(stale)).Msg("swept stale connections")
			}
		}
	}
}
