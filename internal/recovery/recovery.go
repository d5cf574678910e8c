// Package recovery implements C8: choosing between a validated snapshot and
// a durable-store fallback to reseed a race engine, with per-race request
// de-duplication. Grounded on the teacher's reconnection/rehydrate path in
// racing_network.go (load-last-known-state-or-rebuild-from-config),
// generalized to spec.md §4.7's three-outcome Recovered/Fallback/Failed
// result and idempotent, de-duplicated in-flight requests.
package recovery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/durable"
	"textrace/server/internal/physics"
	"textrace/server/internal/raceengine"
	"textrace/server/internal/snapshot"
)

// Outcome tags which of the three recovery paths a Recover call took.
type Outcome int

const (
	Recovered Outcome = iota
	Fallback
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Fallback:
		return "fallback"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a Recover call returns: the outcome tag, the reseeded
// state (for Recovered/Fallback), and a reason (for Failed).
type Result struct {
	Outcome Outcome
	State   raceengine.RaceState
	Reason  string
}

// Coordinator implements C8 against a snapshot.Store and a durable.Store.
type Coordinator struct {
	snapshots *snapshot.Store
	store     durable.Store
	clk       clock.Clock
	log       zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]*inFlightCall
}

type inFlightCall struct {
	done chan struct{}
	res  Result
}

// Config bundles Coordinator collaborators.
type Config struct {
	Snapshots *snapshot.Store
	Store     durable.Store
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// New builds a Coordinator.
func New(cfg Config) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		snapshots: cfg.Snapshots,
		store:     cfg.Store,
		clk:       clk,
		log:       cfg.Logger,
		inFlight:  make(map[string]*inFlightCall),
	}
}

// Recover performs spec.md §4.7's three-step recovery for raceID. Concurrent
// callers for the same raceID share a single in-flight operation and all
// receive its result (idempotent de-duplication).
func (c *Coordinator) Recover(ctx context.Context, raceID string) Result {
	c.mu.Lock()
	if call, ok := c.inFlight[raceID]; ok {
		c.mu.Unlock()
		<-call.done
		return call.res
	}
	call := &inFlightCall{done: make(chan struct{})}
	c.inFlight[raceID] = call
	c.mu.Unlock()

	call.res = c.recover(ctx, raceID)
	close(call.done)

	c.mu.Lock()
	delete(c.inFlight, raceID)
	c.mu.Unlock()

	return call.res
}

func (c *Coordinator) recover(ctx context.Context, raceID string) Result {
	if res, ok := c.tryFromSnapshot(ctx, raceID); ok {
		return res
	}
	return c.tryFromDurableStore(ctx, raceID)
}

// tryFromSnapshot walks snapshot ids newest-to-oldest, validating each, and
// returns the first valid one (spec.md §4.7 step 1).
func (c *Coordinator) tryFromSnapshot(ctx context.Context, raceID string) (Result, bool) {
	if c.snapshots == nil {
		return Result{}, false
	}
	ids, err := c.snapshots.IDsNewestToOldest(ctx, raceID)
	if err != nil {
		c.log.Error().Err(err).Str("raceId", raceID).Msg("recovery: snapshot index read failed")
		return Result{}, false
	}
	for _, id := range ids {
		snap, err := c.snapshots.Get(ctx, raceID, id)
		if err != nil {
			c.log.Warn().Err(err).Str("raceId", raceID).Str("snapshotId", id).Msg("recovery: skipping invalid snapshot")
			continue
		}
		return Result{Outcome: Recovered, State: snap.State}, true
	}
	return Result{}, false
}

// tryFromDurableStore builds a fallback state from race config and
// participants, or returns Failed if the race is absent (spec.md §4.7 steps
// 2-3).
func (c *Coordinator) tryFromDurableStore(ctx context.Context, raceID string) Result {
	if c.store == nil {
		return Result{Outcome: Failed, Reason: "no durable store configured"}
	}
	cfg, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return Result{Outcome: Failed, Reason: "race absent from durable storage"}
	}
	participants, err := c.store.GetParticipants(ctx, raceID)
	if err != nil {
		return Result{Outcome: Failed, Reason: "durable store unavailable"}
	}
	ps := make([]physics.Participant, 0, len(participants))
	for i, p := range participants {
		ps = append(ps, physics.Participant{
			RaceID:   raceID,
			PlayerID: p.PlayerID,
			CarID:    p.CarID,
			Position: i + 1,
			FuelPct:  100,
		})
	}

	status := raceengine.Waiting
	switch cfg.Status {
	case "active":
		status = raceengine.Active
	case "finished":
		status = raceengine.Finished
	}

	state := raceengine.RaceState{
		Race: raceengine.Race{
			RaceID:          raceID,
			TrackID:         cfg.TrackID,
			TotalLaps:       cfg.TotalLaps,
			MaxParticipants: cfg.MaxParticipants,
			Status:          status,
		},
		Participants: ps,
		CurrentLap:   1,
		RaceTime:     0,
		TickTime:     c.clk.Now(),
	}
	return Result{Outcome: Fallback, State: state}
}
