// Package registry implements C6: creation and lookup of race engines,
// lifecycle and capacity enforcement, and id generation. Grounded on the
// teacher's RacingWorld (Races map[string]*Race behind one sync.RWMutex,
// CreateRace), generalized from the teacher's time+rand generateClientID
// into a collision-resistant uuid-based id with a monotonic wall-clock
// prefix (spec.md §4.5: "monotonic component plus a random suffix").
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/raceengine"
)

// LifecycleError mirrors spec.md §7's lifecycle error set for registry-level
// operations.
type LifecycleError string

func (e LifecycleError) Error() string { return string(e) }

const (
	ErrRaceNotFound LifecycleError = "RACE_NOT_FOUND"
)

// RecoveryNotifier is the collaborator the registry signals on abnormal
// engine termination, wired by the composition root so the registry never
// looks up the recovery coordinator by a global name (spec.md §9).
type RecoveryNotifier interface {
	NotifyAbnormalTermination(raceID string)
}

// EngineFactory builds a new engine for a race id, trackId, total laps and
// capacity; the composition root supplies this so the registry stays
// decoupled from raceengine.Config's broadcaster/snapshot wiring.
type EngineFactory func(raceID, trackID string, totalLaps, maxParticipants int) *raceengine.Engine

// Registry maps raceId to engine, behind one mutex (spec.md §5: "a single
// mutex or an actor-style mailbox each").
type Registry struct {
	mu       sync.RWMutex
	races    map[string]*raceengine.Engine
	factory  EngineFactory
	notifier RecoveryNotifier
	clk      clock.Clock
	log      zerolog.Logger
}

// New builds a Registry. factory and notifier are required collaborators
// injected by the composition root.
func New(factory EngineFactory, notifier RecoveryNotifier, clk clock.Clock, log zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		races:    make(map[string]*raceengine.Engine),
		factory:  factory,
		notifier: notifier,
		clk:      clk,
		log:      log,
	}
}

// GenerateRaceID builds a roughly time-sortable, collision-resistant race
// id: a monotonic millisecond prefix plus a uuid suffix.
func (r *Registry) GenerateRaceID() string {
	return fmt.Sprintf("race-%d-%s", r.clk.Now().UnixMilli(), uuid.NewString())
}

// Create builds and starts a new engine in the Waiting status.
func (r *Registry) Create(trackID string, totalLaps, maxParticipants int) *raceengine.Engine {
	id := r.GenerateRaceID()
	eng := r.factory(id, trackID, totalLaps, maxParticipants)

	r.mu.Lock()
	r.races[id] = eng
	r.mu.Unlock()

	go eng.Run()
	r.log.Info().Str("raceId", id).Str("trackId", trackID).Int("totalLaps", totalLaps).Msg("race created")
	return eng
}

// Reseed rebuilds an engine for raceID from recovered state (spec.md §4.7
// "reseed the engine with that state") and registers it under the same id,
// replacing whatever was there before (normally nothing, since the prior
// engine terminated abnormally and was removed).
func (r *Registry) Reseed(raceID, trackID string, totalLaps, maxParticipants int, state raceengine.RaceState) *raceengine.Engine {
	eng := r.factory(raceID, trackID, totalLaps, maxParticipants)
	eng.Restore(state)

	r.mu.Lock()
	r.races[raceID] = eng
	r.mu.Unlock()

	go eng.Run()
	r.log.Info().Str("raceId", raceID).Msg("race reseeded from recovery")
	return eng
}

// Get looks up an engine by race id.
func (r *Registry) Get(raceID string) (*raceengine.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.races[raceID]
	if !ok {
		return nil, ErrRaceNotFound
	}
	return eng, nil
}

// ListActive returns every engine whose race is currently Active.
func (r *Registry) ListActive() []*raceengine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*raceengine.Engine
	for _, eng := range r.races {
		if eng.State().Race.Status == raceengine.Active {
			active = append(active, eng)
		}
	}
	return active
}

// Count returns the number of races the registry currently tracks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.races)
}

// Stop admin-stops a race.
func (r *Registry) Stop(raceID string) error {
	eng, err := r.Get(raceID)
	if err != nil {
		return err
	}
	eng.Stop()
	return nil
}

// Remove deletes a race from the registry immediately. It does not wait for
// or trigger snapshot cleanup, and the composition root calls neither Remove
// nor the snapshot store's Cleanup, so finished races and their snapshots
// stay in place.
func (r *Registry) Remove(raceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.races, raceID)
}

// ReportAbnormalTermination forwards an engine death outside the normal
// Stop/finish path to the injected RecoveryNotifier. Nothing in this module
// calls it outside tests; a panic in a tick is not recovered.
func (r *Registry) ReportAbnormalTermination(raceID string) {
	r.log.Warn().Str("raceId", raceID).Msg("race engine terminated abnormally")
	if r.notifier != nil {
		r.notifier.NotifyAbnormalTermination(raceID)
	}
}

// ShutdownAll cancels every tracked engine's loop, used by the process-wide
// graceful shutdown path (spec.md §5).
func (r *Registry) ShutdownAll() {
	r.mu.RLock()
	engines := make([]*raceengine.Engine, 0, len(r.races))
	for _, eng := range r.races {
		engines = append(engines, eng)
	}
	r.mu.RUnlock()

	for _, eng := range engines {
		eng.Shutdown()
	}
}
