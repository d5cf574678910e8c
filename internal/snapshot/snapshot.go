// Package snapshot implements C7: periodic, checksummed serialization of
// race state, ordered per-race retention, and validated reads. Grounded on
// the teacher's periodic world-state persistence in racing_network.go
// (ticker-driven BroadcastState feeding a history slice), generalized to
// spec.md §4.6's checksum-validated store with a bounded retention list per
// race and cleanup on race finish.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/durable"
	"textrace/server/internal/raceengine"
)

// ErrNotFound is returned when a requested snapshot id, or any snapshot at
// all, does not exist for a race.
var ErrNotFound = errors.New("snapshot: not found")

// ErrInvalid is returned when a stored snapshot fails checksum or structural
// validation on read.
var ErrInvalid = errors.New("snapshot: invalid")

// Snapshot is spec.md §3's `{id, raceId, tickTime, wallTime, state,
// checksum}`.
type Snapshot struct {
	ID       string
	RaceID   string
	TickTime time.Time
	WallTime time.Time
	State    raceengine.RaceState
	Checksum string
}

// canonicalParticipant is the per-participant slice of the checksum's
// canonical subset (spec.md §3: "per-participant (playerId, position,
// totalTime)").
type canonicalParticipant struct {
	PlayerID     string  `json:"playerId"`
	Position     int     `json:"position"`
	TotalTimeSec float64 `json:"totalTimeSec"`
}

// canonicalForm is the exact field list and order hashed for a checksum
// (spec.md §9 "ad-hoc checksum → canonical serialization"). Both Store and
// Validate build this same shape, so a hand-rolled checksum can never drift
// from what gets validated.
type canonicalForm struct {
	RaceID            string                 `json:"raceId"`
	CurrentLap        int                    `json:"currentLap"`
	RaceTime          float64                `json:"raceTime"`
	ParticipantCount  int                    `json:"participantCount"`
	Participants      []canonicalParticipant `json:"participants"`
}

// Checksum computes the canonical checksum of a race state: sha256 over a
// deterministically field-ordered, participant-sorted-by-playerId JSON
// rendering of the canonical subset.
func Checksum(state raceengine.RaceState) string {
	participants := make([]canonicalParticipant, 0, len(state.Participants))
	for _, p := range state.Participants {
		participants = append(participants, canonicalParticipant{
			PlayerID:     p.PlayerID,
			Position:     p.Position,
			TotalTimeSec: p.TotalTimeSec,
		})
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].PlayerID < participants[j].PlayerID })

	form := canonicalForm{
		RaceID:           state.Race.RaceID,
		CurrentLap:       state.CurrentLap,
		RaceTime:         state.RaceTime,
		ParticipantCount: len(participants),
		Participants:     participants,
	}
	// json.Marshal on a struct with fixed field order and a pre-sorted slice
	// is itself canonical: no map traversal, no ambiguity.
	b, err := json.Marshal(form)
	if err != nil {
		// form contains only json-safe primitives and slices; Marshal cannot
		// fail for it.
		panic(fmt.Sprintf("snapshot: canonical form marshal: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Validate checks structural invariants (spec.md §4.6) and recomputes the
// checksum.
func Validate(s Snapshot) error {
	if s.State.Race.RaceID == "" {
		return fmt.Errorf("%w: empty raceId", ErrInvalid)
	}
	if s.RaceID != s.State.Race.RaceID {
		return fmt.Errorf("%w: snapshot raceId mismatch", ErrInvalid)
	}
	for _, p := range s.State.Participants {
		if p.Position < 1 {
			return fmt.Errorf("%w: participant position < 1", ErrInvalid)
		}
		if p.PlayerID == "" || p.CarID == "" {
			return fmt.Errorf("%w: empty playerId/carId", ErrInvalid)
		}
	}
	if Checksum(s.State) != s.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	return nil
}

// wireSnapshot is the JSON shape persisted to the cache (spec.md §6 cache
// keys: `race_snapshot:{raceId}:{snapshotId}`).
type wireSnapshot struct {
	ID       string               `json:"id"`
	RaceID   string               `json:"raceId"`
	TickTime time.Time            `json:"tickTime"`
	WallTime time.Time            `json:"wallTime"`
	State    raceengine.RaceState `json:"state"`
	Checksum string               `json:"checksum"`
}

const snapshotTTL = time.Hour

// Store implements C7 against a durable.Cache, sharded per raceId so two
// races never contend on the same index entry (spec.md §5 "process-wide
// snapshot index is sharded by raceId").
type Store struct {
	cache   durable.Cache
	clk     clock.Clock
	log     zerolog.Logger
	maxPer  int
	mu      sync.Mutex // guards index read-modify-write per call; cache itself is safe for concurrent use
}

// Config bundles Store tunables.
type Config struct {
	Cache               durable.Cache
	Clock               clock.Clock
	Logger              zerolog.Logger
	MaxSnapshotsPerRace int
}

// New builds a Store.
func New(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxPer := cfg.MaxSnapshotsPerRace
	if maxPer <= 0 {
		maxPer = 50
	}
	return &Store{cache: cfg.Cache, clk: clk, log: cfg.Logger, maxPer: maxPer}
}

// Sample implements raceengine.SnapshotSink: the engine calls it at most once
// per snapshot period (and once more on finish), and it persists a snapshot. Per spec.md §5 the tick
// loop must never block on this, so the composition root wires Sample
// through an I/O executor (e.g. `go store.Sample(state)`); Store itself
// only guarantees the operation completes or is dropped under pressure, not
// that it runs synchronously with the caller.
func (s *Store) Sample(state raceengine.RaceState) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.store(ctx, state); err != nil {
		s.log.Error().Err(err).Str("raceId", state.Race.RaceID).Msg("snapshot persist failed")
	}
}

// store persists a new snapshot of state and returns it, trimming the
// race's retention list. Insert-then-trim: peak usage may momentarily reach
// maxPer+1, steady-state is always ≤ maxPer (spec.md §9 "snapshot retention
// race" — either ordering is acceptable under that bound).
func (s *Store) store(ctx context.Context, state raceengine.RaceState) (Snapshot, error) {
	snap := Snapshot{
		ID:       uuid.NewString(),
		RaceID:   state.Race.RaceID,
		TickTime: state.TickTime,
		WallTime: s.clk.Now(),
		State:    state,
	}
	snap.Checksum = Checksum(state)

	wire := wireSnapshot{
		ID:       snap.ID,
		RaceID:   snap.RaceID,
		TickTime: snap.TickTime,
		WallTime: snap.WallTime,
		State:    snap.State,
		Checksum: snap.Checksum,
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: marshal: %w", err)
	}

	blobKey := blobKey(snap.RaceID, snap.ID)
	if err := s.cache.Set(ctx, blobKey, blob, snapshotTTL); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: store blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx, snap.RaceID)
	if err != nil {
		return Snapshot{}, err
	}
	ids = append(ids, snap.ID)
	var evicted []string
	for len(ids) > s.maxPer {
		evicted = append(evicted, ids[0])
		ids = ids[1:]
	}
	if err := s.writeIndex(ctx, snap.RaceID, ids); err != nil {
		return Snapshot{}, err
	}
	for _, id := range evicted {
		_ = s.cache.Delete(ctx, blobKey(snap.RaceID, id))
	}

	return snap, nil
}

// Latest returns the most recent valid snapshot for a race, skipping (and
// logging) any invalid entries it encounters while walking newest-to-oldest
// (spec.md §4.7 step 1).
func (s *Store) Latest(ctx context.Context, raceID string) (Snapshot, error) {
	ids, err := s.readIndex(ctx, raceID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(ids) == 0 {
		return Snapshot{}, ErrNotFound
	}
	for i := len(ids) - 1; i >= 0; i-- {
		snap, err := s.get(ctx, raceID, ids[i])
		if err != nil {
			s.log.Warn().Err(err).Str("raceId", raceID).Str("snapshotId", ids[i]).Msg("skipping invalid snapshot")
			continue
		}
		return snap, nil
	}
	return Snapshot{}, ErrNotFound
}

// Get fetches and validates a specific snapshot id.
func (s *Store) Get(ctx context.Context, raceID, snapshotID string) (Snapshot, error) {
	return s.get(ctx, raceID, snapshotID)
}

// IDsNewestToOldest returns the retained snapshot ids for a race, newest
// last-inserted first (spec.md §4.7 "ask C7 for snapshot ids newest-to-
// oldest").
func (s *Store) IDsNewestToOldest(ctx context.Context, raceID string) ([]string, error) {
	ids, err := s.readIndex(ctx, raceID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out, nil
}

// Cleanup removes all snapshots and the index list for a race (spec.md
// §4.6 "Cleanup on race finish").
func (s *Store) Cleanup(ctx context.Context, raceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx, raceID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_ = s.cache.Delete(ctx, blobKey(raceID, id))
	}
	return s.cache.Delete(ctx, indexKey(raceID))
}

func (s *Store) get(ctx context.Context, raceID, snapshotID string) (Snapshot, error) {
	blob, ok, err := s.cache.Get(ctx, blobKey(raceID, snapshotID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read blob: %w", err)
	}
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	var wire wireSnapshot
	if err := json.Unmarshal(blob, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("%w: unmarshal: %v", ErrInvalid, err)
	}
	snap := Snapshot{
		ID:       wire.ID,
		RaceID:   wire.RaceID,
		TickTime: wire.TickTime,
		WallTime: wire.WallTime,
		State:    wire.State,
		Checksum: wire.Checksum,
	}
	if err := Validate(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) readIndex(ctx context.Context, raceID string) ([]string, error) {
	blob, ok, err := s.cache.Get(ctx, indexKey(raceID))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(blob, &ids); err != nil {
		return nil, fmt.Errorf("snapshot: index corrupt: %w", err)
	}
	return ids, nil
}

func (s *Store) writeIndex(ctx context.Context, raceID string, ids []string) error {
	blob, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("snapshot: marshal index: %w", err)
	}
	return s.cache.Set(ctx, indexKey(raceID), blob, 0)
}

// BlobKey returns the cache key a snapshot blob is stored under, exported
// for callers that need to reach the cache directly (tests, ops tooling).
func BlobKey(raceID, snapshotID string) string {
	return blobKey(raceID, snapshotID)
}

func blobKey(raceID, snapshotID string) string {
	return fmt.Sprintf("race_snapshot:%s:%s", raceID, snapshotID)
}

func indexKey(raceID string) string {
	return fmt.Sprintf("race_snapshots:%s", raceID)
}
