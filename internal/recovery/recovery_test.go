package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/durable"
	"textrace/server/internal/physics"
	"textrace/server/internal/raceengine"
	"textrace/server/internal/snapshot"
)

func newCoordinator(t *testing.T) (*Coordinator, *snapshot.Store, *durable.MemoryStore, *durable.MemoryCache) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	cache := durable.NewMemoryCache()
	snaps := snapshot.New(snapshot.Config{
		Cache:               cache,
		Clock:               clk,
		Logger:              zerolog.Nop(),
		MaxSnapshotsPerRace: 10,
	})
	store := durable.NewMemoryStore()
	coord := New(Config{Snapshots: snaps, Store: store, Clock: clk, Logger: zerolog.Nop()})
	return coord, snaps, store, cache
}

func sampleState(raceID string) raceengine.RaceState {
	return raceengine.RaceState{
		Race:       raceengine.Race{RaceID: raceID, Status: raceengine.Active},
		CurrentLap: 2,
		RaceTime:   30,
		Participants: []physics.Participant{
			{RaceID: raceID, PlayerID: "p1", CarID: "c1", Position: 1, TotalTimeSec: 10},
		},
	}
}

func TestRecoverFromValidSnapshot(t *testing.T) {
	coord, snaps, _, _ := newCoordinator(t)
	ctx := context.Background()
	snaps.Sample(sampleState("r1"))

	res := coord.Recover(ctx, "r1")
	if res.Outcome != Recovered {
		t.Fatalf("expected Recovered, got %v (%s)", res.Outcome, res.Reason)
	}
	if res.State.CurrentLap != 2 {
		t.Fatalf("expected recovered state to match the snapshot, got lap %d", res.State.CurrentLap)
	}
}

func TestRecoverFallsBackToDurableStoreWhenNoSnapshots(t *testing.T) {
	coord, _, store, _ := newCoordinator(t)
	ctx := context.Background()

	if err := store.SaveRace(ctx, durable.RaceConfig{RaceID: "r2", TrackID: "speedway", TotalLaps: 3, MaxParticipants: 4, Status: "active"}); err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	store.AddParticipant("r2", durable.ParticipantConfig{RaceID: "r2", PlayerID: "p1", CarID: "c1"})
	store.AddParticipant("r2", durable.ParticipantConfig{RaceID: "r2", PlayerID: "p2", CarID: "c1"})

	res := coord.Recover(ctx, "r2")
	if res.Outcome != Fallback {
		t.Fatalf("expected Fallback, got %v", res.Outcome)
	}
	if res.State.CurrentLap != 1 {
		t.Fatalf("expected fallback currentLap=1, got %d", res.State.CurrentLap)
	}
	if len(res.State.Participants) != 2 {
		t.Fatalf("expected 2 fallback participants, got %d", len(res.State.Participants))
	}
	for _, p := range res.State.Participants {
		if p.FuelPct != 100 {
			t.Fatalf("expected fallback fuel=100, got %v", p.FuelPct)
		}
	}
}

func TestRecoverFallbackPositionsFollowJoinOrderNotAlphabetical(t *testing.T) {
	coord, _, store, _ := newCoordinator(t)
	ctx := context.Background()

	if err := store.SaveRace(ctx, durable.RaceConfig{RaceID: "r5", TrackID: "speedway", TotalLaps: 3, MaxParticipants: 4, Status: "active"}); err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	// Deliberately joined out of alphabetical order: zed first, then anna.
	store.AddParticipant("r5", durable.ParticipantConfig{RaceID: "r5", PlayerID: "zed", CarID: "c1"})
	store.AddParticipant("r5", durable.ParticipantConfig{RaceID: "r5", PlayerID: "anna", CarID: "c1"})

	res := coord.Recover(ctx, "r5")
	if res.Outcome != Fallback {
		t.Fatalf("expected Fallback, got %v", res.Outcome)
	}
	if len(res.State.Participants) != 2 {
		t.Fatalf("expected 2 fallback participants, got %d", len(res.State.Participants))
	}
	if res.State.Participants[0].PlayerID != "zed" || res.State.Participants[0].Position != 1 {
		t.Fatalf("expected zed (joined first) at position 1, got %+v", res.State.Participants[0])
	}
	if res.State.Participants[1].PlayerID != "anna" || res.State.Participants[1].Position != 2 {
		t.Fatalf("expected anna (joined second) at position 2, got %+v", res.State.Participants[1])
	}
}

func TestRecoverFailsWhenRaceAbsentEverywhere(t *testing.T) {
	coord, _, _, _ := newCoordinator(t)
	res := coord.Recover(context.Background(), "missing")
	if res.Outcome != Failed {
		t.Fatalf("expected Failed, got %v", res.Outcome)
	}
	if res.Reason == "" {
		t.Fatalf("expected a reason on Failed outcome")
	}
}

func TestRecoverSkipsInvalidNewestSnapshot(t *testing.T) {
	coord, snaps, _, cache := newCoordinator(t)
	ctx := context.Background()

	snaps.Sample(sampleState("r3"))

	newer := sampleState("r3")
	newer.CurrentLap = 4
	snaps.Sample(newer)

	all, err := snaps.IDsNewestToOldest(ctx, "r3")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two snapshot ids, got %v err=%v", all, err)
	}
	newestID := all[0]

	// corrupt the newest snapshot's blob directly so it fails validation.
	blob, ok, err := cache.Get(ctx, snapshot.BlobKey("r3", newestID))
	if err != nil || !ok {
		t.Fatalf("expected newest blob present, ok=%v err=%v", ok, err)
	}
	corrupted := append([]byte(nil), blob...)
	corrupted = append(corrupted, []byte(`tamper`)...)
	if err := cache.Set(ctx, snapshot.BlobKey("r3", newestID), corrupted, time.Hour); err != nil {
		t.Fatalf("tamper set: %v", err)
	}

	res := coord.Recover(ctx, "r3")
	if res.Outcome != Recovered {
		t.Fatalf("expected Recovered by falling back to the older snapshot, got %v", res.Outcome)
	}
	if res.State.CurrentLap != 2 {
		t.Fatalf("expected the older (lap=2) snapshot to win, got lap %d", res.State.CurrentLap)
	}
}

func TestRecoverDeduplicatesConcurrentRequests(t *testing.T) {
	coord, snaps, _, _ := newCoordinator(t)
	ctx := context.Background()
	snaps.Sample(sampleState("r4"))

	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = coord.Recover(ctx, "r4")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.Outcome != Recovered {
			t.Fatalf("expected every concurrent caller to see Recovered, got %v", r.Outcome)
		}
	}
}
