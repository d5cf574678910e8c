package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/durable"
	"textrace/server/internal/physics"
	"textrace/server/internal/raceengine"
)

func testState(raceID string, lap int, raceTime float64) raceengine.RaceState {
	return raceengine.RaceState{
		Race:       raceengine.Race{RaceID: raceID, Status: raceengine.Active},
		CurrentLap: lap,
		RaceTime:   raceTime,
		Participants: []physics.Participant{
			{RaceID: raceID, PlayerID: "p1", CarID: "c1", Position: 1, TotalTimeSec: 12.5},
			{RaceID: raceID, PlayerID: "p2", CarID: "c1", Position: 2, TotalTimeSec: 13.1},
		},
	}
}

func newTestStore() *Store {
	return New(Config{
		Cache:               durable.NewMemoryCache(),
		Clock:               clock.NewManual(time.Unix(0, 0)),
		Logger:              zerolog.Nop(),
		MaxSnapshotsPerRace: 3,
	})
}

func reversed(p []physics.Participant) []physics.Participant {
	out := make([]physics.Participant, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

func TestChecksumDeterministicAcrossParticipantOrder(t *testing.T) {
	a := testState("r1", 2, 30.0)
	b := a
	b.Participants = reversed(a.Participants)

	if Checksum(a) != Checksum(b) {
		t.Fatalf("checksum must not depend on participant slice order")
	}
}

func TestStoreAndLatestRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	state := testState("r1", 1, 5.0)

	snap, err := s.store(ctx, state)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Latest(ctx, "r1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != snap.ID {
		t.Fatalf("expected latest id %s, got %s", snap.ID, got.ID)
	}
	if err := Validate(got); err != nil {
		t.Fatalf("round-tripped snapshot should validate: %v", err)
	}
}

func TestStoreTrimsToMaxPerRace(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := s.store(ctx, testState("r1", i, float64(i)))
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		ids = append(ids, snap.ID)
	}

	all, err := s.IDsNewestToOldest(ctx, "r1")
	if err != nil {
		t.Fatalf("IDsNewestToOldest: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected retention trimmed to 3, got %d", len(all))
	}
	// the two oldest (ids[0], ids[1]) should have been evicted.
	if _, err := s.Get(ctx, "r1", ids[0]); err == nil {
		t.Fatalf("expected oldest snapshot to be evicted")
	}
	if _, err := s.Get(ctx, "r1", ids[len(ids)-1]); err != nil {
		t.Fatalf("expected newest snapshot retained: %v", err)
	}
}

func TestLatestSkipsCorruptedChecksum(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.store(ctx, testState("r1", 1, 1.0))
	if err != nil {
		t.Fatalf("store 1: %v", err)
	}
	good, err := s.store(ctx, testState("r1", 2, 2.0))
	if err != nil {
		t.Fatalf("store 2: %v", err)
	}

	// corrupt the checksum field of the latest snapshot directly in the cache
	// (spec.md §8 scenario 4).
	blob, ok, _ := s.cache.Get(ctx, blobKey("r1", good.ID))
	if !ok {
		t.Fatalf("expected blob present")
	}
	var wire wireSnapshot
	if err := json.Unmarshal(blob, &wire); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	wire.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	corrupted, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("remarshal fixture: %v", err)
	}
	if err := s.cache.Set(ctx, blobKey("r1", good.ID), corrupted, time.Hour); err != nil {
		t.Fatalf("tamper set: %v", err)
	}

	got, err := s.Latest(ctx, "r1")
	if err != nil {
		t.Fatalf("Latest should fall back to the next valid snapshot: %v", err)
	}
	if got.ID == good.ID {
		t.Fatalf("expected the tampered snapshot to be skipped")
	}
}

func TestCleanupRemovesAllSnapshots(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	snap, err := s.store(ctx, testState("r1", 1, 1.0))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Cleanup(ctx, "r1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := s.Get(ctx, "r1", snap.ID); err == nil {
		t.Fatalf("expected snapshot removed after cleanup")
	}
	if _, err := s.Latest(ctx, "r1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after cleanup, got %v", err)
	}
}
