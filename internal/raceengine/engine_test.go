package raceengine

import (
	"sync"
	"testing"
	"time"

	"textrace/server/internal/clock"
)

// countingSink is a SnapshotSink that records how many times Sample was
// called, for asserting maybeSample's periodic gate.
type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Sample(state RaceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *countingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type noopBroadcaster struct{}

func (noopBroadcaster) PublishUpdate(RaceState)    {}
func (noopBroadcaster) PublishEvent(string, Event) {}
func (noopBroadcaster) PublishCompleted(Result)    {}

func newTestEngine(clk *clock.Manual, sink SnapshotSink, tickPeriod, snapshotPeriod time.Duration) *Engine {
	return New(Config{
		RaceID:          "r1",
		TrackID:         "oval",
		TotalLaps:       3,
		MaxParticipants: 4,
		TickPeriod:      tickPeriod,
		EventLogLimit:   50,
		QueueMaxSize:    10,
		QueueMaxRate:    5,
		Clock:           clk,
		Broadcaster:     noopBroadcaster{},
		Snapshots:       sink,
		SnapshotPeriod:  snapshotPeriod,
	})
}

func TestMaybeSampleGatesOnSnapshotPeriodNotTickPeriod(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &countingSink{}
	eng := newTestEngine(clk, sink, 10*time.Millisecond, time.Second)

	go eng.Run()
	defer eng.Shutdown()

	if err := eng.AddParticipant("p1", "car-1"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Start() itself samples once immediately (lastSnapshotAt is zero-value,
	// so the very first sample always fires).
	if got := sink.Count(); got != 1 {
		t.Fatalf("expected 1 sample right after Start, got %d", got)
	}

	// Advance well past several tick periods but short of snapshotPeriod —
	// every tick publishes state, but none should re-sample.
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Millisecond)
		time.Sleep(15 * time.Millisecond)
	}
	if got := sink.Count(); got != 1 {
		t.Fatalf("expected no additional samples before snapshotPeriod elapses, got %d", got)
	}

	// Cross the snapshotPeriod threshold: the next tick should sample again.
	clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := sink.Count(); got != 2 {
		t.Fatalf("expected a second sample once snapshotPeriod elapses, got %d", got)
	}
}

func TestFinishAlwaysSamplesRegardlessOfPeriod(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &countingSink{}
	eng := newTestEngine(clk, sink, 10*time.Millisecond, time.Hour)

	go eng.Run()
	defer eng.Shutdown()

	if err := eng.AddParticipant("p1", "car-1"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sink.Count(); got != 1 {
		t.Fatalf("expected 1 sample right after Start, got %d", got)
	}

	eng.Stop()
	time.Sleep(10 * time.Millisecond)

	if got := sink.Count(); got != 2 {
		t.Fatalf("expected finish() to sample unconditionally, got %d", got)
	}
}
