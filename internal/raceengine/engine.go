package raceengine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/command"
	"textrace/server/internal/physics"
)

// LifecycleError is the tagged lifecycle error set of spec.md §7.
type LifecycleError string

const (
	ErrRaceAlreadyStarted LifecycleError = "RACE_ALREADY_STARTED"
	ErrCapacityExceeded    LifecycleError = "CAPACITY_EXCEEDED"
	ErrCarNotAvailable     LifecycleError = "CAR_NOT_AVAILABLE"
	ErrNotWaiting          LifecycleError = "RACE_NOT_WAITING"
	ErrUnknownParticipant  LifecycleError = "UNKNOWN_PARTICIPANT"
)

func (e LifecycleError) Error() string { return string(e) }

// Broadcaster is the C10 collaborator an engine publishes ticks to. The
// engine never blocks on it: implementations must dispatch to an I/O
// executor themselves (spec.md §5).
type Broadcaster interface {
	PublishUpdate(state RaceState)
	PublishEvent(raceID string, ev Event)
	PublishCompleted(result Result)
}

// SnapshotSink is the C7 collaborator an engine samples state into at most
// once per snapshot period (see maybeSample), plus once more when the race
// finishes. Like Broadcaster, it must not block the tick loop.
type SnapshotSink interface {
	Sample(state RaceState)
}

type slot struct {
	participant physics.Participant
	queue       *command.Queue
	joinOrder   int
}

// Engine owns one race's authoritative state. Per spec.md §4.4, all
// mutation happens either on the engine's own tick or in response to a
// single inbound mailbox — external goroutines only ever see RaceState
// value copies.
type Engine struct {
	race        Race
	track       physics.Track
	participants map[string]*slot
	joinSeq      int
	events       []Event
	eventLimit   int
	queueMaxSize int
	queueMaxRate int
	raceTimeSec  float64

	clk        clock.Clock
	tickPeriod time.Duration
	ticker     clock.Ticker

	broadcaster    Broadcaster
	snapshots      SnapshotSink
	snapshotPeriod time.Duration
	lastSnapshotAt time.Time
	log            zerolog.Logger

	mailbox   chan func()
	done      chan struct{}
	shutdown  sync.Once
}

// Config bundles the construction-time dependencies and tunables for one
// Engine, wired by the composition root (spec.md §9 "explicit dependency
// graph").
type Config struct {
	RaceID          string
	TrackID         string
	TotalLaps       int
	MaxParticipants int
	TickPeriod      time.Duration
	EventLogLimit   int
	QueueMaxSize    int
	QueueMaxRate    int
	Clock           clock.Clock
	Broadcaster     Broadcaster
	Snapshots       SnapshotSink
	SnapshotPeriod  time.Duration
	Logger          zerolog.Logger
}

// New constructs an Engine in the Waiting status. Its tick loop is not yet
// running; call Run in its own goroutine (the engine's "logical executor",
// spec.md §5) once constructed.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		race: Race{
			RaceID:          cfg.RaceID,
			TrackID:         cfg.TrackID,
			TotalLaps:       cfg.TotalLaps,
			MaxParticipants: cfg.MaxParticipants,
			Status:          Waiting,
			CreatedAt:       clk.Now(),
		},
		track:        physics.TrackByID(cfg.TrackID),
		participants: make(map[string]*slot),
		eventLimit:   cfg.EventLogLimit,
		queueMaxSize: cfg.QueueMaxSize,
		queueMaxRate: cfg.QueueMaxRate,
		clk:            clk,
		tickPeriod:     cfg.TickPeriod,
		broadcaster:    cfg.Broadcaster,
		snapshots:      cfg.Snapshots,
		snapshotPeriod: cfg.SnapshotPeriod,
		log:            cfg.Logger,
		mailbox:        make(chan func(), 64),
		done:           make(chan struct{}),
	}
}

// mailboxLoop is the engine's single executor: every external request and
// every tick flows through this one select, so no two mutations of engine
// state ever race (spec.md §4.4 "Concurrency").
func (e *Engine) mailboxLoop() {
	e.ticker = e.clk.NewTicker(e.tickPeriod)
	defer e.ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case fn := <-e.mailbox:
			fn()
		case <-e.ticker.C():
			e.tick()
		}
	}
}

// Run launches the mailbox loop in the caller's goroutine; the composition
// root calls this as `go engine.Run()` once per engine, giving each race
// its own logical executor (spec.md §5).
func (e *Engine) Run() {
	e.mailboxLoop()
}

// Shutdown cancels the engine's loop: the current tick (if any) finishes,
// no further state is emitted, and the loop exits (spec.md §5 "Cancellation
// / timeouts"). Safe to call more than once or concurrently.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		close(e.done)
	})
}

// call sends fn to the mailbox loop and blocks until it has run, unless the
// engine is shutting down, in which case it returns without running fn —
// callers treat that the same as a no-op on a finished engine.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	select {
	case e.mailbox <- func() { fn(); close(done) }:
	case <-e.done:
		return
	}
	select {
	case <-done:
	case <-e.done:
	}
}

// AddParticipant joins a player to the race. Only permitted while Waiting
// (spec.md §4.4).
func (e *Engine) AddParticipant(playerID, carID string) error {
	var err error
	e.call(func() {
		if e.race.Status != Waiting {
			err = ErrNotWaiting
			return
		}
		if len(e.participants) >= e.race.MaxParticipants {
			err = ErrCapacityExceeded
			return
		}
		if _, exists := e.participants[playerID]; exists {
			return
		}
		e.joinSeq++
		e.participants[playerID] = &slot{
			participant: physics.Participant{
				RaceID:   e.race.RaceID,
				PlayerID: playerID,
				CarID:    carID,
				FuelPct:  100,
			},
			queue:     command.NewQueue(e.queueMaxSize, e.queueMaxRate, e.clk.Now),
			joinOrder: e.joinSeq,
		}
	})
	return err
}

// RemoveParticipant removes a player (explicit leave, or cleanup on
// disconnect-then-leave per the reconnection semantics of spec.md §9 — the
// transport layer decides when to call this, the engine just compacts).
func (e *Engine) RemoveParticipant(playerID string) error {
	var err error
	e.call(func() {
		if _, ok := e.participants[playerID]; !ok {
			err = ErrUnknownParticipant
			return
		}
		delete(e.participants, playerID)
		if e.race.Status == Active {
			e.recomputePositions()
			if len(e.participants) == 0 {
				e.finish()
			}
		}
	})
	return err
}

// EnqueueCommand parses nothing itself — transport already parsed the
// text via the command package — it just queues the typed Command for the
// next tick's drain, returning the queue's accept/reject decision.
func (e *Engine) EnqueueCommand(playerID string, cmd command.Command) error {
	var err error
	e.call(func() {
		s, ok := e.participants[playerID]
		if !ok {
			err = ErrUnknownParticipant
			return
		}
		err = s.queue.Enqueue(cmd)
	})
	return err
}

// Start flips the race from Waiting to Active exactly once, requiring at
// least one participant, and emits race_start.
func (e *Engine) Start() error {
	var err error
	e.call(func() {
		if e.race.Status == Active {
			err = ErrRaceAlreadyStarted
			return
		}
		if e.race.Status == Finished {
			err = ErrNotWaiting
			return
		}
		if len(e.participants) == 0 {
			err = ErrUnknownParticipant
			return
		}
		e.race.Status = Active
		e.race.StartedAt = e.clk.Now()
		e.raceTimeSec = 0
		e.recomputePositions()
		e.appendEvent(Event{Type: EventRaceStart, InvolvedPlayers: e.allPlayerIDs()})
		e.publishAfterMutation()
	})
	return err
}

// Stop flips the race to Finished (admin stop) regardless of current
// status, emitting race_finish once.
func (e *Engine) Stop() {
	e.call(func() {
		if e.race.Status == Finished {
			return
		}
		e.finish()
	})
}

// State returns a value-copy snapshot of the current authoritative state,
// safe for the caller to read freely (spec.md §9 "owned state per engine").
func (e *Engine) State() RaceState {
	var out RaceState
	e.call(func() {
		out = e.snapshotState()
	})
	return out
}

// RaceID returns the engine's race identifier without going through the
// mailbox, since it is immutable after construction.
func (e *Engine) RaceID() string { return e.race.RaceID }

// Restore reseeds the engine's authoritative state from a recovered
// RaceState (spec.md §4.7 "reseed the engine with that state"). It mutates
// fields directly rather than going through the mailbox: it must be called
// before Run, while the engine is still single-threaded construction-phase
// state that nothing else can see yet.
func (e *Engine) Restore(state RaceState) {
	e.race.Status = state.Race.Status
	e.race.StartedAt = state.Race.StartedAt
	e.raceTimeSec = state.RaceTime
	e.events = append([]Event(nil), state.Events...)
	e.participants = make(map[string]*slot, len(state.Participants))
	for i, p := range state.Participants {
		e.joinSeq++
		e.participants[p.PlayerID] = &slot{
			participant: p,
			queue:       command.NewQueue(e.queueMaxSize, e.queueMaxRate, e.clk.Now),
			joinOrder:   i + 1,
		}
	}
}

// Result returns the final standings once the race has finished. Callers
// (the results HTTP endpoint) get ErrNotWaiting back if the race hasn't
// finished yet — there is nothing final to report.
func (e *Engine) Result() (Result, error) {
	var out Result
	var err error
	e.call(func() {
		if e.race.Status != Finished {
			err = ErrNotWaiting
			return
		}
		out = e.buildResult()
	})
	return out, err
}

func (e *Engine) allPlayerIDs() []string {
	ids := make([]string, 0, len(e.participants))
	for id := range e.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) finish() {
	e.race.Status = Finished
	e.race.EndedAt = e.clk.Now()
	e.appendEvent(Event{Type: EventRaceFinish, InvolvedPlayers: e.allPlayerIDs()})
	state := e.snapshotState()
	if e.broadcaster != nil {
		e.broadcaster.PublishEvent(e.race.RaceID, e.events[len(e.events)-1])
		e.broadcaster.PublishCompleted(e.buildResult())
	}
	if e.snapshots != nil {
		e.snapshots.Sample(state)
	}
}

func (e *Engine) buildResult() Result {
	standings := make([]Standing, 0, len(e.participants))
	for _, s := range e.participants {
		standings = append(standings, Standing{
			PlayerID:     s.participant.PlayerID,
			Position:     s.participant.Position,
			TotalTimeSec: s.participant.TotalTimeSec,
		})
	}
	sort.Slice(standings, func(i, j int) bool { return standings[i].Position < standings[j].Position })
	return Result{RaceID: e.race.RaceID, Standings: standings}
}

func (e *Engine) appendEvent(ev Event) {
	ev.ID = uuid.NewString()
	ev.TickTime = e.clk.Now()
	e.events = append(e.events, ev)
	if e.eventLimit > 0 && len(e.events) > e.eventLimit {
		e.events = e.events[len(e.events)-e.eventLimit:]
	}
	if e.broadcaster != nil {
		e.broadcaster.PublishEvent(e.race.RaceID, ev)
	}
}

// recomputePositions sorts participants by (lap desc, distance desc,
// playerId asc) and reassigns dense positions 1..N (spec.md §4.4 step 3).
func (e *Engine) recomputePositions() map[string]int {
	prior := make(map[string]int, len(e.participants))
	ordered := make([]*slot, 0, len(e.participants))
	for _, s := range e.participants {
		prior[s.participant.PlayerID] = s.participant.Position
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].participant, ordered[j].participant
		if a.Location.Lap != b.Location.Lap {
			return a.Location.Lap > b.Location.Lap
		}
		if a.Location.DistanceMeters != b.Location.DistanceMeters {
			return a.Location.DistanceMeters > b.Location.DistanceMeters
		}
		return a.PlayerID < b.PlayerID
	})
	for i, s := range ordered {
		s.participant.Position = i + 1
	}
	return prior
}

func (e *Engine) snapshotState() RaceState {
	participants := make([]physics.Participant, 0, len(e.participants))
	for _, s := range e.participants {
		participants = append(participants, s.participant)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].PlayerID < participants[j].PlayerID })

	maxLap := 0
	for _, p := range participants {
		if p.Location.Lap > maxLap {
			maxLap = p.Location.Lap
		}
	}

	return RaceState{
		Race:         e.race,
		Participants: participants,
		CurrentLap:   maxLap,
		RaceTime:     e.raceTimeSec,
		Events:       append([]Event(nil), e.events...),
		TickTime:     e.clk.Now(),
	}
}

func (e *Engine) publishAfterMutation() {
	state := e.snapshotState()
	if e.broadcaster != nil {
		e.broadcaster.PublishUpdate(state)
	}
	e.maybeSample(state)
}

// maybeSample samples state into the snapshot sink only once per
// snapshotPeriod (spec.md §4.6 "every snapshotPeriod while a race is
// active"), not on every tick — the tick loop runs at tickPeriod (10 Hz by
// default), far faster than the 10s default snapshot cadence.
func (e *Engine) maybeSample(state RaceState) {
	if e.snapshots == nil {
		return
	}
	now := e.clk.Now()
	if e.snapshotPeriod > 0 && now.Sub(e.lastSnapshotAt) < e.snapshotPeriod {
		return
	}
	e.lastSnapshotAt = now
	e.snapshots.Sample(state)
}

// safetyMaxRaceTime is spec.md §4.4's "totalLaps x 300s" cap.
func (e *Engine) safetyMaxRaceTime() float64 {
	return float64(e.race.TotalLaps) * 300.0
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine(race=%s, status=%s, participants=%d)", e.race.RaceID, e.race.Status, len(e.participants))
}
