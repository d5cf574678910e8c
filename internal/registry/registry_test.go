package registry

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/raceengine"
)

func testFactory(clk clock.Clock) EngineFactory {
	return func(raceID, trackID string, totalLaps, maxParticipants int) *raceengine.Engine {
		return raceengine.New(raceengine.Config{
			RaceID:          raceID,
			TrackID:         trackID,
			TotalLaps:       totalLaps,
			MaxParticipants: maxParticipants,
			TickPeriod:      100 * time.Millisecond,
			EventLogLimit:   50,
			QueueMaxSize:    10,
			QueueMaxRate:    5,
			Clock:           clk,
		})
	}
}

type stubNotifier struct {
	notified []string
}

func (n *stubNotifier) NotifyAbnormalTermination(raceID string) {
	n.notified = append(n.notified, raceID)
}

func TestRegistryCreateAndLookup(t *testing.T) {
	Convey("Given a registry backed by a fake clock", t, func() {
		clk := clock.NewManual(time.Unix(0, 0))
		notifier := &stubNotifier{}
		reg := New(testFactory(clk), notifier, clk, zerolog.Nop())

		Convey("Create returns a running engine reachable by its generated id", func() {
			eng := reg.Create("speedway", 3, 4)
			defer eng.Shutdown()

			So(eng, ShouldNotBeNil)
			So(reg.Count(), ShouldEqual, 1)

			got, err := reg.Get(eng.RaceID())
			So(err, ShouldBeNil)
			So(got, ShouldEqual, eng)
		})

		Convey("Get on an unknown id returns RACE_NOT_FOUND", func() {
			_, err := reg.Get("does-not-exist")
			So(err, ShouldEqual, ErrRaceNotFound)
		})

		Convey("generated ids are unique across many creates", func() {
			seen := make(map[string]bool)
			for i := 0; i < 5; i++ {
				id := reg.GenerateRaceID()
				So(seen[id], ShouldBeFalse)
				seen[id] = true
			}
		})
	})
}

func TestRegistryListActiveFiltersByStatus(t *testing.T) {
	Convey("Given a registry with one waiting and one active race", t, func() {
		clk := clock.NewManual(time.Unix(0, 0))
		reg := New(testFactory(clk), nil, clk, zerolog.Nop())

		waiting := reg.Create("speedway", 2, 4)
		defer waiting.Shutdown()
		active := reg.Create("speedway", 2, 4)
		defer active.Shutdown()

		So(active.AddParticipant("p1", "car-default"), ShouldBeNil)
		So(active.Start(), ShouldBeNil)

		Convey("ListActive only returns the started race", func() {
			list := reg.ListActive()
			So(len(list), ShouldEqual, 1)
			So(list[0].RaceID(), ShouldEqual, active.RaceID())
		})
	})
}

func TestRegistryStopAndRemove(t *testing.T) {
	Convey("Given a registry with one race", t, func() {
		clk := clock.NewManual(time.Unix(0, 0))
		reg := New(testFactory(clk), nil, clk, zerolog.Nop())
		eng := reg.Create("speedway", 2, 4)
		defer eng.Shutdown()

		Convey("Stop finishes the race", func() {
			So(reg.Stop(eng.RaceID()), ShouldBeNil)
			So(eng.State().Race.Status, ShouldEqual, raceengine.Finished)
		})

		Convey("Stop on an unknown race returns RACE_NOT_FOUND", func() {
			So(reg.Stop("nope"), ShouldEqual, ErrRaceNotFound)
		})

		Convey("Remove drops the race from lookup", func() {
			reg.Remove(eng.RaceID())
			So(reg.Count(), ShouldEqual, 0)
			_, err := reg.Get(eng.RaceID())
			So(err, ShouldEqual, ErrRaceNotFound)
		})
	})
}

func TestRegistryReportAbnormalTerminationNotifies(t *testing.T) {
	Convey("Given a registry with a notifier", t, func() {
		clk := clock.NewManual(time.Unix(0, 0))
		notifier := &stubNotifier{}
		reg := New(testFactory(clk), notifier, clk, zerolog.Nop())

		Convey("ReportAbnormalTermination forwards the race id", func() {
			reg.ReportAbnormalTermination("race-123")
			So(notifier.notified, ShouldResemble, []string{"race-123"})
		})
	})
}

func TestRegistryShutdownAllStopsEveryEngine(t *testing.T) {
	Convey("Given a registry with several races", t, func() {
		clk := clock.NewManual(time.Unix(0, 0))
		reg := New(testFactory(clk), nil, clk, zerolog.Nop())
		a := reg.Create("speedway", 2, 4)
		b := reg.Create("speedway", 2, 4)

		Convey("ShutdownAll cancels every engine loop", func() {
			reg.ShutdownAll()
			// engines are shut down; further calls must not block forever.
			done := make(chan struct{})
			go func() {
				_ = a.State()
				_ = b.State()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("State() blocked after ShutdownAll")
			}
		})
	})
}
