package command

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestQueueBoundaries(t *testing.T) {
	Convey("Given a queue with maxQueueSize=10 and maxCommandsPerSecond=5", t, func() {
		now := time.Unix(0, 0)
		clk := func() time.Time { return now }
		q := NewQueue(10, 5, clk)

		Convey("enqueuing 6 commands within 500ms", func() {
			var results []error
			for i := 0; i < 6; i++ {
				results = append(results, q.Enqueue(Command{Kind: Coast}))
				now = now.Add(100 * time.Millisecond)
			}

			Convey("the first five succeed and the sixth is rate limited", func() {
				for i := 0; i < 5; i++ {
					So(results[i], ShouldBeNil)
				}
				So(results[5], ShouldNotBeNil)
				pe, ok := results[5].(*ParseError)
				So(ok, ShouldBeTrue)
				So(pe.Code, ShouldEqual, ErrRateLimited)
			})

			Convey("the rejected enqueue did not modify the queue", func() {
				So(q.Len(), ShouldEqual, 5)
			})
		})

		Convey("enqueuing 11 commands a second apart each (no rate limiting)", func() {
			for i := 0; i < 11; i++ {
				err := q.Enqueue(Command{Kind: Coast})
				So(err, ShouldBeNil)
				now = now.Add(time.Second)
			}

			Convey("the queue holds only the most recent 10", func() {
				So(q.Len(), ShouldEqual, 10)
			})
		})

		Convey("Clear resets both the queue and the rate window", func() {
			So(q.Enqueue(Command{Kind: Coast}), ShouldBeNil)
			q.Clear()
			So(q.Len(), ShouldEqual, 0)

			for i := 0; i < 5; i++ {
				So(q.Enqueue(Command{Kind: Coast}), ShouldBeNil)
			}
		})
	})
}

func TestQueueFIFOAndPeek(t *testing.T) {
	Convey("Given a queue with a few distinct commands", t, func() {
		q := NewQueue(10, 100, nil)
		So(q.Enqueue(Command{Kind: Accelerate, Intensity: 0.5}), ShouldBeNil)
		So(q.Enqueue(Command{Kind: Brake, Intensity: 1}), ShouldBeNil)

		Convey("Peek returns the oldest without removing it", func() {
			item, ok := q.Peek()
			So(ok, ShouldBeTrue)
			So(item.Command.Kind, ShouldEqual, Accelerate)
			So(q.Len(), ShouldEqual, 2)
		})

		Convey("Dequeue returns commands in FIFO order", func() {
			first, ok := q.Dequeue()
			So(ok, ShouldBeTrue)
			So(first.Command.Kind, ShouldEqual, Accelerate)

			second, ok := q.Dequeue()
			So(ok, ShouldBeTrue)
			So(second.Command.Kind, ShouldEqual, Brake)

			_, ok = q.Dequeue()
			So(ok, ShouldBeFalse)
		})
	})
}

func TestQueueDrainLatest(t *testing.T) {
	Convey("Given a queue with three enqueued commands", t, func() {
		q := NewQueue(10, 100, nil)
		q.Enqueue(Command{Kind: Accelerate, Intensity: 0.3})
		q.Enqueue(Command{Kind: Brake, Intensity: 0.6})
		q.Enqueue(Command{Kind: Shift, Gear: 2})

		Convey("DrainLatest returns only the most recent and empties the queue", func() {
			latest, ok := q.DrainLatest()
			So(ok, ShouldBeTrue)
			So(latest.Command.Kind, ShouldEqual, Shift)
			So(q.Len(), ShouldEqual, 0)
		})
	})
}
