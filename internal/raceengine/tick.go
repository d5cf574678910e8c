package raceengine

import (
	"sort"

	"textrace/server/internal/command"
	"textrace/server/internal/physics"
)

// tick runs the 8-step per-tick algorithm of spec.md §4.4. It only ever
// runs on the engine's own mailbox goroutine.
func (e *Engine) tick() {
	if e.race.Status != Active {
		return
	}

	dt := e.tickPeriod.Seconds()

	// Step 1: snapshot prior positions for overtake diffing.
	priorPositions := make(map[string]int, len(e.participants))
	for id, s := range e.participants {
		priorPositions[id] = s.participant.Position
	}
	priorLaps := make(map[string]int, len(e.participants))
	for id, s := range e.participants {
		priorLaps[id] = s.participant.Location.Lap
	}

	car := func(carID string) physics.Car { return physics.CarByID(carID) }
	track := e.track

	type pitRequest struct {
		playerID string
		lap      int
	}
	var pitRequests []pitRequest

	// Step 2: drain each participant's latest command (default coast) and
	// advance physics.
	for _, s := range e.participants {
		q, ok := s.queue.DrainLatest()
		cmd := command.Command{Kind: command.Coast}
		if ok {
			cmd = q.Command
		}

		next, localEvents := physics.Step(s.participant, car(s.participant.CarID), cmd, track, dt, physics.Environment{})
		s.participant = next

		for _, le := range localEvents {
			kind := EventIncident
			var reason string
			switch le.Kind {
			case physics.LowFuel:
				reason = "low_fuel"
			case physics.TireWearHigh:
				reason = "tire_wear_high"
			}
			e.appendEvent(Event{
				Type:            kind,
				InvolvedPlayers: []string{s.participant.PlayerID},
				Payload:         map[string]any{"reason": reason},
			})
		}

		if cmd.Kind == command.Pit {
			pitRequests = append(pitRequests, pitRequest{playerID: s.participant.PlayerID, lap: s.participant.Location.Lap})
		}
	}

	// Step 3: sort by (lap desc, distance desc, playerId asc) and reassign
	// dense positions 1..N.
	e.recomputePositions()

	// Step 4: diff prior vs new positions to emit overtake events.
	e.emitOvertakes(priorPositions)

	// Step 5: lap_complete for any participant whose lap counter increased.
	for _, s := range e.participants {
		if s.participant.Location.Lap > priorLaps[s.participant.PlayerID] {
			e.appendEvent(Event{
				Type:            EventLapComplete,
				InvolvedPlayers: []string{s.participant.PlayerID},
				Payload: map[string]any{
					"lap":        s.participant.Location.Lap,
					"lapTimeSec": s.participant.LapTimeSec,
				},
			})
		}
	}

	// Step 6: pit-stop effects for anyone whose drained command was Pit.
	for _, pr := range pitRequests {
		s := e.participants[pr.playerID]
		if s == nil {
			continue
		}
		next, actions, duration := physics.ApplyPitStop(s.participant)
		s.participant = next
		if len(actions) > 0 {
			e.appendEvent(Event{
				Type:            EventPitStop,
				InvolvedPlayers: []string{pr.playerID},
				Payload: map[string]any{
					"actions":    actions,
					"durationMs": duration.Milliseconds(),
					"lap":        pr.lap,
				},
			})
		}
	}

	// Step 7: advance race time.
	e.raceTimeSec += dt

	// Completion checks: any participant finished totalLaps, or the safety
	// max race time elapsed.
	finished := false
	for _, s := range e.participants {
		if s.participant.Location.Lap >= e.race.TotalLaps {
			finished = true
			break
		}
	}
	if !finished && e.raceTimeSec >= e.safetyMaxRaceTime() {
		finished = true
	}

	// Step 8: publish the updated state.
	e.publishAfterMutation()

	if finished {
		e.finish()
	}
}

// emitOvertakes implements spec.md §8's overtake property: for every pair
// (A,B), if A had a worse rank than B at T-1 and a better rank at T, emit
// overtake{A,B}.
func (e *Engine) emitOvertakes(prior map[string]int) {
	ids := make([]string, 0, len(e.participants))
	for id := range e.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i := 0; i < len(ids); i++ {
		for j := 0; j < len(ids); j++ {
			if i == j {
				continue
			}
			a, b := ids[i], ids[j]
			priorA, okA := prior[a]
			priorB, okB := prior[b]
			if !okA || !okB || priorA == 0 || priorB == 0 {
				continue
			}
			newA := e.participants[a].participant.Position
			newB := e.participants[b].participant.Position
			if priorA > priorB && newA < newB {
				e.appendEvent(Event{
					Type:            EventOvertake,
					InvolvedPlayers: []string{a, b},
				})
			}
		}
	}
}
