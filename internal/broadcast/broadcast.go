// Package broadcast implements C10: per-race fan-out of race:update,
// race:started, race:pitStop, race:event and race:completed frames to every
// socket joined to a race, with per-socket backpressure. Grounded on the
// teacher's batching
// WritePump/Send-channel pattern in network.go, generalized from a single
// global client list to per-race membership sourced from the connection
// registry, and from "batch and block" to "bounded and disconnect"
// (spec.md §4.9).
package broadcast

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"textrace/server/internal/connection"
	"textrace/server/internal/physics"
	"textrace/server/internal/raceengine"
	"textrace/server/internal/transport"
)

// Frame is the JSON envelope spec.md §6 puts on every server→client
// message: `{type, payload}`.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sender is the per-socket delivery boundary a transport adapter
// implements; Dispatcher never talks to a net.Conn directly.
type Sender interface {
	connection.Socket
	// Enqueue attempts a non-blocking send of an already-encoded frame.
	// false means the socket's bounded buffer is full (backpressure).
	Enqueue(payload []byte) bool
}

// Dispatcher fans messages out to every socket registered for a race.
// Grounded on spec.md §4.9: non-blocking per-socket delivery, preserved
// per-socket order, no cross-socket ordering guarantee.
type Dispatcher struct {
	conns *connection.Registry
	log   zerolog.Logger
}

// New builds a Dispatcher backed by a connection registry.
func New(conns *connection.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{conns: conns, log: log}
}

// PublishUpdate implements raceengine.Broadcaster: full state, once per
// tick.
func (d *Dispatcher) PublishUpdate(state raceengine.RaceState) {
	d.fanOut(state.Race.RaceID, Frame{Type: "race:update", Payload: state})
}

// PublishEvent implements raceengine.Broadcaster. race_start and pit_stop
// carry their own named frame types per spec.md §6 (`race:started`,
// `race:pitStop`); every other event type rides the generic `race:event`
// envelope.
func (d *Dispatcher) PublishEvent(raceID string, ev raceengine.Event) {
	switch ev.Type {
	case raceengine.EventRaceStart:
		d.fanOut(raceID, Frame{Type: "race:started", Payload: transport.StartedPayload{RaceID: raceID}})
	case raceengine.EventPitStop:
		d.fanOut(raceID, Frame{Type: "race:pitStop", Payload: pitStopPayload(ev)})
	default:
		d.fanOut(raceID, Frame{Type: "race:event", Payload: ev})
	}
}

// pitStopPayload extracts race:pitStop's fields from the generic event the
// engine appends (tick.go's pit-stop effects step), since raceengine.Event
// itself stays a protocol-agnostic envelope.
func pitStopPayload(ev raceengine.Event) transport.PitStopPayload {
	var p transport.PitStopPayload
	if len(ev.InvolvedPlayers) > 0 {
		p.PlayerID = ev.InvolvedPlayers[0]
	}
	if actions, ok := ev.Payload["actions"].([]physics.PitAction); ok {
		p.Actions = make([]string, len(actions))
		for i, a := range actions {
			p.Actions[i] = string(a)
		}
	}
	if durationMs, ok := ev.Payload["durationMs"].(int64); ok {
		p.DurationMs = durationMs
	}
	return p
}

// PublishCompleted implements raceengine.Broadcaster: the final result.
func (d *Dispatcher) PublishCompleted(result raceengine.Result) {
	d.fanOut(result.RaceID, Frame{Type: "race:completed", Payload: result})
}

// fanOut encodes msg once and delivers it to every socket currently joined
// to raceID. A socket whose buffer is saturated is treated as unhealthy and
// disconnected (spec.md §4.9 "backpressure policy").
func (d *Dispatcher) fanOut(raceID string, msg Frame) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error().Err(err).Str("raceId", raceID).Str("type", msg.Type).Msg("broadcast: encode failed")
		return
	}

	for _, socket := range d.conns.SocketsForRace(raceID) {
		sender, ok := socket.(Sender)
		if !ok {
			continue
		}
		if !sender.Enqueue(payload) {
			d.log.Warn().Str("raceId", raceID).Str("socketId", sender.ID()).Msg("broadcast: buffer full, disconnecting")
			sender.Disconnect()
		}
	}
}

// SendTo delivers a single-socket frame (e.g. connection:authenticated,
// command:result, error) outside of any race fan-out.
func (d *Dispatcher) SendTo(socket Sender, msg Frame) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error().Err(err).Str("socketId", socket.ID()).Str("type", msg.Type).Msg("broadcast: encode failed")
		return false
	}
	return socket.Enqueue(payload)
}
