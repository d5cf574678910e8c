// Package connection implements C9: the process-wide registry of live
// sockets, the players authenticated on them, and race membership. Grounded
// on the teacher's Client/World bookkeeping in network.go and world.go
// (a client struct per socket, disconnect cleanup fanning out from one
// place), generalized to spec.md §4.8's three-map model with an explicit
// one-connection-per-player invariant and stale-connection sweep.
package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
)

// Socket is the transport-level collaborator the registry tracks. The
// websocket adapter (internal/transport) implements this; the registry
// itself never touches a net.Conn.
type Socket interface {
	ID() string
	// Disconnect closes the underlying connection. Idempotent.
	Disconnect()
}

// entry is the registry's bookkeeping for one socket.
type entry struct {
	socket        Socket
	playerID      string
	raceID        string
	lastKeepAlive time.Time
}

// Registry maintains the three maps of spec.md §4.8 behind a single lock
// (spec.md §5 "no component holds more than one mutex at a time").
type Registry struct {
	mu sync.Mutex

	bySocket  map[string]*entry
	byPlayer  map[string]string            // playerId -> socketId
	byRace    map[string]map[string]struct{} // raceId -> set<socketId>

	clk clock.Clock
	log zerolog.Logger
}

// New builds an empty Registry.
func New(clk clock.Clock, log zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		bySocket: make(map[string]*entry),
		byPlayer: make(map[string]string),
		byRace:   make(map[string]map[string]struct{}),
		clk:      clk,
		log:      log,
	}
}

// Connect registers a newly-upgraded socket with no player identity yet.
func (r *Registry) Connect(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySocket[s.ID()] = &entry{socket: s, lastKeepAlive: r.clk.Now()}
}

// Authenticate binds playerID to socketID. If playerID already has a
// different socket bound, that prior socket is evicted — one connection per
// player (spec.md §4.8). Returns the evicted socket, if any; the registry
// removes it from all three maps but does not disconnect it, which is left
// to the caller.
func (r *Registry) Authenticate(socketID, playerID string) (evicted Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySocket[socketID]
	if !ok {
		return nil
	}

	if priorSocketID, exists := r.byPlayer[playerID]; exists && priorSocketID != socketID {
		if prior, ok := r.bySocket[priorSocketID]; ok {
			evicted = prior.socket
			r.removeLocked(priorSocketID)
		}
	}

	e.playerID = playerID
	r.byPlayer[playerID] = socketID
	return evicted
}

// JoinRace adds socketID to raceID's membership set.
func (r *Registry) JoinRace(socketID, raceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySocket[socketID]
	if !ok {
		return
	}
	if e.raceID != "" && e.raceID != raceID {
		r.removeFromRaceLocked(e.raceID, socketID)
	}
	e.raceID = raceID
	set, ok := r.byRace[raceID]
	if !ok {
		set = make(map[string]struct{})
		r.byRace[raceID] = set
	}
	set[socketID] = struct{}{}
}

// LeaveRace removes socketID from raceID's membership set without
// disconnecting the socket (spec.md §9 "reconnection semantics" — leaving a
// race is distinct from disconnecting).
func (r *Registry) LeaveRace(socketID, raceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySocket[socketID]; ok && e.raceID == raceID {
		e.raceID = ""
	}
	r.removeFromRaceLocked(raceID, socketID)
}

// Touch records a keepalive (pong, or any inbound frame) for socketID.
func (r *Registry) Touch(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySocket[socketID]; ok {
		e.lastKeepAlive = r.clk.Now()
	}
}

// Remove unregisters a socket entirely (on disconnect).
func (r *Registry) Remove(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(socketID)
}

// SocketsForRace returns every socket currently joined to raceID, used by
// the broadcast dispatcher for fan-out.
func (r *Registry) SocketsForRace(raceID string) []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byRace[raceID]
	out := make([]Socket, 0, len(set))
	for id := range set {
		if e, ok := r.bySocket[id]; ok {
			out = append(out, e.socket)
		}
	}
	return out
}

// SocketForPlayer returns the socket currently bound to playerID, if any.
func (r *Registry) SocketForPlayer(playerID string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	e, ok := r.bySocket[id]
	if !ok {
		return nil, false
	}
	return e.socket, true
}

// PlayerID returns the player bound to socketID, if authenticated.
func (r *Registry) PlayerID(socketID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySocket[socketID]
	if !ok || e.playerID == "" {
		return "", false
	}
	return e.playerID, true
}

// AllSockets returns every currently tracked socket, regardless of
// authentication or race membership — used by the process-wide shutdown
// sequence to notify every connected client before closing it (spec.md §5).
func (r *Registry) AllSockets() []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Socket, 0, len(r.bySocket))
	for _, e := range r.bySocket {
		out = append(out, e.socket)
	}
	return out
}

// Count returns the number of tracked sockets (spec.md §4.10 "active
// connections" health probe input).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySocket)
}

// SweepStale disconnects and removes every socket whose last keepalive is
// older than staleAfter, returning the removed sockets (spec.md §4.8).
func (r *Registry) SweepStale(staleAfter time.Duration) []Socket {
	now := r.clk.Now()

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.bySocket {
		if now.Sub(e.lastKeepAlive) > staleAfter {
			stale = append(stale, e)
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	out := make([]Socket, 0, len(stale))
	for _, e := range stale {
		r.log.Info().Str("socketId", e.socket.ID()).Msg("disconnecting stale socket")
		e.socket.Disconnect()
		out = append(out, e.socket)
	}
	return out
}

func (r *Registry) removeLocked(socketID string) {
	e, ok := r.bySocket[socketID]
	if !ok {
		return
	}
	if e.playerID != "" && r.byPlayer[e.playerID] == socketID {
		delete(r.byPlayer, e.playerID)
	}
	if e.raceID != "" {
		r.removeFromRaceLocked(e.raceID, socketID)
	}
	delete(r.bySocket, socketID)
}

func (r *Registry) removeFromRaceLocked(raceID, socketID string) {
	set, ok := r.byRace[raceID]
	if !ok {
		return
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(r.byRace, raceID)
	}
}
