package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"textrace/server/internal/command"
	"textrace/server/internal/connection"
	"textrace/server/internal/raceengine"
	"textrace/server/internal/recovery"
	"textrace/server/internal/registry"
)

// TokenResolver is the external identity collaborator spec.md §1 places out
// of scope: given an opaque token it returns a playerId or an error. Token
// issuance, password hashing and account endpoints live outside this core.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (playerID string, err error)
}

// Server wires the socket protocol and HTTP surface of spec.md §6 on top of
// the registry, connection registry and recovery coordinator. Direct,
// single-socket replies (connection:authenticated, command:result, error)
// are enqueued straight onto the socket; race-wide fan-out (race:update,
// race:event, race:completed) instead flows through broadcast.Dispatcher,
// wired as the race engine's Broadcaster by the composition root. It is the
// transport-facing half of the composition root's dependency graph
// (spec.md §9).
type Server struct {
	registry *registry.Registry
	conns    *connection.Registry
	resolver TokenResolver
	recovery *recovery.Coordinator
	log      zerolog.Logger
}

// Dependencies bundles Server's collaborators.
type Dependencies struct {
	Registry *registry.Registry
	Conns    *connection.Registry
	Resolver TokenResolver
	Recovery *recovery.Coordinator
	Logger   zerolog.Logger
}

// New builds a Server.
func New(deps Dependencies) *Server {
	return &Server{
		registry: deps.Registry,
		conns:    deps.Conns,
		resolver: deps.Resolver,
		recovery: deps.Recovery,
		log:      deps.Logger,
	}
}

// HandleWebSocket upgrades an HTTP connection and runs its read/write pumps
// until the socket closes (spec.md §6 client socket protocol).
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	sock := newSocket(id, conn, s.log, nil)
	s.conns.Connect(sock)

	go sock.writePump()
	sock.readPump(
		func(raw []byte) { s.handleFrame(sock, raw) },
		func() { s.conns.Touch(id) },
	)
	s.conns.Remove(id)
}

// enqueuer is the subset of *socket the shutdown broadcast needs; declared
// locally so Shutdown can reach every tracked connection.Socket without
// connection depending on transport's concrete socket type.
type enqueuer interface {
	Enqueue(payload []byte) bool
}

// Shutdown implements spec.md §5's shutdown sequence for the transport
// layer: notify every connected socket with a SERVER_SHUTDOWN error frame,
// wait out a short grace period so it (and anything already queued ahead of
// it) can flush, then close every socket. The composition root calls this
// after stopping every race engine, so no further race:update can race the
// shutdown notice (Testable scenario 6).
func (s *Server) Shutdown(grace time.Duration) {
	sockets := s.conns.AllSockets()

	payload, err := json.Marshal(frame("error", ErrorPayload{
		Code:      ErrServerShutdown,
		Message:   "server is shutting down",
		Timestamp: time.Now(),
	}))
	if err != nil {
		s.log.Error().Err(err).Msg("transport: encode shutdown frame failed")
	} else {
		for _, sock := range sockets {
			if e, ok := sock.(enqueuer); ok {
				e.Enqueue(payload)
			}
		}
	}

	time.Sleep(grace)
	for _, sock := range sockets {
		sock.Disconnect()
	}
}

func (s *Server) handleFrame(sock *socket, raw []byte) {
	var in ClientFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError(sock, ErrCommandFailed, "malformed frame")
		return
	}

	switch in.Type {
	case "player:authenticate":
		s.handleAuthenticate(sock, in)
	case "race:join":
		s.handleJoin(sock, in)
	case "race:leave":
		s.handleLeave(sock, in)
	case "race:command":
		s.handleCommand(sock, in)
	default:
		s.sendError(sock, ErrCommandFailed, fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

func (s *Server) handleAuthenticate(sock *socket, in ClientFrame) {
	if s.resolver == nil {
		s.sendError(sock, ErrAuthFailed, "no identity resolver configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	playerID, err := s.resolver.Resolve(ctx, in.Token)
	if err != nil {
		s.sendError(sock, ErrAuthFailed, "authentication failed")
		return
	}

	if evicted := s.conns.Authenticate(sock.ID(), playerID); evicted != nil {
		evicted.Disconnect()
	}

	s.send(sock, frame("connection:authenticated", AuthenticatedPayload{PlayerID: playerID}))
}

func (s *Server) handleJoin(sock *socket, in ClientFrame) {
	playerID, ok := s.conns.PlayerID(sock.ID())
	if !ok {
		s.sendError(sock, ErrJoinFailed, "not authenticated")
		return
	}
	eng, err := s.registry.Get(in.RaceID)
	if err != nil {
		eng, err = s.recoverRace(sock, in.RaceID)
		if err != nil {
			s.sendError(sock, ErrJoinFailed, "race not found")
			return
		}
	}
	if err := eng.AddParticipant(playerID, in.CarID); err != nil {
		s.sendError(sock, ErrJoinFailed, err.Error())
		return
	}

	s.conns.JoinRace(sock.ID(), in.RaceID)
	s.send(sock, frame("race:state", eng.State()))
}

func (s *Server) handleLeave(sock *socket, in ClientFrame) {
	playerID, ok := s.conns.PlayerID(sock.ID())
	if !ok {
		s.sendError(sock, ErrLeaveFailed, "not authenticated")
		return
	}
	eng, err := s.registry.Get(in.RaceID)
	if err != nil {
		s.sendError(sock, ErrLeaveFailed, "race not found")
		return
	}
	if err := eng.RemoveParticipant(playerID); err != nil {
		s.sendError(sock, ErrLeaveFailed, err.Error())
		return
	}
	s.conns.LeaveRace(sock.ID(), in.RaceID)
}

func (s *Server) handleCommand(sock *socket, in ClientFrame) {
	playerID, ok := s.conns.PlayerID(sock.ID())
	if !ok {
		s.sendError(sock, ErrCommandFailed, "not authenticated")
		return
	}
	eng, err := s.raceForSocket(sock)
	if err != nil {
		s.sendError(sock, ErrCommandFailed, "not joined to a race")
		return
	}

	line, err := renderCommandLine(in.CommandType, in.Parameters)
	if err != nil {
		s.send(sock, frame("command:result", CommandResultPayload{Success: false, Message: err.Error()}))
		return
	}
	cmd, perr := command.Parse(line)
	if perr != nil {
		s.send(sock, frame("command:result", CommandResultPayload{Success: false, Message: perr.Error()}))
		return
	}

	if err := eng.EnqueueCommand(playerID, cmd); err != nil {
		msg := err.Error()
		if pe, ok := err.(*command.ParseError); ok && pe.Code == command.ErrRateLimited {
			s.send(sock, frame("error", ErrorPayload{Code: ErrRateLimited, Message: msg, Timestamp: time.Now()}))
			return
		}
		s.send(sock, frame("command:result", CommandResultPayload{Success: false, Message: msg}))
		return
	}
	s.send(sock, frame("command:result", CommandResultPayload{Success: true}))
}

// recoverRace runs C8 for a race the registry has no live engine for
// (spec.md §4.7) and, on anything but Failed, reseeds the registry with the
// recovered state and tells the requesting socket via race:recovered
// (supplemented per SPEC_FULL.md §4). The same frame also goes to every
// other socket the connection registry still lists for that race.
func (s *Server) recoverRace(sock *socket, raceID string) (*raceengine.Engine, error) {
	if s.recovery == nil {
		return nil, registry.ErrRaceNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := s.recovery.Recover(ctx, raceID)
	if result.Outcome == recovery.Failed {
		return nil, registry.ErrRaceNotFound
	}

	state := result.State
	eng := s.registry.Reseed(raceID, state.Race.TrackID, state.Race.TotalLaps, state.Race.MaxParticipants, state)
	recovered := frame("race:recovered", RecoveredPayload{Message: result.Outcome.String(), State: eng.State()})
	s.send(sock, recovered)
	if payload, err := json.Marshal(recovered); err == nil {
		for _, other := range s.conns.SocketsForRace(raceID) {
			if e, ok := other.(enqueuer); ok && other.ID() != sock.ID() {
				e.Enqueue(payload)
			}
		}
	}
	return eng, nil
}

// raceForSocket resolves the engine for the socket's authenticated player
// by scanning the registry's active races for one that lists that player as
// a participant. Races that are still waiting or already finished are not
// searched.
func (s *Server) raceForSocket(sock *socket) (*raceengine.Engine, error) {
	playerID, ok := s.conns.PlayerID(sock.ID())
	if !ok {
		return nil, registry.ErrRaceNotFound
	}
	for _, eng := range s.registry.ListActive() {
		state := eng.State()
		for _, p := range state.Participants {
			if p.PlayerID == playerID {
				return eng, nil
			}
		}
	}
	return nil, registry.ErrRaceNotFound
}

func renderCommandLine(commandType string, params CommandParams) (string, error) {
	switch commandType {
	case "accelerate", "brake":
		tok, err := intensityToken(params.Intensity)
		if err != nil {
			return "", err
		}
		return commandType + tok, nil
	case "shift":
		tok, err := gearToken(params.Gear)
		if err != nil {
			return "", err
		}
		return "shift" + tok, nil
	case "coast", "pit":
		return commandType, nil
	default:
		return "", fmt.Errorf("unknown command type %q", commandType)
	}
}

func intensityToken(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return " " + t, nil
	case float64:
		return " " + strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("invalid intensity parameter")
	}
}

func gearToken(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return " " + t, nil
	case float64:
		return " " + strconv.Itoa(int(t)), nil
	default:
		return "", fmt.Errorf("invalid gear parameter")
	}
}

func (s *Server) send(sock *socket, msg ServerFrame) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.Type).Msg("transport: encode failed")
		return
	}
	sock.Enqueue(payload)
}

func (s *Server) sendError(sock *socket, code, message string) {
	s.send(sock, frame("error", ErrorPayload{Code: code, Message: message, Timestamp: time.Now()}))
}
