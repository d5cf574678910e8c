// Package transport implements the client socket protocol and thin HTTP
// surface of spec.md §6: a gorilla/websocket JSON-frame adapter (grounded on
// the teacher's Client/ReadPump/WritePump in network.go, generalized from
// batched binary frames to one-frame-per-message JSON) plus the REST
// endpoints for race administration and process health.
package transport

import "time"

// ClientFrame is the envelope every inbound socket message arrives in.
type ClientFrame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	RaceID     string          `json:"raceId,omitempty"`
	CarID      string          `json:"carId,omitempty"`
	CommandType string         `json:"commandType,omitempty"`
	Parameters  CommandParams  `json:"parameters,omitempty"`
}

// CommandParams carries race:command's optional parameters. Intensity may
// arrive as a bare number or a "NN%" string (spec.md §6), so it is decoded
// as an untyped value (number or string), rendered back to text, and
// resolved by the command parser's existing text path rather than a second
// numeric parser.
type CommandParams struct {
	Intensity any `json:"intensity,omitempty"`
	Gear      any `json:"gear,omitempty"`
}

// ServerFrame is the envelope every outbound socket message is sent in
// (spec.md §6 Server -> Client).
type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func frame(t string, payload any) ServerFrame { return ServerFrame{Type: t, Payload: payload} }

// AuthenticatedPayload is `connection:authenticated {playerId}`.
type AuthenticatedPayload struct {
	PlayerID string `json:"playerId"`
}

// StartedPayload is `race:started {raceId}`.
type StartedPayload struct {
	RaceID string `json:"raceId"`
}

// PitStopPayload is `race:pitStop {playerId, actions[], durationMs}`.
type PitStopPayload struct {
	PlayerID   string   `json:"playerId"`
	Actions    []string `json:"actions"`
	DurationMs int64    `json:"durationMs"`
}

// RecoveredPayload is `race:recovered {message, state}`.
type RecoveredPayload struct {
	Message string `json:"message"`
	State   any    `json:"state"`
}

// CommandResultPayload is `command:result {success, message?}`.
type CommandResultPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is the `error {code, message, timestamp}` frame (spec.md §7
// error codes).
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes for `error` frames (spec.md §6).
const (
	ErrAuthFailed          = "AUTH_FAILED"
	ErrJoinFailed           = "JOIN_FAILED"
	ErrLeaveFailed          = "LEAVE_FAILED"
	ErrCommandFailed        = "COMMAND_FAILED"
	ErrRateLimited          = "RATE_LIMITED"
	ErrRaceStateCorrupted   = "RACE_STATE_CORRUPTED"
	ErrServerShutdown       = "SERVER_SHUTDOWN"
)
