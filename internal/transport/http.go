package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"textrace/server/internal/health"
)

// createRaceRequest is the body of POST /races.
type createRaceRequest struct {
	TrackID         string `json:"trackId"`
	TotalLaps       int    `json:"totalLaps"`
	MaxParticipants int    `json:"maxParticipants"`
}

// joinRaceRequest is the body of POST /races/{id}/join. The HTTP surface has
// no socket-bound identity to authenticate against, so playerId/carId travel
// in the body (spec.md §6 "thin, out of core but exposed for completeness").
type joinRaceRequest struct {
	PlayerID string `json:"playerId"`
	CarID    string `json:"carId"`
}

type leaveRaceRequest struct {
	PlayerID string `json:"playerId"`
}

// Routes builds the HTTP surface of spec.md §6: race administration plus
// process health. A bare http.ServeMux is enough here — nothing in the
// example pack reaches for a third-party router, so method dispatch and
// path-segment parsing are done by hand below rather than importing one
// just for this thin shell.
func (s *Server) Routes(monitor *health.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/races", s.handleRaces)
	mux.HandleFunc("/races/", s.handleRaceSubpath)
	if monitor != nil {
		mux.HandleFunc("/health", handleHealth(monitor))
		mux.HandleFunc("/metrics", handleMetrics(monitor))
	}
	return mux
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TotalLaps <= 0 || req.MaxParticipants <= 0 {
		writeJSONError(w, http.StatusBadRequest, "totalLaps and maxParticipants must be positive")
		return
	}
	eng := s.registry.Create(req.TrackID, req.TotalLaps, req.MaxParticipants)
	writeJSON(w, http.StatusCreated, eng.State())
}

// handleRaceSubpath dispatches /races/{id}[/join|/leave|/start|/results].
func (s *Server) handleRaceSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/races/")
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	raceID := parts[0]
	if raceID == "" {
		writeJSONError(w, http.StatusNotFound, "race not found")
		return
	}

	var sub string
	if len(parts) == 2 {
		sub = parts[1]
	}

	eng, err := s.registry.Get(raceID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "race not found")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, eng.State())

	case sub == "join" && r.Method == http.MethodPost:
		var req joinRaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if err := eng.AddParticipant(req.PlayerID, req.CarID); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, eng.State())

	case sub == "leave" && r.Method == http.MethodPost:
		var req leaveRaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if err := eng.RemoveParticipant(req.PlayerID); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, eng.State())

	case sub == "start" && r.Method == http.MethodPost:
		if err := eng.Start(); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, eng.State())

	case sub == "results" && r.Method == http.MethodGet:
		result, err := eng.Result()
		if err != nil {
			writeJSONError(w, http.StatusConflict, "race has not finished")
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeJSONError(w, http.StatusNotFound, "unknown race endpoint")
	}
}

func handleHealth(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := monitor.Check(r.Context())
		status := http.StatusOK
		switch report.Overall {
		case health.Degraded:
			status = http.StatusOK
		case health.Critical:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// handleMetrics serves the in-process probe detail spec.md §6 names as
// GET /metrics — the same health.Monitor aggregation /health uses, but
// always 200 and with every probe's detail included, since this route is
// for operator/scrape visibility rather than a liveness gate.
func handleMetrics(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Check(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorPayload{Code: strconv.Itoa(status), Message: message})
}
