package httpapi

import (
	"net/http"

	"github.com/vforsh/argus/internal/control"
)

// throttleRequest accepts both the legacy simple shape ({action,
// rate}) and the rich shape ({action, state}); exactly one of Rate or
// State is expected to be set for action=="set" (Open Question
// decision: discriminate on which field is present).
type throttleRequest struct {
	Action string                 `json:"action"`
	Rate   *float64               `json:"rate,omitempty"`
	State  *control.ThrottleState `json:"state,omitempty"`
}

func (s *Server) handleThrottleGet(w http.ResponseWriter, r *http.Request) {
	attached, applied, state, lastError := s.cfg.Throttle.Status()
	writeOK(w, map[string]any{
		"attached":  attached,
		"applied":   applied,
		"state":     state,
		"lastError": lastError,
	})
}

func (s *Server) handleThrottlePost(w http.ResponseWriter, r *http.Request) {
	var req throttleRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	switch req.Action {
	case "clear":
		s.cfg.Throttle.ClearDesired(r.Context())
	case "set":
		state, err := resolveThrottleState(req)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		s.cfg.Throttle.SetDesired(r.Context(), state)
	default:
		writeAPIError(w, newAPIError(ErrInvalidBody, "action must be \"set\" or \"clear\", got %q", req.Action))
		return
	}

	attached, applied, state, lastError := s.cfg.Throttle.Status()
	writeOK(w, map[string]any{
		"attached":  attached,
		"applied":   applied,
		"state":     state,
		"lastError": lastError,
	})
}

func resolveThrottleState(req throttleRequest) (control.ThrottleState, error) {
	if req.State != nil {
		return *req.State, nil
	}
	if req.Rate != nil {
		return control.ThrottleState{CPU: &control.CPUState{Rate: *req.Rate}}, nil
	}
	return control.ThrottleState{}, newAPIError(ErrInvalidBody, "set requires either \"rate\" or \"state\"")
}

type emulationRequest struct {
	Action string                  `json:"action"`
	State  *control.EmulationState `json:"state,omitempty"`
}

func (s *Server) handleEmulationGet(w http.ResponseWriter, r *http.Request) {
	attached, applied, state, lastError := s.cfg.Emulation.Status()
	writeOK(w, map[string]any{
		"attached":  attached,
		"applied":   applied,
		"state":     state,
		"lastError": lastError,
	})
}

func (s *Server) handleEmulationPost(w http.ResponseWriter, r *http.Request) {
	var req emulationRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	switch req.Action {
	case "clear":
		s.cfg.Emulation.ClearDesired(r.Context())
	case "set":
		if req.State == nil {
			writeAPIError(w, newAPIError(ErrInvalidBody, "set requires \"state\""))
			return
		}
		s.cfg.Emulation.SetDesired(r.Context(), *req.State)
	default:
		writeAPIError(w, newAPIError(ErrInvalidBody, "action must be \"set\" or \"clear\", got %q", req.Action))
		return
	}

	attached, applied, state, lastError := s.cfg.Emulation.Status()
	writeOK(w, map[string]any{
		"attached":  attached,
		"applied":   applied,
		"state":     state,
		"lastError": lastError,
	})
}
