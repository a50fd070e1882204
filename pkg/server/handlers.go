package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/interpreter"
)

// runRequest is the body of both invocation endpoints.
type runRequest struct {
	Inputs    map[string]any `json:"inputs"`
	SessionID string         `json:"session_id,omitempty"`
}

// runResponse is the one-shot invocation result.
type runResponse struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

type flowInfo struct {
	ID        string   `json:"id"`
	Interface string   `json:"interface"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"app":    s.rt.App().ID(),
	})
}

func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	var flows []flowInfo
	for _, f := range s.rt.App().Flows() {
		info := flowInfo{ID: f.ID(), Interface: string(f.Interface())}
		for _, in := range f.Inputs() {
			info.Inputs = append(info.Inputs, in.ID())
		}
		for _, out := range f.Outputs() {
			info.Outputs = append(info.Outputs, out.ID())
		}
		flows = append(flows, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (s *Server) runFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "id")
	if _, ok := s.rt.App().Flow(flowID); !ok {
		writeError(w, http.StatusNotFound, "unknown flow '"+flowID+"'")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.rt.Run(r.Context(), flowID, req.Inputs, interpreter.RunOptions{
		SessionID: req.SessionID,
	})
	if err != nil {
		s.log.Error("flow run failed", "flow", flowID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := runResponse{RunID: res.RunID, SessionID: res.SessionID, Outputs: res.Outputs}
	for _, ferr := range res.Failures() {
		resp.Errors = append(resp.Errors, ferr.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps run errors onto HTTP status codes: rejected inputs are the
// caller's fault, cancellations mean the client went away, anything else is
// an internal failure.
func statusFor(err error) int {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeMessageFailure:
		return http.StatusUnprocessableEntity
	case errdefs.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
