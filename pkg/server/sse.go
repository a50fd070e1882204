package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qtype-ai/qtype/pkg/interpreter"
)

// streamFlow runs a flow and relays its progress events as server-sent
// events. Each event uses its kind as the SSE event name and the JSON
// encoding as the data line; a final "result" event carries the run
// summary so clients need not reassemble it from deltas.
func (s *Server) streamFlow(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The run emits events from executor goroutines; a buffered channel
	// decouples them from the client's write pace. A stalled client drops
	// events rather than stalling the pipeline.
	events := make(chan interpreter.Event, 64)
	sink := interpreter.SinkFunc(func(ev interpreter.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	type outcome struct {
		res *interpreter.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.rt.Run(r.Context(), flowID, req.Inputs, interpreter.RunOptions{
			SessionID: req.SessionID,
			Events:    sink,
		})
		close(events)
		done <- outcome{res, err}
	}()

	for ev := range events {
		if err := writeSSE(w, string(ev.Kind), ev); err != nil {
			return
		}
		flusher.Flush()
	}

	out := <-done
	if out.err != nil {
		s.log.Error("flow stream failed", "flow", flowID, "error", out.err)
		_ = writeSSE(w, "error", map[string]string{"error": out.err.Error()})
		flusher.Flush()
		return
	}
	resp := runResponse{RunID: out.res.RunID, SessionID: out.res.SessionID, Outputs: out.res.Outputs}
	for _, ferr := range out.res.Failures() {
		resp.Errors = append(resp.Errors, ferr.Error())
	}
	_ = writeSSE(w, "result", resp)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
