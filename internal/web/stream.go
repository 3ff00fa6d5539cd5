package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// streamState is the payload of each "state" event.
type streamState struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	Phase       string `json:"phase"`
	Cycle       int    `json:"cycle"`
	MaxCycles   int    `json:"max_cycles"`
	Open        int    `json:"open"`
	Fixed       int    `json:"fixed"`
	Unresolved  int    `json:"unresolved"`
	FinalStatus string `json:"final_status,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// handleRunStream serves a Server-Sent Events stream of a run's state.
// It re-reads state.json every poll interval and sends a "state" event
// whenever the summary changed. Once the run is no longer running it sends a "done"
// event carrying the final status and closes the stream.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if _, err := s.store.Get(runID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	lastSent := ""
	for {
		st, err := s.store.Get(runID)
		if err != nil {
			sendDone("run not found")
			return
		}
		data, err := json.Marshal(toStreamState(st))
		if err != nil {
			sendDone("encode error")
			return
		}
		if string(data) != lastSent {
			lastSent = string(data)
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}
		if st.Status != pipeline.StatusRunning {
			sendDone(st.FinalStatus)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}

func toStreamState(st *pipeline.State) streamState {
	return streamState{
		RunID:       st.RunID,
		Status:      st.Status,
		Phase:       string(st.Phase),
		Cycle:       st.Cycle,
		MaxCycles:   st.MaxCycles,
		Open:        len(st.Active),
		Fixed:       len(st.Fixed),
		Unresolved:  len(st.Unresolved),
		FinalStatus: st.FinalStatus,
		UpdatedAt:   st.UpdatedAt,
	}
}
