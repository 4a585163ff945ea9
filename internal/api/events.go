package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GET /pipeline/events/{taskId}
//
// Writes one "data: <task json>" event per snapshot. The response ends right
// after the terminal snapshot or when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	taskID := chi.URLParam(r, "taskId")
	snapshots, err := s.status.Stream(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := bufio.NewWriter(w)
	for task := range snapshots {
		data, err := json.Marshal(task)
		if err != nil {
			log.Printf("[api] events task=%s encode: %v", taskID, err)
			continue
		}
		fmt.Fprintf(writer, "data: %s\n\n", data)
		writer.Flush()
		flusher.Flush()
	}
}
