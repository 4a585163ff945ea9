package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chain-sleuth/sleuth/internal/app/workflow"
	"github.com/chain-sleuth/sleuth/internal/domain"
)

const maxBodyBytes = 1 << 20

// POST /pipeline/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req workflow.StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.pipeline.StartInvestigation(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /pipeline/status/{taskId}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.status.Snapshot(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GET /pipeline/workflows/{requestId}
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.GetStatus(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /pipeline/metadata/{accountId}
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.GetAccountRecord(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /pipeline/webhooks/{webhookId}
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deliveries.GetDelivery(r.Context(), chi.URLParam(r, "webhookId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

// webhookRequest is the inbound update from the analysis service.
type webhookRequest struct {
	TaskID string          `json:"taskId"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// POST /webhooks
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeError(w, http.StatusBadRequest, domain.ErrTaskIDRequired.Error())
		return
	}
	ev, err := domain.ParseWebhookEvent(req.Type, req.Data)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	id, err := s.pipeline.HandleWebhookUpdate(r.Context(), req.TaskID, ev)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "webhookId": id})
}
