package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/workflow"
)

type workflowTestRequest struct {
	Input  map[string]any `json:"input"`
	DryRun *bool          `json:"dryRun,omitempty"`
}

// handleWorkflowTest simulates a workflow for its owner. Only the dry
// mode is served here; live execution goes through the MCP tool surface
// where payment and relaying are wired.
func (s *Server) handleWorkflowTest(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req workflowTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.DryRun != nil && !*req.DryRun {
		s.writeError(w, apperr.Newf(apperr.KindValidation, "live execution is not available on the test endpoint"))
		return
	}

	tpl, err := s.store.GetWorkflowTemplate(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tpl.UserID != user.ID {
		s.writeError(w, apperr.Newf(apperr.KindForbidden, "workflow belongs to another user"))
		return
	}

	result, err := s.engine.DryRun(r.Context(), tpl, req.Input, workflow.Auth{
		UserID:        user.ID,
		WalletAddress: user.WalletAddress,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "dryRun": true, "result": result})
}
