package handler

import (
	"net/http"

	"github.com/quantrail/controlplane/internal/service"
)

// ControlHandler handles HTTP requests for the operator control surface.
type ControlHandler struct {
	controlSvc *service.ControlService
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(controlSvc *service.ControlService) *ControlHandler {
	return &ControlHandler{controlSvc: controlSvc}
}

// controlRequest is the JSON request body for control actions. Reason is
// required everywhere; credential where the breaker demands it.
type controlRequest struct {
	Reason     string `json:"reason"`
	Credential string `json:"credential"`
	Enable     *bool  `json:"enable,omitempty"` // override only
}

// Status handles GET /status.
func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.controlSvc.Status())
}

// EmergencyStop handles POST /control/emergency-stop.
func (h *ControlHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeControlResult(w, h.controlSvc.EmergencyStop(req.Reason))
}

// Disable handles POST /control/disable.
func (h *ControlHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeControlResult(w, h.controlSvc.Disable(req.Reason))
}

// Reset handles POST /control/reset.
func (h *ControlHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Reason == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "reason is required")
		return
	}
	writeControlResult(w, h.controlSvc.Reset(req.Reason, req.Credential))
}

// Override handles POST /control/override with {"enable": true|false}.
func (h *ControlHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enable == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "enable is required")
		return
	}
	if *req.Enable {
		if req.Reason == "" {
			WriteError(w, http.StatusBadRequest, "validation_error", "reason is required to enable override")
			return
		}
		writeControlResult(w, h.controlSvc.EnableOverride(req.Reason, req.Credential))
		return
	}
	writeControlResult(w, h.controlSvc.DisableOverride())
}

// writeControlResult maps a control result to 200 or 403/409.
func writeControlResult(w http.ResponseWriter, res service.ControlResult) {
	status := http.StatusOK
	if !res.OK {
		switch res.Error {
		case "invalid_credential":
			status = http.StatusForbidden
		default:
			status = http.StatusConflict
		}
	}
	WriteJSON(w, status, res)
}
