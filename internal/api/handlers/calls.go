package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/service/orchestrator"
)

type triggerCallRequest struct {
	LeadID int64  `json:"lead_id"`
	Script string `json:"script"`
}

type callLogRequest struct {
	LeadID     int64  `json:"lead_id"`
	CallStatus string `json:"call_status"`
	Transcript string `json:"transcript"`
}

type callResponse struct {
	ID                 uuid.UUID          `json:"id"`
	LeadID             int64              `json:"lead_id"`
	ExternalCallID     string             `json:"external_call_id,omitempty"`
	Script             string             `json:"script,omitempty"`
	Outcome            domain.Outcome     `json:"outcome"`
	LeadStatus         domain.LeadStatus  `json:"lead_status"`
	Disposition        string             `json:"disposition,omitempty"`
	Error              string             `json:"error,omitempty"`
	CredentialsVersion int64              `json:"credentials_version"`
	StartedAt          time.Time          `json:"started_at"`
	AnsweredAt         *time.Time         `json:"answered_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	Transcript         []domain.Utterance `json:"transcript"`
}

func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	var req triggerCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.LeadID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "lead_id is required")
	}

	attempt, err := h.calls.StartCall(ctx.Context(), req.LeadID, req.Script)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCallResponse(attempt))
}

func (h *HandlerSet) listCallLogs(ctx *fiber.Ctx) error {
	leadID, err := parseID(ctx.Params("lead_id"), "lead id")
	if err != nil {
		return err
	}
	limit, err := strconv.Atoi(ctx.Query("limit", "50"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}

	attempts, err := h.calls.ListCallLogs(ctx.Context(), leadID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]callResponse, 0, len(attempts))
	for i := range attempts {
		resp = append(resp, toCallResponse(&attempts[i]))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"lead_id": leadID, "call_logs": resp})
}

func (h *HandlerSet) createCallLog(ctx *fiber.Ctx) error {
	var req callLogRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.LeadID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "lead_id is required")
	}

	attempt, err := h.calls.RecordCallLog(ctx.Context(), orchestrator.CallLogInput{
		LeadID:     req.LeadID,
		CallStatus: req.CallStatus,
		Transcript: req.Transcript,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toCallResponse(attempt))
}

func toCallResponse(a *domain.CallAttempt) callResponse {
	transcript := a.Transcript
	if transcript == nil {
		transcript = []domain.Utterance{}
	}
	return callResponse{
		ID:                 a.ID,
		LeadID:             a.LeadID,
		ExternalCallID:     a.ExternalCallID,
		Script:             a.Script,
		Outcome:            a.Outcome,
		LeadStatus:         a.Outcome.LeadStatus(),
		Disposition:        a.Disposition,
		Error:              a.Error,
		CredentialsVersion: a.CredentialsVersion,
		StartedAt:          a.StartedAt,
		AnsweredAt:         a.AnsweredAt,
		EndedAt:            a.EndedAt,
		Transcript:         transcript,
	}
}
