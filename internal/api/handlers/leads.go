package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	leadsvc "github.com/acme/lead-call-orchestrator/internal/service/lead"
)

type createLeadRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Category string `json:"category"`
	Address  string `json:"address"`
	Website  string `json:"website"`
}

type updateLeadRequest struct {
	Name     *string `json:"name"`
	Phone    *string `json:"phone"`
	Category *string `json:"category"`
	Address  *string `json:"address"`
	Website  *string `json:"website"`
	Status   *string `json:"status"`
}

type leadResponse struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone"`
	Category       string            `json:"category,omitempty"`
	Address        string            `json:"address,omitempty"`
	Website        string            `json:"website,omitempty"`
	Status         domain.LeadStatus `json:"status"`
	ManualOverride bool              `json:"manual_override"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type listLeadsResponse struct {
	Leads    []leadResponse `json:"leads"`
	NextPage string         `json:"next_page_token,omitempty"`
}

type abortResponse struct {
	LeadID    int64          `json:"lead_id"`
	AttemptID uuid.UUID      `json:"attempt_id"`
	Outcome   domain.Outcome `json:"outcome"`
}

func (h *HandlerSet) listLeads(ctx *fiber.Ctx) error {
	limit, err := strconv.Atoi(ctx.Query("limit", "50"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}

	result, err := h.leads.List(ctx.Context(), ctx.Query("page_token"), limit)
	if err != nil {
		return translateError(err)
	}

	resp := listLeadsResponse{Leads: make([]leadResponse, 0, len(result.Leads)), NextPage: result.NextPageToken}
	for _, l := range result.Leads {
		resp.Leads = append(resp.Leads, toLeadResponse(l))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) createLead(ctx *fiber.Ctx) error {
	var req createLeadRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	lead, err := h.leads.Create(ctx.Context(), leadsvc.CreateLeadInput{
		Name:     req.Name,
		Phone:    req.Phone,
		Category: req.Category,
		Address:  req.Address,
		Website:  req.Website,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toLeadResponse(lead))
}

func (h *HandlerSet) updateLead(ctx *fiber.Ctx) error {
	id, err := parseID(ctx.Params("id"), "lead id")
	if err != nil {
		return err
	}

	var req updateLeadRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := leadsvc.UpdateLeadInput{
		ID:       id,
		Name:     req.Name,
		Phone:    req.Phone,
		Category: req.Category,
		Address:  req.Address,
		Website:  req.Website,
	}
	if req.Status != nil {
		status := domain.LeadStatus(*req.Status)
		input.Status = &status
	}

	lead, err := h.leads.Update(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toLeadResponse(lead))
}

func (h *HandlerSet) abortLead(ctx *fiber.Ctx) error {
	id, err := parseID(ctx.Params("id"), "lead id")
	if err != nil {
		return err
	}

	attempt, err := h.calls.Abort(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(abortResponse{LeadID: id, AttemptID: attempt.ID, Outcome: attempt.Outcome})
}

func (h *HandlerSet) leadTranscript(ctx *fiber.Ctx) error {
	id, err := parseID(ctx.Params("id"), "lead id")
	if err != nil {
		return err
	}

	view, err := h.calls.GetTranscript(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(view)
}

func toLeadResponse(l *domain.Lead) leadResponse {
	return leadResponse{
		ID:             l.ID,
		Name:           l.Name,
		Phone:          l.Phone,
		Category:       l.Category,
		Address:        l.Address,
		Website:        l.Website,
		Status:         l.Status,
		ManualOverride: l.ManualOverride,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}
