package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type scrapeRequest struct {
	Limit int `json:"limit"`
}

func (h *HandlerSet) triggerScrape(ctx *fiber.Ctx) error {
	var req scrapeRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
		req.Limit = limit
	}

	jobID, err := h.scrape.Trigger(ctx.Context(), req.Limit)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"job_id": jobID, "status": "queued"})
}
