package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) getConfig(ctx *fiber.Ctx) error {
	view, err := h.config.View(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(view)
}

// replaceConfig accepts either a bare key/value object or {"values": {...}}.
func (h *HandlerSet) replaceConfig(ctx *fiber.Ctx) error {
	var body map[string]any
	if err := ctx.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if nested, ok := body["values"].(map[string]any); ok {
		body = nested
	}

	values := make(map[string]string, len(body))
	for key, raw := range body {
		switch v := raw.(type) {
		case string:
			values[key] = v
		case nil:
			values[key] = ""
		default:
			return fiber.NewError(http.StatusBadRequest, "credential "+key+" must be a string")
		}
	}

	view, err := h.config.Replace(ctx.Context(), values)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(view)
}
