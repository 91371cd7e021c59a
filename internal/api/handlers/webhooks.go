package handlers

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// carrierStatus receives the carrier's form encoded status callback.
func (h *HandlerSet) carrierStatus(ctx *fiber.Ctx) error {
	callSID := ctx.FormValue("CallSid")
	status := ctx.FormValue("CallStatus")
	if callSID == "" || status == "" {
		return fiber.NewError(http.StatusBadRequest, "CallSid and CallStatus are required")
	}

	tracked, err := h.calls.HandleCarrierStatus(ctx.Context(), callSID, status)
	if err != nil {
		return translateError(err)
	}
	if !tracked {
		h.logger.Warn("status callback for unknown call", zap.String("external_call_id", callSID), zap.String("status", status))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"tracked": tracked})
}

// twiml answers the carrier's call instructions request by connecting the
// call audio to the media relay.
func (h *HandlerSet) twiml(ctx *fiber.Ctx) error {
	attemptID, err := uuid.Parse(ctx.Query("attempt_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid attempt_id")
	}

	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{
		URL:        strings.TrimRight(h.mediaURL, "/") + "/" + attemptID.String(),
		Parameters: []twimlParameter{{Name: "attempt_id", Value: attemptID.String()}},
	}}}
	body, err := xml.Marshal(resp)
	if err != nil {
		return err
	}

	ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationXMLCharsetUTF8)
	return ctx.Status(http.StatusOK).Send(append([]byte(xml.Header), body...))
}
