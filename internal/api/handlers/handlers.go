package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/app"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/service/credentials"
	leadsvc "github.com/acme/lead-call-orchestrator/internal/service/lead"
	"github.com/acme/lead-call-orchestrator/internal/service/orchestrator"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// LeadService is the lead CRUD surface used by the dashboard.
type LeadService interface {
	Create(ctx context.Context, input leadsvc.CreateLeadInput) (*domain.Lead, error)
	List(ctx context.Context, pageToken string, limit int) (*leadsvc.ListResult, error)
	Update(ctx context.Context, input leadsvc.UpdateLeadInput) (*domain.Lead, error)
}

// CallService drives and reports call attempts.
type CallService interface {
	StartCall(ctx context.Context, leadID int64, scriptOverride string) (*domain.CallAttempt, error)
	Abort(ctx context.Context, leadID int64) (*domain.CallAttempt, error)
	GetTranscript(ctx context.Context, leadID int64) (orchestrator.TranscriptView, error)
	RecordCallLog(ctx context.Context, in orchestrator.CallLogInput) (*domain.CallAttempt, error)
	ListCallLogs(ctx context.Context, leadID int64, limit int) ([]domain.CallAttempt, error)
	HandleCarrierStatus(ctx context.Context, externalCallID, rawStatus string) (bool, error)
}

// ScrapeService queues discovery jobs.
type ScrapeService interface {
	Trigger(ctx context.Context, limit int) (uuid.UUID, error)
}

// ConfigService reads and replaces provider credentials.
type ConfigService interface {
	View(ctx context.Context) (credentials.View, error)
	Replace(ctx context.Context, values map[string]string) (credentials.View, error)
}

// HealthFunc reports per-dependency status and overall health.
type HealthFunc func(ctx context.Context) (map[string]string, bool)

// Dependencies are the services behind the HTTP surface.
type Dependencies struct {
	Leads  LeadService
	Calls  CallService
	Scrape ScrapeService
	Config ConfigService
	Health HealthFunc
	// MediaURL is the websocket base the carrier streams call audio to.
	MediaURL string
	Logger   *zap.Logger
}

// FromContainer resolves handler dependencies from the application container.
func FromContainer(container *app.Container) Dependencies {
	services := container.Services()
	return Dependencies{
		Leads:    services.Leads,
		Calls:    services.Orchestrator,
		Scrape:   services.Scrape,
		Config:   services.Credentials,
		Health:   container.Health,
		MediaURL: container.Config.Providers.MediaURL(),
		Logger:   container.Logger.Logger,
	}
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	leads    LeadService
	calls    CallService
	scrape   ScrapeService
	config   ConfigService
	health   HealthFunc
	mediaURL string
	logger   *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandlerSet{
		leads:    deps.Leads,
		calls:    deps.Calls,
		scrape:   deps.Scrape,
		config:   deps.Config,
		health:   deps.Health,
		mediaURL: deps.MediaURL,
		logger:   logger,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	api := app.Group("/api")

	leads := api.Group("/leads")
	leads.Get("/", h.listLeads)
	leads.Post("/", h.createLead)
	leads.Patch("/:id", h.updateLead)
	leads.Post("/:id/abort", h.abortLead)
	leads.Get("/:id/transcript", h.leadTranscript)

	api.Post("/scrape", h.triggerScrape)
	api.Post("/call", h.triggerCall)

	api.Get("/call_logs/:lead_id", h.listCallLogs)
	api.Post("/call_logs", h.createCallLog)

	api.Get("/config", h.getConfig)
	api.Post("/config", h.replaceConfig)

	webhooks := app.Group("/webhooks/telephony")
	webhooks.Post("/status", h.carrierStatus)
	webhooks.Post("/twiml", h.twiml)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		logger.ForContext(ctx.UserContext(), h.logger).Error("request failed", zap.String("path", ctx.Path()), zap.Int("status", code), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	checks, ok := h.health(healthCtx)

	status := fiber.StatusOK
	state := "ok"
	if !ok {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
}
