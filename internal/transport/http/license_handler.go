package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "viraldesk/internal/errors"
	"viraldesk/internal/infrastructure"
	"viraldesk/internal/license"
	"viraldesk/internal/middleware"
	"viraldesk/internal/services"
)

// LicenseHandler handles license-related HTTP requests.
type LicenseHandler struct {
	service  services.LicenseService
	gate     *middleware.Gate
	logger   *slog.Logger
	validate *validator.Validate
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, gate *middleware.Gate, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		gate:     gate,
		logger:   logger.With(slog.String("handler", "license")),
		validate: validator.New(),
	}
}

// ActivationRequest is the activation payload.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=16"`
}

// Bind implements the render.Binder interface
func (a *ActivationRequest) Bind(r *http.Request) error {
	if a.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	return license.ValidateKeyFormat(a.LicenseKey)
}

// MintRequest is the administrative minting payload.
type MintRequest struct {
	Count          int      `json:"count" validate:"required,min=1,max=1000"`
	ValidityMonths int      `json:"validity_months" validate:"min=0,max=120"`
	Price          *float64 `json:"price,omitempty"`
}

// Bind implements the render.Binder interface
func (m *MintRequest) Bind(r *http.Request) error {
	return nil
}

// MintResponse is the minted batch payload.
type MintResponse struct {
	Count     int       `json:"count"`
	Keys      []string  `json:"keys"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SweepResponse acknowledges a sweep run. No payload contract beyond
// the acknowledgement is promised to callers.
type SweepResponse struct {
	Acknowledged bool  `json:"acknowledged"`
	Expired      int64 `json:"expired"`
}

// VerifyResponse is the boolean gate answer.
type VerifyResponse struct {
	HasLicense bool      `json:"has_license"`
	Timestamp  time.Time `json:"timestamp"`
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(h.gate.Authenticate)
		r.Post("/activate", h.Activate)
		r.Get("/status", h.GetStatus)
		r.Get("/verify", h.Verify)
		r.Post("/signout", h.SignOut)
	})

	// The sweep endpoint is a collaborator interface: idempotent, no
	// body, acknowledgement only.
	r.Post("/sweep", h.Sweep)

	return r
}

// AdminRoutes returns a chi router for administrative endpoints.
func (h *LicenseHandler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(h.gate.Authenticate)
	r.Use(h.gate.RequireAdmin)
	r.Post("/keys", h.Mint)

	return r
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		render.Render(w, r, licenseErrors.ErrUnauthorized)
		return
	}

	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		span.SetAttributes(attribute.String("error.type", "bind_error"))
		problem := licenseErrors.ActivationProblem(licenseErrors.ErrInvalidKeyFormat, r.URL.Path).
			WithExtension("trace_id", infrastructure.GetTraceID(ctx))
		render.Render(w, r, problem)
		return
	}

	resp, err := h.service.Activate(ctx, id.OwnerID, req.LicenseKey)
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)

		logFn := h.logger.ErrorContext
		if licenseErrors.IsActivationFailure(err) {
			// Taxonomy failures are expected outcomes, not faults.
			logFn = h.logger.InfoContext
		}
		logFn(ctx, "license activation rejected",
			slog.String("owner_id", id.OwnerID),
			slog.String("error", err.Error()),
			slog.Duration("latency", latency),
		)

		problem := licenseErrors.ActivationProblem(err, r.URL.Path).
			WithExtension("trace_id", infrastructure.GetTraceID(ctx))
		render.Render(w, r, problem)
		return
	}

	h.logger.InfoContext(ctx, "license activation succeeded",
		slog.String("owner_id", id.OwnerID),
		slog.Duration("latency", latency),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/status"),
		),
	)
	defer span.End()

	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		render.Render(w, r, licenseErrors.ErrUnauthorized)
		return
	}

	resp, err := h.service.GetStatus(ctx, id.OwnerID)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "license status request failed",
			slog.String("owner_id", id.OwnerID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, licenseErrors.ErrServiceUnavailable)
		return
	}

	span.SetAttributes(attribute.String("license.status", resp.LicenseStatus))
	render.JSON(w, r, resp)
}

// Verify handles GET /api/license/verify. Always resolves to a boolean
// payload; refresh failures read as "no license".
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		render.Render(w, r, licenseErrors.ErrUnauthorized)
		return
	}

	render.JSON(w, r, VerifyResponse{
		HasLicense: h.service.Verify(ctx, id.OwnerID),
		Timestamp:  time.Now(),
	})
}

// Sweep handles POST /api/license/sweep
func (h *LicenseHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	expired, err := h.service.Sweep(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "on-demand sweep failed",
			slog.String("error", err.Error()),
		)
		render.Render(w, r, licenseErrors.ErrServiceUnavailable)
		return
	}

	render.JSON(w, r, SweepResponse{Acknowledged: true, Expired: expired})
}

// SignOut handles POST /api/license/signout
func (h *LicenseHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		render.Render(w, r, licenseErrors.ErrUnauthorized)
		return
	}

	h.service.SignOut(ctx, id.OwnerID)
	render.NoContent(w, r)
}

// Mint handles POST /api/admin/keys
func (h *LicenseHandler) Mint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		render.Render(w, r, licenseErrors.ErrUnauthorized)
		return
	}

	var req MintRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}

	minted, err := h.service.Mint(ctx, id.OwnerID, license.MintOptions{
		Count:          req.Count,
		ValidityMonths: req.ValidityMonths,
		Price:          req.Price,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "key minting failed",
			slog.String("issuer_id", id.OwnerID),
			slog.Int("minted", len(minted)),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, licenseErrors.ErrServiceUnavailable)
		return
	}

	keys := make([]string, len(minted))
	for i, rec := range minted {
		keys[i] = rec.LicenseKey
	}

	h.logger.InfoContext(ctx, "minted license batch",
		slog.String("issuer_id", id.OwnerID),
		slog.Int("count", len(keys)),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, MintResponse{
		Count:     len(keys),
		Keys:      keys,
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now(),
	})
}
