package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"viraldesk/internal/auth"
	"viraldesk/internal/errors"
	"viraldesk/internal/infrastructure"
	"viraldesk/internal/license"
)

// Gate decisions. Each request enters checking and resolves to exactly
// one terminal decision; a denied authentication always wins over a
// denied license.
const (
	DecisionChecking      = "checking"
	DecisionGranted       = "granted"
	DecisionDeniedAuth    = "denied-auth"
	DecisionDeniedLicense = "denied-license"
)

// identityKey is the context key type for the resolved identity
type identityKey struct{}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	OwnerID string
	Admin   bool
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithIdentity attaches an identity to the context, for tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Gate blocks premium surfaces until both the session token and the
// license verification resolve positively. It is terminal per request;
// re-verification happens on the next request, bounded by the
// verifier's rate limiting.
type Gate struct {
	tokens          *auth.TokenManager
	sessions        *license.Registry
	logger          *slog.Logger
	excludePaths    []string
	excludePrefixes []string
}

// NewGate creates a license gate.
func NewGate(tokens *auth.TokenManager, sessions *license.Registry, logger *slog.Logger) *Gate {
	return &Gate{
		tokens:   tokens,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "license_gate")),
		excludePaths: []string{
			"/",
			"/api/health",
			"/api/license/activate",
			"/api/license/status",
			"/api/license/sweep",
			"/metrics",
		},
		excludePrefixes: []string{
			"/static/",
			"/assets/",
		},
	}
}

// AddExcludePath adds a path to be excluded from gating
func (g *Gate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// Authenticate resolves the bearer token and attaches the identity to
// the context. It does not require a license; use it on routes that
// need identity but not entitlement (activation, status).
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		claims, err := g.resolveToken(r)
		if err != nil {
			g.denyAuth(w, r)
			return
		}

		ctx = context.WithValue(ctx, identityKey{}, Identity{
			OwnerID: claims.Subject,
			Admin:   claims.Admin,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only admin sessions through. Must run after
// Authenticate or Handler.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.Admin {
			render.Render(w, r, errors.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler gates a premium surface: checking resolves to granted,
// denied-auth, or denied-license.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tracer := otel.Tracer("license-gate")

		ctx, span := tracer.Start(ctx, "license_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
			),
		)
		defer span.End()

		if g.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(attribute.String("gate.decision", "excluded"))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		decision := DecisionChecking

		// Auth resolves first: a missing or bad token denies the
		// request independent of license state.
		claims, err := g.resolveToken(r)
		if err != nil {
			decision = DecisionDeniedAuth
			span.SetAttributes(attribute.String("gate.decision", decision))
			g.logger.InfoContext(ctx, "gate denied request",
				slog.String("decision", decision),
				slog.String("path", r.URL.Path),
			)
			g.denyAuth(w, r)
			return
		}

		verifier := g.sessions.ForOwner(claims.Subject)
		if !verifier.Verify(ctx) {
			decision = DecisionDeniedLicense
			span.SetAttributes(attribute.String("gate.decision", decision))
			g.logger.InfoContext(ctx, "gate denied request",
				slog.String("decision", decision),
				slog.String("owner_id", claims.Subject),
				slog.String("path", r.URL.Path),
			)
			g.denyLicense(w, r)
			return
		}

		decision = DecisionGranted
		span.SetAttributes(attribute.String("gate.decision", decision))

		ctx = context.WithValue(ctx, identityKey{}, Identity{
			OwnerID: claims.Subject,
			Admin:   claims.Admin,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveToken extracts and validates the bearer token
func (g *Gate) resolveToken(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, auth.ErrInvalidToken
	}
	return g.tokens.Validate(parts[1])
}

// shouldExcludePath checks if a path should be excluded from gating
func (g *Gate) shouldExcludePath(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gate) denyAuth(w http.ResponseWriter, r *http.Request) {
	traceID := infrastructure.GetTraceID(r.Context())
	problem := errors.NewProblemDetails(
		http.StatusUnauthorized,
		"/errors/not-authenticated",
		"Not Authenticated",
		"Sign in to access this resource.",
		r.URL.Path,
	).WithExtension("trace_id", traceID)
	render.Render(w, r, problem)
}

func (g *Gate) denyLicense(w http.ResponseWriter, r *http.Request) {
	traceID := infrastructure.GetTraceID(r.Context())
	problem := errors.NewProblemDetails(
		http.StatusPreconditionRequired,
		"/errors/license-required",
		"License Required",
		"No active license found. Activate a license to access this resource.",
		r.URL.Path,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "LICENSE_REQUIRED")
	render.Render(w, r, problem)
}
