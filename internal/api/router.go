package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rxtrace/prescription-service/internal/auth"
	"github.com/rxtrace/prescription-service/internal/otp"
	"github.com/rxtrace/prescription-service/internal/prescription"
	"github.com/rxtrace/prescription-service/internal/token"
)

type RouterConfig struct {
	Prescriptions *prescription.Service
	OTPGate       *otp.Gate
	Tokens        *token.Registry
	Auth          *auth.Manager
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Everything below requires a live session token.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, cfg.Tokens))

		r.Post("/auth/logout", logoutHandler(cfg.Tokens))

		r.Route("/prescriptions", func(r chi.Router) {
			r.With(RequireRole(auth.RoleDoctor)).Post("/", createPrescriptionHandler(cfg.Prescriptions))
			r.Get("/{id}", getPrescriptionHandler(cfg.Prescriptions))
			r.With(RequireRole(auth.RoleDoctor)).Post("/{id}/credential", issueCredentialHandler(cfg.Prescriptions))
			r.With(RequireRole(auth.RoleDoctor)).Post("/{id}/cancel", cancelHandler(cfg.Prescriptions))

			r.With(RequireRole(auth.RolePharmacist)).Post("/{id}/validate", validateHandler(cfg.Prescriptions))
			r.With(RequireRole(auth.RolePharmacist)).Post("/{id}/dispense", dispenseHandler(cfg.Prescriptions))
			r.With(RequireRole(auth.RolePharmacist)).Post("/{id}/reject", rejectHandler(cfg.Prescriptions))
			r.With(RequireRole(auth.RolePharmacist, auth.RoleDoctor)).Get("/{id}/audit", auditLogHandler(cfg.Prescriptions))
		})

		r.With(RequireRole(auth.RolePharmacist)).Post("/rx/scan", scanHandler(cfg.Prescriptions))

		r.Route("/patients/{id}/history", func(r chi.Router) {
			r.With(RequireRole(auth.RolePatient)).Post("/otp", requestHistoryOTPHandler(cfg.OTPGate))
			r.Get("/", historyHandler(cfg.Prescriptions, cfg.OTPGate))
		})
	})

	return r
}
