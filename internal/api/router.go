package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
)

type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateAppointmentInput) (*appointment.Appointment, error)
	RequestTransition(ctx context.Context, id uuid.UUID, targetStatus string, req appointment.Requester) (*appointment.Appointment, error)
	ListAppointmentsForUser(ctx context.Context, req appointment.Requester) ([]appointment.AppointmentDetail, error)
	ListNotificationsForUser(ctx context.Context, userID uuid.UUID) ([]appointment.Notification, error)
	ListDoctors(ctx context.Context) ([]appointment.User, error)
	DoctorDashboard(ctx context.Context, doctorID uuid.UUID) (*appointment.DoctorDashboard, error)
}

type AuthService interface {
	TokenParser
	Register(ctx context.Context, in auth.RegisterInput) (*appointment.User, string, error)
	Login(ctx context.Context, email, password string) (*appointment.User, string, error)
}

type SweepTrigger interface {
	RunNow(ctx context.Context) (appointment.SweepResult, error)
}

type RouterConfig struct {
	Appointments AppointmentService
	Auth         AuthService
	Sweeps       SweepTrigger
	Health       *HealthHandler
	Limiter      *RateLimiter
	Logger       *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	v := validator.New()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(cfg.Limiter.Middleware)
		r.Post("/auth/register", registerHandler(cfg.Auth, v))
		r.Post("/auth/login", loginHandler(cfg.Auth, v))
	})

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))

		r.Get("/doctors", listDoctorsHandler(cfg.Appointments))
		r.Get("/appointments/me", myAppointmentsHandler(cfg.Appointments))
		r.Get("/notifications/me", myNotificationsHandler(cfg.Appointments))

		r.With(RequireRole(appointment.RolePatient, appointment.RoleAdmin)).
			Post("/appointments", createAppointmentHandler(cfg.Appointments, v))
		r.With(RequireRole(appointment.RoleDoctor, appointment.RoleAdmin)).
			Patch("/appointments/{id}/status", updateStatusHandler(cfg.Appointments, v))
		r.With(RequireRole(appointment.RoleDoctor)).
			Get("/dashboard/doctor", doctorDashboardHandler(cfg.Appointments))
		r.With(RequireRole(appointment.RoleAdmin)).
			Post("/jobs/check-expired-appointments", checkExpiredHandler(cfg.Sweeps, cfg.Logger))
	})

	return r
}
