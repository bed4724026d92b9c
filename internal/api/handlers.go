package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	"github.com/hackgods/clinic-appointments/internal/worker"
)

func registerHandler(svc AuthService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		u, tok, err := svc.Register(r.Context(), auth.RegisterInput{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
			Role:     req.Role,
			Phone:    req.Phone,
		})
		if err != nil {
			handleAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, AuthResponse{Token: tok, User: toUserResponse(u)})
	}
}

func loginHandler(svc AuthService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		u, tok, err := svc.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			handleAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AuthResponse{Token: tok, User: toUserResponse(u)})
	}
}

func listDoctorsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctors, err := svc.ListDoctors(r.Context())
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		out := make([]UserResponse, 0, len(doctors))
		for i := range doctors {
			out = append(out, toUserResponse(&doctors[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"doctors": out})
	}
}

func createAppointmentHandler(svc AppointmentService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, _ := requesterFrom(r.Context())

		var req CreateAppointmentRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
			return
		}

		patientID := requester.ID
		if requester.Role == appointment.RoleAdmin && req.PatientID != "" {
			patientID, err = uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
				return
			}
		}

		appt, err := svc.CreateAppointment(r.Context(), appointment.CreateAppointmentInput{
			PatientID:   patientID,
			DoctorID:    doctorID,
			ScheduledAt: req.ScheduledAt,
			Reason:      req.Reason,
		})
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func myAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, _ := requesterFrom(r.Context())

		list, err := svc.ListAppointmentsForUser(r.Context(), requester)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"appointments": toDetailResponses(list)})
	}
}

func updateStatusHandler(svc AppointmentService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, _ := requesterFrom(r.Context())

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req UpdateStatusRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		appt, err := svc.RequestTransition(r.Context(), id, req.Status, requester)
		if err != nil {
			metrics.StatusTransitions.WithLabelValues(transitionLabel(req.Status), "rejected").Inc()
			handleAppointmentError(w, err)
			return
		}

		metrics.StatusTransitions.WithLabelValues(string(appt.Status), "applied").Inc()
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// transitionLabel keeps arbitrary client input out of metric labels.
func transitionLabel(raw string) string {
	s, err := appointment.ParseStatus(raw)
	if err != nil {
		return "invalid"
	}
	return string(s)
}

func myNotificationsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, _ := requesterFrom(r.Context())

		list, err := svc.ListNotificationsForUser(r.Context(), requester.ID)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"notifications": toNotificationResponses(list)})
	}
}

func doctorDashboardHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, _ := requesterFrom(r.Context())

		dash, err := svc.DoctorDashboard(r.Context(), requester.ID)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toDashboardResponse(dash))
	}
}

func checkExpiredHandler(sweeps SweepTrigger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := sweeps.RunNow(r.Context())
		if err != nil {
			if errors.Is(err, worker.ErrSweepBusy) {
				writeError(w, http.StatusConflict, "sweep_busy", err.Error())
				return
			}
			log.Error("on-demand sweep failed",
				slog.String("request_id", GetRequestID(r.Context())),
				sl.Err(err),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "expiration sweep failed")
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func handleAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, auth.ErrAdminRegistration):
		writeError(w, http.StatusForbidden, "role_not_allowed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func handleAppointmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, appointment.ErrInvalidScheduledTime):
		writeError(w, http.StatusBadRequest, "invalid_scheduled_time", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
