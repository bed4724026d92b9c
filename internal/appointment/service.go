package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/lib/sl"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
)

const upcomingLimit = 5

var (
	ErrInvalidScheduledTime = errors.New("scheduledAt must be an RFC 3339 timestamp")
	ErrStatusConflict       = errors.New("appointment status changed concurrently")
)

// NotificationPublisher hands committed notifications to downstream delivery.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n Notification, recipient string) error
}

type Service struct {
	repo      Repository
	log       *slog.Logger
	now       func() time.Time
	publisher NotificationPublisher
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p NotificationPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(repo Repository, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		log:  log,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateAppointmentInput struct {
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	ScheduledAt string
	Reason      *string
}

// CreateAppointment books a new appointment in status booked.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*Appointment, error) {
	const op = "appointment.CreateAppointment"

	scheduledAt, err := parseScheduledAt(in.ScheduledAt)
	if err != nil {
		return nil, err
	}

	doctor, err := s.repo.GetUserByID(ctx, in.DoctorID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("%s: load doctor: %w", op, err)
	}
	if doctor.Role != RoleDoctor {
		return nil, ErrDoctorNotFound
	}

	// Admins may book for themselves; a doctor can never be the patient.
	patient, err := s.repo.GetUserByID(ctx, in.PatientID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("%s: load patient: %w", op, err)
	}
	if patient.Role == RoleDoctor {
		return nil, ErrPatientNotFound
	}

	var created *Appointment
	err = s.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.CreateAppointment(ctx, &Appointment{
			PatientID:   in.PatientID,
			DoctorID:    in.DoctorID,
			ScheduledAt: scheduledAt,
			Reason:      in.Reason,
		})
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		created = appt

		return s.logEvent(ctx, tx, appt.ID, EventAppointmentCreated, map[string]any{
			"patient_id":   in.PatientID.String(),
			"doctor_id":    in.DoctorID.String(),
			"scheduled_at": scheduledAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("appointment created",
		slog.String("appointment_id", created.ID.String()),
		slog.String("doctor_id", created.DoctorID.String()),
		slog.Time("scheduled_at", created.ScheduledAt),
	)

	return created, nil
}

func parseScheduledAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, ErrInvalidScheduledTime
	}
	return t.UTC(), nil
}

// RequestTransition applies a doctor or admin status change.
// The row is locked for the duration of the check and the write.
func (s *Service) RequestTransition(ctx context.Context, id uuid.UUID, targetStatus string, req Requester) (*Appointment, error) {
	const op = "appointment.RequestTransition"

	to, err := ParseStatus(targetStatus)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if err := AuthorizeTransition(appt, to, req); err != nil {
			return err
		}

		updated, err = tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to)
		if err != nil {
			return err
		}

		return s.logEvent(ctx, tx, updated.ID, transitionEvent(to), map[string]any{
			"from":         appt.Status,
			"to":           to,
			"requested_by": req.ID.String(),
			"role":         req.Role,
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAppointmentNotFound),
			errors.Is(err, ErrForbidden),
			errors.Is(err, ErrInvalidStatusTransition):
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("appointment status changed",
		slog.String("appointment_id", updated.ID.String()),
		slog.String("status", string(updated.Status)),
		slog.String("requested_by", req.ID.String()),
	)

	return updated, nil
}

func transitionEvent(to AppointmentStatus) string {
	switch to {
	case StatusCompleted:
		return EventAppointmentCompleted
	case StatusCancelled:
		return EventAppointmentCancelled
	case StatusExpired:
		return EventAppointmentExpired
	}
	return "APPOINTMENT_" + strings.ToUpper(string(to))
}

// logEvent writes the audit record on the caller's transaction so it commits
// or rolls back with the change it describes.
func (s *Service) logEvent(ctx context.Context, tx TxRepository, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}

	return tx.InsertEvent(ctx, ev)
}

// ListAppointmentsForUser returns doctors their schedule and everyone else
// the appointments booked with them as the patient.
func (s *Service) ListAppointmentsForUser(ctx context.Context, req Requester) ([]AppointmentDetail, error) {
	const op = "appointment.ListAppointmentsForUser"

	var (
		list []AppointmentDetail
		err  error
	)
	switch req.Role {
	case RoleDoctor:
		list, err = s.repo.ListAppointmentsByDoctor(ctx, req.ID)
	case RolePatient, RoleAdmin:
		list, err = s.repo.ListAppointmentsByPatient(ctx, req.ID)
	default:
		return []AppointmentDetail{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if list == nil {
		list = []AppointmentDetail{}
	}
	return list, nil
}

func (s *Service) ListNotificationsForUser(ctx context.Context, userID uuid.UUID) ([]Notification, error) {
	list, err := s.repo.ListNotificationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	if list == nil {
		list = []Notification{}
	}
	return list, nil
}

func (s *Service) ListDoctors(ctx context.Context) ([]User, error) {
	list, err := s.repo.ListDoctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	if list == nil {
		list = []User{}
	}
	return list, nil
}

// DoctorDashboard aggregates a doctor's totals, today's load in UTC, a status
// breakdown and the next few upcoming appointments.
func (s *Service) DoctorDashboard(ctx context.Context, doctorID uuid.UUID) (*DoctorDashboard, error) {
	const op = "appointment.DoctorDashboard"

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24*time.Hour - time.Nanosecond)

	total, err := s.repo.CountAppointmentsByDoctor(ctx, doctorID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: total: %w", op, err)
	}

	today, err := s.repo.CountAppointmentsByDoctor(ctx, doctorID, &dayStart, &dayEnd)
	if err != nil {
		return nil, fmt.Errorf("%s: today: %w", op, err)
	}

	byStatus, err := s.repo.CountAppointmentsByStatus(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("%s: by status: %w", op, err)
	}

	upcoming, err := s.repo.UpcomingAppointmentsByDoctor(ctx, doctorID, now, upcomingLimit)
	if err != nil {
		return nil, fmt.Errorf("%s: upcoming: %w", op, err)
	}

	return &DoctorDashboard{
		DoctorID:          doctorID,
		TotalAppointments: total,
		TodayAppointments: today,
		ByStatus:          byStatus,
		Upcoming:          upcoming,
	}, nil
}

func (s *Service) publish(ctx context.Context, batch []Notification, recipients map[uuid.UUID]string) {
	if s.publisher == nil {
		return
	}
	for _, n := range batch {
		if err := s.publisher.PublishNotification(ctx, n, recipients[n.ID]); err != nil {
			s.log.Warn("notification publish failed",
				slog.String("notification_id", n.ID.String()),
				slog.String("appointment_id", n.AppointmentID.String()),
				sl.Err(err),
			)
		}
	}
}
