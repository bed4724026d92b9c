package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEmailTaken          = errors.New("email already registered")
)

// Repository contains all DB interactions needed by the service.
// Methods outside WithTx run on the pool, each in its own implicit transaction.
type Repository interface {
	Queries

	// Candidate read for the sweep; never locks.
	FindExpiredBooked(ctx context.Context, now time.Time) ([]ExpiredCandidate, error)

	// WithTx runs fn inside one transaction. fn's error, or a panic, rolls it back.
	WithTx(ctx context.Context, fn func(tx TxRepository) error) error
}

// Queries are reads and single-statement writes usable on the pool or inside a transaction.
type Queries interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) (*User, error)
	ListDoctors(ctx context.Context) ([]User, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID) ([]Notification, error)

	// Dashboard
	CountAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, from, to *time.Time) (int, error)
	CountAppointmentsByStatus(ctx context.Context, doctorID uuid.UUID) ([]StatusCount, error)
	UpcomingAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]AppointmentDetail, error)
}

// TxRepository is the transaction-scoped view handed to WithTx callbacks.
type TxRepository interface {
	Queries

	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)

	// Row locks: concurrent writers to the same appointment serialize here.
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LockExpiredBooked(ctx context.Context, now time.Time) ([]ExpiredCandidate, error)

	// Guarded writes: zero matched rows yields ErrStatusConflict.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	MarkExpired(ctx context.Context, id uuid.UUID) error

	InsertNotification(ctx context.Context, n Notification) error
	InsertEvent(ctx context.Context, ev EventLog) error
}
