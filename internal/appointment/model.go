package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusExpired   AppointmentStatus = "expired"
)

// ParseStatus accepts only the four lifecycle values.
func ParseStatus(raw string) (AppointmentStatus, error) {
	s := AppointmentStatus(strings.TrimSpace(raw))
	switch s {
	case StatusBooked, StatusCompleted, StatusCancelled, StatusExpired:
		return s, nil
	}
	return "", ErrInvalidStatus
}

// Terminal reports whether no transition leaves this status.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

type NotificationType string

const (
	NotificationAppointmentExpired NotificationType = "appointment_expired"
)

type User struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Phone        *string
	CreatedAt    time.Time
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	ScheduledAt      time.Time
	Reason           *string
	Status           AppointmentStatus
	NotificationSent bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppointmentDetail is an appointment joined with the other party's contact data.
type AppointmentDetail struct {
	Appointment
	CounterpartName  string
	CounterpartEmail string
}

type Notification struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	AppointmentID uuid.UUID
	Message       string
	Type          NotificationType
	SentAt        time.Time
}

// ExpiredCandidate is a booked appointment past its time, joined with the patient.
type ExpiredCandidate struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
	PatientEmail  string
	ScheduledAt   time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Requester identifies who is asking for a human-driven change.
type Requester struct {
	ID   uuid.UUID
	Role Role
}

type NotifiedPatient struct {
	RecipientAddress string    `json:"recipientAddress"`
	AppointmentID    uuid.UUID `json:"appointmentId"`
}

// SweepResult summarizes one RetireExpired run.
type SweepResult struct {
	RetiredCount int               `json:"retiredCount"`
	Notified     []NotifiedPatient `json:"notified"`
}

type StatusCount struct {
	Status AppointmentStatus
	Count  int
}

type DoctorDashboard struct {
	DoctorID          uuid.UUID
	TotalAppointments int
	TodayAppointments int
	ByStatus          []StatusCount
	Upcoming          []AppointmentDetail
}
