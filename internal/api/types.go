package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/appointment"
)

type RegisterRequest struct {
	Name     string  `json:"name" validate:"required,max=200"`
	Email    string  `json:"email" validate:"required,email,max=320"`
	Password string  `json:"password" validate:"required,min=8,max=72"`
	Role     string  `json:"role" validate:"omitempty,max=20"`
	Phone    *string `json:"phone" validate:"omitempty,max=32"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type CreateAppointmentRequest struct {
	DoctorID    string  `json:"doctorId" validate:"required,uuid"`
	ScheduledAt string  `json:"scheduledAt" validate:"required"`
	Reason      *string `json:"reason" validate:"omitempty,max=500"`
	// Admins may book on behalf of a patient; ignored for patients.
	PatientID string `json:"patientId" validate:"omitempty,uuid"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type UserResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	PatientID        uuid.UUID `json:"patientId"`
	DoctorID         uuid.UUID `json:"doctorId"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	Reason           *string   `json:"reason,omitempty"`
	Status           string    `json:"status"`
	NotificationSent bool      `json:"notificationSent"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	CounterpartName  string `json:"counterpartName"`
	CounterpartEmail string `json:"counterpartEmail"`
}

type NotificationResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	SentAt        time.Time `json:"sentAt"`
}

type StatusCountResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type DashboardStats struct {
	TotalAppointments int                   `json:"totalAppointments"`
	TodayAppointments int                   `json:"todayAppointments"`
	ByStatus          []StatusCountResponse `json:"byStatus"`
}

type DashboardResponse struct {
	DoctorID uuid.UUID                   `json:"doctorId"`
	Stats    DashboardStats              `json:"stats"`
	Upcoming []AppointmentDetailResponse `json:"upcoming"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toUserResponse(u *appointment.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      string(u.Role),
		Phone:     u.Phone,
		CreatedAt: u.CreatedAt,
	}
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		ScheduledAt:      a.ScheduledAt,
		Reason:           a.Reason,
		Status:           string(a.Status),
		NotificationSent: a.NotificationSent,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toDetailResponses(list []appointment.AppointmentDetail) []AppointmentDetailResponse {
	out := make([]AppointmentDetailResponse, 0, len(list))
	for i := range list {
		out = append(out, AppointmentDetailResponse{
			AppointmentResponse: toAppointmentResponse(&list[i].Appointment),
			CounterpartName:     list[i].CounterpartName,
			CounterpartEmail:    list[i].CounterpartEmail,
		})
	}
	return out
}

func toNotificationResponses(list []appointment.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, NotificationResponse{
			ID:            n.ID,
			AppointmentID: n.AppointmentID,
			Type:          string(n.Type),
			Message:       n.Message,
			SentAt:        n.SentAt,
		})
	}
	return out
}

func toDashboardResponse(d *appointment.DoctorDashboard) DashboardResponse {
	byStatus := make([]StatusCountResponse, 0, len(d.ByStatus))
	for _, sc := range d.ByStatus {
		byStatus = append(byStatus, StatusCountResponse{Status: string(sc.Status), Count: sc.Count})
	}
	return DashboardResponse{
		DoctorID: d.DoctorID,
		Stats: DashboardStats{
			TotalAppointments: d.TotalAppointments,
			TodayAppointments: d.TodayAppointments,
			ByStatus:          byStatus,
		},
		Upcoming: toDetailResponses(d.Upcoming),
	}
}
