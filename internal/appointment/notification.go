package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExpiredMessage renders the patient-facing text for a retired booking.
// The scheduled time is always written in UTC RFC 3339 so the text is reproducible.
func ExpiredMessage(patientName string, scheduledAt time.Time) string {
	return fmt.Sprintf(
		"Hi %s, your appointment scheduled at %s has expired. Please book a new slot.",
		patientName,
		scheduledAt.UTC().Format(time.RFC3339),
	)
}

// ExpiredNotification composes the record inserted alongside the status flip.
func ExpiredNotification(c ExpiredCandidate, sentAt time.Time) Notification {
	return Notification{
		ID:            uuid.New(),
		UserID:        c.PatientID,
		AppointmentID: c.AppointmentID,
		Message:       ExpiredMessage(c.PatientName, c.ScheduledAt),
		Type:          NotificationAppointmentExpired,
		SentAt:        sentAt.UTC(),
	}
}
