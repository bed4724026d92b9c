package appointment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RetireExpired moves every booked appointment scheduled strictly before ref
// to expired and records one notification per appointment, all in a single
// transaction. A zero ref means the service clock.
//
// Calling it again right away finds nothing and changes nothing.
func (s *Service) RetireExpired(ctx context.Context, ref time.Time) (SweepResult, error) {
	const op = "appointment.RetireExpired"

	now := ref
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	empty := SweepResult{Notified: []NotifiedPatient{}}

	candidates, err := s.repo.FindExpiredBooked(ctx, now)
	if err != nil {
		return empty, fmt.Errorf("%s: find candidates: %w", op, err)
	}
	if len(candidates) == 0 {
		return empty, nil
	}

	var (
		result     SweepResult
		batch      []Notification
		recipients map[uuid.UUID]string
	)
	err = s.repo.WithTx(ctx, func(tx TxRepository) error {
		// Reset on every attempt so a retried callback never sees partial state.
		result = SweepResult{Notified: []NotifiedPatient{}}
		batch = batch[:0]
		recipients = make(map[uuid.UUID]string)

		locked, err := tx.LockExpiredBooked(ctx, now)
		if err != nil {
			return fmt.Errorf("lock candidates: %w", err)
		}

		sentAt := s.now().UTC()
		for _, c := range locked {
			current := &Appointment{ID: c.AppointmentID, PatientID: c.PatientID, ScheduledAt: c.ScheduledAt, Status: StatusBooked}
			if err := CheckSystemTransition(current, StatusExpired); err != nil {
				return err
			}

			if err := tx.MarkExpired(ctx, c.AppointmentID); err != nil {
				return fmt.Errorf("expire %s: %w", c.AppointmentID, err)
			}

			n := ExpiredNotification(c, sentAt)
			if err := tx.InsertNotification(ctx, n); err != nil {
				return fmt.Errorf("notify %s: %w", c.AppointmentID, err)
			}

			if err := s.logEvent(ctx, tx, c.AppointmentID, EventAppointmentExpired, map[string]any{
				"reason":       "scheduled_time_passed",
				"scheduled_at": c.ScheduledAt,
				"swept_at":     now,
			}); err != nil {
				return err
			}

			result.RetiredCount++
			result.Notified = append(result.Notified, NotifiedPatient{
				RecipientAddress: c.PatientEmail,
				AppointmentID:    c.AppointmentID,
			})
			batch = append(batch, n)
			recipients[n.ID] = c.PatientEmail
		}
		return nil
	})
	if err != nil {
		return empty, fmt.Errorf("%s: %w", op, err)
	}

	if result.RetiredCount > 0 {
		s.log.Info("expired appointments retired",
			slog.Int("retired", result.RetiredCount),
			slog.Int("candidates", len(candidates)),
			slog.Time("reference_time", now),
		)
	}

	s.publish(ctx, batch, recipients)

	return result, nil
}
