package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/metrics"
)

// NotificationMessage is the wire body consumed by email/SMS senders.
type NotificationMessage struct {
	NotificationID uuid.UUID `json:"notificationId"`
	AppointmentID  uuid.UUID `json:"appointmentId"`
	UserID         uuid.UUID `json:"userId"`
	Recipient      string    `json:"recipient"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	SentAt         time.Time `json:"sentAt"`
}

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher serializes publishes; an amqp channel must not be shared across goroutines.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
}

func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch, exchange: Exchange}
}

func (p *Publisher) PublishNotification(ctx context.Context, n appointment.Notification, recipient string) error {
	const op = "rabbitmq.PublishNotification"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	body, err := json.Marshal(NotificationMessage{
		NotificationID: n.ID,
		AppointmentID:  n.AppointmentID,
		UserID:         n.UserID,
		Recipient:      recipient,
		Type:           string(n.Type),
		Message:        n.Message,
		SentAt:         n.SentAt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	err = p.ch.Publish(
		p.exchange,
		string(n.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    n.ID.String(),
			Timestamp:    n.SentAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	p.mu.Unlock()
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("failed").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.NotificationsPublished.WithLabelValues("ok").Inc()
	return nil
}
