package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pgQueries
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{
		pgQueries: pgQueries{db: pool},
		pool:      pool,
	}
}

// WithTx uses READ COMMITTED; writers that must not race take row locks explicitly.
func (r *PgRepository) WithTx(ctx context.Context, fn func(tx TxRepository) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{pgQueries: pgQueries{db: tx}})
	})
}

type pgQueries struct {
	db querier
}

type pgTx struct {
	pgQueries
}

// Helpers

const appointmentColumns = `a.id, a.patient_id, a.doctor_id, a.scheduled_at, a.reason, a.status,
	a.notification_sent, a.created_at, a.updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.Phone,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func scanAppointment(row pgx.Row, extra ...any) (*Appointment, error) {
	var a Appointment
	dest := []any{
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledAt,
		&a.Reason,
		&a.Status,
		&a.NotificationSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.ScheduledAt = a.ScheduledAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func collectDetails(rows pgx.Rows) ([]AppointmentDetail, error) {
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		var d AppointmentDetail
		a, err := scanAppointment(rows, &d.CounterpartName, &d.CounterpartEmail)
		if err != nil {
			return nil, err
		}
		d.Appointment = *a
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectCandidates(rows pgx.Rows) ([]ExpiredCandidate, error) {
	defer rows.Close()

	var result []ExpiredCandidate
	for rows.Next() {
		var c ExpiredCandidate
		if err := rows.Scan(&c.AppointmentID, &c.PatientID, &c.PatientName, &c.PatientEmail, &c.ScheduledAt); err != nil {
			return nil, err
		}
		c.ScheduledAt = c.ScheduledAt.UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Users

func (q pgQueries) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, name, email, password_hash, role, phone, created_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (q pgQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, name, email, password_hash, role, phone, created_at
		FROM users
		WHERE email = $1
	`, email)
	return scanUser(row)
}

func (q pgQueries) CreateUser(ctx context.Context, u *User) (*User, error) {
	id := u.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := q.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, name, email, password_hash, role, phone, created_at
	`, id, u.Name, u.Email, u.PasswordHash, u.Role, u.Phone)

	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (q pgQueries) ListDoctors(ctx context.Context) ([]User, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, email, password_hash, role, phone, created_at
		FROM users
		WHERE role = 'doctor'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

// Appointments

func (q pgQueries) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
	`, id)
	return scanAppointment(row)
}

func (q pgQueries) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`, d.name, d.email
		FROM appointments a
		JOIN users d ON d.id = a.doctor_id
		WHERE a.patient_id = $1
		ORDER BY a.scheduled_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (q pgQueries) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`, p.name, p.email
		FROM appointments a
		JOIN users p ON p.id = a.patient_id
		WHERE a.doctor_id = $1
		ORDER BY a.scheduled_at DESC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (q pgQueries) ListNotificationsByUser(ctx context.Context, userID uuid.UUID) ([]Notification, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, appointment_id, message, type, sent_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY sent_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.AppointmentID, &n.Message, &n.Type, &n.SentAt); err != nil {
			return nil, err
		}
		n.SentAt = n.SentAt.UTC()
		result = append(result, n)
	}
	return result, rows.Err()
}

func (q pgQueries) CountAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, from, to *time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE doctor_id = $1
		  AND ($2::timestamptz IS NULL OR scheduled_at >= $2)
		  AND ($3::timestamptz IS NULL OR scheduled_at <= $3)
	`, doctorID, from, to).Scan(&n)
	return n, err
}

func (q pgQueries) CountAppointmentsByStatus(ctx context.Context, doctorID uuid.UUID) ([]StatusCount, error) {
	rows, err := q.db.Query(ctx, `
		SELECT status, COUNT(*)
		FROM appointments
		WHERE doctor_id = $1
		GROUP BY status
		ORDER BY status
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (q pgQueries) UpcomingAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]AppointmentDetail, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`, p.name, p.email
		FROM appointments a
		JOIN users p ON p.id = a.patient_id
		WHERE a.doctor_id = $1
		  AND a.scheduled_at >= $2
		ORDER BY a.scheduled_at ASC
		LIMIT $3
	`, doctorID, from, limit)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

// Sweep candidates

const expiredBookedQuery = `
	SELECT a.id, a.patient_id, u.name, u.email, a.scheduled_at
	FROM appointments a
	JOIN users u ON u.id = a.patient_id
	WHERE a.status = 'booked'
	  AND a.scheduled_at < $1
	ORDER BY a.scheduled_at`

func (r *PgRepository) FindExpiredBooked(ctx context.Context, now time.Time) ([]ExpiredCandidate, error) {
	rows, err := r.db.Query(ctx, expiredBookedQuery, now)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

// Transaction-only methods

func (t *pgTx) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := t.db.QueryRow(ctx, `
		INSERT INTO appointments AS a (id, patient_id, doctor_id, scheduled_at, reason, status, notification_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'booked', FALSE, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.DoctorID, a.ScheduledAt.UTC(), a.Reason)

	return scanAppointment(row)
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

// LockExpiredBooked re-evaluates the predicate under row locks. Rows another
// transaction moved out of booked while we waited drop out of the result.
func (t *pgTx) LockExpiredBooked(ctx context.Context, now time.Time) ([]ExpiredCandidate, error) {
	rows, err := t.db.Query(ctx, expiredBookedQuery+`
	FOR UPDATE OF a`, now)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := t.db.QueryRow(ctx, `
		UPDATE appointments AS a
		SET status = $2,
		    updated_at = now()
		WHERE a.id = $1
		  AND a.status = $3
		RETURNING `+appointmentColumns,
		id, to, from)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStatusConflict
	}
	return updated, err
}

func (t *pgTx) MarkExpired(ctx context.Context, id uuid.UUID) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE appointments
		SET status = 'expired',
		    notification_sent = TRUE,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
	`, id)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n Notification) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, appointment_id, message, type, sent_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, n.ID, n.UserID, n.AppointmentID, n.Message, n.Type, nullableTime(n.SentAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
