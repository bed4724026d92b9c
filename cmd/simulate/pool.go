package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
)

// loadDataPool reads seeded users and mints their tokens locally so the
// run does not trip the login rate limiter.
func loadDataPool(ctx context.Context, users appointment.Queries, pool *pgxpool.Pool, tokens *auth.TokenMaker, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{doctors: make(map[uuid.UUID]simUser)}

	doctors, err := users.ListDoctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	for i := range doctors {
		if i >= cfg.DoctorLimit {
			break
		}
		u, err := mint(tokens, &doctors[i])
		if err != nil {
			return nil, err
		}
		dp.Doctors = append(dp.Doctors, u)
		dp.doctors[u.ID] = u
	}

	rows, err := pool.Query(ctx, `
		SELECT id, name, email, role FROM users WHERE role = ANY($1) ORDER BY created_at LIMIT $2
	`, []string{string(appointment.RolePatient), string(appointment.RoleAdmin)}, cfg.PatientLimit+1)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u appointment.User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role); err != nil {
			return nil, err
		}
		u.Role = appointment.Role(role)

		su, err := mint(tokens, &u)
		if err != nil {
			return nil, err
		}
		if u.Role == appointment.RoleAdmin {
			dp.Admin = su
			continue
		}
		dp.Patients = append(dp.Patients, su)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dp.Patients) == 0 {
		return nil, errors.New("no patients loaded, run cmd/seed first")
	}
	if len(dp.Doctors) == 0 {
		return nil, errors.New("no doctors loaded, run cmd/seed first")
	}
	if dp.Admin.ID == uuid.Nil {
		return nil, errors.New("no admin loaded, run cmd/seed first")
	}
	return dp, nil
}

func mint(tokens *auth.TokenMaker, u *appointment.User) (simUser, error) {
	tok, err := tokens.MakeToken(u)
	if err != nil {
		return simUser{}, fmt.Errorf("mint token for %s: %w", u.Email, err)
	}
	return simUser{ID: u.ID, Role: u.Role, Token: tok}, nil
}

type violation struct {
	Name  string
	Count int
}

// checkInvariants verifies the expiry bookkeeping after a run. cutoff is the
// moment just before the final sweep.
func checkInvariants(ctx context.Context, pool *pgxpool.Pool, cutoff time.Time) ([]violation, error) {
	checks := []struct {
		name string
		sql  string
		args []any
	}{
		{
			name: "expired without flag or notification",
			sql: `SELECT count(*) FROM appointments a
				WHERE a.status = 'expired'
				  AND (NOT a.notification_sent OR NOT EXISTS (
				      SELECT 1 FROM notifications n
				      WHERE n.appointment_id = a.id AND n.type = 'appointment_expired'))`,
		},
		{
			name: "flag or notification on a non-expired appointment",
			sql: `SELECT count(*) FROM appointments a
				WHERE a.status <> 'expired'
				  AND (a.notification_sent OR EXISTS (
				      SELECT 1 FROM notifications n
				      WHERE n.appointment_id = a.id AND n.type = 'appointment_expired'))`,
		},
		{
			name: "more than one expiry notification",
			sql: `SELECT count(*) FROM (
				SELECT appointment_id FROM notifications
				WHERE type = 'appointment_expired'
				GROUP BY appointment_id HAVING count(*) > 1) d`,
		},
		{
			name: "still booked after the final sweep",
			sql:  `SELECT count(*) FROM appointments WHERE status = 'booked' AND scheduled_at < $1`,
			args: []any{cutoff},
		},
	}

	out := make([]violation, 0, len(checks))
	for _, c := range checks {
		var n int
		if err := pool.QueryRow(ctx, c.sql, c.args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		out = append(out, violation{Name: c.name, Count: n})
	}
	return out, nil
}

func printInvariants(vs []violation) {
	fmt.Println("INVARIANTS")
	for _, v := range vs {
		mark := "ok"
		if v.Count > 0 {
			mark = "VIOLATED"
		}
		fmt.Printf("  %-52s %s (%d)\n", v.Name, mark, v.Count)
	}
}
