package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
)

// Every seeded account shares this password so the simulator can log in.
const seedPassword = "password123"

const batchSize = 500

func main() {
	doctors := flag.Int("doctors", 20, "number of doctors")
	patients := flag.Int("patients", 500, "number of patients")
	appts := flag.Int("appointments", 2000, "number of appointments")
	pastShare := flag.Float64("past", 0.25, "share of booked appointments scheduled in the past")
	flag.Parse()

	_ = godotenv.Load()
	log := sl.New(os.Getenv("APP_ENV"))
	log.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Error("connect postgres", sl.Err(err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(pool); err != nil {
		log.Error("migrate", sl.Err(err))
		os.Exit(1)
	}

	hash, err := auth.HashPassword(seedPassword)
	if err != nil {
		log.Error("hash password", sl.Err(err))
		os.Exit(1)
	}

	s := &seeder{pool: pool, hash: hash, log: log}
	bg := context.Background()

	if _, err := s.seedUsers(bg, appointment.RoleAdmin, 1); err != nil {
		log.Error("seed admin", sl.Err(err))
		os.Exit(1)
	}
	doctorIDs, err := s.seedUsers(bg, appointment.RoleDoctor, *doctors)
	if err != nil {
		log.Error("seed doctors", sl.Err(err))
		os.Exit(1)
	}
	patientIDs, err := s.seedUsers(bg, appointment.RolePatient, *patients)
	if err != nil {
		log.Error("seed patients", sl.Err(err))
		os.Exit(1)
	}
	if err := s.seedAppointments(bg, doctorIDs, patientIDs, *appts, *pastShare); err != nil {
		log.Error("seed appointments", sl.Err(err))
		os.Exit(1)
	}

	log.Info("seed complete", slog.String("password", seedPassword))
}

type seeder struct {
	pool *pgxpool.Pool
	hash string
	log  *slog.Logger
}

// seedUsers inserts count users of role. Emails are prefixed with the role
// and index so reruns collide on the unique index instead of duplicating.
func (s *seeder) seedUsers(ctx context.Context, role appointment.Role, count int) ([]uuid.UUID, error) {
	s.log.Info("seeding users", slog.String("role", string(role)), slog.Int("count", count))

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			if role == appointment.RoleDoctor {
				name = "Dr. " + name
			}
			email := fmt.Sprintf("%s%d@clinic.test", role, i+1)
			phone := gofakeit.Phone()

			var got uuid.UUID
			err := tx.QueryRow(ctx, `
				INSERT INTO users (id, name, email, password_hash, role, phone)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
				RETURNING id
			`, id, name, strings.ToLower(email), s.hash, string(role), phone).Scan(&got)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, got)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		s.log.Info("users seeded", slog.String("role", string(role)), slog.Int("done", end), slog.Int("total", count))
	}
	return ids, nil
}

var reasons = []string{
	"Annual check-up",
	"Follow-up visit",
	"Persistent headache",
	"Back pain",
	"Skin rash",
	"Vaccination",
	"Blood test results",
	"Allergy consultation",
}

// seedAppointments spreads count booked appointments across the next two
// weeks, with pastShare of them in the last three days so the expiry sweep
// has work to do.
func (s *seeder) seedAppointments(ctx context.Context, doctors, patients []uuid.UUID, count int, pastShare float64) error {
	if len(doctors) == 0 || len(patients) == 0 {
		return nil
	}
	s.log.Info("seeding appointments", slog.Int("count", count))

	now := time.Now().UTC()
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			var at time.Time
			if gofakeit.Float64Range(0, 1) < pastShare {
				at = now.Add(-time.Duration(gofakeit.Number(1, 72*60)) * time.Minute)
			} else {
				at = now.Add(time.Duration(gofakeit.Number(60, 14*24*60)) * time.Minute)
			}
			reason := reasons[gofakeit.Number(0, len(reasons)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, reason, status)
				VALUES ($1, $2, $3, $4, $5, 'booked')
			`, uuid.New(),
				patients[gofakeit.Number(0, len(patients)-1)],
				doctors[gofakeit.Number(0, len(doctors)-1)],
				at.Truncate(time.Minute), reason)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.log.Info("appointments seeded", slog.Int("done", end), slog.Int("total", count))
	}
	return nil
}
