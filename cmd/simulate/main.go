package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	SweepRatio      float64
	ReadRatio       float64
	// Share of bookings scheduled a few seconds ahead so they expire mid-run.
	ShortLeadRatio float64
	PatientLimit   int
	DoctorLimit    int
	PostgresDSN    string
	JWTSecret      string
	TokenTTL       time.Duration
}

type simUser struct {
	ID    uuid.UUID
	Role  appointment.Role
	Token string
}

type bookedAppointment struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type DataPool struct {
	Patients []simUser
	Doctors  []simUser
	Admin    simUser
	doctors  map[uuid.UUID]simUser

	mu           sync.RWMutex
	appointments []bookedAppointment
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Rejected  int64 // 409 and 429: expected under contention
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, code int, ok int) {
	atomic.AddInt64(&om.Total, 1)
	switch code {
	case ok:
		atomic.AddInt64(&om.Success, 1)
	case http.StatusConflict, http.StatusTooManyRequests:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIdx(len(latencies), 50)]
	p95 = latencies[percentileIdx(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIdx(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking   OperationMetrics
	Complete  OperationMetrics
	Cancel    OperationMetrics
	Sweep     OperationMetrics
	MyAppts   OperationMetrics
	MyNotifs  OperationMetrics
	Dashboard OperationMetrics
	notified  int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *slog.Logger
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid config", sl.Err(err))
		os.Exit(1)
	}

	log := sl.New("dev").With(slog.String("component", "simulate"))
	log.Info("simulator starting",
		slog.Duration("duration", cfg.Duration),
		slog.Int("workers", cfg.Workers),
		slog.Float64("booking", cfg.BookingRatio),
		slog.Float64("transition", cfg.TransitionRatio),
		slog.Float64("sweep", cfg.SweepRatio),
		slog.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", sl.Err(err))
		os.Exit(1)
	}
	defer pgPool.Close()

	tokens := auth.NewTokenMaker(cfg.JWTSecret, cfg.TokenTTL)
	dataPool, err := loadDataPool(ctx, appointment.NewPgRepository(pgPool), pgPool, tokens, cfg)
	if err != nil {
		log.Error("load data pool", sl.Err(err))
		os.Exit(1)
	}
	log.Info("loaded users", slog.Int("patients", len(dataPool.Patients)), slog.Int("doctors", len(dataPool.Doctors)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}

	sim.Run()

	// One last sweep so every appointment that is due by now is retired
	// before the invariants are checked.
	cutoff := time.Now().UTC()
	for attempt := 0; attempt < 5; attempt++ {
		if sim.doSweep(context.Background()) == http.StatusOK {
			break
		}
		time.Sleep(time.Second)
	}

	sim.PrintReport()

	violations, err := checkInvariants(context.Background(), pgPool, cutoff)
	if err != nil {
		log.Error("invariant check", sl.Err(err))
		os.Exit(1)
	}
	printInvariants(violations)
	for _, v := range violations {
		if v.Count > 0 {
			os.Exit(2)
		}
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.2),
		SweepRatio:      getFloat("SIM_SWEEP_RATIO", 0.05),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.35),
		ShortLeadRatio:  getFloat("SIM_SHORT_LEAD_RATIO", 0.5),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 500),
		DoctorLimit:     getInt("SIM_DOCTOR_LIMIT", 50),
		PostgresDSN:     baseCfg.PostgresDSN,
		JWTSecret:       baseCfg.JWTSecret,
		TokenTTL:        baseCfg.TokenTTL,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.SweepRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.SweepRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.Workers <= 0 {
		return SimConfig{}, errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, errors.New("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.TransitionRatio:
			s.doTransition(ctx, rng)
		case r < c.BookingRatio+c.TransitionRatio+c.SweepRatio:
			s.doSweep(ctx)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	lead := time.Duration(rng.Intn(7*24)+1) * time.Hour
	if rng.Float64() < s.config.ShortLeadRatio {
		lead = time.Duration(rng.Intn(5000)+500) * time.Millisecond
	}

	body := map[string]string{
		"doctorId":    doctor.ID.String(),
		"scheduledAt": time.Now().Add(lead).UTC().Format(time.RFC3339Nano),
		"reason":      "simulated visit",
	}

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	code, latency := s.call(ctx, http.MethodPost, "/appointments", patient.Token, body, &out)
	s.metrics.Booking.Record(latency, code, http.StatusCreated)
	if code == http.StatusCreated && out.ID != uuid.Nil {
		s.pool.AddAppointment(bookedAppointment{ID: out.ID, DoctorID: doctor.ID})
	}
}

// doTransition races human transitions against the sweep: the owning doctor
// completes, the admin cancels.
func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	path := fmt.Sprintf("/appointments/%s/status", appt.ID)
	if rng.Intn(3) == 0 {
		code, latency := s.call(ctx, http.MethodPatch, path, s.pool.Admin.Token,
			map[string]string{"status": string(appointment.StatusCancelled)}, nil)
		s.metrics.Cancel.Record(latency, code, http.StatusOK)
		return
	}

	doctor := s.pool.doctors[appt.DoctorID]
	code, latency := s.call(ctx, http.MethodPatch, path, doctor.Token,
		map[string]string{"status": string(appointment.StatusCompleted)}, nil)
	s.metrics.Complete.Record(latency, code, http.StatusOK)
}

func (s *Simulator) doSweep(ctx context.Context) int {
	var out appointment.SweepResult
	code, latency := s.call(ctx, http.MethodPost, "/jobs/check-expired-appointments", s.pool.Admin.Token, nil, &out)
	s.metrics.Sweep.Record(latency, code, http.StatusOK)
	if code == http.StatusOK {
		atomic.AddInt64(&s.metrics.notified, int64(len(out.Notified)))
	}
	return code
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	switch rng.Intn(3) {
	case 0:
		u := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		code, latency := s.call(ctx, http.MethodGet, "/appointments/me", u.Token, nil, nil)
		s.metrics.MyAppts.Record(latency, code, http.StatusOK)
	case 1:
		u := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		code, latency := s.call(ctx, http.MethodGet, "/notifications/me", u.Token, nil, nil)
		s.metrics.MyNotifs.Record(latency, code, http.StatusOK)
	case 2:
		u := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
		code, latency := s.call(ctx, http.MethodGet, "/dashboard/doctor", u.Token, nil, nil)
		s.metrics.Dashboard.Record(latency, code, http.StatusOK)
	}
}

// call returns status 0 on transport errors. out may be nil.
func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Patients notified by sweeps: %d\n", atomic.LoadInt64(&s.metrics.notified))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Sweep", &s.metrics.Sweep)
	printOperationReport("My appointments", &s.metrics.MyAppts)
	printOperationReport("My notifications", &s.metrics.MyNotifs)
	printOperationReport("Doctor dashboard", &s.metrics.Dashboard)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Rejected)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, float64(rejected)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
