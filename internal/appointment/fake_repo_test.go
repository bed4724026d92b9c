package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// memStore is one consistent view of the data. Transactions work on a clone
// and replace the committed view only when their callback returns nil.
type memStore struct {
	users         map[uuid.UUID]User
	appointments  map[uuid.UUID]Appointment
	notifications []Notification
	events        []EventLog
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[uuid.UUID]User),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.users {
		c.users[k] = v
	}
	for k, v := range m.appointments {
		c.appointments[k] = v
	}
	c.notifications = append([]Notification(nil), m.notifications...)
	c.events = append([]EventLog(nil), m.events...)
	return c
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memStore) CreateUser(_ context.Context, u *User) (*User, error) {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return nil, ErrEmailTaken
		}
	}
	created := *u
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	created.CreatedAt = time.Now().UTC()
	m.users[created.ID] = created
	return &created, nil
}

func (m *memStore) ListDoctors(_ context.Context) ([]User, error) {
	var out []User
	for _, u := range m.users {
		if u.Role == RoleDoctor {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) details(match func(Appointment) bool, counterpart func(Appointment) uuid.UUID) []AppointmentDetail {
	var out []AppointmentDetail
	for _, a := range m.appointments {
		if !match(a) {
			continue
		}
		u := m.users[counterpart(a)]
		out = append(out, AppointmentDetail{Appointment: a, CounterpartName: u.Name, CounterpartEmail: u.Email})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out
}

func (m *memStore) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	return m.details(
		func(a Appointment) bool { return a.PatientID == patientID },
		func(a Appointment) uuid.UUID { return a.DoctorID },
	), nil
}

func (m *memStore) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	return m.details(
		func(a Appointment) bool { return a.DoctorID == doctorID },
		func(a Appointment) uuid.UUID { return a.PatientID },
	), nil
}

func (m *memStore) ListNotificationsByUser(_ context.Context, userID uuid.UUID) ([]Notification, error) {
	var out []Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}

func (m *memStore) CountAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, from, to *time.Time) (int, error) {
	n := 0
	for _, a := range m.appointments {
		if a.DoctorID != doctorID {
			continue
		}
		if from != nil && a.ScheduledAt.Before(*from) {
			continue
		}
		if to != nil && a.ScheduledAt.After(*to) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memStore) CountAppointmentsByStatus(_ context.Context, doctorID uuid.UUID) ([]StatusCount, error) {
	counts := make(map[AppointmentStatus]int)
	for _, a := range m.appointments {
		if a.DoctorID == doctorID {
			counts[a.Status]++
		}
	}
	var out []StatusCount
	for s, c := range counts {
		out = append(out, StatusCount{Status: s, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (m *memStore) UpcomingAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]AppointmentDetail, error) {
	out := m.details(
		func(a Appointment) bool { return a.DoctorID == doctorID && !a.ScheduledAt.Before(from) },
		func(a Appointment) uuid.UUID { return a.PatientID },
	)
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) expiredBooked(now time.Time) []ExpiredCandidate {
	var out []ExpiredCandidate
	for _, a := range m.appointments {
		if a.Status != StatusBooked || !a.ScheduledAt.Before(now) {
			continue
		}
		p := m.users[a.PatientID]
		out = append(out, ExpiredCandidate{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			PatientName:   p.Name,
			PatientEmail:  p.Email,
			ScheduledAt:   a.ScheduledAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// fakeRepo serializes transactions, which stands in for the row locks of the
// real store.
type fakeRepo struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	committed *memStore

	txOpened int
	commits  int

	findErr error
	// failNotificationAt makes the n-th notification insert of a transaction fail (1-based).
	failNotificationAt int
	// afterFind runs between the candidate read and the sweep transaction.
	afterFind func()
}

var errInjected = errors.New("injected failure")

func newFakeRepo() *fakeRepo {
	return &fakeRepo{committed: newMemStore()}
}

func read[T any](r *fakeRepo, fn func(m *memStore) (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.committed)
}

func (r *fakeRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return read(r, func(m *memStore) (*User, error) { return m.GetUserByID(ctx, id) })
}

func (r *fakeRepo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return read(r, func(m *memStore) (*User, error) { return m.GetUserByEmail(ctx, email) })
}

func (r *fakeRepo) CreateUser(ctx context.Context, u *User) (*User, error) {
	return read(r, func(m *memStore) (*User, error) { return m.CreateUser(ctx, u) })
}

func (r *fakeRepo) ListDoctors(ctx context.Context) ([]User, error) {
	return read(r, func(m *memStore) ([]User, error) { return m.ListDoctors(ctx) })
}

func (r *fakeRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return read(r, func(m *memStore) (*Appointment, error) { return m.GetAppointmentByID(ctx, id) })
}

func (r *fakeRepo) ListAppointmentsByPatient(ctx context.Context, id uuid.UUID) ([]AppointmentDetail, error) {
	return read(r, func(m *memStore) ([]AppointmentDetail, error) { return m.ListAppointmentsByPatient(ctx, id) })
}

func (r *fakeRepo) ListAppointmentsByDoctor(ctx context.Context, id uuid.UUID) ([]AppointmentDetail, error) {
	return read(r, func(m *memStore) ([]AppointmentDetail, error) { return m.ListAppointmentsByDoctor(ctx, id) })
}

func (r *fakeRepo) ListNotificationsByUser(ctx context.Context, id uuid.UUID) ([]Notification, error) {
	return read(r, func(m *memStore) ([]Notification, error) { return m.ListNotificationsByUser(ctx, id) })
}

func (r *fakeRepo) CountAppointmentsByDoctor(ctx context.Context, id uuid.UUID, from, to *time.Time) (int, error) {
	return read(r, func(m *memStore) (int, error) { return m.CountAppointmentsByDoctor(ctx, id, from, to) })
}

func (r *fakeRepo) CountAppointmentsByStatus(ctx context.Context, id uuid.UUID) ([]StatusCount, error) {
	return read(r, func(m *memStore) ([]StatusCount, error) { return m.CountAppointmentsByStatus(ctx, id) })
}

func (r *fakeRepo) UpcomingAppointmentsByDoctor(ctx context.Context, id uuid.UUID, from time.Time, limit int) ([]AppointmentDetail, error) {
	return read(r, func(m *memStore) ([]AppointmentDetail, error) { return m.UpcomingAppointmentsByDoctor(ctx, id, from, limit) })
}

func (r *fakeRepo) FindExpiredBooked(_ context.Context, now time.Time) ([]ExpiredCandidate, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	out, err := read(r, func(m *memStore) ([]ExpiredCandidate, error) { return m.expiredBooked(now), nil })
	if r.afterFind != nil {
		r.afterFind()
	}
	return out, err
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(tx TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	r.txOpened++
	snapshot := r.committed.clone()
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(&fakeTx{memStore: snapshot, repo: r}); err != nil {
		return err
	}

	r.mu.Lock()
	r.committed = snapshot
	r.commits++
	r.mu.Unlock()
	return nil
}

type fakeTx struct {
	*memStore
	repo    *fakeRepo
	inserts int
}

func (t *fakeTx) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	created := *a
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	now := time.Now().UTC()
	created.Status = StatusBooked
	created.NotificationSent = false
	created.ScheduledAt = created.ScheduledAt.UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	t.appointments[created.ID] = created
	return &created, nil
}

func (t *fakeTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return t.GetAppointmentByID(ctx, id)
}

func (t *fakeTx) LockExpiredBooked(_ context.Context, now time.Time) ([]ExpiredCandidate, error) {
	return t.expiredBooked(now), nil
}

func (t *fakeTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	a, ok := t.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrStatusConflict
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	t.appointments[id] = a
	return &a, nil
}

func (t *fakeTx) MarkExpired(_ context.Context, id uuid.UUID) error {
	a, ok := t.appointments[id]
	if !ok || a.Status != StatusBooked {
		return ErrStatusConflict
	}
	a.Status = StatusExpired
	a.NotificationSent = true
	a.UpdatedAt = time.Now().UTC()
	t.appointments[id] = a
	return nil
}

func (t *fakeTx) InsertNotification(_ context.Context, n Notification) error {
	t.inserts++
	if t.repo.failNotificationAt > 0 && t.inserts == t.repo.failNotificationAt {
		return errInjected
	}
	if n.Type == NotificationAppointmentExpired {
		for _, existing := range t.memStore.notifications {
			if existing.Type == n.Type && existing.AppointmentID == n.AppointmentID {
				return errors.New("duplicate expired notification")
			}
		}
	}
	t.memStore.notifications = append(t.memStore.notifications, n)
	return nil
}

func (t *fakeTx) InsertEvent(_ context.Context, ev EventLog) error {
	ev.ID = int64(len(t.events) + 1)
	t.events = append(t.events, ev)
	return nil
}

// Fixtures

func (r *fakeRepo) addUser(role Role) User {
	u := User{
		ID:           uuid.New(),
		Name:         gofakeit.Name(),
		Email:        gofakeit.Email(),
		PasswordHash: "x",
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	r.mu.Lock()
	r.committed.users[u.ID] = u
	r.mu.Unlock()
	return u
}

func (r *fakeRepo) addAppointment(patient, doctor uuid.UUID, at time.Time, status AppointmentStatus) Appointment {
	a := Appointment{
		ID:          uuid.New(),
		PatientID:   patient,
		DoctorID:    doctor,
		ScheduledAt: at.UTC(),
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	r.mu.Lock()
	r.committed.appointments[a.ID] = a
	r.mu.Unlock()
	return a
}

func (r *fakeRepo) appointment(id uuid.UUID) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed.appointments[id]
}

func (r *fakeRepo) notificationsFor(appointmentID uuid.UUID) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.committed.notifications {
		if n.AppointmentID == appointmentID {
			out = append(out, n)
		}
	}
	return out
}

func (r *fakeRepo) allNotifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.committed.notifications...)
}

func (r *fakeRepo) eventsOfType(eventType string) []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventLog
	for _, ev := range r.committed.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *fakeRepo) txCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txOpened
}
