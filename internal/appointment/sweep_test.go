package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointments/internal/lib/sl"
)

var sweepNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo Repository, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return sweepNow })}, opts...)
	return NewService(repo, sl.Discard(), opts...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishNotification(ctx context.Context, n Notification, recipient string) error {
	args := m.Called(ctx, n, recipient)
	return args.Error(0)
}

func TestRetireExpired_SelectsOnlyStaleBookings(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)

	stale := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Hour), StatusBooked)
	future := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(time.Hour), StatusBooked)
	boundary := repo.addAppointment(patient.ID, doctor.ID, sweepNow, StatusBooked)
	completed := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-2*time.Hour), StatusCompleted)
	cancelled := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-3*time.Hour), StatusCancelled)

	res, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.RetiredCount)
	require.Len(t, res.Notified, 1)
	assert.Equal(t, NotifiedPatient{RecipientAddress: patient.Email, AppointmentID: stale.ID}, res.Notified[0])

	got := repo.appointment(stale.ID)
	assert.Equal(t, StatusExpired, got.Status)
	assert.True(t, got.NotificationSent)

	notes := repo.notificationsFor(stale.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, patient.ID, notes[0].UserID)
	assert.Equal(t, NotificationAppointmentExpired, notes[0].Type)
	assert.Equal(t, ExpiredMessage(patient.Name, stale.ScheduledAt), notes[0].Message)

	for _, a := range []Appointment{future, boundary, completed, cancelled} {
		after := repo.appointment(a.ID)
		assert.Equal(t, a.Status, after.Status, "appointment scheduled at %s", a.ScheduledAt)
		assert.False(t, after.NotificationSent)
		assert.Empty(t, repo.notificationsFor(a.ID))
	}

	assert.Len(t, repo.eventsOfType(EventAppointmentExpired), 1)
}

func TestRetireExpired_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)
	for i := 0; i < 3; i++ {
		repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Duration(i+1)*time.Minute), StatusBooked)
	}

	first, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 3, first.RetiredCount)

	txBefore := repo.txCount()
	second, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 0, second.RetiredCount)
	assert.NotNil(t, second.Notified)
	assert.Empty(t, second.Notified)
	assert.Len(t, repo.allNotifications(), 3)
	assert.Equal(t, txBefore, repo.txCount(), "no write transaction without candidates")
}

func TestRetireExpired_NothingPending(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	res, err := svc.RetireExpired(context.Background(), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Notified: []NotifiedPatient{}}, res)
	assert.Zero(t, repo.txCount())
}

func TestRetireExpired_ZeroReferenceUsesClock(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)
	past := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Second), StatusBooked)
	repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(time.Second), StatusBooked)

	res, err := svc.RetireExpired(context.Background(), time.Time{})
	require.NoError(t, err)

	require.Equal(t, 1, res.RetiredCount)
	assert.Equal(t, past.ID, res.Notified[0].AppointmentID)
}

func TestRetireExpired_NotificationFailureRollsBackEverything(t *testing.T) {
	repo := newFakeRepo()
	repo.failNotificationAt = 2
	pub := &mockPublisher{}
	svc := newTestService(repo, WithPublisher(pub))

	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		a := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Duration(i+1)*time.Hour), StatusBooked)
		ids = append(ids, a.ID)
	}

	res, err := svc.RetireExpired(context.Background(), sweepNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, res.RetiredCount)

	for _, id := range ids {
		a := repo.appointment(id)
		assert.Equal(t, StatusBooked, a.Status)
		assert.False(t, a.NotificationSent)
	}
	assert.Empty(t, repo.allNotifications())
	assert.Empty(t, repo.eventsOfType(EventAppointmentExpired))
	pub.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetireExpired_FindErrorSurfaces(t *testing.T) {
	repo := newFakeRepo()
	repo.findErr = errors.New("connection reset")
	svc := newTestService(repo)

	_, err := svc.RetireExpired(context.Background(), sweepNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, repo.txCount())
}

func TestRetireExpired_PublishesAfterCommit(t *testing.T) {
	repo := newFakeRepo()
	pub := &mockPublisher{}
	svc := newTestService(repo, WithPublisher(pub))

	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)
	a := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Hour), StatusBooked)

	pub.On("PublishNotification", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.AppointmentID == a.ID
	}), patient.Email).Return(errors.New("broker down")).Once()

	res, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err, "publish failures never fail a committed sweep")
	assert.Equal(t, 1, res.RetiredCount)
	assert.Equal(t, StatusExpired, repo.appointment(a.ID).Status)
	pub.AssertExpectations(t)
}

func TestRetireExpired_SkipsRowsChangedAfterRead(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)

	raced := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-2*time.Hour), StatusBooked)
	other := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Hour), StatusBooked)

	repo.afterFind = func() {
		repo.afterFind = nil
		_, err := svc.RequestTransition(context.Background(), raced.ID, "completed", Requester{ID: doctor.ID, Role: RoleDoctor})
		require.NoError(t, err)
	}

	res, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.RetiredCount)
	assert.Equal(t, other.ID, res.Notified[0].AppointmentID)
	assert.Equal(t, StatusCompleted, repo.appointment(raced.ID).Status)
	assert.Empty(t, repo.notificationsFor(raced.ID))
}

func TestRetireExpired_OverlappingSweepsRetireOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)

	const rows = 20
	for i := 0; i < rows; i++ {
		repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Duration(i+1)*time.Minute), StatusBooked)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.RetireExpired(context.Background(), sweepNow)
			assert.NoError(t, err)
			mu.Lock()
			total += res.RetiredCount
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, rows, total)
	assert.Len(t, repo.allNotifications(), rows)
	assert.Len(t, repo.eventsOfType(EventAppointmentExpired), rows)
}

func TestRetireExpired_RacesWithCompletion(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	patient := repo.addUser(RolePatient)

	for i := 0; i < 50; i++ {
		a := repo.addAppointment(patient.ID, doctor.ID, sweepNow.Add(-time.Minute), StatusBooked)

		var (
			wg       sync.WaitGroup
			transErr error
			sweepErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, sweepErr = svc.RetireExpired(context.Background(), sweepNow)
		}()
		go func() {
			defer wg.Done()
			_, transErr = svc.RequestTransition(context.Background(), a.ID, "completed", Requester{ID: doctor.ID, Role: RoleDoctor})
		}()
		wg.Wait()

		require.NoError(t, sweepErr)
		final := repo.appointment(a.ID)
		switch final.Status {
		case StatusCompleted:
			require.NoError(t, transErr)
			assert.False(t, final.NotificationSent)
			assert.Empty(t, repo.notificationsFor(a.ID))
		case StatusExpired:
			assert.ErrorIs(t, transErr, ErrInvalidStatusTransition)
			assert.True(t, final.NotificationSent)
			assert.Len(t, repo.notificationsFor(a.ID), 1)
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestRetireExpired_TwoPatientScenario(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	doctor := repo.addUser(RoleDoctor)
	alice := repo.addUser(RolePatient)
	bob := repo.addUser(RolePatient)

	a := repo.addAppointment(alice.ID, doctor.ID, sweepNow.Add(-30*time.Minute), StatusBooked)
	b := repo.addAppointment(bob.ID, doctor.ID, sweepNow.Add(30*time.Minute), StatusBooked)

	res, err := svc.RetireExpired(context.Background(), sweepNow)
	require.NoError(t, err)
	require.Equal(t, 1, res.RetiredCount)
	assert.Equal(t, alice.Email, res.Notified[0].RecipientAddress)

	_, err = svc.RequestTransition(context.Background(), a.ID, "completed", Requester{ID: doctor.ID, Role: RoleDoctor})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	notes, err := svc.ListNotificationsForUser(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, a.ID, notes[0].AppointmentID)

	bobNotes, err := svc.ListNotificationsForUser(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Empty(t, bobNotes)
	assert.Equal(t, StatusBooked, repo.appointment(b.ID).Status)

	later := sweepNow.Add(time.Hour)
	res, err = svc.RetireExpired(context.Background(), later)
	require.NoError(t, err)
	require.Equal(t, 1, res.RetiredCount)
	assert.Equal(t, NotifiedPatient{RecipientAddress: bob.Email, AppointmentID: b.ID}, res.Notified[0])
	assert.Len(t, repo.notificationsFor(a.ID), 1)
}
