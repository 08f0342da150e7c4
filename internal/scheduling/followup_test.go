package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medrex/appointments/internal/store"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func proposeFollowUp(t *testing.T, svc *Service, source *types.Appointment, date, slot string) *types.FollowUp {
	fu, err := svc.FollowUps().Propose(context.Background(), &types.FollowUpRequest{
		AppointmentID: source.ID,
		DoctorID:      source.DoctorID,
		PatientID:     source.PatientID,
		FollowUpDate:  date,
		FollowUpTime:  slot,
	})
	require.NoError(t, err)
	return fu
}

func followUpAppointments(t *testing.T, svc *Service, sourceID string) []*types.Appointment {
	all, err := svc.GetAppointments(context.Background(), nil)
	require.NoError(t, err)

	var out []*types.Appointment
	for _, apt := range all {
		if apt.FollowUpOf == sourceID {
			out = append(out, apt)
		}
	}
	return out
}

func TestFollowUpLinker_Propose(t *testing.T) {
	svc, _ := setupTestService(t)
	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))

	fu := proposeFollowUp(t, svc, source, "2025-11-27", "10:00 AM")
	assert.NotEmpty(t, fu.ID)
	assert.Equal(t, types.FollowUpPending, fu.Status)
	assert.Empty(t, fu.CreatedAppointmentID)

	got, err := svc.FollowUps().Get(context.Background(), fu.ID)
	require.NoError(t, err)
	assert.Equal(t, fu.ID, got.ID)

	list, err := svc.FollowUps().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// proposing creates no appointment
	assert.Empty(t, followUpAppointments(t, svc, source.ID))
}

func TestFollowUpLinker_Propose_Validation(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.FollowUps().Propose(ctx, nil)
	assert.True(t, types.IsType(err, types.ErrorTypeValidation))

	_, err = svc.FollowUps().Propose(ctx, &types.FollowUpRequest{AppointmentID: "a", DoctorID: "D1"})
	assert.True(t, types.IsType(err, types.ErrorTypeValidation))

	_, err = svc.FollowUps().Propose(ctx, &types.FollowUpRequest{
		AppointmentID: "a", DoctorID: "D1", PatientID: "P1",
		FollowUpDate: "next week", FollowUpTime: "10:00 AM",
	})
	assert.True(t, types.IsType(err, types.ErrorTypeValidation))

	_, err = svc.FollowUps().Get(ctx, "missing")
	assert.True(t, types.IsType(err, types.ErrorTypeNotFound))
}

func TestFollowUpLinker_Confirm(t *testing.T) {
	svc, pub := setupTestService(t)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	confirmed, apt, err := svc.FollowUps().Confirm(ctx, fu.ID)
	require.NoError(t, err)

	assert.Equal(t, types.FollowUpConfirmed, confirmed.Status)
	assert.Equal(t, apt.ID, confirmed.CreatedAppointmentID)

	assert.Equal(t, types.VisitFollowUp, apt.VisitType)
	assert.Equal(t, string(types.StatusUpcoming), apt.Status)
	assert.False(t, apt.Paid)
	assert.Equal(t, "2025-11-27", apt.Date)
	assert.Equal(t, "11:00 AM", apt.Time)
	assert.Equal(t, source.ID, apt.FollowUpOf)
	assert.Equal(t, source.DoctorName, apt.DoctorName)
	assert.Equal(t, source.PatientDetails, apt.PatientDetails)

	created := followUpAppointments(t, svc, source.ID)
	require.Len(t, created, 1)
	assert.Equal(t, apt.ID, created[0].ID)

	stored, err := svc.FollowUps().Get(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpConfirmed, stored.Status)

	events := pub.eventTypes()
	assert.Equal(t, []EventType{EventAppointmentBooked, EventAppointmentBooked, EventFollowUpConfirmed}, events)
	require.NotNil(t, pub.last().FollowUp)
	assert.Equal(t, fu.ID, pub.last().FollowUp.ID)
}

func TestFollowUpLinker_ConfirmTwice(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	_, _, err := svc.FollowUps().Confirm(ctx, fu.ID)
	require.NoError(t, err)

	_, _, err = svc.FollowUps().Confirm(ctx, fu.ID)
	assert.True(t, types.IsType(err, types.ErrorTypeInvalidTransition))

	_, err = svc.FollowUps().Cancel(ctx, fu.ID)
	assert.True(t, types.IsType(err, types.ErrorTypeInvalidTransition))

	assert.Len(t, followUpAppointments(t, svc, source.ID), 1)
}

func TestFollowUpLinker_ConcurrentConfirm(t *testing.T) {
	svc, _ := setupTestService(t)

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.FollowUps().Confirm(context.Background(), fu.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, followUpAppointments(t, svc, source.ID), 1)
}

func TestFollowUpLinker_Cancel(t *testing.T) {
	svc, pub := setupTestService(t)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	cancelled, err := svc.FollowUps().Cancel(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpCancelled, cancelled.Status)

	again, err := svc.FollowUps().Cancel(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpCancelled, again.Status)

	_, _, err = svc.FollowUps().Confirm(ctx, fu.ID)
	assert.True(t, types.IsType(err, types.ErrorTypeInvalidTransition))

	assert.Empty(t, followUpAppointments(t, svc, source.ID))
	assert.Equal(t, []EventType{EventAppointmentBooked}, pub.eventTypes())

	_, err = svc.FollowUps().Cancel(ctx, "missing")
	assert.True(t, types.IsType(err, types.ErrorTypeNotFound))
}

func TestFollowUpLinker_ConfirmConflictKeepsPending(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	mustCreate(t, svc, newBooking("D1", "P2", "2025-11-27", "11:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	_, _, err := svc.FollowUps().Confirm(ctx, fu.ID)
	assert.True(t, types.IsType(err, types.ErrorTypeConflict))

	stored, err := svc.FollowUps().Get(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpPending, stored.Status)
	assert.Empty(t, followUpAppointments(t, svc, source.ID))
}

func TestFollowUpLinker_ConfirmWithoutSource(t *testing.T) {
	svc, _ := setupTestService(t)

	fu, err := svc.FollowUps().Propose(context.Background(), &types.FollowUpRequest{
		AppointmentID: "deleted-visit",
		DoctorID:      "D1",
		PatientID:     "P1",
		FollowUpDate:  "2025-11-27",
		FollowUpTime:  "11:00 AM",
	})
	require.NoError(t, err)

	_, apt, err := svc.FollowUps().Confirm(context.Background(), fu.ID)
	require.NoError(t, err)
	assert.Nil(t, apt.PatientDetails)
	assert.Equal(t, "deleted-visit", apt.FollowUpOf)
}

func TestFollowUpLinker_UpdateStatus(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	_, _, err := svc.FollowUps().UpdateStatus(ctx, fu.ID, types.FollowUpPending)
	assert.True(t, types.IsType(err, types.ErrorTypeValidation))

	updated, apt, err := svc.FollowUps().UpdateStatus(ctx, fu.ID, types.FollowUpConfirmed)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpConfirmed, updated.Status)
	assert.NotNil(t, apt)
}

func TestFollowUpLinker_NotificationFailureKeepsConfirmation(t *testing.T) {
	email := &MockEmailSender{}
	email.On("SendEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	sms := &MockSMSSender{}
	sms.On("SendSMS", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("twilio down"))

	svc := NewService(testConfig(), setupTestRepository(t), logger.New("error"),
		WithClock(func() time.Time { return testNow }),
		WithSenders(email, sms),
	)
	svc.bus.Start()
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	_, apt, err := svc.FollowUps().Confirm(ctx, fu.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx))

	stored, err := svc.FollowUps().Get(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpConfirmed, stored.Status)

	_, err = svc.GetAppointment(ctx, apt.ID)
	require.NoError(t, err)

	// the source booking and the confirmation each tried both channels
	email.AssertNumberOfCalls(t, "SendEmail", 2)
	sms.AssertNumberOfCalls(t, "SendSMS", 2)
}

// flakyFollowUpBackend fails follow-up writes while failing is set
type flakyFollowUpBackend struct {
	*store.MemoryBackend
	failing atomic.Bool
}

func (b *flakyFollowUpBackend) Write(ctx context.Context, collection string, document []byte) error {
	if collection == followUpsCollection && b.failing.Load() {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Write(ctx, collection, document)
}

func TestFollowUpLinker_ConfirmSaveFailureRemovesAppointment(t *testing.T) {
	backend := &flakyFollowUpBackend{MemoryBackend: store.NewMemoryBackend()}
	repo, err := NewRepository(backend, nil, logger.New("error"))
	require.NoError(t, err)
	pub := &recordingPublisher{}
	svc := NewService(testConfig(), repo, logger.New("error"),
		WithClock(func() time.Time { return testNow }),
		WithPublisher(pub),
	)
	ctx := context.Background()

	source := mustCreate(t, svc, newBooking("D1", "P1", testDate, "10:00 AM"))
	fu := proposeFollowUp(t, svc, source, "2025-11-27", "11:00 AM")

	backend.failing.Store(true)
	_, _, err = svc.FollowUps().Confirm(ctx, fu.ID)
	require.Error(t, err)

	stored, err := svc.FollowUps().Get(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpPending, stored.Status)
	assert.Empty(t, followUpAppointments(t, svc, source.ID))
	assert.Contains(t, pub.eventTypes(), EventAppointmentDeleted)

	// the slot is free again once writes recover
	backend.failing.Store(false)
	confirmed, apt, err := svc.FollowUps().Confirm(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FollowUpConfirmed, confirmed.Status)
	assert.Equal(t, apt.ID, confirmed.CreatedAppointmentID)
	assert.Len(t, followUpAppointments(t, svc, source.ID), 1)
}
