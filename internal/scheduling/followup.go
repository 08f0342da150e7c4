package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

// AppointmentCreator is the part of the lifecycle manager the follow-up linker needs
type AppointmentCreator interface {
	CreateAppointment(ctx context.Context, apt *types.Appointment) (*types.Appointment, error)
	GetAppointment(ctx context.Context, aptID string) (*types.Appointment, error)
	DeleteAppointment(ctx context.Context, aptID string) error
}

// FollowUpLinker proposes follow-up visits and turns confirmed ones into appointments
type FollowUpLinker struct {
	repository   interfaces.SchedulingRepository
	appointments AppointmentCreator
	events       EventPublisher
	validate     *validator.Validate
	logger       *logger.Logger
	now          func() time.Time
}

// NewFollowUpLinker creates a new follow-up linker
func NewFollowUpLinker(
	repository interfaces.SchedulingRepository,
	appointments AppointmentCreator,
	events EventPublisher,
	log *logger.Logger,
	clock func() time.Time,
) *FollowUpLinker {
	if clock == nil {
		clock = time.Now
	}
	return &FollowUpLinker{
		repository:   repository,
		appointments: appointments,
		events:       events,
		validate:     newValidator(),
		logger:       log,
		now:          clock,
	}
}

// Propose stores a pending follow-up
func (l *FollowUpLinker) Propose(ctx context.Context, req *types.FollowUpRequest) (*types.FollowUp, error) {
	if req == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "follow-up is required", nil)
	}
	if err := l.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if _, err := parseDate(req.FollowUpDate, time.UTC); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	fu := types.FollowUp{
		ID:            uuid.New().String(),
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		DoctorID:      strings.TrimSpace(req.DoctorID),
		PatientID:     strings.TrimSpace(req.PatientID),
		FollowUpDate:  strings.TrimSpace(req.FollowUpDate),
		FollowUpTime:  strings.TrimSpace(req.FollowUpTime),
		Status:        types.FollowUpPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := l.repository.UpdateFollowUps(ctx, func(followUps []types.FollowUp) ([]types.FollowUp, error) {
		return append(followUps, fu), nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"follow_up_id":   fu.ID,
		"appointment_id": fu.AppointmentID,
	}).Info("Follow-up proposed")
	return &fu, nil
}

// Get retrieves a follow-up by ID
func (l *FollowUpLinker) Get(ctx context.Context, id string) (*types.FollowUp, error) {
	if strings.TrimSpace(id) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "follow-up id is required", nil)
	}
	return l.repository.GetFollowUpByID(ctx, id)
}

// List retrieves every follow-up
func (l *FollowUpLinker) List(ctx context.Context) ([]*types.FollowUp, error) {
	return l.repository.GetFollowUps(ctx)
}

// Confirm creates the follow-up appointment and marks the follow-up Confirmed.
// The follow-up collection stays locked while the appointment is created, so a
// follow-up is confirmed at most once.
func (l *FollowUpLinker) Confirm(ctx context.Context, id string) (*types.FollowUp, *types.Appointment, error) {
	var (
		confirmed types.FollowUp
		created   *types.Appointment
	)

	err := l.repository.UpdateFollowUps(ctx, func(followUps []types.FollowUp) ([]types.FollowUp, error) {
		idx := indexOfFollowUp(followUps, id)
		if idx < 0 {
			return nil, followUpNotFound(id)
		}

		fu := followUps[idx]
		if fu.Status != types.FollowUpPending {
			return nil, types.NewInvalidTransitionError(string(fu.Status), string(types.FollowUpConfirmed))
		}

		apt := &types.Appointment{
			DoctorID:   fu.DoctorID,
			PatientID:  fu.PatientID,
			Date:       fu.FollowUpDate,
			Time:       fu.FollowUpTime,
			Status:     string(types.StatusUpcoming),
			VisitType:  types.VisitFollowUp,
			Paid:       false,
			FollowUpOf: fu.AppointmentID,
		}
		l.copySourceDetails(ctx, fu.AppointmentID, apt)

		var err error
		created, err = l.appointments.CreateAppointment(ctx, apt)
		if err != nil {
			return nil, err
		}

		fu.Status = types.FollowUpConfirmed
		fu.CreatedAppointmentID = created.ID
		fu.UpdatedAt = l.now().UTC()
		followUps[idx] = fu

		confirmed = fu
		return followUps, nil
	})
	if err != nil {
		if created != nil {
			l.rollbackAppointment(ctx, id, created.ID, err)
		}
		return nil, nil, err
	}

	l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"follow_up_id":   confirmed.ID,
		"appointment_id": created.ID,
	}).Info("Follow-up confirmed")

	fu := confirmed
	l.events.Publish(Event{
		Type:        EventFollowUpConfirmed,
		Appointment: *created,
		FollowUp:    &fu,
		OccurredAt:  l.now().UTC(),
	})

	return &confirmed, created, nil
}

// Cancel marks a pending follow-up Cancelled; no appointment is created
func (l *FollowUpLinker) Cancel(ctx context.Context, id string) (*types.FollowUp, error) {
	var result types.FollowUp

	err := l.repository.UpdateFollowUps(ctx, func(followUps []types.FollowUp) ([]types.FollowUp, error) {
		idx := indexOfFollowUp(followUps, id)
		if idx < 0 {
			return nil, followUpNotFound(id)
		}

		fu := followUps[idx]
		switch fu.Status {
		case types.FollowUpCancelled:
			result = fu
			return nil, errUnchanged
		case types.FollowUpPending:
			fu.Status = types.FollowUpCancelled
			fu.UpdatedAt = l.now().UTC()
			followUps[idx] = fu
			result = fu
			return followUps, nil
		default:
			return nil, types.NewInvalidTransitionError(string(fu.Status), string(types.FollowUpCancelled))
		}
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}

	return &result, nil
}

// UpdateStatus applies a status change requested by a client
func (l *FollowUpLinker) UpdateStatus(ctx context.Context, id string, status types.FollowUpStatus) (*types.FollowUp, *types.Appointment, error) {
	switch status {
	case types.FollowUpConfirmed:
		return l.Confirm(ctx, id)
	case types.FollowUpCancelled:
		fu, err := l.Cancel(ctx, id)
		return fu, nil, err
	default:
		return nil, nil, types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("status must be %s or %s", types.FollowUpConfirmed, types.FollowUpCancelled),
			map[string]interface{}{"status": status})
	}
}

// rollbackAppointment removes an appointment whose follow-up could not be
// saved as confirmed, so the slot is free when the confirmation is retried
func (l *FollowUpLinker) rollbackAppointment(ctx context.Context, followUpID, aptID string, cause error) {
	log := l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"follow_up_id":   followUpID,
		"appointment_id": aptID,
	})
	log.WithError(cause).Warn("Follow-up could not be saved; removing its appointment")

	if err := l.appointments.DeleteAppointment(context.WithoutCancel(ctx), aptID); err != nil {
		log.WithError(err).Error("Failed to remove appointment of unconfirmed follow-up")
	}
}

// copySourceDetails carries the source visit's patient snapshot and doctor name over
func (l *FollowUpLinker) copySourceDetails(ctx context.Context, sourceID string, apt *types.Appointment) {
	if sourceID == "" {
		return
	}

	source, err := l.appointments.GetAppointment(ctx, sourceID)
	if err != nil {
		if !types.IsType(err, types.ErrorTypeNotFound) {
			l.logger.WithContext(ctx).WithError(err).Warn("Failed to load source appointment for follow-up")
		}
		return
	}

	apt.DoctorName = source.DoctorName
	if source.PatientDetails != nil {
		snapshot := *source.PatientDetails
		apt.PatientDetails = &snapshot
	}
}

func indexOfFollowUp(followUps []types.FollowUp, id string) int {
	for i := range followUps {
		if followUps[i].ID == id {
			return i
		}
	}
	return -1
}

func followUpNotFound(id string) error {
	return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("follow-up %s not found", id))
}
