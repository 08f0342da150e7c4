package scheduling

import (
	"context"
	"fmt"

	"github.com/medrex/appointments/internal/store"
	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

// Collection names in the record store
const (
	appointmentsCollection  = "appointments"
	followUpsCollection     = "followups"
	notificationsCollection = "notifications"
)

// Repository implements the SchedulingRepository interface over the record store
type Repository struct {
	backend       store.Backend
	appointments  *store.Collection[types.Appointment]
	followUps     *store.Collection[types.FollowUp]
	notifications *store.Collection[types.Notification]
	logger        *logger.Logger
}

var _ interfaces.SchedulingRepository = (*Repository)(nil)

// NewRepository creates a new scheduling repository
func NewRepository(backend store.Backend, recorder store.Recorder, log *logger.Logger) (*Repository, error) {
	opts := []store.CollectionOption{store.WithLogger(log)}
	if recorder != nil {
		opts = append(opts, store.WithRecorder(recorder))
	}

	appointments, err := store.NewCollection[types.Appointment](backend, appointmentsCollection, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open appointments: %w", err)
	}
	followUps, err := store.NewCollection[types.FollowUp](backend, followUpsCollection, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open follow-ups: %w", err)
	}
	notifications, err := store.NewCollection[types.Notification](backend, notificationsCollection, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open notifications: %w", err)
	}

	return &Repository{
		backend:       backend,
		appointments:  appointments,
		followUps:     followUps,
		notifications: notifications,
		logger:        log,
	}, nil
}

// GetAppointmentByID retrieves an appointment by ID
func (r *Repository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	apts, err := r.appointments.Load(ctx)
	if err != nil {
		return nil, err
	}

	for i := range apts {
		if apts[i].ID == id {
			return &apts[i], nil
		}
	}
	return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("appointment %s not found", id))
}

// GetAppointments retrieves appointments matching the filters in store order
func (r *Repository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	apts, err := r.appointments.Load(ctx)
	if err != nil {
		return nil, err
	}

	result := []*types.Appointment{}
	for i := range apts {
		if filters.Matches(&apts[i]) {
			result = append(result, &apts[i])
		}
	}
	return result, nil
}

// UpdateAppointments applies fn to the appointment collection
func (r *Repository) UpdateAppointments(ctx context.Context, fn func([]types.Appointment) ([]types.Appointment, error)) error {
	return r.appointments.Update(ctx, fn)
}

// GetFollowUpByID retrieves a follow-up by ID
func (r *Repository) GetFollowUpByID(ctx context.Context, id string) (*types.FollowUp, error) {
	followUps, err := r.followUps.Load(ctx)
	if err != nil {
		return nil, err
	}

	for i := range followUps {
		if followUps[i].ID == id {
			return &followUps[i], nil
		}
	}
	return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("follow-up %s not found", id))
}

// GetFollowUps retrieves every follow-up
func (r *Repository) GetFollowUps(ctx context.Context) ([]*types.FollowUp, error) {
	followUps, err := r.followUps.Load(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*types.FollowUp, 0, len(followUps))
	for i := range followUps {
		result = append(result, &followUps[i])
	}
	return result, nil
}

// UpdateFollowUps applies fn to the follow-up collection
func (r *Repository) UpdateFollowUps(ctx context.Context, fn func([]types.FollowUp) ([]types.FollowUp, error)) error {
	return r.followUps.Update(ctx, fn)
}

// GetNotifications retrieves notifications matching the filters
func (r *Repository) GetNotifications(ctx context.Context, filters types.NotificationFilters) ([]*types.Notification, error) {
	notifications, err := r.notifications.Load(ctx)
	if err != nil {
		return nil, err
	}

	result := []*types.Notification{}
	for i := range notifications {
		if filters.Matches(&notifications[i]) {
			result = append(result, &notifications[i])
		}
	}
	return result, nil
}

// UpdateNotifications applies fn to the notification collection
func (r *Repository) UpdateNotifications(ctx context.Context, fn func([]types.Notification) ([]types.Notification, error)) error {
	return r.notifications.Update(ctx, fn)
}

// Health checks that the record store is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// CollectionHealth loads each collection and reports the ones that fail to decode
func (r *Repository) CollectionHealth(ctx context.Context) map[string]error {
	results := make(map[string]error, 3)
	_, results[r.appointments.Name()] = r.appointments.Load(ctx)
	_, results[r.followUps.Name()] = r.followUps.Load(ctx)
	_, results[r.notifications.Name()] = r.notifications.Load(ctx)
	return results
}
