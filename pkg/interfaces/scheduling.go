package interfaces

import (
	"context"

	"github.com/medrex/appointments/pkg/types"
)

// SchedulingService defines the appointment lifecycle operations
type SchedulingService interface {
	// Appointment management
	CreateAppointment(ctx context.Context, apt *types.Appointment) (*types.Appointment, error)
	GetAppointment(ctx context.Context, aptID string) (*types.Appointment, error)
	UpdateAppointment(ctx context.Context, aptID string, updates *types.AppointmentUpdates) (*types.Appointment, error)
	AttachPrescription(ctx context.Context, aptID string, prescription *types.Prescription) (*types.Appointment, error)
	CancelAppointment(ctx context.Context, aptID string) (*types.Appointment, error)
	CompleteAppointment(ctx context.Context, aptID string) (*types.Appointment, error)
	DeleteAppointment(ctx context.Context, aptID string) error
	MarkPaid(ctx context.Context, aptID, paymentStatus string) (*types.Appointment, error)

	// Appointment queries
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
	GetPatientAppointments(ctx context.Context, patientID string) ([]*types.Appointment, error)
	GetDoctorAppointments(ctx context.Context, doctorID string) ([]*types.Appointment, error)
	GetDoctorQueue(ctx context.Context, doctorID, date string) ([]*types.Appointment, error)

	// Availability
	AvailableSlots(ctx context.Context, doctorID, date string, candidates []string) ([]string, error)

	// Service management
	Start() error
	Stop(ctx context.Context) error
}

// SchedulingRepository defines the interface for scheduling data persistence.
// The Update methods run fn over the whole collection and persist its result
// atomically with respect to other Update calls in the process.
type SchedulingRepository interface {
	// Appointments
	GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error)
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
	UpdateAppointments(ctx context.Context, fn func([]types.Appointment) ([]types.Appointment, error)) error

	// Follow-ups
	GetFollowUpByID(ctx context.Context, id string) (*types.FollowUp, error)
	GetFollowUps(ctx context.Context) ([]*types.FollowUp, error)
	UpdateFollowUps(ctx context.Context, fn func([]types.FollowUp) ([]types.FollowUp, error)) error

	// Notifications
	GetNotifications(ctx context.Context, filters types.NotificationFilters) ([]*types.Notification, error)
	UpdateNotifications(ctx context.Context, fn func([]types.Notification) ([]types.Notification, error)) error

	Health(ctx context.Context) error
	CollectionHealth(ctx context.Context) map[string]error
}

// EmailSender delivers plain-text email
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers text messages
type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// CalendarService mirrors appointments into an external calendar
type CalendarService interface {
	CreateCalendarEvent(ctx context.Context, apt *types.Appointment) error
	UpdateCalendarEvent(ctx context.Context, apt *types.Appointment) error
	DeleteCalendarEvent(ctx context.Context, doctorID, appointmentID string) error
}
