package scheduling

import (
	"context"
	"fmt"

	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

// CalendarService is the default calendar client; it records intended changes in the log
type CalendarService struct {
	logger *logger.Logger
}

var _ interfaces.CalendarService = (*CalendarService)(nil)

// NewCalendarService creates a new calendar service
func NewCalendarService(log *logger.Logger) *CalendarService {
	return &CalendarService{logger: log}
}

// CreateCalendarEvent creates a calendar event for an appointment
func (cs *CalendarService) CreateCalendarEvent(ctx context.Context, apt *types.Appointment) error {
	cs.logger.WithContext(ctx).WithFields(calendarEventFields(apt)).Info("Calendar event created")
	return nil
}

// UpdateCalendarEvent updates an existing calendar event
func (cs *CalendarService) UpdateCalendarEvent(ctx context.Context, apt *types.Appointment) error {
	cs.logger.WithContext(ctx).WithFields(calendarEventFields(apt)).Info("Calendar event updated")
	return nil
}

// DeleteCalendarEvent deletes a calendar event
func (cs *CalendarService) DeleteCalendarEvent(ctx context.Context, doctorID, appointmentID string) error {
	cs.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"doctor_id":      doctorID,
		"appointment_id": appointmentID,
	}).Info("Calendar event deleted")
	return nil
}

func calendarEventFields(apt *types.Appointment) map[string]interface{} {
	return map[string]interface{}{
		"appointment_id": apt.ID,
		"doctor_id":      apt.DoctorID,
		"title":          fmt.Sprintf("%s - %s", apt.VisitType, apt.PatientID),
		"date":           apt.Date,
		"time":           apt.Time,
		"attendees":      []string{apt.DoctorID, apt.PatientID},
	}
}

// CalendarIntegrationManager mirrors lifecycle events into the doctor's calendar
type CalendarIntegrationManager struct {
	calendarService interfaces.CalendarService
	logger          *logger.Logger
}

// NewCalendarIntegrationManager creates a new calendar integration manager
func NewCalendarIntegrationManager(calendarService interfaces.CalendarService, log *logger.Logger) *CalendarIntegrationManager {
	return &CalendarIntegrationManager{
		calendarService: calendarService,
		logger:          log,
	}
}

// Name identifies the subscriber in logs
func (cim *CalendarIntegrationManager) Name() string {
	return "calendar"
}

// Handle applies an event to the calendar
func (cim *CalendarIntegrationManager) Handle(ctx context.Context, event Event) error {
	apt := event.Appointment

	switch event.Type {
	case EventAppointmentBooked:
		return cim.SyncAppointmentToCalendar(ctx, &apt)
	case EventAppointmentRescheduled, EventAppointmentUpdated:
		return cim.UpdateAppointmentInCalendar(ctx, &apt)
	case EventAppointmentCancelled, EventAppointmentDeleted:
		return cim.RemoveAppointmentFromCalendar(ctx, apt.DoctorID, apt.ID)
	default:
		return nil
	}
}

// SyncAppointmentToCalendar syncs an appointment to the doctor's calendar
func (cim *CalendarIntegrationManager) SyncAppointmentToCalendar(ctx context.Context, apt *types.Appointment) error {
	if err := cim.calendarService.CreateCalendarEvent(ctx, apt); err != nil {
		return fmt.Errorf("failed to create calendar event: %w", err)
	}
	return nil
}

// UpdateAppointmentInCalendar updates an appointment in the doctor's calendar
func (cim *CalendarIntegrationManager) UpdateAppointmentInCalendar(ctx context.Context, apt *types.Appointment) error {
	if err := cim.calendarService.UpdateCalendarEvent(ctx, apt); err != nil {
		return fmt.Errorf("failed to update calendar event: %w", err)
	}
	return nil
}

// RemoveAppointmentFromCalendar removes an appointment from the doctor's calendar
func (cim *CalendarIntegrationManager) RemoveAppointmentFromCalendar(ctx context.Context, doctorID, appointmentID string) error {
	if err := cim.calendarService.DeleteCalendarEvent(ctx, doctorID, appointmentID); err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}
	return nil
}
