package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

// DeliveryRecorder receives outbound delivery results
type DeliveryRecorder interface {
	RecordDelivery(channel string, success bool)
}

// NotificationCenter stores in-app notifications and forwards them to email and SMS
type NotificationCenter struct {
	repository interfaces.SchedulingRepository
	email      interfaces.EmailSender
	sms        interfaces.SMSSender
	recorder   DeliveryRecorder
	logger     *logger.Logger
	now        func() time.Time
}

// NewNotificationCenter creates a notification center; email and sms may be nil
func NewNotificationCenter(
	repository interfaces.SchedulingRepository,
	email interfaces.EmailSender,
	sms interfaces.SMSSender,
	recorder DeliveryRecorder,
	log *logger.Logger,
	clock func() time.Time,
) *NotificationCenter {
	if clock == nil {
		clock = time.Now
	}
	return &NotificationCenter{
		repository: repository,
		email:      email,
		sms:        sms,
		recorder:   recorder,
		logger:     log,
		now:        clock,
	}
}

// Create stores a notification with timestamp=now and read=false
func (nc *NotificationCenter) Create(ctx context.Context, n *types.Notification) (*types.Notification, error) {
	if n == nil || strings.TrimSpace(n.Message) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "message is required", nil)
	}
	if strings.TrimSpace(n.RecipientID) == "" && strings.TrimSpace(n.DoctorName) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "recipientId or doctorName is required", nil)
	}

	created := nc.build(*n)
	err := nc.repository.UpdateNotifications(ctx, func(notifications []types.Notification) ([]types.Notification, error) {
		return append(notifications, created), nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// List returns notifications filtered by recipient ID and/or doctor name
func (nc *NotificationCenter) List(ctx context.Context, filters types.NotificationFilters) ([]*types.Notification, error) {
	return nc.repository.GetNotifications(ctx, filters)
}

// MarkRead sets read=true; an unknown ID is ignored
func (nc *NotificationCenter) MarkRead(ctx context.Context, id string) error {
	err := nc.repository.UpdateNotifications(ctx, func(notifications []types.Notification) ([]types.Notification, error) {
		for i := range notifications {
			if notifications[i].ID == id {
				if notifications[i].Read {
					return nil, errUnchanged
				}
				notifications[i].Read = true
				return notifications, nil
			}
		}
		return nil, errUnchanged
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Name identifies the subscriber in logs
func (nc *NotificationCenter) Name() string {
	return "notifications"
}

// Handle turns a lifecycle event into doctor and patient notifications
func (nc *NotificationCenter) Handle(ctx context.Context, event Event) error {
	content, ok := describeEvent(event)
	if !ok {
		return nil
	}

	apt := event.Appointment
	doctor := nc.build(types.Notification{
		RecipientID:   apt.DoctorID,
		RecipientRole: types.RoleDoctor,
		DoctorName:    apt.DoctorName,
		Message:       content.doctorMessage,
		Event:         string(event.Type),
		AppointmentID: apt.ID,
	})
	patient := nc.build(types.Notification{
		RecipientID:   apt.PatientID,
		RecipientRole: types.RolePatient,
		Message:       content.patientMessage,
		Event:         string(event.Type),
		AppointmentID: apt.ID,
	})

	err := nc.repository.UpdateNotifications(ctx, func(notifications []types.Notification) ([]types.Notification, error) {
		return append(notifications, doctor, patient), nil
	})
	if err != nil {
		return fmt.Errorf("failed to store notifications for %s: %w", event.Type, err)
	}

	nc.deliver(ctx, apt, content)
	return nil
}

// deliver forwards the patient message to the contact details in the booking snapshot
func (nc *NotificationCenter) deliver(ctx context.Context, apt types.Appointment, content eventContent) {
	if apt.PatientDetails == nil {
		return
	}

	entry := nc.logger.WithContext(ctx).WithField("appointment_id", apt.ID)

	if nc.email != nil && apt.PatientDetails.Email != "" {
		err := nc.email.SendEmail(ctx, apt.PatientDetails.Email, content.subject, content.body)
		nc.record("email", err)
		if err != nil {
			entry.WithError(err).Warn("Failed to send email notification")
		}
	}

	if nc.sms != nil && apt.PatientDetails.Phone != "" {
		err := nc.sms.SendSMS(ctx, apt.PatientDetails.Phone, content.patientMessage)
		nc.record("sms", err)
		if err != nil {
			entry.WithError(err).Warn("Failed to send SMS notification")
		}
	}
}

func (nc *NotificationCenter) record(channel string, err error) {
	if nc.recorder != nil {
		nc.recorder.RecordDelivery(channel, err == nil)
	}
}

func (nc *NotificationCenter) build(n types.Notification) types.Notification {
	n.ID = uuid.New().String()
	n.Timestamp = nc.now().UTC()
	n.Read = false
	return n
}

type eventContent struct {
	doctorMessage  string
	patientMessage string
	subject        string
	body           string
}

// describeEvent renders the messages for an event; events without messages return false
func describeEvent(event Event) (eventContent, bool) {
	apt := event.Appointment
	when := fmt.Sprintf("%s at %s", apt.Date, apt.Time)
	patient := "A patient"
	if apt.PatientDetails != nil && apt.PatientDetails.Name != "" {
		patient = apt.PatientDetails.Name
	}
	doctor := "your doctor"
	if apt.DoctorName != "" {
		doctor = apt.DoctorName
	}

	var c eventContent
	switch event.Type {
	case EventAppointmentBooked:
		if apt.FollowUpOf != "" {
			// announced by followup.confirmed
			return eventContent{}, false
		}
		c.doctorMessage = fmt.Sprintf("%s booked an appointment on %s (token %d)", patient, when, apt.TokenNo)
		c.patientMessage = fmt.Sprintf("Your appointment with %s on %s is confirmed. Token %d", doctor, when, apt.TokenNo)
		c.subject = "Appointment Confirmation"

	case EventAppointmentRescheduled:
		c.doctorMessage = fmt.Sprintf("%s's appointment moved to %s", patient, when)
		c.patientMessage = fmt.Sprintf("Your appointment with %s has been moved to %s", doctor, when)
		c.subject = "Appointment Rescheduled"

	case EventAppointmentCancelled:
		c.doctorMessage = fmt.Sprintf("%s's appointment on %s was cancelled", patient, when)
		c.patientMessage = fmt.Sprintf("Your appointment with %s on %s has been cancelled", doctor, when)
		c.subject = "Appointment Cancelled"

	case EventAppointmentCompleted:
		c.doctorMessage = fmt.Sprintf("Visit with %s on %s marked completed", patient, when)
		c.patientMessage = fmt.Sprintf("Your visit with %s on %s is complete. Share your feedback", doctor, when)
		c.subject = "Visit Completed"

	case EventPrescriptionAttached:
		c.doctorMessage = fmt.Sprintf("Prescription saved for %s (%s)", patient, when)
		c.patientMessage = fmt.Sprintf("%s added a prescription to your appointment on %s", doctor, when)
		c.subject = "Prescription Available"

	case EventFollowUpConfirmed:
		c.doctorMessage = fmt.Sprintf("Follow-up with %s confirmed for %s", patient, when)
		c.patientMessage = fmt.Sprintf("Your follow-up with %s is confirmed for %s", doctor, when)
		c.subject = "Follow-up Confirmed"

	default:
		return eventContent{}, false
	}

	c.body = fmt.Sprintf("%s.\n\nAppointment ID: %s\nDate: %s\nTime: %s\n", c.patientMessage, apt.ID, apt.Date, apt.Time)
	return c, true
}
