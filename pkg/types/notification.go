package types

import "time"

// Notification is an in-app message for a doctor or a patient
type Notification struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipientId"`
	RecipientRole string    `json:"recipientRole,omitempty"`
	DoctorName    string    `json:"doctorName,omitempty"`
	Message       string    `json:"message"`
	Event         string    `json:"event,omitempty"`
	AppointmentID string    `json:"appointmentId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

// Recipient roles
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// NotificationFilters narrows a notification listing
type NotificationFilters struct {
	RecipientID string
	DoctorName  string
}

// Matches reports whether the notification satisfies every non-empty filter
func (f NotificationFilters) Matches(n *Notification) bool {
	if f.RecipientID != "" && n.RecipientID != f.RecipientID {
		return false
	}
	if f.DoctorName != "" && n.DoctorName != f.DoctorName {
		return false
	}
	return true
}
