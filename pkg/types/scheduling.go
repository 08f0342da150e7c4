package types

import "time"

// DateLayout is the calendar date format used for appointment dates
const DateLayout = "2006-01-02"

// Appointment represents a booked doctor visit
type Appointment struct {
	ID             string          `json:"id"`
	DoctorID       string          `json:"doctorId" validate:"required"`
	DoctorName     string          `json:"doctorName,omitempty"`
	PatientID      string          `json:"patientId" validate:"required"`
	Date           string          `json:"date" validate:"required,datetime=2006-01-02"`
	Time           string          `json:"time" validate:"required"`
	Day            string          `json:"day,omitempty"`
	Status         string          `json:"status"`
	VisitType      string          `json:"visitType,omitempty" validate:"omitempty,oneof=Consultation Follow-up"`
	TokenNo        int             `json:"tokenNo"`
	QueuePosition  int             `json:"queuePosition"`
	Paid           bool            `json:"paid"`
	PaymentStatus  string          `json:"paymentStatus,omitempty"`
	PatientDetails *PatientDetails `json:"patientDetails,omitempty"`
	Prescription   *Prescription   `json:"prescription,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	PostFeeling    string          `json:"postFeeling,omitempty"`
	FollowUpOf     string          `json:"followUpOf,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AppointmentStatus represents appointment status values
type AppointmentStatus string

const (
	StatusUpcoming  AppointmentStatus = "Upcoming"
	StatusCompleted AppointmentStatus = "Completed"
	StatusCancelled AppointmentStatus = "Cancelled"

	// StatusScheduled is accepted on input and stored as StatusUpcoming
	StatusScheduled AppointmentStatus = "Scheduled"
)

// IsTerminal reports whether no further transition is allowed from the status
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Visit types
const (
	VisitConsultation = "Consultation"
	VisitFollowUp     = "Follow-up"
)

// Payment status values
const (
	PaymentPending = "Pending"
	PaymentPaid    = "Paid"
)

// PatientDetails is the patient snapshot captured at booking time
type PatientDetails struct {
	Name         string `json:"name,omitempty"`
	Age          int    `json:"age,omitempty" validate:"gte=0,lte=150"`
	Gender       string `json:"gender,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Weight       string `json:"weight,omitempty"`
	Problem      string `json:"problem,omitempty"`
	Relationship string `json:"relationship,omitempty" validate:"omitempty,oneof=Self Spouse Child Parent Sibling Other"`
}

// Prescription is embedded into an appointment and overwritten as a whole
type Prescription struct {
	Vitals      Vitals       `json:"vitals"`
	Medicines   []Medicine   `json:"medicines" validate:"dive"`
	Tests       []string     `json:"tests"`
	Notes       string       `json:"notes,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Vitals holds free-text clinical values
type Vitals struct {
	BloodPressure string `json:"bloodPressure,omitempty"`
	Pulse         string `json:"pulse,omitempty"`
	Temperature   string `json:"temperature,omitempty"`
	Weight        string `json:"weight,omitempty"`
	Height        string `json:"height,omitempty"`
	SpO2          string `json:"spo2,omitempty"`
}

// Medicine is a single prescription line
type Medicine struct {
	Name         string `json:"name" validate:"required"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Attachment is file metadata attached to a prescription
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// AppointmentFilters represents filters for appointment queries
type AppointmentFilters struct {
	ID        string            `json:"id,omitempty"`
	PatientID string            `json:"patientId,omitempty"`
	DoctorID  string            `json:"doctorId,omitempty"`
	Status    AppointmentStatus `json:"status,omitempty"`
	Date      string            `json:"date,omitempty"`
}

// Matches reports whether the appointment satisfies every non-empty filter
func (f *AppointmentFilters) Matches(apt *Appointment) bool {
	if f == nil {
		return true
	}
	if f.ID != "" && apt.ID != f.ID {
		return false
	}
	if f.PatientID != "" && apt.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != "" && apt.DoctorID != f.DoctorID {
		return false
	}
	if f.Status != "" && apt.Status != string(f.Status) {
		return false
	}
	if f.Date != "" && apt.Date != f.Date {
		return false
	}
	return true
}

// AppointmentUpdates is a partial patch; nil fields are left untouched
type AppointmentUpdates struct {
	Date           *string            `json:"date,omitempty"`
	Time           *string            `json:"time,omitempty"`
	Day            *string            `json:"day,omitempty"`
	Status         *AppointmentStatus `json:"status,omitempty"`
	VisitType      *string            `json:"visitType,omitempty"`
	DoctorName     *string            `json:"doctorName,omitempty"`
	Paid           *bool              `json:"paid,omitempty"`
	PaymentStatus  *string            `json:"paymentStatus,omitempty"`
	PatientDetails *PatientDetails    `json:"patientDetails,omitempty"`
	Feedback       *string            `json:"feedback,omitempty"`
	PostFeeling    *string            `json:"postFeeling,omitempty"`
}

// Reschedules reports whether the patch moves the appointment to another slot
func (u *AppointmentUpdates) Reschedules() bool {
	return u.Date != nil || u.Time != nil
}
