package types

import "time"

// FollowUp is a proposed visit that becomes an appointment once confirmed
type FollowUp struct {
	ID                   string         `json:"id"`
	AppointmentID        string         `json:"appointmentId"`
	DoctorID             string         `json:"doctorId"`
	PatientID            string         `json:"patientId"`
	FollowUpDate         string         `json:"followUpDate"`
	FollowUpTime         string         `json:"followUpTime"`
	Status               FollowUpStatus `json:"status"`
	CreatedAppointmentID string         `json:"createdAppointmentId,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// FollowUpStatus represents follow-up status values
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "Pending"
	FollowUpConfirmed FollowUpStatus = "Confirmed"
	FollowUpCancelled FollowUpStatus = "Cancelled"
)

// FollowUpRequest is the payload used to propose a follow-up
type FollowUpRequest struct {
	AppointmentID string `json:"appointmentId" validate:"required"`
	DoctorID      string `json:"doctorId" validate:"required"`
	PatientID     string `json:"patientId" validate:"required"`
	FollowUpDate  string `json:"followUpDate" validate:"required"`
	FollowUpTime  string `json:"followUpTime" validate:"required"`
}
