package scheduling

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/medrex/appointments/pkg/types"
)

// GeneratePrescriptionPDF renders an appointment's prescription as an A4 document
func GeneratePrescriptionPDF(apt *types.Appointment) ([]byte, error) {
	if apt.Prescription == nil {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound,
			fmt.Sprintf("appointment %s has no prescription", apt.ID))
	}
	p := apt.Prescription

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, "Prescription", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "Appointment", "1", 1, "C", false, 0, "")
	addDetail(pdf, tr, "Doctor", firstNonEmpty(apt.DoctorName, apt.DoctorID))
	addDetail(pdf, tr, "Patient", patientName(apt))
	addDetail(pdf, tr, "Date", strings.TrimSpace(apt.Date+" "+apt.Day))
	addDetail(pdf, tr, "Time", apt.Time)
	addDetail(pdf, tr, "Visit", apt.VisitType)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "Vitals", "1", 1, "C", false, 0, "")
	addDetail(pdf, tr, "Blood pressure", p.Vitals.BloodPressure)
	addDetail(pdf, tr, "Pulse", p.Vitals.Pulse)
	addDetail(pdf, tr, "Temperature", p.Vitals.Temperature)
	addDetail(pdf, tr, "Weight", p.Vitals.Weight)
	addDetail(pdf, tr, "Height", p.Vitals.Height)
	addDetail(pdf, tr, "SpO2", p.Vitals.SpO2)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "Medicines", "1", 1, "C", false, 0, "")
	if len(p.Medicines) == 0 {
		addDetail(pdf, tr, "-", "None prescribed")
	}
	for i, m := range p.Medicines {
		dose := strings.Join(nonEmpty(m.Dosage, m.Frequency, m.Duration), ", ")
		if m.Instructions != "" {
			dose = strings.TrimPrefix(dose+" ("+m.Instructions+")", " ")
		}
		addDetail(pdf, tr, fmt.Sprintf("%d. %s", i+1, m.Name), dose)
	}

	if len(p.Tests) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 10, "Recommended tests", "1", 1, "C", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 6, tr(strings.Join(p.Tests, "\n")), "1", "L", false)
	}

	if p.Notes != "" {
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 10, "Notes", "1", 1, "C", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 6, tr(p.Notes), "1", "L", false)
	}

	pdf.SetY(pdf.GetY() + 12)
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 10, "This is a computer generated prescription", "", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render prescription: %w", err)
	}
	return buf.Bytes(), nil
}

// addDetail adds a label/value row
func addDetail(pdf *gofpdf.Fpdf, tr func(string) string, label, value string) {
	if value == "" {
		value = "-"
	}
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 8, tr(label), "1", 0, "", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 8, tr(value), "1", 1, "", false, 0, "")
}

func patientName(apt *types.Appointment) string {
	if apt.PatientDetails != nil && apt.PatientDetails.Name != "" {
		return apt.PatientDetails.Name
	}
	return apt.PatientID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
