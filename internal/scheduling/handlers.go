package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/appointments/pkg/monitoring"
	"github.com/medrex/appointments/pkg/types"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// apiResponse is the envelope of every JSON response
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// setupRoutes configures HTTP routes for the appointment service
func (s *Service) setupRoutes(router *mux.Router) {
	monitor := monitoring.NewMonitoringMiddleware(s.metrics, s.logger)
	router.Use(monitor.HTTPMiddleware)

	if s.config.Monitoring.Enabled {
		router.Handle(pathOr(s.config.Monitoring.MetricsPath, "/metrics"), s.metrics.Handler()).Methods("GET")
	}
	router.HandleFunc(pathOr(s.config.Monitoring.HealthPath, "/health"), s.health.HTTPHandler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	if s.config.RateLimit.Enabled {
		limiter := NewIPRateLimiter(
			rate.Limit(s.config.RateLimit.RequestsPerSecond),
			s.config.RateLimit.BurstSize,
			time.Duration(s.config.RateLimit.CleanupInterval)*time.Second,
		)
		s.mu.Lock()
		s.closers = append(s.closers, limiter.Stop)
		s.mu.Unlock()

		proxies, err := parseTrustedProxies(s.config.RateLimit.TrustedProxies)
		if err != nil {
			s.logger.WithError(err).Warn("Ignoring trusted proxies; rate limiting by peer address")
			proxies = nil
		}
		api.Use(s.rateLimitMiddleware(limiter, proxies))
	}

	var validator *TokenValidator
	if s.config.JWT.SecretKey != "" {
		validator = NewTokenValidator(s.config.JWT)
	}
	api.Use(s.authMiddleware(validator))

	// Appointment routes
	api.HandleFunc("/appointments", s.createAppointmentHandler).Methods("POST")
	api.HandleFunc("/appointments", s.getAppointmentsHandler).Methods("GET")
	api.HandleFunc("/appointments", s.deleteAppointmentByQueryHandler).Methods("DELETE")
	api.HandleFunc("/appointments/{id}", s.getAppointmentHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}", s.updateAppointmentHandler).Methods("PUT")
	api.HandleFunc("/appointments/{id}", s.deleteAppointmentHandler).Methods("DELETE")
	api.HandleFunc("/appointments/{id}/prescription", s.attachPrescriptionHandler).Methods("PUT")
	api.HandleFunc("/appointments/{id}/prescription.pdf", s.prescriptionPDFHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}/cancel", s.cancelAppointmentHandler).Methods("POST")
	api.HandleFunc("/appointments/{id}/complete", s.completeAppointmentHandler).Methods("POST")
	api.HandleFunc("/appointments/{id}/payment", s.markPaidHandler).Methods("POST")

	// Slot routes
	api.HandleFunc("/slots/filter", s.filterSlotsHandler).Methods("POST")
	api.HandleFunc("/doctors/{doctorId}/slots", s.doctorSlotsHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/queue", s.doctorQueueHandler).Methods("GET")

	// Follow-up routes
	api.HandleFunc("/followup", s.proposeFollowUpHandler).Methods("POST")
	api.HandleFunc("/followup", s.updateFollowUpHandler).Methods("PUT")
	api.HandleFunc("/followup", s.getFollowUpsHandler).Methods("GET")

	// Notification routes
	api.HandleFunc("/notifications", s.createNotificationHandler).Methods("POST")
	api.HandleFunc("/notifications", s.getNotificationsHandler).Methods("GET")
	api.HandleFunc("/notifications", s.markNotificationReadHandler).Methods("PUT")

	s.logger.Info("Appointment service routes configured")
}

// createAppointmentHandler handles appointment booking
func (s *Service) createAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var apt types.Appointment
	if err := decodeJSON(r, &apt, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.CreateAppointment(r.Context(), &apt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusCreated, created)
}

// getAppointmentsHandler returns one appointment for ?id= or a filtered list
func (s *Service) getAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	filters := parseAppointmentFilters(r)

	if filters.ID != "" {
		apt, err := s.GetAppointment(r.Context(), filters.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, http.StatusOK, apt)
		return
	}

	var (
		appointments []*types.Appointment
		err          error
	)
	switch {
	case filters.PatientID != "" && filters.DoctorID == "" && filters.Status == "" && filters.Date == "":
		appointments, err = s.GetPatientAppointments(r.Context(), filters.PatientID)
	case filters.DoctorID != "" && filters.PatientID == "" && filters.Status == "" && filters.Date == "":
		appointments, err = s.GetDoctorAppointments(r.Context(), filters.DoctorID)
	default:
		appointments, err = s.GetAppointments(r.Context(), filters)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, appointments)
}

// getAppointmentHandler handles appointment retrieval
func (s *Service) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := s.GetAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, apt)
}

// updateAppointmentHandler applies a partial update
func (s *Service) updateAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var updates types.AppointmentUpdates
	if err := decodeJSON(r, &updates, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.UpdateAppointment(r.Context(), mux.Vars(r)["id"], &updates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, updated)
}

// deleteAppointmentHandler hard-deletes the appointment named in the path
func (s *Service) deleteAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	s.deleteAppointment(w, r, mux.Vars(r)["id"])
}

// deleteAppointmentByQueryHandler hard-deletes the appointment named by ?id=
func (s *Service) deleteAppointmentByQueryHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "appointment id is required", nil))
		return
	}
	s.deleteAppointment(w, r, id)
}

func (s *Service) deleteAppointment(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.DeleteAppointment(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

// attachPrescriptionHandler replaces the appointment's prescription
func (s *Service) attachPrescriptionHandler(w http.ResponseWriter, r *http.Request) {
	var prescription types.Prescription
	if err := decodeJSON(r, &prescription, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.AttachPrescription(r.Context(), mux.Vars(r)["id"], &prescription)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, updated)
}

// prescriptionPDFHandler renders the prescription as a PDF download
func (s *Service) prescriptionPDFHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	apt, err := s.GetAppointment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pdf, err := GeneratePrescriptionPDF(apt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=prescription-%s.pdf", apt.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("Failed to write prescription PDF")
	}
}

// cancelAppointmentHandler soft-cancels an appointment
func (s *Service) cancelAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	updated, err := s.CancelAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, updated)
}

// completeAppointmentHandler marks an appointment completed
func (s *Service) completeAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	updated, err := s.CompleteAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, updated)
}

type paymentRequest struct {
	PaymentStatus string `json:"paymentStatus"`
}

// markPaidHandler records a payment; an empty body means Paid
func (s *Service) markPaidHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.MarkPaid(r.Context(), mux.Vars(r)["id"], req.PaymentStatus)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, updated)
}

type slotFilterRequest struct {
	Slots []string `json:"slots"`
	Date  string   `json:"date"`
}

// filterSlotsHandler applies the lead-time filter against the server clock
func (s *Service) filterSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req slotFilterRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now()
	selected, err := parseDate(req.Date, now.Location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, FilterAvailableSlots(req.Slots, selected, now))
}

// doctorSlotsHandler returns the candidate slots still bookable with a doctor
func (s *Service) doctorSlotsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	slots, err := s.AvailableSlots(r.Context(), mux.Vars(r)["doctorId"], query.Get("date"), query["slot"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, slots)
}

// doctorQueueHandler returns a doctor's queue for a day
func (s *Service) doctorQueueHandler(w http.ResponseWriter, r *http.Request) {
	queue, err := s.GetDoctorQueue(r.Context(), mux.Vars(r)["doctorId"], r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, queue)
}

// proposeFollowUpHandler stores a pending follow-up
func (s *Service) proposeFollowUpHandler(w http.ResponseWriter, r *http.Request) {
	var req types.FollowUpRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	fu, err := s.followUps.Propose(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusCreated, fu)
}

type followUpStatusRequest struct {
	ID     string               `json:"id"`
	Status types.FollowUpStatus `json:"status"`
}

type followUpResult struct {
	FollowUp    *types.FollowUp    `json:"followUp"`
	Appointment *types.Appointment `json:"appointment,omitempty"`
}

// updateFollowUpHandler confirms or cancels a follow-up
func (s *Service) updateFollowUpHandler(w http.ResponseWriter, r *http.Request) {
	var req followUpStatusRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = r.URL.Query().Get("id")
	}
	if strings.TrimSpace(req.ID) == "" {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "follow-up id is required", nil))
		return
	}

	fu, apt, err := s.followUps.UpdateStatus(r.Context(), req.ID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, followUpResult{FollowUp: fu, Appointment: apt})
}

// getFollowUpsHandler returns one follow-up for ?id= or all of them
func (s *Service) getFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		fu, err := s.followUps.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, http.StatusOK, fu)
		return
	}

	followUps, err := s.followUps.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, followUps)
}

// createNotificationHandler stores an in-app notification
func (s *Service) createNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var n types.Notification
	if err := decodeJSON(r, &n, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.notifications.Create(r.Context(), &n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusCreated, created)
}

// getNotificationsHandler lists notifications by recipient or doctor name
func (s *Service) getNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	notifications, err := s.notifications.List(r.Context(), types.NotificationFilters{
		RecipientID: query.Get("recipientId"),
		DoctorName:  query.Get("doctorName"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, notifications)
}

type markReadRequest struct {
	ID string `json:"id"`
}

// markNotificationReadHandler marks a notification read
func (s *Service) markNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = r.URL.Query().Get("id")
	}
	if strings.TrimSpace(req.ID) == "" {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "notification id is required", nil))
		return
	}

	if err := s.notifications.MarkRead(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

// parseAppointmentFilters parses query parameters into appointment filters
func parseAppointmentFilters(r *http.Request) *types.AppointmentFilters {
	query := r.URL.Query()

	return &types.AppointmentFilters{
		ID:        strings.TrimSpace(query.Get("id")),
		PatientID: strings.TrimSpace(query.Get("patientId")),
		DoctorID:  strings.TrimSpace(query.Get("doctorId")),
		Status:    types.AppointmentStatus(strings.TrimSpace(query.Get("status"))),
		Date:      strings.TrimSpace(query.Get("date")),
	}
}

// decodeJSON reads the request body into dst; allowEmpty accepts a missing body
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return types.NewValidationError(types.ErrCodeInvalidInput, "request body is required", nil)
	}

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if allowEmpty {
			return nil
		}
		return types.NewValidationError(types.ErrCodeInvalidInput, "request body is required", nil)
	default:
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
	}
}

func (s *Service) writeData(w http.ResponseWriter, statusCode int, data interface{}) {
	s.writeJSON(w, statusCode, apiResponse{Success: true, Data: data})
}

// writeError maps an error to its status code; internal causes are logged, never returned
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewInternalError(types.ErrCodeInternalError, "unexpected error", err)
	}

	status := appErr.HTTPStatus()
	body := &apiError{
		Type:    string(appErr.Type),
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}

	entry := s.logger.WithContext(r.Context()).WithError(err).WithField("status_code", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
		s.metrics.RecordSystemError(appErr.Code, "http")
		body.Message = "internal server error"
		body.Details = nil
	} else {
		entry.Debug("Request rejected")
	}

	s.writeJSON(w, status, apiResponse{Success: false, Error: body})
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
