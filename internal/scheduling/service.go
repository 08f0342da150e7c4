package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medrex/appointments/internal/store"
	"github.com/medrex/appointments/pkg/config"
	"github.com/medrex/appointments/pkg/database"
	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/monitoring"
	"github.com/medrex/appointments/pkg/types"
)

// ServiceName labels metrics and health reports
const ServiceName = "appointment-service"

// ServiceVersion is reported by the health endpoint
var ServiceVersion = "dev"

// errUnchanged aborts a collection update that would not modify anything
var errUnchanged = errors.New("unchanged")

// Service implements the SchedulingService interface
type Service struct {
	config     *config.Config
	logger     *logger.Logger
	repository interfaces.SchedulingRepository
	validate   *validator.Validate
	now        func() time.Time

	events          EventPublisher
	bus             *EventBus
	followUps       *FollowUpLinker
	notifications   *NotificationCenter
	calendarManager *CalendarIntegrationManager

	metrics *monitoring.MetricsCollector
	health  *monitoring.HealthManager
	mu      sync.Mutex
	closers []func() error
	server  *http.Server
}

var _ interfaces.SchedulingService = (*Service)(nil)

// Option customises a Service
type Option func(*serviceOptions)

type serviceOptions struct {
	clock     func() time.Time
	publisher EventPublisher
	metrics   *monitoring.MetricsCollector
	email     interfaces.EmailSender
	sms       interfaces.SMSSender
	calendar  interfaces.CalendarService
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *serviceOptions) { o.clock = clock }
}

// WithPublisher replaces the internal event bus
func WithPublisher(p EventPublisher) Option {
	return func(o *serviceOptions) { o.publisher = p }
}

// WithMetrics shares a metrics collector
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithSenders sets the outbound notification channels; either may be nil
func WithSenders(email interfaces.EmailSender, sms interfaces.SMSSender) Option {
	return func(o *serviceOptions) {
		o.email = email
		o.sms = sms
	}
}

// WithCalendar sets the external calendar client
func WithCalendar(c interfaces.CalendarService) Option {
	return func(o *serviceOptions) { o.calendar = c }
}

// New wires a scheduling service from configuration
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	metrics := monitoring.NewMetricsCollector(ServiceName)

	backend, db, closers, err := openBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	repository, err := NewRepository(backend, metrics, log)
	if err != nil {
		return nil, err
	}

	var email interfaces.EmailSender
	if cfg.Notification.SMTP.Host != "" {
		email = NewSMTPEmailSender(cfg.Notification.SMTP, log)
	}
	var sms interfaces.SMSSender
	if cfg.Notification.Twilio.AccountSID != "" {
		sms = NewTwilioSMSSender(cfg.Notification.Twilio, log)
	}

	s := NewService(cfg, repository, log,
		WithMetrics(metrics),
		WithSenders(email, sms),
	)
	s.closers = closers

	if db != nil {
		s.health.RegisterChecker("database", monitoring.NewSQLPoolChecker(db.DB))
	}

	return s, nil
}

// NewService assembles the service around an existing repository
func NewService(cfg *config.Config, repository interfaces.SchedulingRepository, log *logger.Logger, opts ...Option) *Service {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.metrics == nil {
		o.metrics = monitoring.NewMetricsCollector(ServiceName)
	}
	if o.calendar == nil {
		o.calendar = NewCalendarService(log)
	}

	s := &Service{
		config:     cfg,
		logger:     log,
		repository: repository,
		validate:   newValidator(),
		now:        o.clock,
		metrics:    o.metrics,
		health:     monitoring.NewHealthManager(ServiceName, ServiceVersion, time.Duration(cfg.Monitoring.HealthTimeout)*time.Second),
	}

	s.notifications = NewNotificationCenter(repository, o.email, o.sms, o.metrics, log, o.clock)
	s.calendarManager = NewCalendarIntegrationManager(o.calendar, log)

	if o.publisher != nil {
		s.events = o.publisher
	} else {
		s.bus = NewEventBus(cfg.Scheduling.EventBuffer, o.metrics, log)
		s.bus.Subscribe(s.notifications)
		s.bus.Subscribe(s.calendarManager)
		s.events = s.bus
	}

	s.followUps = NewFollowUpLinker(repository, s, s.events, log, o.clock)

	s.health.RegisterChecker("store", monitoring.NewStoreHealthChecker(cfg.Store.Driver, repository))

	return s
}

// FollowUps returns the follow-up linker
func (s *Service) FollowUps() *FollowUpLinker {
	return s.followUps
}

// Notifications returns the notification center
func (s *Service) Notifications() *NotificationCenter {
	return s.notifications
}

// CreateAppointment books a new appointment
func (s *Service) CreateAppointment(ctx context.Context, apt *types.Appointment) (*types.Appointment, error) {
	if apt == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "appointment is required", nil)
	}

	created := *apt
	if err := s.prepareAppointment(&created); err != nil {
		return nil, err
	}

	err := s.repository.UpdateAppointments(ctx, func(apts []types.Appointment) ([]types.Appointment, error) {
		if err := s.checkSlot(apts, &created); err != nil {
			return nil, err
		}

		created.TokenNo = nextToken(apts, created.DoctorID, created.Date)
		apts = append(apts, created)
		renumberQueue(apts, created.DoctorID, created.Date)

		created = apts[len(apts)-1]
		return apts, nil
	})
	if err != nil {
		s.logger.Audit(ctx, "appointment.create", "appointment", false, map[string]interface{}{
			"doctor_id": created.DoctorID,
			"date":      created.Date,
			"error":     err.Error(),
		})
		return nil, err
	}

	s.logger.Audit(ctx, "appointment.create", "appointment:"+created.ID, true, map[string]interface{}{
		"doctor_id":  created.DoctorID,
		"patient_id": created.PatientID,
		"date":       created.Date,
		"token_no":   created.TokenNo,
	})
	s.publish(EventAppointmentBooked, &created, nil)

	return &created, nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, aptID string) (*types.Appointment, error) {
	if strings.TrimSpace(aptID) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "appointment id is required", nil)
	}
	return s.repository.GetAppointmentByID(ctx, aptID)
}

// GetAppointments retrieves appointments matching the filters in store order
func (s *Service) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	if filters != nil && filters.Status != "" {
		status, err := normalizeStatus(filters.Status)
		if err != nil {
			return nil, err
		}
		filters.Status = status
	}
	return s.repository.GetAppointments(ctx, filters)
}

// GetPatientAppointments retrieves every appointment of a patient
func (s *Service) GetPatientAppointments(ctx context.Context, patientID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "patient id is required", nil)
	}
	return s.repository.GetAppointments(ctx, &types.AppointmentFilters{PatientID: patientID})
}

// GetDoctorAppointments retrieves every appointment of a doctor
func (s *Service) GetDoctorAppointments(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "doctor id is required", nil)
	}
	return s.repository.GetAppointments(ctx, &types.AppointmentFilters{DoctorID: doctorID})
}

// UpdateAppointment merges a partial patch onto an appointment
func (s *Service) UpdateAppointment(ctx context.Context, aptID string, updates *types.AppointmentUpdates) (*types.Appointment, error) {
	if updates == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "update body is required", nil)
	}

	var (
		updated types.Appointment
		event   = EventAppointmentUpdated
	)

	err := s.repository.UpdateAppointments(ctx, func(apts []types.Appointment) ([]types.Appointment, error) {
		idx := indexOfAppointment(apts, aptID)
		if idx < 0 {
			return nil, appointmentNotFound(aptID)
		}

		apt := apts[idx]
		oldDate := apt.Date
		current := types.AppointmentStatus(apt.Status)

		moved := (updates.Date != nil && strings.TrimSpace(*updates.Date) != apt.Date) ||
			(updates.Time != nil && strings.TrimSpace(*updates.Time) != apt.Time)
		if moved {
			if current != types.StatusUpcoming {
				return nil, types.NewInvalidTransitionError(apt.Status, "Rescheduled")
			}
			if updates.Date != nil {
				apt.Date = strings.TrimSpace(*updates.Date)
			}
			if updates.Time != nil {
				apt.Time = strings.TrimSpace(*updates.Time)
			}
			apt.Day = ""
			event = EventAppointmentRescheduled
		}

		if updates.Status != nil {
			target, err := normalizeStatus(*updates.Status)
			if err != nil {
				return nil, err
			}
			if err := checkTransition(current, target); err != nil {
				return nil, err
			}
			if target != current {
				apt.Status = string(target)
				switch target {
				case types.StatusCancelled:
					event = EventAppointmentCancelled
				case types.StatusCompleted:
					event = EventAppointmentCompleted
				}
			}
		}

		if updates.Day != nil {
			apt.Day = *updates.Day
		}
		if updates.VisitType != nil {
			apt.VisitType = *updates.VisitType
		}
		if updates.DoctorName != nil {
			apt.DoctorName = *updates.DoctorName
		}
		if updates.PatientDetails != nil {
			snapshot := *updates.PatientDetails
			apt.PatientDetails = &snapshot
		}
		if updates.Feedback != nil {
			apt.Feedback = *updates.Feedback
		}
		if updates.PostFeeling != nil {
			apt.PostFeeling = *updates.PostFeeling
		}

		wasPaid, prevPayment := apt.Paid, apt.PaymentStatus
		if updates.PaymentStatus != nil {
			apt.PaymentStatus = *updates.PaymentStatus
			apt.Paid = strings.EqualFold(*updates.PaymentStatus, types.PaymentPaid)
		} else if updates.Paid != nil {
			apt.Paid = *updates.Paid
			apt.PaymentStatus = ""
		}
		if err := reconcilePayment(&apt); err != nil {
			return nil, err
		}
		paymentChanged := apt.Paid != wasPaid || apt.PaymentStatus != prevPayment
		if paymentChanged && types.AppointmentStatus(apt.Status) == types.StatusCancelled {
			return nil, types.NewInvalidTransitionError(apt.Status, apt.PaymentStatus)
		}

		if err := s.validateAppointment(&apt); err != nil {
			return nil, err
		}
		if apt.Day == "" {
			apt.Day = weekday(apt.Date)
		}

		if moved {
			if err := s.checkSlot(apts, &apt); err != nil {
				return nil, err
			}
			if apt.Date != oldDate {
				apt.TokenNo = nextToken(apts, apt.DoctorID, apt.Date)
			}
		}

		apt.UpdatedAt = s.now().UTC()
		apts[idx] = apt

		renumberQueue(apts, apt.DoctorID, oldDate)
		if apt.Date != oldDate {
			renumberQueue(apts, apt.DoctorID, apt.Date)
		}

		updated = apts[idx]
		return apts, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"appointment_id": updated.ID,
		"event":          event,
	}).Info("Appointment updated")
	s.publish(event, &updated, nil)

	return &updated, nil
}

// AttachPrescription replaces the appointment's prescription as a whole
func (s *Service) AttachPrescription(ctx context.Context, aptID string, prescription *types.Prescription) (*types.Appointment, error) {
	if prescription == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "prescription is required", nil)
	}
	if err := s.validate.Struct(prescription); err != nil {
		return nil, validationError(err)
	}

	updated, _, err := s.mutateAppointment(ctx, aptID, func(apt *types.Appointment) error {
		p := *prescription
		apt.Prescription = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Audit(ctx, "prescription.attach", "appointment:"+aptID, true, map[string]interface{}{
		"medicines": len(prescription.Medicines),
		"tests":     len(prescription.Tests),
	})
	s.publish(EventPrescriptionAttached, updated, nil)

	return updated, nil
}

// CancelAppointment soft-cancels an upcoming appointment.
// Cancelling an already cancelled appointment returns it unchanged.
func (s *Service) CancelAppointment(ctx context.Context, aptID string) (*types.Appointment, error) {
	updated, changed, err := s.mutateAppointment(ctx, aptID, func(apt *types.Appointment) error {
		switch types.AppointmentStatus(apt.Status) {
		case types.StatusCancelled:
			return errUnchanged
		case types.StatusUpcoming:
			apt.Status = string(types.StatusCancelled)
			return nil
		default:
			return types.NewInvalidTransitionError(apt.Status, string(types.StatusCancelled))
		}
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Audit(ctx, "appointment.cancel", "appointment:"+aptID, true, nil)
		s.publish(EventAppointmentCancelled, updated, nil)
	}
	return updated, nil
}

// CompleteAppointment marks an upcoming appointment as completed
func (s *Service) CompleteAppointment(ctx context.Context, aptID string) (*types.Appointment, error) {
	updated, _, err := s.mutateAppointment(ctx, aptID, func(apt *types.Appointment) error {
		if types.AppointmentStatus(apt.Status) != types.StatusUpcoming {
			return types.NewInvalidTransitionError(apt.Status, string(types.StatusCompleted))
		}
		apt.Status = string(types.StatusCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Audit(ctx, "appointment.complete", "appointment:"+aptID, true, nil)
	s.publish(EventAppointmentCompleted, updated, nil)
	return updated, nil
}

// DeleteAppointment physically removes an appointment
func (s *Service) DeleteAppointment(ctx context.Context, aptID string) error {
	var deleted types.Appointment

	err := s.repository.UpdateAppointments(ctx, func(apts []types.Appointment) ([]types.Appointment, error) {
		idx := indexOfAppointment(apts, aptID)
		if idx < 0 {
			return nil, appointmentNotFound(aptID)
		}

		deleted = apts[idx]
		apts = append(apts[:idx], apts[idx+1:]...)
		renumberQueue(apts, deleted.DoctorID, deleted.Date)
		return apts, nil
	})
	if err != nil {
		return err
	}

	s.logger.Audit(ctx, "appointment.delete", "appointment:"+aptID, true, map[string]interface{}{
		"doctor_id": deleted.DoctorID,
		"date":      deleted.Date,
	})
	s.publish(EventAppointmentDeleted, &deleted, nil)
	return nil
}

// MarkPaid records the payment state of an appointment
func (s *Service) MarkPaid(ctx context.Context, aptID, paymentStatus string) (*types.Appointment, error) {
	if paymentStatus == "" {
		paymentStatus = types.PaymentPaid
	}

	updated, changed, err := s.mutateAppointment(ctx, aptID, func(apt *types.Appointment) error {
		if types.AppointmentStatus(apt.Status) == types.StatusCancelled {
			return types.NewInvalidTransitionError(apt.Status, paymentStatus)
		}

		next := *apt
		next.PaymentStatus = paymentStatus
		next.Paid = strings.EqualFold(paymentStatus, types.PaymentPaid)
		if err := reconcilePayment(&next); err != nil {
			return err
		}
		if next.Paid == apt.Paid && next.PaymentStatus == apt.PaymentStatus {
			return errUnchanged
		}
		*apt = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Audit(ctx, "appointment.payment", "appointment:"+aptID, true, map[string]interface{}{
			"payment_status": updated.PaymentStatus,
		})
		s.publish(EventAppointmentPaid, updated, nil)
	}
	return updated, nil
}

// GetDoctorQueue returns a doctor's upcoming appointments for a day in token order
func (s *Service) GetDoctorQueue(ctx context.Context, doctorID, date string) ([]*types.Appointment, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "doctor id is required", nil)
	}
	if _, err := parseDate(date, time.UTC); err != nil {
		return nil, err
	}

	apts, err := s.repository.GetAppointments(ctx, &types.AppointmentFilters{
		DoctorID: doctorID,
		Date:     date,
		Status:   types.StatusUpcoming,
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(apts, func(i, j int) bool {
		return apts[i].TokenNo < apts[j].TokenNo
	})
	return apts, nil
}

// AvailableSlots filters candidate slots by lead time and drops slots the doctor already has booked
func (s *Service) AvailableSlots(ctx context.Context, doctorID, date string, candidates []string) ([]string, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "doctor id is required", nil)
	}

	now := s.now()
	selected, err := parseDate(date, now.Location())
	if err != nil {
		return nil, err
	}

	apts, err := s.repository.GetAppointments(ctx, &types.AppointmentFilters{DoctorID: doctorID, Date: date})
	if err != nil {
		return nil, err
	}

	booked := make(map[string]bool, len(apts))
	for _, apt := range apts {
		if apt.Status != string(types.StatusCancelled) {
			booked[slotKey(apt.Time)] = true
		}
	}

	available := []string{}
	for _, slot := range FilterAvailableSlots(candidates, selected, now) {
		if !booked[slotKey(slot)] {
			available = append(available, slot)
		}
	}
	return available, nil
}

// Start starts the event bus and the HTTP server; it blocks until the server stops
func (s *Service) Start() error {
	if s.bus != nil {
		s.bus.Start()
	}

	server := &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.WithField("addr", server.Addr).Info("Starting appointment service")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, drains pending events and releases the store
func (s *Service) Stop(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	server, closers := s.server, s.closers
	s.mu.Unlock()

	if server != nil {
		s.logger.Info("Stopping appointment service")
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if s.bus != nil {
		s.bus.Close()
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Handler builds the HTTP handler with routes and middleware
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.setupRoutes(router)
	return router
}

// mutateAppointment applies fn to one appointment under the collection lock.
// fn may return errUnchanged to leave the record as is.
func (s *Service) mutateAppointment(ctx context.Context, aptID string, fn func(*types.Appointment) error) (*types.Appointment, bool, error) {
	var (
		result  types.Appointment
		changed = true
	)

	err := s.repository.UpdateAppointments(ctx, func(apts []types.Appointment) ([]types.Appointment, error) {
		idx := indexOfAppointment(apts, aptID)
		if idx < 0 {
			return nil, appointmentNotFound(aptID)
		}

		apt := apts[idx]
		if err := fn(&apt); err != nil {
			if errors.Is(err, errUnchanged) {
				result = apts[idx]
			}
			return nil, err
		}

		apt.UpdatedAt = s.now().UTC()
		apts[idx] = apt
		renumberQueue(apts, apt.DoctorID, apt.Date)

		result = apts[idx]
		return apts, nil
	})
	if errors.Is(err, errUnchanged) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, false, err
	}
	return &result, changed, nil
}

// prepareAppointment validates a booking request and fills server-assigned fields
func (s *Service) prepareAppointment(apt *types.Appointment) error {
	apt.DoctorID = strings.TrimSpace(apt.DoctorID)
	apt.PatientID = strings.TrimSpace(apt.PatientID)
	apt.Date = strings.TrimSpace(apt.Date)
	apt.Time = strings.TrimSpace(apt.Time)

	if apt.Status != "" {
		status, err := normalizeStatus(types.AppointmentStatus(apt.Status))
		if err != nil {
			return err
		}
		if status != types.StatusUpcoming {
			return types.NewValidationError(types.ErrCodeInvalidInput,
				"new appointments must be Upcoming", map[string]interface{}{"status": apt.Status})
		}
	}
	apt.Status = string(types.StatusUpcoming)

	if apt.VisitType == "" {
		apt.VisitType = types.VisitConsultation
	}
	if err := reconcilePayment(apt); err != nil {
		return err
	}
	if err := s.validateAppointment(apt); err != nil {
		return err
	}
	if apt.Day == "" {
		apt.Day = weekday(apt.Date)
	}
	if apt.PatientDetails != nil {
		snapshot := *apt.PatientDetails
		apt.PatientDetails = &snapshot
	}

	now := s.now().UTC()
	apt.ID = uuid.New().String()
	apt.TokenNo = 0
	apt.QueuePosition = 0
	apt.CreatedAt = now
	apt.UpdatedAt = now
	return nil
}

// validateAppointment validates appointment data
func (s *Service) validateAppointment(apt *types.Appointment) error {
	if err := s.validate.Struct(apt); err != nil {
		return validationError(err)
	}
	return nil
}

// checkSlot rejects a second live booking of the same doctor, date and slot start
func (s *Service) checkSlot(apts []types.Appointment, candidate *types.Appointment) error {
	if !s.config.Scheduling.EnforceUniqueSlot {
		return nil
	}

	key := slotKey(candidate.Time)
	for i := range apts {
		existing := &apts[i]
		if existing.ID == candidate.ID ||
			existing.DoctorID != candidate.DoctorID ||
			existing.Date != candidate.Date ||
			existing.Status == string(types.StatusCancelled) {
			continue
		}
		if slotKey(existing.Time) == key {
			return types.NewConflictError(types.ErrCodeSlotTaken, "slot is already booked", map[string]interface{}{
				"doctorId": candidate.DoctorID,
				"date":     candidate.Date,
				"time":     candidate.Time,
			})
		}
	}
	return nil
}

func (s *Service) publish(eventType EventType, apt *types.Appointment, fu *types.FollowUp) {
	event := Event{
		Type:        eventType,
		Appointment: *apt,
		OccurredAt:  s.now().UTC(),
	}
	if fu != nil {
		copied := *fu
		event.FollowUp = &copied
	}
	s.events.Publish(event)
}

// openBackend selects the record store backend for the configured driver
func openBackend(cfg *config.Config, log *logger.Logger) (store.Backend, *database.DB, []func() error, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		log.Warn("Using in-memory record store; data is lost on restart")
		return store.NewMemoryBackend(), nil, nil, nil

	case config.StoreFile:
		backend, err := store.NewFileBackend(cfg.Store.FileDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return backend, nil, nil, nil

	case config.StorePostgres:
		db, err := database.NewConnection(&cfg.Database, log)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return store.NewPostgresBackend(db), db, []func() error{db.Close}, nil

	case config.StoreRedis:
		client, err := store.NewRedisClient(context.Background(), cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			return nil, nil, nil, err
		}
		log.WithField("addr", cfg.Redis.Addr()).Info("Connected to Redis record store")
		return store.NewRedisBackend(client, cfg.Redis.KeyPrefix), nil, []func() error{client.Close}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into a validation AppError
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), nil)
	}

	fields := make([]string, 0, len(verrs))
	details := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		details[fe.Field()] = fe.Tag()
	}
	return types.NewValidationError(types.ErrCodeValidationFailed,
		"invalid or missing fields: "+strings.Join(fields, ", "), details)
}

func normalizeStatus(status types.AppointmentStatus) (types.AppointmentStatus, error) {
	switch status {
	case types.StatusUpcoming, types.StatusScheduled:
		return types.StatusUpcoming, nil
	case types.StatusCompleted, types.StatusCancelled:
		return status, nil
	default:
		return "", types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("unknown status %q", status), map[string]interface{}{"status": status})
	}
}

// checkTransition enforces Upcoming -> Cancelled|Completed; terminal states are final
func checkTransition(from, to types.AppointmentStatus) error {
	if from == to {
		return nil
	}
	if from == types.StatusUpcoming && to.IsTerminal() {
		return nil
	}
	return types.NewInvalidTransitionError(string(from), string(to))
}

// reconcilePayment keeps paid and paymentStatus describing the same fact
func reconcilePayment(apt *types.Appointment) error {
	switch {
	case apt.PaymentStatus == "":
	case strings.EqualFold(apt.PaymentStatus, types.PaymentPaid):
		apt.Paid = true
	case strings.EqualFold(apt.PaymentStatus, types.PaymentPending):
		apt.Paid = false
	default:
		return types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("unknown payment status %q", apt.PaymentStatus),
			map[string]interface{}{"paymentStatus": apt.PaymentStatus})
	}

	if apt.Paid {
		apt.PaymentStatus = types.PaymentPaid
	} else {
		apt.PaymentStatus = types.PaymentPending
	}
	return nil
}

func nextToken(apts []types.Appointment, doctorID, date string) int {
	highest := 0
	for i := range apts {
		if apts[i].DoctorID == doctorID && apts[i].Date == date && apts[i].TokenNo > highest {
			highest = apts[i].TokenNo
		}
	}
	return highest + 1
}

// renumberQueue gives upcoming appointments of a doctor's day positions 1..n in token order
func renumberQueue(apts []types.Appointment, doctorID, date string) {
	var queue []int
	for i := range apts {
		if apts[i].DoctorID != doctorID || apts[i].Date != date {
			continue
		}
		if apts[i].Status == string(types.StatusUpcoming) {
			queue = append(queue, i)
		} else {
			apts[i].QueuePosition = 0
		}
	}

	sort.SliceStable(queue, func(a, b int) bool {
		return apts[queue[a]].TokenNo < apts[queue[b]].TokenNo
	})
	for pos, i := range queue {
		apts[i].QueuePosition = pos + 1
	}
}

func indexOfAppointment(apts []types.Appointment, id string) int {
	for i := range apts {
		if apts[i].ID == id {
			return i
		}
	}
	return -1
}

func appointmentNotFound(id string) error {
	return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("appointment %s not found", id))
}

func parseDate(date string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(types.DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", date), map[string]interface{}{"date": date})
	}
	return d, nil
}

func weekday(date string) string {
	d, err := time.Parse(types.DateLayout, date)
	if err != nil {
		return ""
	}
	return d.Weekday().String()
}
