package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medrex/appointments/internal/store"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func setupTestHandler(t *testing.T) (*Service, http.Handler) {
	svc, _ := setupTestService(t)
	return svc, svc.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) testEnvelope {
	t.Helper()

	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func createViaAPI(t *testing.T, h http.Handler, doctorID, patientID, slot string) types.Appointment {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/appointments", newBooking(doctorID, patientID, testDate, slot))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var apt types.Appointment
	env := decodeEnvelope(t, rec, &apt)
	require.True(t, env.Success)
	return apt
}

func TestHandlers_CreateAndGetAppointment(t *testing.T) {
	_, h := setupTestHandler(t)

	created := createViaAPI(t, h, "D1", "P1", "10:00 AM")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.TokenNo)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/appointments?id="+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byQuery types.Appointment
	decodeEnvelope(t, rec, &byQuery)
	assert.Equal(t, created.ID, byQuery.ID)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/appointments/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/appointments?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec, nil)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrorTypeNotFound), env.Error.Type)
	assert.NotEmpty(t, env.Error.Message)
}

func TestHandlers_CreateAppointment_Errors(t *testing.T) {
	_, h := setupTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/appointments", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrorTypeValidation), decodeEnvelope(t, rec, nil).Error.Type)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/appointments", map[string]string{"doctorId": "D1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	createViaAPI(t, h, "D1", "P1", "10:00 AM")
	rec = doRequest(t, h, http.MethodPost, "/api/v1/appointments", newBooking("D1", "P2", testDate, "10:00 AM"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decodeEnvelope(t, rec, nil)
	assert.Equal(t, string(types.ErrorTypeConflict), env.Error.Type)
	assert.Equal(t, types.ErrCodeSlotTaken, env.Error.Code)
}

func TestHandlers_ListAppointments(t *testing.T) {
	_, h := setupTestHandler(t)

	createViaAPI(t, h, "D1", "P1", "10:00 AM")
	createViaAPI(t, h, "D2", "P1", "11:00 AM")
	createViaAPI(t, h, "D1", "P2", "12:00 PM")

	tests := []struct {
		query string
		want  int
	}{
		{"?patientId=P1", 2},
		{"?doctorId=D1", 2},
		{"?doctorId=D1&patientId=P2", 1},
		{"?status=Upcoming&date=" + testDate, 3},
		{"?status=Cancelled", 0},
		{"", 3},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, "/api/v1/appointments"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var apts []types.Appointment
			env := decodeEnvelope(t, rec, &apts)
			assert.True(t, env.Success)
			assert.Len(t, apts, tt.want)
		})
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/appointments?status=Pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Lifecycle(t *testing.T) {
	_, h := setupTestHandler(t)
	apt := createViaAPI(t, h, "D1", "P1", "10:00 AM")
	base := "/api/v1/appointments/" + apt.ID

	rec := doRequest(t, h, http.MethodPut, base, map[string]interface{}{"time": "11:00 AM", "feedback": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated types.Appointment
	decodeEnvelope(t, rec, &updated)
	assert.Equal(t, "11:00 AM", updated.Time)
	assert.Equal(t, "ok", updated.Feedback)

	rec = doRequest(t, h, http.MethodPost, base+"/payment", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid types.Appointment
	decodeEnvelope(t, rec, &paid)
	assert.True(t, paid.Paid)

	rec = doRequest(t, h, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrorTypeInvalidTransition), decodeEnvelope(t, rec, nil).Error.Type)

	other := createViaAPI(t, h, "D1", "P2", "12:00 PM")
	rec = doRequest(t, h, http.MethodPost, "/api/v1/appointments/"+other.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/v1/appointments/"+other.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled types.Appointment
	decodeEnvelope(t, rec, &cancelled)
	assert.Equal(t, string(types.StatusCancelled), cancelled.Status)
}

func TestHandlers_DeleteAppointment(t *testing.T) {
	_, h := setupTestHandler(t)
	first := createViaAPI(t, h, "D1", "P1", "10:00 AM")
	second := createViaAPI(t, h, "D1", "P2", "11:00 AM")

	rec := doRequest(t, h, http.MethodDelete, "/api/v1/appointments?id="+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/appointments?id="+first.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/appointments/"+second.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/appointments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Prescription(t *testing.T) {
	_, h := setupTestHandler(t)
	apt := createViaAPI(t, h, "D1", "P1", "10:00 AM")
	base := "/api/v1/appointments/" + apt.ID

	rec := doRequest(t, h, http.MethodGet, base+"/prescription.pdf", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	prescription := types.Prescription{
		Vitals:    types.Vitals{Pulse: "70"},
		Medicines: []types.Medicine{{Name: "Amoxicillin", Dosage: "250mg"}},
		Tests:     []string{"X-ray"},
	}
	rec = doRequest(t, h, http.MethodPut, base+"/prescription", prescription)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withRx types.Appointment
	decodeEnvelope(t, rec, &withRx)
	require.NotNil(t, withRx.Prescription)
	assert.Equal(t, prescription.Medicines, withRx.Prescription.Medicines)

	rec = doRequest(t, h, http.MethodGet, base+"/prescription.pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))
}

func TestHandlers_Slots(t *testing.T) {
	_, h := setupTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/slots/filter", map[string]interface{}{
		"date":  testDate,
		"slots": []string{"09:00 AM", "10:00 AM", "11:00 AM"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var filtered []string
	decodeEnvelope(t, rec, &filtered)
	assert.Equal(t, []string{"10:00 AM", "11:00 AM"}, filtered)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/slots/filter", map[string]interface{}{"date": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	createViaAPI(t, h, "D1", "P1", "11:00 AM")
	rec = doRequest(t, h, http.MethodGet, "/api/v1/doctors/D1/slots?date="+testDate+"&slot=09:00+AM&slot=10:00+AM&slot=11:00+AM", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var available []string
	decodeEnvelope(t, rec, &available)
	assert.Equal(t, []string{"10:00 AM"}, available)
}

func TestHandlers_DoctorQueue(t *testing.T) {
	_, h := setupTestHandler(t)
	createViaAPI(t, h, "D1", "P1", "11:00 AM")
	createViaAPI(t, h, "D1", "P2", "10:00 AM")

	rec := doRequest(t, h, http.MethodGet, "/api/v1/doctors/D1/queue?date="+testDate, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue []types.Appointment
	decodeEnvelope(t, rec, &queue)
	require.Len(t, queue, 2)
	assert.Equal(t, "P1", queue[0].PatientID)
	assert.Equal(t, 2, queue[1].QueuePosition)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/doctors/D1/queue", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_FollowUps(t *testing.T) {
	_, h := setupTestHandler(t)
	source := createViaAPI(t, h, "D1", "P1", "10:00 AM")

	rec := doRequest(t, h, http.MethodPost, "/api/v1/followup", types.FollowUpRequest{
		AppointmentID: source.ID,
		DoctorID:      "D1",
		PatientID:     "P1",
		FollowUpDate:  "2025-11-27",
		FollowUpTime:  "10:00 AM",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var fu types.FollowUp
	decodeEnvelope(t, rec, &fu)
	assert.Equal(t, types.FollowUpPending, fu.Status)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/followup", map[string]string{"id": fu.ID, "status": "Confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result followUpResult
	decodeEnvelope(t, rec, &result)
	assert.Equal(t, types.FollowUpConfirmed, result.FollowUp.Status)
	require.NotNil(t, result.Appointment)
	assert.Equal(t, types.VisitFollowUp, result.Appointment.VisitType)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/followup", map[string]string{"id": fu.ID, "status": "Confirmed"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/followup", map[string]string{"status": "Cancelled"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/followup?id="+fu.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/followup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []types.FollowUp
	decodeEnvelope(t, rec, &all)
	assert.Len(t, all, 1)
}

func TestHandlers_Notifications(t *testing.T) {
	_, h := setupTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/notifications", map[string]string{
		"recipientId": "P1",
		"message":     "Your report is ready",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created types.Notification
	decodeEnvelope(t, rec, &created)
	assert.False(t, created.Read)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/notifications", map[string]string{"recipientId": "P1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/notifications", map[string]string{"id": created.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/v1/notifications?recipientId=P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Notification
	decodeEnvelope(t, rec, &list)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_HealthAndMetrics(t *testing.T) {
	_, h := setupTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ServiceName)

	doRequest(t, h, http.MethodGet, "/api/v1/appointments", nil)

	rec = doRequest(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `endpoint="/api/v1/appointments"`)
}

type failingBackend struct{}

func (failingBackend) Read(ctx context.Context, collection string) ([]byte, error) {
	return nil, errors.New("disk on fire at /var/lib/appointments")
}

func (failingBackend) Write(ctx context.Context, collection string, document []byte) error {
	return errors.New("disk on fire")
}

func (failingBackend) Ping(ctx context.Context) error {
	return errors.New("disk on fire")
}

var _ store.Backend = failingBackend{}

func TestHandlers_InternalErrorsAreMasked(t *testing.T) {
	repo, err := NewRepository(failingBackend{}, nil, logger.New("error"))
	require.NoError(t, err)
	svc := NewService(testConfig(), repo, logger.New("error"),
		WithClock(func() time.Time { return testNow }),
		WithPublisher(&recordingPublisher{}),
	)
	h := svc.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/appointments", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	env := decodeEnvelope(t, rec, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "internal server error", env.Error.Message)
	assert.False(t, strings.Contains(rec.Body.String(), "/var/lib"))

	rec = doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlers_RequestIDEchoed(t *testing.T) {
	_, h := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
