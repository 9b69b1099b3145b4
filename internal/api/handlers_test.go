package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/postop-tracker/internal/clinical"
	"github.com/mesikahq/postop-tracker/internal/config"
	"github.com/mesikahq/postop-tracker/internal/kv"
	"github.com/mesikahq/postop-tracker/internal/metrics"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T, store kv.Store, cfg config.ServerConfig) *testServer {
	t.Helper()
	table, err := clinical.DefaultThresholds()
	require.NoError(t, err)
	engine := clinical.NewEngine(table, 0)
	m := metrics.New()
	svc := patient.NewService(store, engine, patient.Options{Metrics: m})
	router := NewRouter(NewHandler(svc, engine, zap.NewNop()), m).SetupRouter(zap.NewNop(), cfg)
	return &testServer{router: router}
}

func newDefaultServer(t *testing.T) *testServer {
	return newTestServer(t, kv.NewMemoryStore(), config.ServerConfig{Timeout: 5 * time.Second})
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) createPatient(t *testing.T, name string) patient.PatientRecord {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/patients", map[string]interface{}{
		"name":          name,
		"procedureType": "Laparoscopic cholecystectomy",
		"pod":           1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[patient.PatientRecord](t, w)
}

func TestHealth(t *testing.T) {
	s := newDefaultServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestPatientLifecycle(t *testing.T) {
	s := newDefaultServer(t)

	created := s.createPatient(t, "Ada Lovelace")
	assert.NotEmpty(t, created.PatientID)
	assert.Equal(t, patient.StatusGreen, created.AlertStatus)

	w := s.do(t, http.MethodGet, "/api/patients/"+created.PatientID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[patient.PatientRecord](t, w)
	assert.Equal(t, "Ada Lovelace", got.Name)

	w = s.do(t, http.MethodPut, "/api/patients/"+created.PatientID, map[string]interface{}{"location": "PACU"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PACU", decode[patient.PatientRecord](t, w).Location)

	w = s.do(t, http.MethodGet, "/api/patients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Patients []patient.PatientRecord `json:"patients"`
		Total    int                     `json:"total"`
	}](t, w)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Patients, 1)

	w = s.do(t, http.MethodDelete, "/api/patients/"+created.PatientID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/patients/"+created.PatientID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreatePatientValidation(t *testing.T) {
	s := newDefaultServer(t)

	w := s.do(t, http.MethodPost, "/api/patients", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/patients", map[string]interface{}{"name": "  "})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "name", body["field"])
}

func TestEntriesAndAlerts(t *testing.T) {
	s := newDefaultServer(t)
	p := s.createPatient(t, "Grace Hopper")

	w := s.do(t, http.MethodPost, "/api/patients/"+p.PatientID+"/labs", map[string]interface{}{
		"timestamp": "2024-03-01T06:00:00Z",
		"wbc":       18,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[patient.PatientRecord](t, w)
	assert.Equal(t, patient.StatusRed, rec.AlertStatus)
	assert.Equal(t, 1, rec.AbnormalCount)

	w = s.do(t, http.MethodGet, "/api/patients/"+p.PatientID+"/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[struct {
		PatientID      string                   `json:"patientId"`
		ComputedStatus patient.AlertStatus      `json:"computedStatus"`
		AbnormalCount  int                      `json:"abnormalCount"`
		Findings       []map[string]interface{} `json:"findings"`
		Alerts         []clinical.Alert         `json:"alerts"`
	}](t, w)
	assert.Equal(t, p.PatientID, alerts.PatientID)
	assert.Equal(t, patient.StatusRed, alerts.ComputedStatus)
	require.Len(t, alerts.Findings, 1)
	assert.Equal(t, "critical", alerts.Findings[0]["level"])
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, patient.StatusRed, alerts.Alerts[0].Severity)

	labID := rec.LabEntries[0].ID
	w = s.do(t, http.MethodDelete, "/api/patients/"+p.PatientID+"/labs/"+labID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, patient.StatusGreen, decode[patient.PatientRecord](t, w).AlertStatus)

	w = s.do(t, http.MethodDelete, "/api/patients/"+p.PatientID+"/labs/"+labID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrends(t *testing.T) {
	s := newDefaultServer(t)
	p := s.createPatient(t, "Ada")

	for i, hr := range []float64{82, 96, 118} {
		w := s.do(t, http.MethodPost, "/api/patients/"+p.PatientID+"/vitals", map[string]interface{}{
			"timestamp": time.Date(2024, 3, 1, 6+i, 0, 0, 0, time.UTC),
			"heartRate": hr,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/api/patients/"+p.PatientID+"/trends", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Trends []clinical.TrendData `json:"trends"`
	}](t, w)
	require.Len(t, body.Trends, 1)
	assert.Equal(t, clinical.DirectionRising, body.Trends[0].Direction)
	assert.True(t, body.Trends[0].Concerning)
	assert.Equal(t, []float64{82, 96, 118}, body.Trends[0].Values)
}

func TestRejectsEmptyEntry(t *testing.T) {
	s := newDefaultServer(t)
	p := s.createPatient(t, "Ada")

	w := s.do(t, http.MethodPost, "/api/patients/"+p.PatientID+"/vitals", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/patients/unknown/vitals", map[string]interface{}{"heartRate": 80})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThresholdsStatsAndMetrics(t *testing.T) {
	s := newDefaultServer(t)
	s.createPatient(t, "Ada")

	w := s.do(t, http.MethodGet, "/api/thresholds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	table := decode[map[string]interface{}](t, w)
	assert.NotEmpty(t, table["version"])
	assert.NotEmpty(t, table["parameters"])

	w = s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "corruptionResets")

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "patient_store_operations_total")
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestUnknownRoute(t *testing.T) {
	s := newDefaultServer(t)

	w := s.do(t, http.MethodGet, "/api/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "API endpoint not found")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, kv.NewMemoryStore(), config.ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/stats", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/api/stats", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code, "health is not rate limited")
}

// unverifiableStore changes every collection write so read-back fails.
type unverifiableStore struct {
	*kv.MemoryStore
}

func (u unverifiableStore) Set(ctx context.Context, key string, value []byte) error {
	if key == patient.CollectionKey {
		value = append(append([]byte(nil), value...), '\n')
	}
	return u.MemoryStore.Set(ctx, key, value)
}

func TestVerificationFailureIsRetryable(t *testing.T) {
	s := newTestServer(t, unverifiableStore{kv.NewMemoryStore()}, config.ServerConfig{})

	w := s.do(t, http.MethodPost, "/api/patients", map[string]interface{}{"name": "Ada"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, true, body["retryable"])
}
