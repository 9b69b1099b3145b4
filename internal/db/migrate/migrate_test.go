package migrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/postop-tracker/internal/clinical"
	"github.com/mesikahq/postop-tracker/internal/kv"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// stickyLegacyStore refuses to delete the legacy collection.
type stickyLegacyStore struct {
	*kv.MemoryStore
}

func (s stickyLegacyStore) Delete(ctx context.Context, key string) error {
	if key == patient.LegacyCollectionKey {
		return errors.New("permission denied")
	}
	return s.MemoryStore.Delete(ctx, key)
}

type harness struct {
	store    *kv.MemoryStore
	patients patient.Service
	manager  *Manager
}

func newHarness(t *testing.T, store kv.Store, backing *kv.MemoryStore, maxAttempts int) *harness {
	t.Helper()
	table, err := clinical.DefaultThresholds()
	require.NoError(t, err)
	engine := clinical.NewEngine(table, 0)

	clock := fixedClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	ids := patient.RandomIDs()
	svc := patient.NewService(store, engine, patient.Options{Clock: clock, IDs: ids})
	norm := patient.NewNormalizer(clock, ids, engine)
	return &harness{
		store:    backing,
		patients: svc,
		manager:  NewManager(store, svc, norm, Options{MaxAttempts: maxAttempts}),
	}
}

func newMemoryHarness(t *testing.T) *harness {
	store := kv.NewMemoryStore()
	return newHarness(t, store, store, 0)
}

func outcomes(r Report) map[string]string {
	out := make(map[string]string, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Outcome
	}
	return out
}

func TestRunOnEmptyStore(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	report := h.manager.Run(ctx)
	require.Len(t, report.Steps, 3)
	for _, step := range report.Steps {
		assert.Equal(t, OutcomeApplied, step.Outcome, step.Name)
		assert.Equal(t, 1, step.Attempts, step.Name)
	}

	status, err := h.manager.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Done, s.Name)
	}

	report = h.manager.Run(ctx)
	for _, step := range report.Steps {
		assert.Equal(t, OutcomeSkipped, step.Outcome, step.Name)
	}
}

func TestStepsRunInOrder(t *testing.T) {
	h := newMemoryHarness(t)

	var names []string
	for _, m := range h.manager.Migrations() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"legacy_key_import", "integrity_backfill", "lab_unit_conversion"}, names)
}

func TestLegacyKeyImport(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	current := `[{"patientId": "a", "name": "Current A", "procedureType": "Whipple"}]`
	legacy := `[{"id": "a", "name": "Legacy A"}, {"id": "b", "name": "Legacy B", "procedure": "Hernia repair"}]`
	require.NoError(t, h.store.Set(ctx, patient.CollectionKey, []byte(current)))
	require.NoError(t, h.store.Set(ctx, patient.LegacyCollectionKey, []byte(legacy)))

	report := h.manager.Run(ctx)
	assert.Equal(t, OutcomeApplied, outcomes(report)["legacy_key_import"])

	records, err := h.patients.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	byID := map[string]patient.PatientRecord{}
	for _, r := range records {
		byID[r.PatientID] = r
	}
	assert.Equal(t, "Current A", byID["a"].Name, "current records win")
	assert.Equal(t, "Legacy B", byID["b"].Name)
	assert.Equal(t, "Hernia repair", byID["b"].ProcedureType)

	_, err = h.store.Get(ctx, patient.LegacyCollectionKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCorruptLegacyCollectionIsDiscarded(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, patient.LegacyCollectionKey, []byte("{{{")))

	report := h.manager.Run(ctx)
	assert.Equal(t, OutcomeApplied, outcomes(report)["legacy_key_import"])

	_, err := h.store.Get(ctx, patient.LegacyCollectionKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	records, err := h.patients.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLabUnitConversion(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	raw := `[{"patientId": "a", "name": "Ada", "procedureType": "Nephrectomy",
		"computedStatus": "green", "alertStatus": "green", "statusMode": "auto", "abnormalCount": 0,
		"vitalEntries": [],
		"labEntries": [
			{"id": "l1", "timestamp": "2024-03-01T06:00:00Z", "unitSystem": "si", "creatinine": 176.8, "glucose": 5.5},
			{"id": "l2", "timestamp": "2024-03-01T04:00:00Z", "hemoglobin": 120}
		]}]`
	require.NoError(t, h.store.Set(ctx, patient.CollectionKey, []byte(raw)))

	report := h.manager.Run(ctx)
	res := outcomes(report)
	assert.Equal(t, OutcomeApplied, res["lab_unit_conversion"])

	rec, ok, err := h.patients.GetByID(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.LabEntries, 2)

	latest := rec.LabEntries[0]
	assert.Equal(t, patient.UnitSystemConventional, latest.UnitSystem)
	assert.Equal(t, 2.0, *latest.Creatinine)
	assert.Equal(t, 99.09, *latest.Glucose)
	assert.Equal(t, 12.0, *rec.LabEntries[1].Hemoglobin)

	// Status is recomputed on the converted values.
	assert.Equal(t, patient.StatusYellow, rec.ComputedStatus)
	assert.Equal(t, 1, rec.AbnormalCount)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	legacy := `[{"id": "b", "name": "Legacy B", "labs": [{"date": 1709280000000, "cr": 150}]}]`
	require.NoError(t, h.store.Set(ctx, patient.LegacyCollectionKey, []byte(legacy)))

	h.manager.Run(ctx)
	first, err := h.store.Get(ctx, patient.CollectionKey)
	require.NoError(t, err)

	h.manager.Run(ctx)
	second, err := h.store.Get(ctx, patient.CollectionKey)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	// Clearing the flags and running again converts nothing twice.
	for _, m := range h.manager.Migrations() {
		require.NoError(t, h.store.Delete(ctx, DoneKey(m.Name)))
	}
	report := h.manager.Run(ctx)
	for _, step := range report.Steps {
		assert.Equal(t, OutcomeApplied, step.Outcome, step.Name)
		assert.False(t, step.Changed && step.Name == "lab_unit_conversion", "units converted twice")
	}
	third, err := h.store.Get(ctx, patient.CollectionKey)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(third))
}

func TestFailingStepIsRetriedThenAbandoned(t *testing.T) {
	backing := kv.NewMemoryStore()
	h := newHarness(t, stickyLegacyStore{backing}, backing, 2)
	ctx := context.Background()
	require.NoError(t, backing.Set(ctx, patient.LegacyCollectionKey, []byte(`[{"id": "b", "name": "Legacy B"}]`)))

	report := h.manager.Run(ctx)
	res := outcomes(report)
	assert.Equal(t, OutcomeFailed, res["legacy_key_import"])
	assert.Equal(t, OutcomeApplied, res["integrity_backfill"], "later steps still run")
	assert.Equal(t, OutcomeApplied, res["lab_unit_conversion"])
	assert.NotEmpty(t, report.Steps[0].Error)

	done, err := kv.GetBool(ctx, backing, DoneKey("legacy_key_import"))
	require.NoError(t, err)
	assert.False(t, done)

	report = h.manager.Run(ctx)
	assert.Equal(t, OutcomeAbandoned, outcomes(report)["legacy_key_import"])
	assert.Equal(t, 2, report.Steps[0].Attempts)

	report = h.manager.Run(ctx)
	assert.Equal(t, OutcomeSkipped, outcomes(report)["legacy_key_import"])

	status, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepStatus{Name: "legacy_key_import", Done: true, Attempts: 2}, status[0])
}

func TestPanickingStepDoesNotEscape(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	h.manager.maxAttempts = 1
	h.manager.migrations = []Migration{
		{Name: "explodes", Apply: func(context.Context) (bool, error) { panic("boom") }},
		{Name: "after", Apply: func(context.Context) (bool, error) { return true, nil }},
	}

	var report Report
	require.NotPanics(t, func() { report = h.manager.Run(ctx) })
	require.Len(t, report.Steps, 2)
	assert.Equal(t, OutcomeAbandoned, report.Steps[0].Outcome)
	assert.Contains(t, report.Steps[0].Error, "boom")
	assert.Equal(t, OutcomeApplied, report.Steps[1].Outcome)
	assert.True(t, report.Steps[1].Changed)
}
