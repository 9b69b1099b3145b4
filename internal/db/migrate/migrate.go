package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/postop-tracker/internal/kv"
	"github.com/mesikahq/postop-tracker/internal/metrics"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

const DefaultMaxAttempts = 3

// Migration is one step of the persisted schema upgrade. Steps run in a
// fixed order and each is gated by its own completion flag.
type Migration struct {
	Name  string
	Apply func(ctx context.Context) (changed bool, err error)
}

// StepResult describes what happened to one step during Run.
type StepResult struct {
	Name     string `json:"name"`
	Outcome  string `json:"outcome"`
	Changed  bool   `json:"changed"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

const (
	OutcomeApplied   = "applied"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

type Report struct {
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// StepStatus is the persisted state of one step.
type StepStatus struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Attempts int    `json:"attempts"`
}

// Manager handles collection migrations
type Manager struct {
	store       kv.Store
	patients    patient.Service
	normalizer  *patient.Normalizer
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	migrations  []Migration
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// MaxAttempts bounds how many launches a failing step is retried on
	// before its flag is set anyway. 1 gives up after the first failure.
	MaxAttempts int
}

// NewManager creates a migration manager over the store that backs
// patients. normalizer decodes the legacy collection.
func NewManager(store kv.Store, patients patient.Service, normalizer *patient.Normalizer, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	m := &Manager{
		store:       store,
		patients:    patients,
		normalizer:  normalizer,
		logger:      opts.Logger.Named("migrate"),
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
	}
	m.migrations = []Migration{
		{Name: "legacy_key_import", Apply: m.importLegacyKey},
		{Name: "integrity_backfill", Apply: m.backfillIntegrity},
		{Name: "lab_unit_conversion", Apply: m.convertLabUnits},
	}
	return m
}

func DoneKey(step string) string     { return "migration." + step + ".done" }
func AttemptsKey(step string) string { return "migration." + step + ".attempts" }

// Migrations lists the steps in run order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// Run applies every pending step in order. It never returns an error: a
// failing step is logged and retried on the next launch until its attempts
// run out, after which it is marked done so startup is never blocked.
func (m *Manager) Run(ctx context.Context) Report {
	start := time.Now()
	report := Report{Steps: make([]StepResult, 0, len(m.migrations))}
	for _, mig := range m.migrations {
		res := m.runStep(ctx, mig)
		m.metrics.RecordMigrationStep(mig.Name, res.Outcome)
		report.Steps = append(report.Steps, res)
	}
	report.Duration = time.Since(start)
	return report
}

func (m *Manager) runStep(ctx context.Context, mig Migration) StepResult {
	res := StepResult{Name: mig.Name}
	log := m.logger.With(zap.String("step", mig.Name))

	done, err := kv.GetBool(ctx, m.store, DoneKey(mig.Name))
	if err != nil {
		log.Warn("Failed to read migration flag, treating as pending", zap.Error(err))
	}
	if done {
		res.Outcome = OutcomeSkipped
		return res
	}

	attempts, err := kv.GetInt(ctx, m.store, AttemptsKey(mig.Name))
	if err != nil {
		log.Warn("Failed to read migration attempt counter", zap.Error(err))
	}
	attempts++
	res.Attempts = attempts
	if err := kv.SetInt(ctx, m.store, AttemptsKey(mig.Name), attempts); err != nil {
		log.Warn("Failed to persist migration attempt counter", zap.Error(err))
	}

	changed, stepErr := m.apply(ctx, mig)
	if stepErr == nil {
		res.Outcome = OutcomeApplied
		res.Changed = changed
		m.markDone(ctx, log, mig.Name)
		log.Info("Migration applied", zap.Bool("changed", changed), zap.Int("attempt", attempts))
		return res
	}

	res.Error = stepErr.Error()
	if attempts >= m.maxAttempts {
		res.Outcome = OutcomeAbandoned
		m.markDone(ctx, log, mig.Name)
		log.Error("Migration failed and will not be retried; unmigrated data may remain",
			zap.Int("attempts", attempts), zap.Error(stepErr))
		return res
	}
	res.Outcome = OutcomeFailed
	log.Warn("Migration failed, will retry on next launch",
		zap.Int("attempt", attempts), zap.Int("max_attempts", m.maxAttempts), zap.Error(stepErr))
	return res
}

// apply runs a step and turns a panic into an error so one bad step can
// never take down startup.
func (m *Manager) apply(ctx context.Context, mig Migration) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration %s panicked: %v", mig.Name, r)
		}
	}()
	return mig.Apply(ctx)
}

func (m *Manager) markDone(ctx context.Context, log *zap.Logger, name string) {
	if err := kv.SetBool(ctx, m.store, DoneKey(name), true); err != nil {
		log.Error("Failed to persist migration flag", zap.Error(err))
	}
}

// Status reports the persisted state of every step.
func (m *Manager) Status(ctx context.Context) ([]StepStatus, error) {
	out := make([]StepStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		done, err := kv.GetBool(ctx, m.store, DoneKey(mig.Name))
		if err != nil {
			return nil, err
		}
		attempts, err := kv.GetInt(ctx, m.store, AttemptsKey(mig.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, StepStatus{Name: mig.Name, Done: done, Attempts: attempts})
	}
	return out, nil
}

// importLegacyKey merges the collection stored under the legacy key into
// the current one and deletes the legacy key. Records already present
// under the current key win.
func (m *Manager) importLegacyKey(ctx context.Context) (bool, error) {
	data, err := m.store.Get(ctx, patient.LegacyCollectionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read legacy collection: %w", err)
	}

	legacy, rep, err := m.normalizer.DecodeCollection(data)
	if err != nil {
		// Nothing salvageable; dropping the key is the only way forward.
		m.logger.Warn("Legacy collection is corrupt, discarding", zap.Error(err))
		legacy = nil
	}
	if rep.DroppedRecords > 0 {
		m.logger.Warn("Dropped unreadable legacy records", zap.Int("dropped_records", rep.DroppedRecords))
	}

	changed, err := m.patients.Transform(ctx, "legacy_key_import", func(_ context.Context, current []patient.PatientRecord) ([]patient.PatientRecord, bool, error) {
		present := make(map[string]bool, len(current))
		for _, rec := range current {
			present[rec.PatientID] = true
		}
		merged := current
		for _, rec := range legacy {
			if present[rec.PatientID] {
				continue
			}
			present[rec.PatientID] = true
			merged = append(merged, rec)
		}
		return merged, len(merged) != len(current), nil
	})
	if err != nil {
		return false, err
	}

	if err := m.store.Delete(ctx, patient.LegacyCollectionKey); err != nil {
		return changed, fmt.Errorf("failed to delete legacy collection: %w", err)
	}
	m.logger.Info("Imported legacy collection", zap.Int("legacy_records", len(legacy)), zap.Bool("changed", changed))
	return true, nil
}

// backfillIntegrity rewrites the collection if normalization changes
// anything. Reading through the record store already repairs in place, so
// this only has to force that read.
func (m *Manager) backfillIntegrity(ctx context.Context) (bool, error) {
	before := m.patients.Stats()
	if _, err := m.patients.GetAll(ctx); err != nil {
		return false, err
	}
	after := m.patients.Stats()
	return after.Repairs != before.Repairs || after.CorruptionResets != before.CorruptionResets, nil
}

// convertLabUnits moves every lab entry to conventional units.
func (m *Manager) convertLabUnits(ctx context.Context) (bool, error) {
	return m.patients.Transform(ctx, "lab_unit_conversion", func(_ context.Context, records []patient.PatientRecord) ([]patient.PatientRecord, bool, error) {
		changed := false
		for i := range records {
			for j := range records[i].LabEntries {
				if records[i].LabEntries[j].ToConventional() {
					changed = true
				}
			}
		}
		return records, changed, nil
	})
}
