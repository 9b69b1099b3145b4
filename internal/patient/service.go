package patient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/postop-tracker/internal/audit"
	"github.com/mesikahq/postop-tracker/internal/kv"
	"github.com/mesikahq/postop-tracker/internal/metrics"
)

const (
	// CollectionKey holds the whole patient collection as one JSON array.
	CollectionKey = "postop.patients.v2"
	// LegacyCollectionKey is where older versions kept the collection.
	LegacyCollectionKey = "patients"

	emptyCollection = "[]"
)

// IntegrityStats counts self-healing activity since the service started.
type IntegrityStats struct {
	DroppedRecords   int `json:"droppedRecords"`
	DroppedEntries   int `json:"droppedEntries"`
	ReassignedIDs    int `json:"reassignedIds"`
	CorruptionResets int `json:"corruptionResets"`
	Repairs          int `json:"repairs"`
}

// TransformFunc rewrites the whole collection. It reports whether anything
// changed; an unchanged collection is not written.
type TransformFunc func(ctx context.Context, records []PatientRecord) ([]PatientRecord, bool, error)

type Service interface {
	GetAll(ctx context.Context) ([]PatientRecord, error)
	GetByID(ctx context.Context, id string) (*PatientRecord, bool, error)
	SaveAll(ctx context.Context, records []PatientRecord) error
	Create(ctx context.Context, in *NewPatient) (*PatientRecord, error)
	Update(ctx context.Context, id string, upd *PatientUpdate) (*PatientRecord, error)
	AddVitalEntry(ctx context.Context, patientID string, entry VitalEntry) (*PatientRecord, error)
	AddLabEntry(ctx context.Context, patientID string, entry LabEntry) (*PatientRecord, error)
	DeleteVitalEntry(ctx context.Context, patientID, entryID string) (*PatientRecord, error)
	DeleteLabEntry(ctx context.Context, patientID, entryID string) (*PatientRecord, error)
	Delete(ctx context.Context, id string) error
	Transform(ctx context.Context, op string, fn TransformFunc) (bool, error)
	Stats() IntegrityStats
}

type Options struct {
	Logger  *zap.Logger
	Audit   audit.Service
	Metrics *metrics.Metrics
	Clock   Clock
	IDs     IDGenerator
}

type service struct {
	// mu covers the whole collection: every read-modify-write holds it
	// exclusively from the read through the verified write.
	mu sync.RWMutex

	store      kv.Store
	evaluator  Evaluator
	normalizer *Normalizer
	logger     *zap.Logger
	audit      audit.Service
	metrics    *metrics.Metrics
	clock      Clock
	ids        IDGenerator

	statsMu sync.Mutex
	stats   IntegrityStats
}

func NewService(store kv.Store, evaluator Evaluator, opts Options) Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopService()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.IDs == nil {
		opts.IDs = RandomIDs()
	}
	return &service{
		store:      store,
		evaluator:  evaluator,
		normalizer: NewNormalizer(opts.Clock, opts.IDs, evaluator),
		logger:     opts.Logger.Named("patient_store"),
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		ids:        opts.IDs,
	}
}

func (s *service) GetAll(ctx context.Context) (records []PatientRecord, err error) {
	defer s.observe("get_all", time.Now(), &err)

	s.mu.RLock()
	records, rep, err := s.read(ctx)
	s.mu.RUnlock()
	if err == nil && !rep.Changed {
		return records, nil
	}
	if err != nil && !errors.Is(err, ErrCorruptCollection) {
		return nil, err
	}

	// Repair needs the write lock. Re-read under it since another writer
	// may have fixed things in between.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *service) GetByID(ctx context.Context, id string) (*PatientRecord, bool, error) {
	records, err := s.GetAll(ctx)
	if err != nil {
		return nil, false, err
	}
	rec := find(records, id)
	return rec, rec != nil, nil
}

func (s *service) SaveAll(ctx context.Context, records []PatientRecord) (err error) {
	defer s.observe("save_all", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.saveLocked(ctx, "save_all", records)
	if err != nil {
		return err
	}
	s.logAudit(ctx, audit.EventModify, "SAVE_ALL", "", map[string]int{"records": len(saved)})
	return nil
}

func (s *service) Create(ctx context.Context, in *NewPatient) (rec *PatientRecord, err error) {
	defer s.observe("create", time.Now(), &err)

	if in == nil {
		return nil, &ValidationError{Field: "patient", Message: "patient data is required"}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := validateEntries(in.VitalEntries, in.LabEntries); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	p := PatientRecord{
		PatientID:        s.newPatientID(records, now),
		Name:             in.Name,
		ProcedureType:    in.ProcedureType,
		POD:              in.POD,
		Location:         in.Location,
		Diagnoses:        in.Diagnoses,
		Complications:    in.Complications,
		OperativeDetails: in.OperativeDetails,
		StatusMode:       in.StatusMode,
		ManualStatus:     in.ManualStatus,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if trimmed(p.ProcedureType) == "" {
		p.ProcedureType = DefaultProcedureType
	}
	switch {
	case p.StatusMode == "" && p.ManualStatus != nil:
		p.StatusMode = StatusModeManual
	case p.StatusMode == "" || p.StatusMode == StatusModeAuto:
		p.StatusMode = StatusModeAuto
		p.ManualStatus = nil
	}
	p.VitalEntries = s.prepareVitals(in.VitalEntries, now)
	p.LabEntries = s.prepareLabs(in.LabEntries, now)
	deriveStatus(&p, s.evaluator)

	saved, err := s.saveLocked(ctx, "create", append(records, p))
	if err != nil {
		return nil, err
	}
	rec = find(saved, p.PatientID)
	if rec == nil {
		return nil, s.verificationFailed("create", "created record missing on read-back", nil)
	}

	s.logger.Info("Patient created",
		zap.String("patient_id", rec.PatientID),
		zap.String("computed_status", string(rec.ComputedStatus)))
	s.logAudit(ctx, audit.EventCreate, "CREATE", rec.PatientID, nil)
	return rec, nil
}

func (s *service) Update(ctx context.Context, id string, upd *PatientUpdate) (*PatientRecord, error) {
	if upd == nil {
		return nil, &ValidationError{Field: "update", Message: "update data is required"}
	}
	if err := upd.Validate(); err != nil {
		return nil, err
	}
	var vitals []VitalEntry
	var labs []LabEntry
	if upd.VitalEntries != nil {
		vitals = *upd.VitalEntries
	}
	if upd.LabEntries != nil {
		labs = *upd.LabEntries
	}
	if err := validateEntries(vitals, labs); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "update", "UPDATE", id, func(rec *PatientRecord, now time.Time) error {
		s.applyUpdate(rec, upd, now)
		return nil
	})
}

func (s *service) AddVitalEntry(ctx context.Context, patientID string, entry VitalEntry) (*PatientRecord, error) {
	if err := validateVital(&entry); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "add_vital_entry", "ADD_VITAL_ENTRY", patientID, func(rec *PatientRecord, now time.Time) error {
		rec.VitalEntries = s.prepareVitals(append(rec.VitalEntries, entry), now)
		return nil
	})
}

func (s *service) AddLabEntry(ctx context.Context, patientID string, entry LabEntry) (*PatientRecord, error) {
	if err := validateLab(&entry); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "add_lab_entry", "ADD_LAB_ENTRY", patientID, func(rec *PatientRecord, now time.Time) error {
		rec.LabEntries = s.prepareLabs(append(rec.LabEntries, entry), now)
		return nil
	})
}

func (s *service) DeleteVitalEntry(ctx context.Context, patientID, entryID string) (*PatientRecord, error) {
	return s.mutate(ctx, "delete_vital_entry", "DELETE_VITAL_ENTRY", patientID, func(rec *PatientRecord, _ time.Time) error {
		kept := make([]VitalEntry, 0, len(rec.VitalEntries))
		for _, e := range rec.VitalEntries {
			if e.ID != entryID {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(rec.VitalEntries) {
			return &NotFoundError{PatientID: patientID, EntryID: entryID}
		}
		rec.VitalEntries = kept
		return nil
	})
}

func (s *service) DeleteLabEntry(ctx context.Context, patientID, entryID string) (*PatientRecord, error) {
	return s.mutate(ctx, "delete_lab_entry", "DELETE_LAB_ENTRY", patientID, func(rec *PatientRecord, _ time.Time) error {
		kept := make([]LabEntry, 0, len(rec.LabEntries))
		for _, e := range rec.LabEntries {
			if e.ID != entryID {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(rec.LabEntries) {
			return &NotFoundError{PatientID: patientID, EntryID: entryID}
		}
		rec.LabEntries = kept
		return nil
	})
}

func (s *service) Delete(ctx context.Context, id string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return &NotFoundError{PatientID: id}
	}

	remaining := append(records[:idx:idx], records[idx+1:]...)
	saved, err := s.saveLocked(ctx, "delete", remaining)
	if err != nil {
		return err
	}
	if find(saved, id) != nil {
		return s.verificationFailed("delete", "deleted record still present on read-back", nil)
	}

	s.logger.Info("Patient deleted", zap.String("patient_id", id))
	s.logAudit(ctx, audit.EventDelete, "DELETE", id, nil)
	return nil
}

// Transform applies fn to the collection under the write lock. Status is
// re-derived for every record when the result is written.
func (s *service) Transform(ctx context.Context, op string, fn TransformFunc) (changed bool, err error) {
	defer s.observe("transform", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	out, changed, err := fn(ctx, records)
	if err != nil || !changed {
		return false, err
	}
	saved, err := s.saveLocked(ctx, op, out)
	if err != nil {
		return false, err
	}
	s.logAudit(ctx, audit.EventMigration, op, "", map[string]int{"records": len(saved)})
	return true, nil
}

func (s *service) Stats() IntegrityStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// mutate runs a read-modify-write on one record. fn sees a copy; status is
// re-derived after it returns and before anything is written.
func (s *service) mutate(ctx context.Context, op, action, id string, fn func(rec *PatientRecord, now time.Time) error) (rec *PatientRecord, err error) {
	defer s.observe(op, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return nil, &NotFoundError{PatientID: id}
	}

	now := s.clock.Now()
	target := records[idx]
	if err := fn(&target, now); err != nil {
		return nil, err
	}
	target.UpdatedAt = now
	deriveStatus(&target, s.evaluator)
	records[idx] = target

	saved, err := s.saveLocked(ctx, op, records)
	if err != nil {
		return nil, err
	}
	rec = find(saved, id)
	if rec == nil {
		return nil, s.verificationFailed(op, "updated record missing on read-back", nil)
	}

	s.logger.Debug("Patient updated",
		zap.String("op", op),
		zap.String("patient_id", id),
		zap.String("alert_status", string(rec.AlertStatus)),
		zap.String("computed_status", string(rec.ComputedStatus)))
	s.logAudit(ctx, audit.EventModify, action, id, nil)
	return rec, nil
}

func (s *service) applyUpdate(rec *PatientRecord, u *PatientUpdate, now time.Time) {
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.ProcedureType != nil {
		rec.ProcedureType = *u.ProcedureType
		if trimmed(rec.ProcedureType) == "" {
			rec.ProcedureType = DefaultProcedureType
		}
	}
	if u.POD != nil {
		pod := *u.POD
		rec.POD = &pod
	}
	if u.Location != nil {
		rec.Location = *u.Location
	}
	if u.Diagnoses != nil {
		rec.Diagnoses = *u.Diagnoses
	}
	if u.Complications != nil {
		rec.Complications = *u.Complications
	}
	if u.OperativeDetails != nil {
		rec.OperativeDetails = *u.OperativeDetails
	}

	if u.StatusMode != nil {
		rec.StatusMode = *u.StatusMode
		if rec.StatusMode == StatusModeAuto {
			rec.ManualStatus = nil
		}
	}
	if u.ManualStatus != nil {
		manual := *u.ManualStatus
		rec.ManualStatus = &manual
		if u.StatusMode == nil {
			rec.StatusMode = StatusModeManual
		}
	}

	if u.VitalEntries != nil {
		rec.VitalEntries = s.prepareVitals(*u.VitalEntries, now)
	}
	if u.LabEntries != nil {
		rec.LabEntries = s.prepareLabs(*u.LabEntries, now)
	}
}

// prepareVitals returns a fresh slice with ids and timestamps filled in.
// Existing ids are kept unless duplicated. Entries are validated by the
// caller; stored history is never re-validated.
func (s *service) prepareVitals(in []VitalEntry, now time.Time) []VitalEntry {
	out := make([]VitalEntry, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, e := range in {
		if e.ID == "" || seen[e.ID] {
			e.ID = s.ids.EntryID()
		}
		seen[e.ID] = true
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out = append(out, e)
	}
	return out
}

func (s *service) prepareLabs(in []LabEntry, now time.Time) []LabEntry {
	out := make([]LabEntry, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, e := range in {
		if e.ID == "" || seen[e.ID] {
			e.ID = s.ids.EntryID()
		}
		seen[e.ID] = true
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.ToConventional()
		out = append(out, e)
	}
	return out
}

func validateEntries(vitals []VitalEntry, labs []LabEntry) error {
	for i := range vitals {
		if err := validateVital(&vitals[i]); err != nil {
			return err
		}
	}
	for i := range labs {
		if err := validateLab(&labs[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateVital(e *VitalEntry) error {
	return validateMeasurements("vitalEntry", e.Measurements(), e.Notes)
}

func validateLab(e *LabEntry) error {
	if e.UnitSystem != "" && e.UnitSystem != UnitSystemConventional && e.UnitSystem != UnitSystemSI {
		return &ValidationError{Field: "labEntry.unitSystem", Message: fmt.Sprintf("unknown unit system %q", e.UnitSystem)}
	}
	return validateMeasurements("labEntry", e.Measurements(), e.Notes)
}

func validateMeasurements(field string, values map[string]float64, notes string) error {
	if len(values) == 0 && trimmed(notes) == "" {
		return &ValidationError{Field: field, Message: "entry records no measurements"}
	}
	for k, v := range values {
		if v < 0 {
			return &ValidationError{Field: field + "." + k, Message: "measurement cannot be negative"}
		}
	}
	return nil
}

func (s *service) newPatientID(records []PatientRecord, now time.Time) string {
	id := s.ids.PatientID(now)
	for indexOf(records, id) >= 0 {
		id = s.ids.PatientID(now)
	}
	return id
}

// read decodes the persisted collection without repairing it. The caller
// holds at least the read lock.
func (s *service) read(ctx context.Context) ([]PatientRecord, CollectionReport, error) {
	data, err := s.store.Get(ctx, CollectionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return []PatientRecord{}, CollectionReport{}, nil
	}
	if err != nil {
		return nil, CollectionReport{}, fmt.Errorf("failed to read patient collection: %w", err)
	}
	return s.normalizer.DecodeCollection(data)
}

// loadLocked reads the collection and repairs it in place: corrupt content
// is reset to an empty collection and normalized records are written back.
// The caller holds the write lock.
func (s *service) loadLocked(ctx context.Context) ([]PatientRecord, error) {
	records, rep, err := s.read(ctx)
	if errors.Is(err, ErrCorruptCollection) {
		return s.resetLocked(ctx, err)
	}
	if err != nil {
		return nil, err
	}
	if !rep.Changed {
		return records, nil
	}

	s.noteRepair(ctx, rep)
	return s.saveLocked(ctx, "repair", records)
}

func (s *service) resetLocked(ctx context.Context, cause error) ([]PatientRecord, error) {
	ctx = context.WithoutCancel(ctx)
	s.logger.Warn("Patient collection is corrupt, resetting to empty", zap.Error(cause))
	s.metrics.CorruptionReset()
	s.statsMu.Lock()
	s.stats.CorruptionResets++
	s.statsMu.Unlock()

	payload := []byte(emptyCollection)
	if err := s.store.Set(ctx, CollectionKey, payload); err != nil {
		return nil, fmt.Errorf("failed to reset corrupt patient collection: %w", err)
	}
	if _, err := s.verifyLocked(ctx, "reset", payload, 0); err != nil {
		return nil, err
	}
	s.logAudit(ctx, audit.EventRepair, "RESET_CORRUPT_COLLECTION", "", map[string]string{"cause": cause.Error()})
	return []PatientRecord{}, nil
}

func (s *service) noteRepair(ctx context.Context, rep CollectionReport) {
	s.statsMu.Lock()
	s.stats.Repairs++
	s.stats.DroppedRecords += rep.DroppedRecords
	s.stats.DroppedEntries += rep.DroppedEntries
	s.stats.ReassignedIDs += rep.ReassignedIDs
	s.statsMu.Unlock()

	s.metrics.IntegrityDropped(rep.DroppedRecords, rep.DroppedEntries)
	s.logger.Warn("Patient collection normalized",
		zap.Int("dropped_records", rep.DroppedRecords),
		zap.Int("dropped_entries", rep.DroppedEntries),
		zap.Int("reassigned_ids", rep.ReassignedIDs))
	s.logAudit(ctx, audit.EventRepair, "NORMALIZE_COLLECTION", "", rep)
}

// saveLocked normalizes and writes the full collection, then verifies the
// read-back. Status is re-derived for every record before encoding, so no
// write path can persist a stale computedStatus. It returns the records as
// read back. Writes are not cancelled once started.
func (s *service) saveLocked(ctx context.Context, op string, records []PatientRecord) ([]PatientRecord, error) {
	ctx = context.WithoutCancel(ctx)

	draft, err := EncodeCollection(records)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode patient collection: %w", op, err)
	}
	normalized, rep, err := s.normalizer.DecodeCollection(draft)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to normalize patient collection: %w", op, err)
	}
	if rep.DroppedRecords > 0 || rep.DroppedEntries > 0 {
		s.noteRepair(ctx, rep)
	}
	for i := range normalized {
		deriveStatus(&normalized[i], s.evaluator)
	}
	payload, err := EncodeCollection(normalized)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode patient collection: %w", op, err)
	}

	if err := s.store.Set(ctx, CollectionKey, payload); err != nil {
		return nil, fmt.Errorf("%s: failed to write patient collection: %w", op, err)
	}
	return s.verifyLocked(ctx, op, payload, len(normalized))
}

func (s *service) verifyLocked(ctx context.Context, op string, payload []byte, want int) ([]PatientRecord, error) {
	got, err := s.store.Get(ctx, CollectionKey)
	if err != nil {
		return nil, s.verificationFailed(op, "read-back failed", err)
	}
	if !bytes.Equal(got, payload) {
		return nil, s.verificationFailed(op, "stored content differs from what was written", nil)
	}
	records, _, err := s.normalizer.DecodeCollection(got)
	if err != nil {
		return nil, s.verificationFailed(op, "stored content does not parse", err)
	}
	if len(records) != want {
		return nil, s.verificationFailed(op, fmt.Sprintf("wrote %d records, read back %d", want, len(records)), nil)
	}
	s.metrics.SetPatientCount(len(records))
	return records, nil
}

func (s *service) verificationFailed(op, reason string, err error) error {
	s.metrics.VerificationFailed(op)
	s.logger.Error("Write verification failed",
		zap.String("op", op),
		zap.String("reason", reason),
		zap.Error(err))
	return &VerificationError{Op: op, Reason: reason, Err: err}
}

func (s *service) observe(op string, start time.Time, err *error) {
	s.metrics.RecordStoreOperation(op, *err, time.Since(start))
}

// logAudit records a successful mutation. Audit failures never fail the
// mutation itself.
func (s *service) logAudit(ctx context.Context, eventType audit.EventType, action, patientID string, details interface{}) {
	event := &audit.AuditEvent{
		EventType:  eventType,
		Action:     action,
		Resource:   "patient",
		ResourceID: patientID,
		Status:     "success",
	}
	if details != nil {
		event.Details = audit.Details(details)
	}
	if err := s.audit.LogEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to record audit event",
			zap.String("action", action),
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
}

func indexOf(records []PatientRecord, id string) int {
	for i := range records {
		if records[i].PatientID == id {
			return i
		}
	}
	return -1
}

func find(records []PatientRecord, id string) *PatientRecord {
	if i := indexOf(records, id); i >= 0 {
		rec := records[i]
		return &rec
	}
	return nil
}
