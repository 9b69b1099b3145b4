package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCorruptCollection means the persisted bytes are not a JSON array.
	ErrCorruptCollection = errors.New("persisted collection is corrupt")
	// ErrRecordDefect means a single stored record could not be normalized.
	ErrRecordDefect = errors.New("record integrity defect")
)

// legacyRecordFields maps field names written by older app versions to
// their current names.
var legacyRecordFields = []struct{ from, to string }{
	{"id", "patientId"},
	{"status", "alertStatus"},
	{"procedure", "procedureType"},
	{"postOpDay", "pod"},
	{"vitals", "vitalEntries"},
	{"labs", "labEntries"},
}

var recordFields = map[string]bool{
	"patientId": true, "name": true, "procedureType": true, "pod": true, "location": true,
	"diagnoses": true, "complications": true, "operativeDetails": true,
	"alertStatus": true, "statusMode": true, "manualStatus": true, "computedStatus": true,
	"abnormalCount": true, "mostRecentAbnormalTimestamp": true,
	"vitalEntries": true, "labEntries": true, "createdAt": true, "updatedAt": true,
}

type entryKind struct {
	name       string
	values     map[string]bool
	aliases    map[string]string
	unitSystem bool
}

var vitalKind = entryKind{
	name: "vital",
	values: map[string]bool{
		"heartRate": true, "systolicBP": true, "diastolicBP": true, "temperature": true,
		"spo2": true, "respiratoryRate": true, "urineOutput": true, "painScore": true,
	},
	aliases: map[string]string{
		"date": "timestamp", "hr": "heartRate", "temp": "temperature",
		"rr": "respiratoryRate", "o2Sat": "spo2", "spO2": "spo2",
	},
}

var labKind = entryKind{
	name: "lab",
	values: map[string]bool{
		"wbc": true, "hemoglobin": true, "platelets": true, "sodium": true, "potassium": true,
		"creatinine": true, "bun": true, "glucose": true, "lactate": true, "alt": true,
		"ast": true, "bilirubin": true, "inr": true, "albumin": true, "magnesium": true,
	},
	aliases: map[string]string{
		"date": "timestamp", "hgb": "hemoglobin", "plt": "platelets", "cr": "creatinine",
		"na": "sodium", "k": "potassium", "mg": "magnesium",
	},
	unitSystem: true,
}

// IntegrityReport describes what normalization did to one record.
type IntegrityReport struct {
	Changed        bool
	Renamed        []string
	Defaulted      []string
	Stripped       []string
	DroppedEntries int
}

// CollectionReport aggregates normalization over a whole collection.
type CollectionReport struct {
	Changed        bool
	DroppedRecords int
	DroppedEntries int
	ReassignedIDs  int
}

// Normalizer is the single gate through which persisted or external JSON
// becomes a PatientRecord. Missing fields are defaulted here and nowhere
// else.
type Normalizer struct {
	clock     Clock
	ids       IDGenerator
	evaluator Evaluator
}

func NewNormalizer(clock Clock, ids IDGenerator, evaluator Evaluator) *Normalizer {
	return &Normalizer{clock: clock, ids: ids, evaluator: evaluator}
}

// DecodeCollection parses a persisted collection. Empty input is an empty
// collection. Anything that is not a JSON array returns ErrCorruptCollection.
// Records that fail normalization are dropped and counted.
func (n *Normalizer) DecodeCollection(data []byte) ([]PatientRecord, CollectionReport, error) {
	var report CollectionReport
	trimmedData := bytes.TrimSpace(data)
	if len(trimmedData) == 0 {
		return []PatientRecord{}, report, nil
	}
	if trimmedData[0] != '[' {
		return nil, report, fmt.Errorf("%w: content is not a collection", ErrCorruptCollection)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmedData, &items); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrCorruptCollection, err)
	}

	records := make([]PatientRecord, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		rec, rep, err := n.EnsureIntegrity(item)
		if err != nil {
			report.DroppedRecords++
			report.Changed = true
			continue
		}
		if seen[rec.PatientID] {
			rec.PatientID = n.ids.PatientID(rec.CreatedAt)
			report.ReassignedIDs++
			report.Changed = true
		}
		seen[rec.PatientID] = true
		report.DroppedEntries += rep.DroppedEntries
		report.Changed = report.Changed || rep.Changed
		records = append(records, rec)
	}
	return records, report, nil
}

// EncodeCollection serializes records as the canonical persisted form.
func EncodeCollection(records []PatientRecord) ([]byte, error) {
	if records == nil {
		records = []PatientRecord{}
	}
	for i := range records {
		if records[i].VitalEntries == nil {
			records[i].VitalEntries = []VitalEntry{}
		}
		if records[i].LabEntries == nil {
			records[i].LabEntries = []LabEntry{}
		}
	}
	return json.Marshal(records)
}

// EnsureIntegrity normalizes one raw record.
func (n *Normalizer) EnsureIntegrity(raw json.RawMessage) (PatientRecord, IntegrityReport, error) {
	var rep IntegrityReport
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return PatientRecord{}, rep, fmt.Errorf("%w: record is not an object", ErrRecordDefect)
	}

	for _, lf := range legacyRecordFields {
		v, ok := fields[lf.from]
		if !ok {
			continue
		}
		if _, exists := fields[lf.to]; !exists {
			fields[lf.to] = v
		}
		delete(fields, lf.from)
		rep.Renamed = append(rep.Renamed, lf.from)
		rep.Changed = true
	}
	for k := range fields {
		if !recordFields[k] {
			rep.Stripped = append(rep.Stripped, k)
			rep.Changed = true
		}
	}

	r := &fieldReader{fields: fields, rep: &rep}
	now := n.clock.Now()

	rec := PatientRecord{
		Name:             r.requiredText("name", DefaultName),
		ProcedureType:    r.requiredText("procedureType", DefaultProcedureType),
		POD:              r.optionalCount("pod"),
		Location:         r.text("location"),
		Diagnoses:        r.text("diagnoses"),
		Complications:    r.text("complications"),
		OperativeDetails: r.text("operativeDetails"),
	}

	rec.CreatedAt = r.timestamp("createdAt", now)
	rec.UpdatedAt = r.timestamp("updatedAt", rec.CreatedAt)

	rec.PatientID = r.identifier("patientId")
	if rec.PatientID == "" {
		rec.PatientID = n.ids.PatientID(rec.CreatedAt)
		r.markDefault("patientId")
	}

	rec.VitalEntries = n.vitalEntries(r.entries("vitalEntries"), &rep)
	rec.LabEntries = n.labEntries(r.entries("labEntries"), &rep)

	computed, computedOK := r.status("computedStatus")
	alert, _ := r.status("alertStatus")
	count := r.optionalCount("abnormalCount")
	rec.ManualStatus = r.optionalStatus("manualStatus")
	rec.StatusMode = r.mode("statusMode", rec.ManualStatus != nil)
	rec.MostRecentAbnormalTimestamp = r.optionalTime("mostRecentAbnormalTimestamp")
	rec.ComputedStatus = computed
	rec.AlertStatus = alert
	if count != nil {
		rec.AbnormalCount = *count
	}

	if (!computedOK || count == nil || rep.DroppedEntries > 0) && n.evaluator != nil {
		deriveStatus(&rec, n.evaluator)
		rep.Changed = true
		return rec, rep, nil
	}
	if !computedOK {
		rec.ComputedStatus = StatusGreen
	}

	beforeAlert, beforeManual := rec.AlertStatus, rec.ManualStatus
	resolveAlertStatus(&rec)
	if rec.AlertStatus != beforeAlert || (beforeManual == nil) != (rec.ManualStatus == nil) {
		rep.Changed = true
	}
	return rec, rep, nil
}

type rawEntries struct {
	items   []json.RawMessage
	present bool
}

type entryFields struct {
	id         string
	timestamp  time.Time
	notes      string
	unitSystem string
	values     map[string]float64
}

func (n *Normalizer) vitalEntries(raw rawEntries, rep *IntegrityReport) []VitalEntry {
	out := make([]VitalEntry, 0, len(raw.items))
	seen := make(map[string]bool, len(raw.items))
	for _, item := range raw.items {
		f, ok := n.readEntry(item, vitalKind, rep)
		if !ok {
			continue
		}
		f.id = n.uniqueEntryID(f.id, seen, rep)
		e := VitalEntry{ID: f.id, Timestamp: f.timestamp, Notes: f.notes}
		for k, v := range f.values {
			e.set(k, v)
		}
		out = append(out, e)
	}
	return out
}

func (n *Normalizer) labEntries(raw rawEntries, rep *IntegrityReport) []LabEntry {
	out := make([]LabEntry, 0, len(raw.items))
	seen := make(map[string]bool, len(raw.items))
	for _, item := range raw.items {
		f, ok := n.readEntry(item, labKind, rep)
		if !ok {
			continue
		}
		f.id = n.uniqueEntryID(f.id, seen, rep)
		e := LabEntry{ID: f.id, Timestamp: f.timestamp, Notes: f.notes, UnitSystem: f.unitSystem}
		for k, v := range f.values {
			e.set(k, v)
		}
		out = append(out, e)
	}
	return out
}

func (n *Normalizer) uniqueEntryID(id string, seen map[string]bool, rep *IntegrityReport) string {
	if id == "" || seen[id] {
		id = n.ids.EntryID()
		rep.Changed = true
	}
	seen[id] = true
	return id
}

// readEntry validates a single entry object. Entries that are not objects,
// lack a usable timestamp, or carry a non-numeric measurement are dropped.
func (n *Normalizer) readEntry(raw json.RawMessage, kind entryKind, rep *IntegrityReport) (entryFields, bool) {
	drop := func() (entryFields, bool) {
		rep.DroppedEntries++
		rep.Changed = true
		return entryFields{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return drop()
	}
	for from, to := range kind.aliases {
		v, ok := fields[from]
		if !ok {
			continue
		}
		if _, exists := fields[to]; !exists {
			fields[to] = v
		}
		delete(fields, from)
		rep.Changed = true
	}

	f := entryFields{values: make(map[string]float64)}
	for key, value := range fields {
		switch {
		case key == "id":
			id, ok := identifierValue(value)
			if !ok {
				rep.Changed = true
			}
			f.id = id
		case key == "timestamp":
			ts, ok, coerced := timeValue(value)
			if !ok {
				return drop()
			}
			if coerced {
				rep.Changed = true
			}
			f.timestamp = ts
		case key == "notes":
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				rep.Changed = true
			}
			f.notes = s
		case key == "unitSystem" && kind.unitSystem:
			var s string
			if err := json.Unmarshal(value, &s); err != nil || (s != UnitSystemSI && s != UnitSystemConventional) {
				rep.Changed = true
				s = ""
			}
			f.unitSystem = s
		case kind.values[key]:
			if isNull(value) {
				rep.Changed = true
				continue
			}
			v, ok, coerced := numberValue(value)
			if !ok {
				return drop()
			}
			if coerced {
				rep.Changed = true
			}
			f.values[key] = v
		default:
			rep.Changed = true
		}
	}
	if f.timestamp.IsZero() {
		return drop()
	}
	return f, true
}

type fieldReader struct {
	fields map[string]json.RawMessage
	rep    *IntegrityReport
}

func (r *fieldReader) markDefault(key string) {
	r.rep.Defaulted = append(r.rep.Defaulted, key)
	r.rep.Changed = true
}

// text returns the string stored at key. A present value of the wrong
// type is discarded and reported.
func (r *fieldReader) text(key string) string {
	raw, ok := r.fields[key]
	if !ok {
		return ""
	}
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		r.markDefault(key)
		return ""
	}
	return s
}

func (r *fieldReader) requiredText(key, def string) string {
	s := r.text(key)
	if trimmed(s) == "" {
		r.markDefault(key)
		return def
	}
	return s
}

func (r *fieldReader) identifier(key string) string {
	raw, ok := r.fields[key]
	if !ok {
		return ""
	}
	id, valid := identifierValue(raw)
	if !valid {
		r.rep.Changed = true
	}
	return id
}

func (r *fieldReader) optionalCount(key string) *int {
	raw, ok := r.fields[key]
	if !ok {
		return nil
	}
	v, ok, coerced := numberValue(raw)
	if !ok || v < 0 || v != math.Trunc(v) {
		r.markDefault(key)
		return nil
	}
	if coerced {
		r.rep.Changed = true
	}
	i := int(v)
	return &i
}

func (r *fieldReader) status(key string) (AlertStatus, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		r.markDefault(key)
		return "", false
	}
	status := AlertStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		r.markDefault(key)
		return "", false
	}
	if string(status) != s {
		r.rep.Changed = true
	}
	return status, true
}

func (r *fieldReader) optionalStatus(key string) *AlertStatus {
	if _, ok := r.fields[key]; !ok {
		return nil
	}
	s, ok := r.status(key)
	if !ok {
		return nil
	}
	return &s
}

// mode reads the status mode, ignoring case and surrounding space. A
// missing or unreadable mode defaults to manual when a manual status was
// stored, so a user's override is never dropped, and to auto otherwise.
func (r *fieldReader) mode(key string, hasManual bool) StatusMode {
	fallback := StatusModeAuto
	if hasManual {
		fallback = StatusModeManual
	}
	raw, ok := r.fields[key]
	if !ok {
		r.markDefault(key)
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		r.markDefault(key)
		return fallback
	}
	mode := StatusMode(strings.ToLower(strings.TrimSpace(s)))
	if !mode.Valid() {
		r.markDefault(key)
		return fallback
	}
	if string(mode) != s {
		r.rep.Changed = true
	}
	return mode
}

func (r *fieldReader) timestamp(key string, def time.Time) time.Time {
	raw, ok := r.fields[key]
	if !ok {
		r.markDefault(key)
		return def
	}
	ts, valid, coerced := timeValue(raw)
	if !valid {
		r.markDefault(key)
		return def
	}
	if coerced {
		r.rep.Changed = true
	}
	return ts
}

func (r *fieldReader) optionalTime(key string) *time.Time {
	raw, ok := r.fields[key]
	if !ok {
		return nil
	}
	ts, valid, coerced := timeValue(raw)
	if !valid {
		r.markDefault(key)
		return nil
	}
	if coerced {
		r.rep.Changed = true
	}
	return &ts
}

func (r *fieldReader) entries(key string) rawEntries {
	raw, ok := r.fields[key]
	if !ok {
		r.markDefault(key)
		return rawEntries{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		r.markDefault(key)
		return rawEntries{}
	}
	return rawEntries{items: items, present: true}
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// identifierValue accepts string ids and numeric ids from older exports.
func identifierValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), s == strings.TrimSpace(s)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String(), false
	}
	return "", false
}

// numberValue decodes a JSON number, also accepting numeric strings. The
// coerced result is true when the stored form was not a plain number.
func numberValue(raw json.RawMessage) (float64, bool, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, false
		}
		return v, true, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, false
	}
	return v, true, true
}

// timeValue decodes an RFC 3339 timestamp, also accepting unix epoch
// milliseconds.
func timeValue(raw json.RawMessage) (time.Time, bool, bool) {
	var ts time.Time
	if err := json.Unmarshal(raw, &ts); err == nil {
		if ts.IsZero() {
			return time.Time{}, false, false
		}
		return ts, true, false
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC(), true, true
	}
	return time.Time{}, false, false
}

func trimmed(s string) string { return strings.TrimSpace(s) }

func (v *VitalEntry) set(key string, val float64) {
	p := &val
	switch key {
	case "heartRate":
		v.HeartRate = p
	case "systolicBP":
		v.SystolicBP = p
	case "diastolicBP":
		v.DiastolicBP = p
	case "temperature":
		v.Temperature = p
	case "spo2":
		v.SpO2 = p
	case "respiratoryRate":
		v.RespiratoryRate = p
	case "urineOutput":
		v.UrineOutput = p
	case "painScore":
		v.PainScore = p
	}
}

func (l *LabEntry) set(key string, val float64) {
	p := &val
	switch key {
	case "wbc":
		l.WBC = p
	case "hemoglobin":
		l.Hemoglobin = p
	case "platelets":
		l.Platelets = p
	case "sodium":
		l.Sodium = p
	case "potassium":
		l.Potassium = p
	case "creatinine":
		l.Creatinine = p
	case "bun":
		l.BUN = p
	case "glucose":
		l.Glucose = p
	case "lactate":
		l.Lactate = p
	case "alt":
		l.ALT = p
	case "ast":
		l.AST = p
	case "bilirubin":
		l.Bilirubin = p
	case "inr":
		l.INR = p
	case "albumin":
		l.Albumin = p
	case "magnesium":
		l.Magnesium = p
	}
}
