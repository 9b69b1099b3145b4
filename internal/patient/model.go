package patient

import (
	"errors"
	"fmt"
	"time"
)

type AlertStatus string

const (
	StatusGreen  AlertStatus = "green"
	StatusYellow AlertStatus = "yellow"
	StatusRed    AlertStatus = "red"
)

// Valid reports whether s is one of the three alert levels.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusGreen, StatusYellow, StatusRed:
		return true
	}
	return false
}

// Rank orders statuses by severity, green lowest.
func (s AlertStatus) Rank() int {
	switch s {
	case StatusRed:
		return 2
	case StatusYellow:
		return 1
	}
	return 0
}

type StatusMode string

const (
	StatusModeAuto   StatusMode = "auto"
	StatusModeManual StatusMode = "manual"
)

func (m StatusMode) Valid() bool {
	return m == StatusModeAuto || m == StatusModeManual
}

const (
	DefaultName          = "Unknown Patient"
	DefaultProcedureType = "Unspecified Procedure"

	UnitSystemConventional = "conventional"
	UnitSystemSI           = "si"
)

// VitalEntry is a single timestamped set of physiological measurements.
// Nil measurement fields were not recorded.
type VitalEntry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	HeartRate       *float64  `json:"heartRate,omitempty"`
	SystolicBP      *float64  `json:"systolicBP,omitempty"`
	DiastolicBP     *float64  `json:"diastolicBP,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	SpO2            *float64  `json:"spo2,omitempty"`
	RespiratoryRate *float64  `json:"respiratoryRate,omitempty"`
	UrineOutput     *float64  `json:"urineOutput,omitempty"`
	PainScore       *float64  `json:"painScore,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// LabEntry is a single timestamped set of laboratory values.
type LabEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UnitSystem string    `json:"unitSystem,omitempty"`
	WBC        *float64  `json:"wbc,omitempty"`
	Hemoglobin *float64  `json:"hemoglobin,omitempty"`
	Platelets  *float64  `json:"platelets,omitempty"`
	Sodium     *float64  `json:"sodium,omitempty"`
	Potassium  *float64  `json:"potassium,omitempty"`
	Creatinine *float64  `json:"creatinine,omitempty"`
	BUN        *float64  `json:"bun,omitempty"`
	Glucose    *float64  `json:"glucose,omitempty"`
	Lactate    *float64  `json:"lactate,omitempty"`
	ALT        *float64  `json:"alt,omitempty"`
	AST        *float64  `json:"ast,omitempty"`
	Bilirubin  *float64  `json:"bilirubin,omitempty"`
	INR        *float64  `json:"inr,omitempty"`
	Albumin    *float64  `json:"albumin,omitempty"`
	Magnesium  *float64  `json:"magnesium,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

type PatientRecord struct {
	PatientID     string `json:"patientId"`
	Name          string `json:"name"`
	ProcedureType string `json:"procedureType"`
	POD           *int   `json:"pod,omitempty"`
	Location      string `json:"location,omitempty"`

	// Free-text clinical narrative
	Diagnoses        string `json:"diagnoses,omitempty"`
	Complications    string `json:"complications,omitempty"`
	OperativeDetails string `json:"operativeDetails,omitempty"`

	AlertStatus                 AlertStatus  `json:"alertStatus"`
	StatusMode                  StatusMode   `json:"statusMode"`
	ManualStatus                *AlertStatus `json:"manualStatus,omitempty"`
	ComputedStatus              AlertStatus  `json:"computedStatus"`
	AbnormalCount               int          `json:"abnormalCount"`
	MostRecentAbnormalTimestamp *time.Time   `json:"mostRecentAbnormalTimestamp,omitempty"`

	VitalEntries []VitalEntry `json:"vitalEntries"`
	LabEntries   []LabEntry   `json:"labEntries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPatient carries the caller-supplied fields for Create.
type NewPatient struct {
	Name             string       `json:"name"`
	ProcedureType    string       `json:"procedureType"`
	POD              *int         `json:"pod,omitempty"`
	Location         string       `json:"location,omitempty"`
	Diagnoses        string       `json:"diagnoses,omitempty"`
	Complications    string       `json:"complications,omitempty"`
	OperativeDetails string       `json:"operativeDetails,omitempty"`
	StatusMode       StatusMode   `json:"statusMode,omitempty"`
	ManualStatus     *AlertStatus `json:"manualStatus,omitempty"`
	VitalEntries     []VitalEntry `json:"vitalEntries,omitempty"`
	LabEntries       []LabEntry   `json:"labEntries,omitempty"`
}

// PatientUpdate is a partial update; nil fields are left untouched.
type PatientUpdate struct {
	Name             *string       `json:"name,omitempty"`
	ProcedureType    *string       `json:"procedureType,omitempty"`
	POD              *int          `json:"pod,omitempty"`
	Location         *string       `json:"location,omitempty"`
	Diagnoses        *string       `json:"diagnoses,omitempty"`
	Complications    *string       `json:"complications,omitempty"`
	OperativeDetails *string       `json:"operativeDetails,omitempty"`
	StatusMode       *StatusMode   `json:"statusMode,omitempty"`
	ManualStatus     *AlertStatus  `json:"manualStatus,omitempty"`
	VitalEntries     *[]VitalEntry `json:"vitalEntries,omitempty"`
	LabEntries       *[]LabEntry   `json:"labEntries,omitempty"`
}

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrInvalidPatientData = errors.New("invalid patient data")
	ErrVerificationFailed = errors.New("store verification failed")
)

// NotFoundError is returned when an operation references an unknown
// patient or entry.
type NotFoundError struct {
	PatientID string
	EntryID   string
}

func (e *NotFoundError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("entry %s not found on patient %s", e.EntryID, e.PatientID)
	}
	return fmt.Sprintf("patient %s not found", e.PatientID)
}

func (e *NotFoundError) Unwrap() error {
	if e.EntryID != "" {
		return ErrEntryNotFound
	}
	return ErrPatientNotFound
}

// ValidationError rejects input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPatientData }

// VerificationError means the read-back after a write did not reproduce
// what was written. The whole mutation should be retried.
type VerificationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("%s: read-back verification failed: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrVerificationFailed, e.Err}
	}
	return []error{ErrVerificationFailed}
}

func (e *VerificationError) Retryable() bool { return true }

// Validate performs basic validation of a new patient.
func (n *NewPatient) Validate() error {
	if trimmed(n.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if n.StatusMode != "" && !n.StatusMode.Valid() {
		return &ValidationError{Field: "statusMode", Message: fmt.Sprintf("unknown mode %q", n.StatusMode)}
	}
	if n.ManualStatus != nil && !n.ManualStatus.Valid() {
		return &ValidationError{Field: "manualStatus", Message: fmt.Sprintf("unknown status %q", *n.ManualStatus)}
	}
	if n.POD != nil && *n.POD < 0 {
		return &ValidationError{Field: "pod", Message: "post-operative day cannot be negative"}
	}
	return nil
}

// Validate checks the fields an update is allowed to set.
func (u *PatientUpdate) Validate() error {
	if u.Name != nil && trimmed(*u.Name) == "" {
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	}
	if u.StatusMode != nil && !u.StatusMode.Valid() {
		return &ValidationError{Field: "statusMode", Message: fmt.Sprintf("unknown mode %q", *u.StatusMode)}
	}
	if u.ManualStatus != nil && !u.ManualStatus.Valid() {
		return &ValidationError{Field: "manualStatus", Message: fmt.Sprintf("unknown status %q", *u.ManualStatus)}
	}
	if u.POD != nil && *u.POD < 0 {
		return &ValidationError{Field: "pod", Message: "post-operative day cannot be negative"}
	}
	return nil
}

// Measurements returns the recorded vital values keyed by JSON field name.
func (v *VitalEntry) Measurements() map[string]float64 {
	out := make(map[string]float64)
	put(out, "heartRate", v.HeartRate)
	put(out, "systolicBP", v.SystolicBP)
	put(out, "diastolicBP", v.DiastolicBP)
	put(out, "temperature", v.Temperature)
	put(out, "spo2", v.SpO2)
	put(out, "respiratoryRate", v.RespiratoryRate)
	put(out, "urineOutput", v.UrineOutput)
	put(out, "painScore", v.PainScore)
	return out
}

// Measurements returns the recorded lab values keyed by JSON field name.
func (l *LabEntry) Measurements() map[string]float64 {
	out := make(map[string]float64)
	put(out, "wbc", l.WBC)
	put(out, "hemoglobin", l.Hemoglobin)
	put(out, "platelets", l.Platelets)
	put(out, "sodium", l.Sodium)
	put(out, "potassium", l.Potassium)
	put(out, "creatinine", l.Creatinine)
	put(out, "bun", l.BUN)
	put(out, "glucose", l.Glucose)
	put(out, "lactate", l.Lactate)
	put(out, "alt", l.ALT)
	put(out, "ast", l.AST)
	put(out, "bilirubin", l.Bilirubin)
	put(out, "inr", l.INR)
	put(out, "albumin", l.Albumin)
	put(out, "magnesium", l.Magnesium)
	return out
}

func put(m map[string]float64, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// Float returns a pointer to v, for building sparse entries.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// StatusPtr returns a pointer to s.
func StatusPtr(s AlertStatus) *AlertStatus { return &s }
