package patient

import "time"

// StatusResult is the output of a status evaluation over a patient's
// entry history.
type StatusResult struct {
	Status                      AlertStatus
	AbnormalCount               int
	MostRecentAbnormalTimestamp *time.Time
}

// Evaluator derives the computed status for a set of entries. It must be
// pure: the same entries always produce the same result.
type Evaluator interface {
	EvaluateStatus(vitals []VitalEntry, labs []LabEntry) StatusResult
}

// deriveStatus refreshes the computed status fields and then resolves the
// user-facing alertStatus from the status mode. A manual choice is never
// replaced by the computed value.
func deriveStatus(rec *PatientRecord, ev Evaluator) {
	res := ev.EvaluateStatus(rec.VitalEntries, rec.LabEntries)
	rec.ComputedStatus = res.Status
	rec.AbnormalCount = res.AbnormalCount
	rec.MostRecentAbnormalTimestamp = res.MostRecentAbnormalTimestamp
	resolveAlertStatus(rec)
}

func resolveAlertStatus(rec *PatientRecord) {
	if rec.StatusMode != StatusModeManual {
		rec.StatusMode = StatusModeAuto
		rec.AlertStatus = rec.ComputedStatus
		return
	}
	if rec.ManualStatus == nil || !rec.ManualStatus.Valid() {
		keep := rec.AlertStatus
		if !keep.Valid() {
			keep = rec.ComputedStatus
		}
		rec.ManualStatus = &keep
	}
	rec.AlertStatus = *rec.ManualStatus
}
