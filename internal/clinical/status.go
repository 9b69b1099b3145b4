package clinical

import (
	"time"

	"github.com/mesikahq/postop-tracker/internal/patient"
)

type Level int

const (
	LevelNormal Level = iota
	LevelAbnormal
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelAbnormal:
		return "abnormal"
	}
	return "normal"
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Finding is one non-normal parameter in the latest vital or lab entry.
type Finding struct {
	Parameter string    `json:"parameter"`
	Label     string    `json:"label"`
	Unit      string    `json:"unit"`
	Value     float64   `json:"value"`
	High      bool      `json:"high"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Concern   string    `json:"concern,omitempty"`
}

// Evaluation is the full status rule output.
type Evaluation struct {
	patient.StatusResult
	Findings []Finding
}

// Engine applies a threshold table to patient entry history. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	table       *Thresholds
	trendWindow int
}

// NewEngine builds an engine. trendWindow limits trend analysis to the
// most recent N values per parameter; 0 uses the whole history.
func NewEngine(table *Thresholds, trendWindow int) *Engine {
	if trendWindow < 0 {
		trendWindow = 0
	}
	return &Engine{table: table, trendWindow: trendWindow}
}

func (e *Engine) Thresholds() *Thresholds { return e.table }

// Classify grades a single value against a parameter's bands.
func (p *Parameter) Classify(v float64) (Level, bool) {
	switch {
	case p.Critical.above(v):
		return LevelCritical, true
	case p.Critical.below(v):
		return LevelCritical, false
	case p.Normal.above(v):
		return LevelAbnormal, true
	case p.Normal.below(v):
		return LevelAbnormal, false
	}
	return LevelNormal, false
}

// EvaluateStatus implements patient.Evaluator.
func (e *Engine) EvaluateStatus(vitals []patient.VitalEntry, labs []patient.LabEntry) patient.StatusResult {
	return e.Evaluate(vitals, labs).StatusResult
}

// Evaluate classifies every parameter present in the latest vital entry
// and the latest lab entry. Absent parameters are skipped.
func (e *Engine) Evaluate(vitals []patient.VitalEntry, labs []patient.LabEntry) Evaluation {
	ev := Evaluation{StatusResult: patient.StatusResult{Status: patient.StatusGreen}}

	if i := latestIndex(len(vitals), func(i int) time.Time { return vitals[i].Timestamp }); i >= 0 {
		e.classifyEntry(&ev, KindVital, vitals[i].Measurements(), vitals[i].Timestamp)
	}
	if i := latestIndex(len(labs), func(i int) time.Time { return labs[i].Timestamp }); i >= 0 {
		e.classifyEntry(&ev, KindLab, labs[i].Measurements(), labs[i].Timestamp)
	}

	ev.AbnormalCount = len(ev.Findings)
	for _, f := range ev.Findings {
		if f.Level == LevelCritical {
			ev.Status = patient.StatusRed
			break
		}
		ev.Status = patient.StatusYellow
	}
	return ev
}

func (e *Engine) classifyEntry(ev *Evaluation, kind string, values map[string]float64, ts time.Time) {
	abnormal := false
	for i := range e.table.Parameters {
		p := &e.table.Parameters[i]
		if p.Kind != kind {
			continue
		}
		v, ok := values[p.Key]
		if !ok {
			continue
		}
		level, high := p.Classify(v)
		if level == LevelNormal {
			continue
		}
		abnormal = true
		ev.Findings = append(ev.Findings, Finding{
			Parameter: p.Key,
			Label:     p.Label,
			Unit:      p.Unit,
			Value:     v,
			High:      high,
			Level:     level,
			Timestamp: ts,
			Concern:   p.concern(high),
		})
	}
	if abnormal && (ev.MostRecentAbnormalTimestamp == nil || ts.After(*ev.MostRecentAbnormalTimestamp)) {
		t := ts
		ev.MostRecentAbnormalTimestamp = &t
	}
}

// latestIndex returns the index of the entry with the greatest timestamp.
// Ties go to the later insertion. It returns -1 for an empty history.
func latestIndex(n int, at func(int) time.Time) int {
	best := -1
	for i := 0; i < n; i++ {
		if best < 0 || !at(i).Before(at(best)) {
			best = i
		}
	}
	return best
}
