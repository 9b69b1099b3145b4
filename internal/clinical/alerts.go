package clinical

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/mesikahq/postop-tracker/internal/patient"
)

type Alert struct {
	Concern          string              `json:"concern"`
	Severity         patient.AlertStatus `json:"severity"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	TriggeredBy      []string            `json:"triggeredBy"`
	Considerations   []string            `json:"considerations"`
	CognitivePrompts []string            `json:"cognitivePrompts"`
}

// Alerts evaluates the entries and explains the result.
func (e *Engine) Alerts(vitals []patient.VitalEntry, labs []patient.LabEntry) []Alert {
	return BuildAlerts(e.table, e.Evaluate(vitals, labs), e.Trends(vitals, labs))
}

// BuildAlerts turns findings and concerning trends into alerts, one per
// clinical concern. An alert backed by at least one finding carries the
// overall status as its severity.
//
// An alert raised only by a concerning trend is floored at yellow: when no
// value is out of range the overall status is green, yet the worsening
// trend still surfaces as a yellow alert. The patient's computed status is
// unaffected; the floor applies to the alert list alone.
func BuildAlerts(table *Thresholds, ev Evaluation, trends []TrendData) []Alert {
	byConcern := make(map[string]*Alert)
	var order []string

	get := func(concern, parameter string) *Alert {
		key := concern
		if key == "" {
			key = "parameter:" + parameter
		}
		if a, ok := byConcern[key]; ok {
			return a
		}
		a := &Alert{Concern: key, Severity: ev.Status}
		if c, ok := table.Concerns[concern]; ok {
			a.Title = c.Title
			a.Description = c.Description
			a.Considerations = append([]string(nil), c.Considerations...)
			a.CognitivePrompts = append([]string(nil), c.Prompts...)
		} else {
			label := parameter
			if p, ok := table.Parameter(parameter); ok {
				label = p.Label
			}
			a.Title = "Abnormal " + label
			a.Description = label + " is outside the expected range."
		}
		byConcern[key] = a
		order = append(order, key)
		return a
	}

	for _, f := range ev.Findings {
		a := get(f.Concern, f.Parameter)
		a.TriggeredBy = append(a.TriggeredBy, describeFinding(f))
	}

	for _, t := range trends {
		if !t.Concerning {
			continue
		}
		concern := ""
		if p, ok := table.Parameter(t.Parameter); ok {
			concern = p.concern(t.Direction == DirectionRising)
		}
		a := get(concern, t.Parameter)
		a.TriggeredBy = append(a.TriggeredBy, describeTrend(t))
		if a.Severity == patient.StatusGreen {
			a.Severity = patient.StatusYellow
		}
	}

	alerts := make([]Alert, 0, len(order))
	for _, key := range order {
		a := byConcern[key]
		if a.Considerations == nil {
			a.Considerations = []string{}
		}
		if a.CognitivePrompts == nil {
			a.CognitivePrompts = []string{}
		}
		alerts = append(alerts, *a)
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return alerts[i].Title < alerts[j].Title
	})
	return alerts
}

func describeFinding(f Finding) string {
	side := "low"
	if f.High {
		side = "high"
	}
	return fmt.Sprintf("%s %s (%s %s)", f.Label, withUnit(f.Value, f.Unit), f.Level, side)
}

func describeTrend(t TrendData) string {
	first, last := t.Values[0], t.Values[len(t.Values)-1]
	return fmt.Sprintf("%s %s from %s to %s over %d readings",
		t.Label, t.Direction, formatValue(first), withUnit(last, t.Unit), len(t.Values))
}

func withUnit(v float64, unit string) string {
	if unit == "" {
		return formatValue(v)
	}
	return formatValue(v) + " " + unit
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
