package clinical

import (
	"math"
	"sort"
	"time"

	"github.com/mesikahq/postop-tracker/internal/patient"
)

type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionFalling Direction = "falling"
	DirectionStable  Direction = "stable"
)

type TrendData struct {
	Parameter  string      `json:"parameter"`
	Label      string      `json:"label"`
	Unit       string      `json:"unit"`
	Values     []float64   `json:"values"`
	Timestamps []time.Time `json:"timestamps"`
	Direction  Direction   `json:"direction"`
	Concerning bool        `json:"concerning"`
}

type point struct {
	at    time.Time
	value float64
}

// Trends computes the direction of every parameter with at least two
// recorded values in the visible window. Parameters with less history are
// omitted.
func (e *Engine) Trends(vitals []patient.VitalEntry, labs []patient.LabEntry) []TrendData {
	series := make(map[string][]point)
	for i := range vitals {
		for k, v := range vitals[i].Measurements() {
			series[k] = append(series[k], point{vitals[i].Timestamp, v})
		}
	}
	for i := range labs {
		for k, v := range labs[i].Measurements() {
			series[k] = append(series[k], point{labs[i].Timestamp, v})
		}
	}

	var out []TrendData
	for i := range e.table.Parameters {
		p := &e.table.Parameters[i]
		pts := series[p.Key]
		// keep insertion order for equal timestamps
		sort.SliceStable(pts, func(a, b int) bool { return pts[a].at.Before(pts[b].at) })
		if e.trendWindow > 0 && len(pts) > e.trendWindow {
			pts = pts[len(pts)-e.trendWindow:]
		}
		if len(pts) < 2 {
			continue
		}

		td := TrendData{
			Parameter:  p.Key,
			Label:      p.Label,
			Unit:       p.Unit,
			Values:     make([]float64, len(pts)),
			Timestamps: make([]time.Time, len(pts)),
		}
		for j, pt := range pts {
			td.Values[j] = pt.value
			td.Timestamps[j] = pt.at
		}
		td.Direction = direction(pts[0].value, pts[len(pts)-1].value, p.MinDelta)
		td.Concerning = worsening(p.Worsens, td.Direction)
		out = append(out, td)
	}
	return out
}

func direction(first, last, minDelta float64) Direction {
	delta := last - first
	if math.Abs(delta) < minDelta || delta == 0 {
		return DirectionStable
	}
	if delta > 0 {
		return DirectionRising
	}
	return DirectionFalling
}

func worsening(w Worsening, d Direction) bool {
	switch d {
	case DirectionRising:
		return w == WorsensRising || w == WorsensBoth
	case DirectionFalling:
		return w == WorsensFalling || w == WorsensBoth
	}
	return false
}
