package clinical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/postop-tracker/internal/patient"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func at(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func newTestEngine(t *testing.T, window int) *Engine {
	t.Helper()
	table, err := DefaultThresholds()
	require.NoError(t, err)
	return NewEngine(table, window)
}

func TestEvaluateEmptyHistoryIsGreen(t *testing.T) {
	e := newTestEngine(t, 0)

	res := e.EvaluateStatus(nil, nil)
	assert.Equal(t, patient.StatusGreen, res.Status)
	assert.Zero(t, res.AbnormalCount)
	assert.Nil(t, res.MostRecentAbnormalTimestamp)
}

func TestEvaluateCriticalWBC(t *testing.T) {
	e := newTestEngine(t, 0)

	ev := e.Evaluate(nil, []patient.LabEntry{{ID: "l1", Timestamp: at(1), WBC: patient.Float(18)}})
	assert.Equal(t, patient.StatusRed, ev.Status)
	assert.Equal(t, 1, ev.AbnormalCount)
	require.NotNil(t, ev.MostRecentAbnormalTimestamp)
	assert.True(t, ev.MostRecentAbnormalTimestamp.Equal(at(1)))

	require.Len(t, ev.Findings, 1)
	f := ev.Findings[0]
	assert.Equal(t, "wbc", f.Parameter)
	assert.Equal(t, LevelCritical, f.Level)
	assert.True(t, f.High)
	assert.Equal(t, "infection", f.Concern)
}

func TestEvaluateUsesLatestEntryOfEachKind(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{
		{ID: "v2", Timestamp: at(2), HeartRate: patient.Float(110)},
		{ID: "v1", Timestamp: at(1), HeartRate: patient.Float(150)},
	}
	labs := []patient.LabEntry{
		{ID: "l1", Timestamp: at(3), Sodium: patient.Float(128)},
	}
	ev := e.Evaluate(vitals, labs)

	assert.Equal(t, patient.StatusYellow, ev.Status)
	assert.Equal(t, 2, ev.AbnormalCount)
	require.NotNil(t, ev.MostRecentAbnormalTimestamp)
	assert.True(t, ev.MostRecentAbnormalTimestamp.Equal(at(3)))
}

func TestEvaluateTiesGoToLaterInsertion(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{
		{ID: "first", Timestamp: at(1), HeartRate: patient.Float(150)},
		{ID: "second", Timestamp: at(1), HeartRate: patient.Float(75)},
	}
	assert.Equal(t, patient.StatusGreen, e.EvaluateStatus(vitals, nil).Status)

	vitals[0], vitals[1] = vitals[1], vitals[0]
	assert.Equal(t, patient.StatusRed, e.EvaluateStatus(vitals, nil).Status)
}

func TestEvaluateIgnoresAbsentParameters(t *testing.T) {
	e := newTestEngine(t, 0)

	ev := e.Evaluate([]patient.VitalEntry{{Timestamp: at(1), Notes: "patient asleep"}}, nil)
	assert.Equal(t, patient.StatusGreen, ev.Status)
	assert.Empty(t, ev.Findings)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{
		{Timestamp: at(1), HeartRate: patient.Float(118), SystolicBP: patient.Float(85), Temperature: patient.Float(38.6), SpO2: patient.Float(91)},
	}
	labs := []patient.LabEntry{
		{Timestamp: at(1), WBC: patient.Float(13), Lactate: patient.Float(2.8), Creatinine: patient.Float(1.9)},
	}
	first := e.Evaluate(vitals, labs)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, e.Evaluate(vitals, labs))
		assert.Equal(t, e.Alerts(vitals, labs), e.Alerts(vitals, labs))
	}
}

func TestTrendsNeedTwoPoints(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{
		{Timestamp: at(1), HeartRate: patient.Float(80), Temperature: patient.Float(37)},
		{Timestamp: at(2), HeartRate: patient.Float(95)},
	}
	trends := e.Trends(vitals, nil)
	require.Len(t, trends, 1)
	assert.Equal(t, "heartRate", trends[0].Parameter)
	assert.Equal(t, []float64{80, 95}, trends[0].Values)
	assert.Equal(t, DirectionRising, trends[0].Direction)
	assert.True(t, trends[0].Concerning)
}

func TestTrendsSortByTimeAndApplyMinDelta(t *testing.T) {
	e := newTestEngine(t, 0)

	labs := []patient.LabEntry{
		{Timestamp: at(3), WBC: patient.Float(12), Potassium: patient.Float(4.0)},
		{Timestamp: at(1), WBC: patient.Float(8), Potassium: patient.Float(4.1)},
	}
	trends := e.Trends(nil, labs)
	byKey := map[string]TrendData{}
	for _, tr := range trends {
		byKey[tr.Parameter] = tr
	}

	wbc := byKey["wbc"]
	assert.Equal(t, []float64{8, 12}, wbc.Values)
	assert.Equal(t, DirectionRising, wbc.Direction)
	assert.True(t, wbc.Concerning)

	k := byKey["potassium"]
	assert.Equal(t, DirectionStable, k.Direction, "change below minDelta is stable")
	assert.False(t, k.Concerning)
}

func TestTrendsImprovingIsNotConcerning(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{
		{Timestamp: at(1), SpO2: patient.Float(90)},
		{Timestamp: at(2), SpO2: patient.Float(97)},
	}
	trends := e.Trends(vitals, nil)
	require.Len(t, trends, 1)
	assert.Equal(t, DirectionRising, trends[0].Direction)
	assert.False(t, trends[0].Concerning)
}

func TestTrendsWindow(t *testing.T) {
	e := newTestEngine(t, 2)

	vitals := []patient.VitalEntry{
		{Timestamp: at(1), HeartRate: patient.Float(140)},
		{Timestamp: at(2), HeartRate: patient.Float(90)},
		{Timestamp: at(3), HeartRate: patient.Float(92)},
	}
	trends := e.Trends(vitals, nil)
	require.Len(t, trends, 1)
	assert.Equal(t, []float64{90, 92}, trends[0].Values)
	assert.Equal(t, DirectionStable, trends[0].Direction)
}

func TestAlertsMergeByConcern(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{{Timestamp: at(1), Temperature: patient.Float(38.6)}}
	labs := []patient.LabEntry{{Timestamp: at(1), WBC: patient.Float(13)}}

	alerts := e.Alerts(vitals, labs)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "infection", a.Concern)
	assert.Equal(t, patient.StatusYellow, a.Severity)
	assert.Equal(t, "Possible infection or sepsis", a.Title)
	assert.Len(t, a.TriggeredBy, 2)
	assert.NotEmpty(t, a.Considerations)
	assert.NotEmpty(t, a.CognitivePrompts)
}

func TestAlertsSeverityFollowsOverallStatus(t *testing.T) {
	e := newTestEngine(t, 0)

	vitals := []patient.VitalEntry{{Timestamp: at(1), HeartRate: patient.Float(112)}}
	labs := []patient.LabEntry{{Timestamp: at(1), Potassium: patient.Float(6.5)}}

	alerts := e.Alerts(vitals, labs)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, patient.StatusRed, a.Severity)
	}
	assert.Equal(t, "Electrolyte disturbance", alerts[0].Title)
	assert.Equal(t, "Hemodynamic instability", alerts[1].Title)
}

func TestTrendOnlyAlertIsAtLeastYellow(t *testing.T) {
	e := newTestEngine(t, 0)

	labs := []patient.LabEntry{
		{Timestamp: at(1), WBC: patient.Float(5)},
		{Timestamp: at(2), WBC: patient.Float(9.5)},
	}
	ev := e.Evaluate(nil, labs)
	require.Equal(t, patient.StatusGreen, ev.Status)

	alerts := e.Alerts(nil, labs)
	require.Len(t, alerts, 1)
	assert.Equal(t, patient.StatusYellow, alerts[0].Severity)
	assert.Equal(t, "infection", alerts[0].Concern)
	assert.Equal(t, []string{"WBC rising from 5 to 9.5 x10^3/uL over 2 readings"}, alerts[0].TriggeredBy)
}

func TestAlertsWithoutConcernUseParameter(t *testing.T) {
	table, err := ParseThresholds([]byte(minimalTable))
	require.NoError(t, err)
	e := NewEngine(table, 0)

	alerts := e.Alerts([]patient.VitalEntry{{Timestamp: at(1), HeartRate: patient.Float(120)}}, nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, "parameter:heartRate", alerts[0].Concern)
	assert.Equal(t, "Abnormal heartRate", alerts[0].Title)
	assert.Equal(t, []string{"heartRate 120 (abnormal high)"}, alerts[0].TriggeredBy)
	assert.NotNil(t, alerts[0].Considerations)
	assert.NotNil(t, alerts[0].CognitivePrompts)
}

func TestNoAlertsWhenNormal(t *testing.T) {
	e := newTestEngine(t, 0)

	alerts := e.Alerts([]patient.VitalEntry{{Timestamp: at(1), HeartRate: patient.Float(72)}}, nil)
	assert.Empty(t, alerts)
}
