package filter

import (
	"github.com/t77yq/hazard-announcer/internal/model"
)

// Criteria holds the per-kind hard predicates of the criticality stage
type Criteria struct {
	HeatTemperatureC float64
	AirQualityAQI    float64
	RiskConfidence   float64
	RiskMinSeverity  model.AlertSeverity
	MinSeverity      model.AlertSeverity
}

// DefaultCriteria returns the stock thresholds
func DefaultCriteria() Criteria {
	return Criteria{
		HeatTemperatureC: 40,
		AirQualityAQI:    200,
		RiskConfidence:   0.6,
		RiskMinSeverity:  model.AlertSeverityHigh,
		MinSeverity:      model.AlertSeverityHigh,
	}
}

// Critical reports whether a passes the hard predicate for its kind.
// Readings missing from Data fall back to requiring critical severity.
func (c Criteria) Critical(a *model.Alert) bool {
	switch a.Kind {
	case model.AlertKindSystem:
		return true
	case model.AlertKindExtremeHeat:
		if t, ok := a.Reading(model.DataKeyTemperature); ok {
			return t >= c.HeatTemperatureC
		}
		return a.Severity >= model.AlertSeverityCritical
	case model.AlertKindAirQuality:
		if aqi, ok := a.Reading(model.DataKeyAQI); ok {
			return aqi >= c.AirQualityAQI
		}
		return a.Severity >= model.AlertSeverityCritical
	case model.AlertKindRiskPrediction:
		return a.Confidence >= c.RiskConfidence && a.Severity >= c.RiskMinSeverity
	default:
		return a.Severity >= c.MinSeverity
	}
}
