package model

import (
	"fmt"
	"strings"
	"time"
)

// AlertSeverity is the normalized four-level severity scale
type AlertSeverity int

const (
	AlertSeverityUnknown AlertSeverity = iota
	AlertSeverityLow
	AlertSeverityMedium
	AlertSeverityHigh
	AlertSeverityCritical
)

var severityNames = map[AlertSeverity]string{
	AlertSeverityLow:      "low",
	AlertSeverityMedium:   "medium",
	AlertSeverityHigh:     "high",
	AlertSeverityCritical: "critical",
}

// severityAliases maps every upstream vocabulary onto the normalized scale
var severityAliases = map[string]AlertSeverity{
	"low":      AlertSeverityLow,
	"minor":    AlertSeverityLow,
	"info":     AlertSeverityLow,
	"medium":   AlertSeverityMedium,
	"moderate": AlertSeverityMedium,
	"warning":  AlertSeverityMedium,
	"high":     AlertSeverityHigh,
	"severe":   AlertSeverityHigh,
	"critical": AlertSeverityCritical,
	"extreme":  AlertSeverityCritical,
}

// ParseSeverity normalizes a source severity label
func ParseSeverity(s string) (AlertSeverity, error) {
	sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return AlertSeverityUnknown, fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
	return sev, nil
}

func (s AlertSeverity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the four levels
func (s AlertSeverity) Valid() bool {
	return s >= AlertSeverityLow && s <= AlertSeverityCritical
}

// MarshalText implements encoding.TextMarshaler
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *AlertSeverity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// AlertKind is the closed set of hazard kinds
type AlertKind string

const (
	AlertKindExtremeHeat    AlertKind = "extreme-heat"
	AlertKindFlood          AlertKind = "flood"
	AlertKindDrought        AlertKind = "drought"
	AlertKindStorm          AlertKind = "storm"
	AlertKindWildfire       AlertKind = "wildfire"
	AlertKindAirQuality     AlertKind = "air-quality"
	AlertKindDisaster       AlertKind = "disaster"
	AlertKindRiskPrediction AlertKind = "risk-prediction"
	AlertKindSystem         AlertKind = "system"
)

// Valid reports whether k belongs to the closed set
func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindExtremeHeat, AlertKindFlood, AlertKindDrought, AlertKindStorm,
		AlertKindWildfire, AlertKindAirQuality, AlertKindDisaster,
		AlertKindRiskPrediction, AlertKindSystem:
		return true
	}
	return false
}

// AlertCategory groups kinds for display and ranking
type AlertCategory string

const (
	AlertCategoryClimate    AlertCategory = "climate"
	AlertCategoryWeather    AlertCategory = "weather"
	AlertCategoryPrediction AlertCategory = "prediction"
	AlertCategorySystem     AlertCategory = "system"
)

// CategoryFor returns the default category of a kind
func CategoryFor(kind AlertKind) AlertCategory {
	switch kind {
	case AlertKindExtremeHeat, AlertKindDrought:
		return AlertCategoryClimate
	case AlertKindRiskPrediction:
		return AlertCategoryPrediction
	case AlertKindSystem:
		return AlertCategorySystem
	default:
		return AlertCategoryWeather
	}
}

// PriorityFor derives the 1-5 routing priority
func PriorityFor(category AlertCategory, severity AlertSeverity) int {
	if category == AlertCategorySystem || !severity.Valid() {
		return 1
	}
	return int(severity) + 1
}

// Well-known numeric readings carried in Alert.Data
const (
	DataKeyAQI         = "aqi"
	DataKeyTemperature = "temperature_c"
)

// Coordinates is a point in decimal degrees
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Alert is a single hazard event flowing through the engine
type Alert struct {
	ID          string                 `json:"id"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Kind        AlertKind              `json:"kind"`
	Category    AlertCategory          `json:"category"`
	Severity    AlertSeverity          `json:"severity"`
	ObservedAt  time.Time              `json:"observed_at"`
	ExpiresAt   time.Time              `json:"expires_at,omitempty"`
	Location    string                 `json:"location"`
	Coordinates *Coordinates           `json:"coordinates,omitempty"`
	DistanceKm  *float64               `json:"distance_km,omitempty"`
	Confidence  float64                `json:"confidence"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Source      string                 `json:"source"`
	Priority    int                    `json:"priority"`
}

// Normalize fills derived routing fields
func (a *Alert) Normalize() {
	if a.Category == "" {
		a.Category = CategoryFor(a.Kind)
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	} else if a.Confidence > 1 {
		a.Confidence = 1
	}
	a.Priority = PriorityFor(a.Category, a.Severity)
}

// Active reports whether the alert has not yet expired at now
func (a *Alert) Active(now time.Time) bool {
	return a.ExpiresAt.IsZero() || a.ExpiresAt.After(now)
}

// Reading returns a numeric value from Data
func (a *Alert) Reading(key string) (float64, bool) {
	if a.Data == nil {
		return 0, false
	}
	switch v := a.Data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// Text returns the string handed to announcement channels
func (a *Alert) Text() string {
	switch {
	case a.Title != "" && a.Message != "":
		return a.Title + ". " + a.Message
	case a.Title != "":
		return a.Title
	default:
		return a.Message
	}
}

// Clone returns a copy safe to hand to listeners
func (a *Alert) Clone() *Alert {
	c := *a
	if a.Data != nil {
		c.Data = make(map[string]interface{}, len(a.Data))
		for k, v := range a.Data {
			c.Data[k] = v
		}
	}
	if a.Coordinates != nil {
		coords := *a.Coordinates
		c.Coordinates = &coords
	}
	if a.DistanceKm != nil {
		d := *a.DistanceKm
		c.DistanceKm = &d
	}
	return &c
}
