package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/t77yq/hazard-announcer/internal/model"
)

// Fingerprint returns the day-granular identity of an alert. Two alerts that
// differ only in timestamp or message text on the same UTC day collapse to the
// same fingerprint.
func Fingerprint(a *model.Alert) string {
	day := a.ObservedAt.UTC().Format("20060102")
	bucket := severityBucket(a.Severity)

	switch {
	case a.Kind == model.AlertKindRiskPrediction:
		return fmt.Sprintf("risk-%s-%s-%s-%s", a.Kind, normalizeLocation(a.Location), bucket, day)
	case a.Kind == model.AlertKindDisaster && a.Coordinates != nil:
		return fmt.Sprintf("disaster-%s-%s-%s-%s", a.Kind, roundedCoordinates(*a.Coordinates), bucket, day)
	default:
		category := a.Category
		if category == "" {
			category = model.CategoryFor(a.Kind)
		}
		return fmt.Sprintf("%s-%s-%s-%s-%s", category, a.Kind, normalizeLocation(a.Location), bucket, day)
	}
}

// severityBucket: high and critical share a bucket, so escalating between
// them keeps the fingerprint and goes through the re-announcement rule.
func severityBucket(s model.AlertSeverity) string {
	if s >= model.AlertSeverityHigh {
		return "major"
	}
	return "minor"
}

func normalizeLocation(location string) string {
	fields := strings.Fields(strings.ToLower(location))
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.Join(fields, "_")
}

func roundedCoordinates(c model.Coordinates) string {
	lat := math.Round(c.Lat*10) / 10
	lon := math.Round(c.Lon*10) / 10
	return fmt.Sprintf("%.1f_%.1f", lat, lon)
}
