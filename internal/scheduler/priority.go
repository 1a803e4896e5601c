package scheduler

import (
	"container/heap"

	"github.com/t77yq/hazard-announcer/internal/model"
)

// Ranking points
const (
	scoreCritical = 100
	scoreHigh     = 50
	scoreMedium   = 25

	bonusDisaster       = 80
	bonusNearbyDisaster = 20
	bonusWeather        = 70
	bonusHazardousAir   = 60
	bonusRisk           = 40

	nearbyDistanceKm = 25
	hazardousAQI     = 300
)

// Score returns the ranking score of a
func Score(a *model.Alert) int {
	score := 0
	switch a.Severity {
	case model.AlertSeverityCritical:
		score = scoreCritical
	case model.AlertSeverityHigh:
		score = scoreHigh
	case model.AlertSeverityMedium:
		score = scoreMedium
	}

	switch {
	case a.Kind == model.AlertKindDisaster:
		score += bonusDisaster
		if a.DistanceKm != nil && *a.DistanceKm < nearbyDistanceKm {
			score += bonusNearbyDisaster
		}
	case a.Kind == model.AlertKindAirQuality:
		if aqi, ok := a.Reading(model.DataKeyAQI); ok && aqi >= hazardousAQI {
			score += bonusHazardousAir
		}
	case a.Kind == model.AlertKindRiskPrediction:
		score += bonusRisk
	case a.Category == model.AlertCategoryWeather:
		score += bonusWeather
	}
	return score
}

type rankedAlert struct {
	alert *model.Alert
	score int
}

// alertQueue is a max-heap on score with FIFO tie-break
type alertQueue []rankedAlert

func (q alertQueue) Len() int { return len(q) }

func (q alertQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	if !q[i].alert.ObservedAt.Equal(q[j].alert.ObservedAt) {
		return q[i].alert.ObservedAt.Before(q[j].alert.ObservedAt)
	}
	return q[i].alert.ID < q[j].alert.ID
}

func (q alertQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *alertQueue) Push(x interface{}) {
	*q = append(*q, x.(rankedAlert))
}

func (q *alertQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Rank returns a new slice of batch ordered by descending score, then earlier
// ObservedAt, then ID. The input is not modified.
func Rank(batch []*model.Alert) []*model.Alert {
	q := make(alertQueue, 0, len(batch))
	for _, a := range batch {
		q = append(q, rankedAlert{alert: a, score: Score(a)})
	}
	heap.Init(&q)

	ranked := make([]*model.Alert, 0, len(batch))
	for q.Len() > 0 {
		ranked = append(ranked, heap.Pop(&q).(rankedAlert).alert)
	}
	return ranked
}
