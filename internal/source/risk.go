package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
)

const predictionTTL = 24 * time.Hour

// Prediction is the risk model's response
type Prediction struct {
	RiskScore      float64   `json:"risk_score"`
	RiskLabel      string    `json:"risk_label"`
	Confidence     float64   `json:"confidence"`
	RiskType       string    `json:"risk_type"`
	Region         string    `json:"region"`
	PredictionDate time.Time `json:"prediction_date"`
}

// LevelForScore maps a model score onto the severity scale
func LevelForScore(score float64) model.AlertSeverity {
	switch {
	case score >= 0.9:
		return model.AlertSeverityCritical
	case score >= 0.8:
		return model.AlertSeverityHigh
	case score >= 0.6:
		return model.AlertSeverityMedium
	default:
		return model.AlertSeverityLow
	}
}

// RiskSource converts risk model predictions into risk-prediction alerts
type RiskSource struct {
	logger *zap.Logger
	http   *HTTPSource
}

// NewRiskSource polls the prediction endpoint at cfg.URL
func NewRiskSource(cfg HTTPConfig, logger *zap.Logger) *RiskSource {
	if cfg.Name == "" {
		cfg.Name = "risk-model"
	}
	return &RiskSource{
		logger: logger.Named("risk-source"),
		http:   NewHTTPSource(cfg, logger),
	}
}

func (s *RiskSource) Name() string { return s.http.Name() }

func (s *RiskSource) Fetch(ctx context.Context, location string) ([]*model.Alert, error) {
	body, err := s.http.fetchBody(ctx, location)
	if err != nil {
		return nil, err
	}

	raw, err := decodeList(body, "predictions")
	if err != nil {
		return nil, err
	}

	alerts := make([]*model.Alert, 0, len(raw))
	for _, r := range raw {
		var p Prediction
		if err := json.Unmarshal(r, &p); err != nil {
			s.logger.Warn("Skipping malformed prediction", zap.Error(err))
			continue
		}
		if p.Region == "" {
			p.Region = location
		}
		alerts = append(alerts, s.toAlert(p))
	}
	return alerts, nil
}

func (s *RiskSource) toAlert(p Prediction) *model.Alert {
	severity, err := model.ParseSeverity(p.RiskLabel)
	if err != nil {
		severity = LevelForScore(p.RiskScore)
	}

	observed := p.PredictionDate
	if observed.IsZero() {
		observed = time.Now()
	}
	riskType := strings.ToLower(strings.TrimSpace(p.RiskType))
	if riskType == "" {
		riskType = "climate"
	}
	if riskType == "heatwave" {
		riskType = string(model.AlertKindExtremeHeat)
	}

	return &model.Alert{
		ID:         fmt.Sprintf("risk-%s-%s-%s", strings.ToLower(p.Region), riskType, observed.UTC().Format("2006010215")),
		Kind:       model.AlertKindRiskPrediction,
		Severity:   severity,
		ObservedAt: observed,
		ExpiresAt:  observed.Add(predictionTTL),
		Location:   p.Region,
		Confidence: p.Confidence,
		Title:      fmt.Sprintf("%s risk forecast for %s", strings.ReplaceAll(riskType, "-", " "), p.Region),
		Message: fmt.Sprintf("Predicted %s risk is %s (score %.2f, confidence %.0f%%)",
			riskType, severity, p.RiskScore, p.Confidence*100),
		Data: map[string]interface{}{
			"risk_score": p.RiskScore,
			"risk_type":  riskType,
		},
	}
}
