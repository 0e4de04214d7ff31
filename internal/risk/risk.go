// Package risk scores behavior reports.
//
// Every report is evaluated independently against two fixed thresholds:
// typing cadence and pointer jitter. Contributions are additive and the
// total is not clamped. There is no history; any apparent trend comes from
// consumers replacing the previous score with the latest one.
package risk

import "github.com/mbd888/sentinel/internal/protocol"

// Thresholds and weights for the scoring rule. Comparisons are strict.
const (
	// TypingSpeedThreshold is in milliseconds of mean inter-keystroke gap.
	// Larger gaps are slower typing; the comparison is kept as-is.
	TypingSpeedThreshold = 500.0
	MouseJitterThreshold = 0.8

	TypingSpeedWeight = 30
	MouseJitterWeight = 40

	// AnomalyThreshold is the score a report must exceed to be anomalous.
	AnomalyThreshold = 50
)

// Reasons attached to a score.
const (
	ReasonAnomalous = "Anomalous interaction detected"
	ReasonNormal    = "Normal"
)

// Factor names used in Assessment.Factors.
const (
	FactorTypingCadence = "typing_cadence"
	FactorPointerJitter = "pointer_jitter"
)

// Assessment is the result of scoring one report.
type Assessment struct {
	Score   int            `json:"score"`
	Reason  string         `json:"reason"`
	Factors map[string]int `json:"factors"`
}

// Anomalous reports whether the score crossed AnomalyThreshold.
func (a Assessment) Anomalous() bool {
	return a.Score > AnomalyThreshold
}

// Update converts the assessment to its wire form.
func (a Assessment) Update() protocol.RiskUpdate {
	return protocol.RiskUpdate{RiskScore: a.Score, Reason: a.Reason}
}
