package risk

import "github.com/mbd888/sentinel/internal/protocol"

// Score evaluates a single report. Pure and deterministic.
func Score(r protocol.BehaviorReport) Assessment {
	factors := map[string]int{
		FactorTypingCadence: typingCadenceFactor(r.TypingSpeed),
		FactorPointerJitter: pointerJitterFactor(r.MouseJitter),
	}

	score := factors[FactorTypingCadence] + factors[FactorPointerJitter]

	reason := ReasonNormal
	if score > AnomalyThreshold {
		reason = ReasonAnomalous
	}

	return Assessment{
		Score:   score,
		Reason:  reason,
		Factors: factors,
	}
}

func typingCadenceFactor(typingSpeed float64) int {
	if typingSpeed > TypingSpeedThreshold {
		return TypingSpeedWeight
	}
	return 0
}

func pointerJitterFactor(mouseJitter float64) int {
	if mouseJitter > MouseJitterThreshold {
		return MouseJitterWeight
	}
	return 0
}
