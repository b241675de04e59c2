package risk

// RiskLevel is the advisory severity tier of a leverage decision.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// Leverage boundaries of the severity tiers (inclusive lower bounds).
const (
	MediumLeverage  = 5.0
	HighLeverage    = 20.0
	ExtremeLeverage = 50.0
)

// RiskWarning is an advisory classification. It never blocks an action.
type RiskWarning struct {
	Level           RiskLevel `json:"level"`
	Message         string    `json:"message"`
	Recommendations []string  `json:"recommendations"`
}

// GenerateRiskWarning classifies leverage and, when marginRatio is non-nil,
// the current margin ratio against the default thresholds.
func (e *Engine) GenerateRiskWarning(leverage float64, marginRatio *float64) RiskWarning {
	return warning(leverage, marginRatio, e.warnAt)
}

// GenerateRiskWarningFor is GenerateRiskWarning using exchange's thresholds.
func (e *Engine) GenerateRiskWarningFor(exchange string, leverage float64, marginRatio *float64) (RiskWarning, error) {
	p, err := e.Profile(exchange)
	if err != nil {
		return RiskWarning{}, err
	}
	return warning(leverage, marginRatio, p), nil
}

func warning(leverage float64, marginRatio *float64, th ExchangeProfile) RiskWarning {
	var w RiskWarning
	switch {
	case leverage >= ExtremeLeverage:
		w.Level = RiskExtreme
		w.Message = "Extremely high leverage. The entire margin can be lost on a small adverse move."
		w.Recommendations = []string{
			"Reduce leverage to 20x or lower",
			"Reduce position size",
			"Always set a stop loss",
		}
	case leverage >= HighLeverage:
		w.Level = RiskHigh
		w.Message = "High leverage. Sharp price moves can cause large losses."
		w.Recommendations = []string{
			"A stop loss is strongly recommended",
			"Size the position conservatively",
		}
	case leverage >= MediumLeverage:
		w.Level = RiskMedium
		w.Message = "Moderate leverage. Manage risk carefully."
		w.Recommendations = []string{"Setting a stop loss is recommended"}
	default:
		w.Level = RiskLow
		w.Message = "Relatively low leverage."
		w.Recommendations = []string{}
	}

	if marginRatio == nil {
		return w
	}
	switch r := *marginRatio; {
	case r < th.LiquidationThreshold:
		w.Level = RiskExtreme
		w.Message = "Liquidation imminent. Immediate action required."
		w.Recommendations = append([]string{"Add margin or reduce the position now"}, w.Recommendations...)
	case r < th.MarginCallThreshold:
		if w.Level != RiskExtreme {
			w.Level = RiskHigh
		}
		w.Message = "Margin ratio is below the margin call level. " + w.Message
		w.Recommendations = append([]string{"Consider adding margin or reducing the position"}, w.Recommendations...)
	}
	return w
}
