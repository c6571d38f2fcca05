package regime

import "github.com/shopspring/decimal"

// Sentiment classes, a five-way bucketing of a 0-100 fear/greed score.
const (
	SentimentExtremeFear  = "extreme_fear"
	SentimentFear         = "fear"
	SentimentNeutral      = "neutral"
	SentimentGreed        = "greed"
	SentimentExtremeGreed = "extreme_greed"
)

// ClassifySentiment buckets a 0-100 fear/greed score into its named class.
func ClassifySentiment(score decimal.Decimal) string {
	switch {
	case score.LessThan(decimal.NewFromInt(25)):
		return SentimentExtremeFear
	case score.LessThan(decimal.NewFromInt(45)):
		return SentimentFear
	case score.LessThan(decimal.NewFromInt(55)):
		return SentimentNeutral
	case score.LessThan(decimal.NewFromInt(75)):
		return SentimentGreed
	default:
		return SentimentExtremeGreed
	}
}

// SentimentMultiplier is the sizing adjustment applied to new entries by
// sentiment class: extreme readings in either direction dampen size,
// since both chase and panic conditions correlate with worse crossover
// follow-through.
func SentimentMultiplier(class string) decimal.Decimal {
	switch class {
	case SentimentExtremeFear:
		return decimal.NewFromFloat(0.70)
	case SentimentFear:
		return decimal.NewFromFloat(0.90)
	case SentimentNeutral:
		return decimal.NewFromFloat(1.00)
	case SentimentGreed:
		return decimal.NewFromFloat(1.00)
	case SentimentExtremeGreed:
		return decimal.NewFromFloat(0.80)
	default:
		return decimal.NewFromFloat(1.00)
	}
}
