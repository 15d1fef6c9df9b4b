package mlscorer

import (
	"time"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// featureVector is the deterministic projection shared with the model. The
// field order and names are part of the serving contract; changing them
// requires a model_version bump.
type featureVector struct {
	Amount          float64 `json:"amount"`
	Hour            int     `json:"hour"`
	DayOfWeek       int     `json:"day_of_week"`
	MCC             string  `json:"mcc"`
	CardType        string  `json:"card_type"`
	Channel         string  `json:"channel"`
	IsInternational bool    `json:"is_international"`
	IsNight         bool    `json:"is_night"`
	IsWeekend       bool    `json:"is_weekend"`
	AmountBucket    int     `json:"amount_bucket"`
	// DistanceBucket is -1 when merchant coordinates are absent.
	DistanceBucket int `json:"distance_bucket"`
}

// extractFeatures projects an event onto the model's input space.
func extractFeatures(ev domain.TransactionEvent) featureVector {
	ts := ev.Timestamp.UTC()
	hour := ts.Hour()
	weekday := ts.Weekday()

	return featureVector{
		Amount:          ev.Amount,
		Hour:            hour,
		DayOfWeek:       int(weekday),
		MCC:             ev.Merchant.MCC,
		CardType:        ev.Card.Type,
		Channel:         ev.Context.Channel,
		IsInternational: ev.Context.Geo != "" && ev.Merchant.Country != "" && ev.Merchant.Country != ev.Context.Geo,
		IsNight:         hour < 6 || hour >= 22,
		IsWeekend:       weekday == time.Saturday || weekday == time.Sunday,
		AmountBucket:    amountBucket(ev.Amount),
		DistanceBucket:  distanceBucket(ev.Merchant),
	}
}

func amountBucket(amount float64) int {
	switch {
	case amount < 10:
		return 0
	case amount < 50:
		return 1
	case amount < 200:
		return 2
	case amount < 1000:
		return 3
	case amount < 5000:
		return 4
	}
	return 5
}

// distanceBucket needs both merchant coordinates and a home location; the
// event carries only the merchant side, so presence of coordinates is the
// only signal available today.
func distanceBucket(m domain.Merchant) int {
	if m.Lat == nil || m.Long == nil {
		return -1
	}
	return 0
}
