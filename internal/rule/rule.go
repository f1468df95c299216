// Package rule decides whether an alert fires for a given quote. Everything
// here is pure; the engine owns state transitions.
package rule

import (
	"fmt"
	"math"
	"time"

	"token-alert-bot/internal/types"
)

type Outcome int

const (
	NoTrigger Outcome = iota
	Trigger
	Inconclusive
)

func (o Outcome) String() string {
	switch o {
	case NoTrigger:
		return "no_trigger"
	case Trigger:
		return "trigger"
	case Inconclusive:
		return "inconclusive"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Decision carries the outcome and the value that was compared against the
// threshold: a price for price kinds, a percent for percent kinds.
type Decision struct {
	Outcome  Outcome
	Observed float64
	Reason   string
}

func inconclusive(reason string) Decision {
	return Decision{Outcome: Inconclusive, Reason: reason}
}

func decide(hit bool, observed float64) Decision {
	if hit {
		return Decision{Outcome: Trigger, Observed: observed}
	}
	return Decision{Outcome: NoTrigger, Observed: observed}
}

// Evaluate applies the alert's rule to q. A nil quote means the token could
// not be resolved this cycle and is always inconclusive.
func Evaluate(a types.Alert, q *types.Quote) Decision {
	if q == nil {
		return inconclusive("quote unavailable")
	}
	if math.IsNaN(q.PriceUSD) || q.PriceUSD <= 0 {
		return inconclusive("quote has no usable price")
	}

	switch a.Kind {
	case types.KindPriceAbove:
		return decide(q.PriceUSD >= a.Threshold, q.PriceUSD)

	case types.KindPriceBelow:
		return decide(q.PriceUSD <= a.Threshold, q.PriceUSD)

	case types.KindPercentMove:
		change, ok := q.PriceChange[a.Timeframe]
		if !ok || math.IsNaN(change) {
			return inconclusive(fmt.Sprintf("no %s change in quote", a.Timeframe))
		}
		return decide(crosses(a.Direction, change, a.Threshold), change)

	case types.KindPercentSinceReference:
		if a.ReferencePrice <= 0 {
			return inconclusive("alert has no reference price")
		}
		change := (q.PriceUSD - a.ReferencePrice) / a.ReferencePrice * 100
		return decide(crossesReference(a, q.PriceUSD), change)
	}

	return inconclusive(fmt.Sprintf("unknown kind %q", a.Kind))
}

func crosses(d types.Direction, change, threshold float64) bool {
	switch d {
	case types.DirectionDown:
		return change <= -threshold
	case types.DirectionAny:
		return math.Abs(change) >= threshold
	default:
		return change >= threshold
	}
}

// crossesReference compares prices rather than the derived percentage so that
// observing exactly ref*(1+t/100) fires regardless of division rounding.
func crossesReference(a types.Alert, price float64) bool {
	up := a.ReferencePrice * (1 + a.Threshold/100)
	down := a.ReferencePrice * (1 - a.Threshold/100)

	switch a.Direction {
	case types.DirectionDown:
		return price <= down
	case types.DirectionAny:
		return price >= up || price <= down
	default:
		return price >= up
	}
}

// Expired reports whether a time-boxed alert outlived window. Only alerts
// measured against a reference price are time-boxed.
func Expired(a types.Alert, now time.Time, window time.Duration) bool {
	if a.Kind != types.KindPercentSinceReference || window <= 0 {
		return false
	}
	return now.Sub(a.ReferenceTime) > window
}
