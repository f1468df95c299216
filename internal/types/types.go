package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind selects which rule an alert is evaluated with.
type Kind string

const (
	KindPriceAbove            Kind = "price_above"
	KindPriceBelow            Kind = "price_below"
	KindPercentMove           Kind = "percent_move"
	KindPercentSinceReference Kind = "percent_since_reference"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPriceAbove, KindPriceBelow, KindPercentMove, KindPercentSinceReference:
		return true
	}
	return false
}

// IsPercent reports whether the threshold is a percentage.
func (k Kind) IsPercent() bool {
	return k == KindPercentMove || k == KindPercentSinceReference
}

// Direction applies to percent kinds only.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionAny  Direction = "any"
)

func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown || d == DirectionAny
}

type State string

const (
	StateArmed     State = "armed"
	StateTriggered State = "triggered"
	StateExpired   State = "expired"
)

func (s State) Terminal() bool {
	return s == StateTriggered || s == StateExpired
}

type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe1h  Timeframe = "1h"
	Timeframe6h  Timeframe = "6h"
	Timeframe24h Timeframe = "24h"
)

// Timeframes lists every supported window, shortest first.
var Timeframes = []Timeframe{Timeframe5m, Timeframe1h, Timeframe6h, Timeframe24h}

func (tf Timeframe) Valid() bool {
	for _, known := range Timeframes {
		if tf == known {
			return true
		}
	}
	return false
}

// Token identifies a token by contract (or mint) address. Chain is empty until
// the quote source has resolved it.
type Token struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// ParseToken accepts "chain:address" or a bare address.
func ParseToken(s string) Token {
	s = strings.TrimSpace(s)
	if chain, addr, ok := strings.Cut(s, ":"); ok && chain != "" && addr != "" {
		return Token{Chain: strings.ToLower(chain), Address: addr}
	}
	return Token{Address: s}
}

// Key is used to group alerts that share a quote within one cycle.
func (t Token) Key() string {
	return strings.ToLower(t.Chain) + ":" + normalizeAddress(t.Address)
}

// SameAddress reports whether addr names the same contract. Hex (EVM)
// addresses are case-insensitive; base58 mints such as Solana's are not.
func (t Token) SameAddress(addr string) bool {
	return normalizeAddress(t.Address) == normalizeAddress(addr)
}

func normalizeAddress(addr string) string {
	if isHexAddress(addr) {
		return strings.ToLower(addr)
	}
	return addr
}

func isHexAddress(addr string) bool {
	if len(addr) < 3 || (addr[:2] != "0x" && addr[:2] != "0X") {
		return false
	}
	for _, c := range addr[2:] {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func (t Token) String() string {
	if t.Chain == "" {
		return t.Address
	}
	return t.Chain + ":" + t.Address
}

// Alert is a single user-defined condition. Kind decides which of Direction,
// Timeframe and the reference fields are populated; NewAlert enforces it.
type Alert struct {
	ID             string    `json:"id"`
	Owner          int64     `json:"owner"`
	Target         Token     `json:"target"`
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	Kind           Kind      `json:"kind"`
	Threshold      float64   `json:"threshold"`
	Direction      Direction `json:"direction,omitempty"`
	Timeframe      Timeframe `json:"timeframe,omitempty"`
	ReferencePrice float64   `json:"reference_price,omitempty"`
	ReferenceTime  time.Time `json:"reference_time,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	SettledAt      time.Time `json:"settled_at,omitempty"`
	ObservedValue  float64   `json:"observed_value,omitempty"`
}

// AlertSpec carries the user supplied fields of a new alert.
type AlertSpec struct {
	ID             string
	Owner          int64
	Target         Token
	Name           string
	Symbol         string
	Kind           Kind
	Threshold      float64
	Direction      Direction
	Timeframe      Timeframe
	ReferencePrice float64
	ReferenceTime  time.Time
	CreatedAt      time.Time
}

// NewAlert validates spec and returns an armed alert.
func NewAlert(spec AlertSpec) (Alert, error) {
	invalid := func(format string, args ...interface{}) (Alert, error) {
		return Alert{}, &InvalidAlertError{Reason: fmt.Sprintf(format, args...)}
	}

	if spec.ID == "" {
		return invalid("missing id")
	}
	if spec.Owner == 0 {
		return invalid("missing owner")
	}
	if strings.TrimSpace(spec.Target.Address) == "" {
		return invalid("missing token address")
	}
	if !spec.Kind.Valid() {
		return invalid("unknown alert kind %q", spec.Kind)
	}
	if math.IsNaN(spec.Threshold) || math.IsInf(spec.Threshold, 0) || spec.Threshold <= 0 {
		return invalid("threshold must be a positive number, got %v", spec.Threshold)
	}

	a := Alert{
		ID:        spec.ID,
		Owner:     spec.Owner,
		Target:    spec.Target,
		Name:      spec.Name,
		Symbol:    spec.Symbol,
		Kind:      spec.Kind,
		Threshold: spec.Threshold,
		State:     StateArmed,
		CreatedAt: spec.CreatedAt,
	}

	if spec.Kind.IsPercent() {
		if spec.Direction == "" {
			spec.Direction = DirectionUp
		}
		if !spec.Direction.Valid() {
			return invalid("unknown direction %q", spec.Direction)
		}
		// a drop of 100% or more would need a non-positive price
		if spec.Direction == DirectionDown && spec.Threshold >= 100 {
			return invalid("a downward move of %v%% can never be observed", spec.Threshold)
		}
		a.Direction = spec.Direction
	} else if spec.Direction != "" {
		return invalid("direction is only valid for percent alerts")
	}

	switch spec.Kind {
	case KindPercentMove:
		if !spec.Timeframe.Valid() {
			return invalid("unknown timeframe %q", spec.Timeframe)
		}
		a.Timeframe = spec.Timeframe
	case KindPercentSinceReference:
		if spec.Timeframe != "" {
			return invalid("timeframe is only valid for percent_move alerts")
		}
		if math.IsNaN(spec.ReferencePrice) || math.IsInf(spec.ReferencePrice, 0) || spec.ReferencePrice <= 0 {
			return invalid("reference price must be positive, got %v", spec.ReferencePrice)
		}
		if spec.ReferenceTime.IsZero() {
			return invalid("missing reference time")
		}
		a.ReferencePrice = spec.ReferencePrice
		a.ReferenceTime = spec.ReferenceTime
	default:
		if spec.Timeframe != "" {
			return invalid("timeframe is only valid for percent_move alerts")
		}
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return a, nil
}

// Filter narrows Store.List. Zero fields match everything.
type Filter struct {
	Owner int64
	State State
}

func (f Filter) Match(a Alert) bool {
	if f.Owner != 0 && a.Owner != f.Owner {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	return true
}

// Transition moves an armed alert into a terminal state.
type Transition struct {
	ID       string
	To       State
	At       time.Time
	Observed float64
}

// Quote is a point-in-time snapshot for one token.
type Quote struct {
	Token       Token
	Name        string
	Symbol      string
	PriceUSD    float64
	PriceChange map[Timeframe]float64
	MarketCap   float64
	Liquidity   float64
	PairAddress string
	DexID       string
	URL         string
	FetchedAt   time.Time
}

// Notification is handed to the notifier once an alert has been triggered and
// the transition is durable.
type Notification struct {
	AlertID     string
	Owner       int64
	Token       Token
	Name        string
	Symbol      string
	Kind        Kind
	Direction   Direction
	Timeframe   Timeframe
	Threshold   float64
	Observed    float64
	PriceUSD    float64
	MarketCap   float64
	URL         string
	TriggeredAt time.Time
}
