package telegram

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"token-alert-bot/internal/alert"
	"token-alert-bot/internal/types"
)

var errUsage = errors.New("usage")

// ParseAddArguments turns the arguments of /add into a create request.
//
//	<token> above|below <price>
//	<token> up|down|move <percent>[%] [5m|1h|6h|24h]
//	<token> pump|dump <percent>[%]
//	<token> <value> price|percent
//
// The last form is the original bot's syntax: price means "goes above" and
// percent means "up over 1h".
func ParseAddArguments(owner int64, args string) (alert.CreateRequest, error) {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		return alert.CreateRequest{}, errUsage
	}

	req := alert.CreateRequest{Owner: owner, Target: types.ParseToken(fields[0])}
	verb := strings.ToLower(fields[1])
	value := fields[2]
	rest := fields[3:]

	// legacy order: value before type
	if _, err := parseNumber(verb); err == nil {
		verb, value = strings.ToLower(fields[2]), fields[1]
		switch verb {
		case "price":
			verb = "above"
		case "percent", "%":
			verb = "up"
		default:
			return alert.CreateRequest{}, errUsage
		}
	}

	threshold, err := parseNumber(value)
	if err != nil {
		return alert.CreateRequest{}, errors.Wrapf(errUsage, "bad number %q", value)
	}
	req.Threshold = threshold

	switch verb {
	case "above", ">":
		req.Kind = types.KindPriceAbove
	case "below", "<":
		req.Kind = types.KindPriceBelow
	case "up", "down", "move":
		req.Kind = types.KindPercentMove
		req.Direction = directions[verb]
		req.Timeframe = types.Timeframe1h
		if len(rest) > 0 {
			req.Timeframe = types.Timeframe(strings.ToLower(rest[0]))
			rest = rest[1:]
		}
	case "pump", "dump":
		req.Kind = types.KindPercentSinceReference
		req.Direction = directions[verb]
	default:
		return alert.CreateRequest{}, errors.Wrapf(errUsage, "unknown alert type %q", verb)
	}

	if len(rest) > 0 {
		return alert.CreateRequest{}, errors.Wrapf(errUsage, "unexpected %q", strings.Join(rest, " "))
	}
	return req, nil
}

var directions = map[string]types.Direction{
	"up":   types.DirectionUp,
	"pump": types.DirectionUp,
	"down": types.DirectionDown,
	"dump": types.DirectionDown,
	"move": types.DirectionAny,
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}
