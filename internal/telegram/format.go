package telegram

import (
	"fmt"
	"strings"
	"time"

	"token-alert-bot/internal/types"
	"token-alert-bot/lib/helpers"
	"token-alert-bot/lib/translation"
)

func displayName(name, symbol string, token types.Token) string {
	switch {
	case name != "" && symbol != "":
		return fmt.Sprintf("%s (%s)", name, symbol)
	case symbol != "":
		return symbol
	case name != "":
		return name
	}
	return token.String()
}

// describeRule renders the condition of an alert, already MarkdownV2 escaped.
func describeRule(kind types.Kind, dir types.Direction, tf types.Timeframe, threshold float64) string {
	pct := helpers.EscapeMarkdownV2(fmt.Sprintf("%g%%", threshold))

	switch kind {
	case types.KindPriceAbove:
		return translation.Translate("price above $%s", helpers.FormatPriceUS(threshold, true))
	case types.KindPriceBelow:
		return translation.Translate("price below $%s", helpers.FormatPriceUS(threshold, true))
	case types.KindPercentMove:
		switch dir {
		case types.DirectionDown:
			return translation.Translate("down %s over %s", pct, tf)
		case types.DirectionAny:
			return translation.Translate("moves %s over %s", pct, tf)
		}
		return translation.Translate("up %s over %s", pct, tf)
	case types.KindPercentSinceReference:
		switch dir {
		case types.DirectionDown:
			return translation.Translate("dumps %s", pct)
		case types.DirectionAny:
			return translation.Translate("pumps or dumps %s", pct)
		}
		return translation.Translate("pumps %s", pct)
	}
	return helpers.EscapeMarkdownV2(string(kind))
}

// FormatNotification renders the message sent when an alert fires.
func FormatNotification(n types.Notification) string {
	name := helpers.EscapeMarkdownV2(displayName(n.Name, n.Symbol, n.Token))

	var b strings.Builder
	b.WriteString("🚨 *" + translation.Translate("Alert Triggered") + "*\n\n")

	switch n.Kind {
	case types.KindPriceAbove:
		b.WriteString(translation.Translate("*%s* went above *$%s*", name, helpers.FormatPriceUS(n.Threshold, true)))
	case types.KindPriceBelow:
		b.WriteString(translation.Translate("*%s* dropped below *$%s*", name, helpers.FormatPriceUS(n.Threshold, true)))
	case types.KindPercentMove:
		b.WriteString(translation.Translate("*%s* moved *%s* over %s", name, helpers.FormatPercentage(n.Observed), n.Timeframe))
	case types.KindPercentSinceReference:
		b.WriteString(translation.Translate("*%s* moved *%s* since the alert was set", name, helpers.FormatPercentage(n.Observed)))
	}
	b.WriteString("\n")

	if n.PriceUSD > 0 {
		b.WriteString(translation.Translate("Current Price: *$%s*", helpers.FormatPriceUS(n.PriceUSD, true)))
		b.WriteString("\n")
	}
	if n.MarketCap > 0 {
		b.WriteString(translation.Translate("Market Cap: *%s*", helpers.FormatUSDCompact(n.MarketCap)))
		b.WriteString("\n")
	}
	b.WriteString(translation.Translate("Rule: %s", describeRule(n.Kind, n.Direction, n.Timeframe, n.Threshold)))
	b.WriteString("\n")
	if n.URL != "" {
		fmt.Fprintf(&b, "[%s](%s)\n", translation.Translate("View chart"), escapeLinkURL(n.URL))
	}
	fmt.Fprintf(&b, "`%s` • %s", n.AlertID, helpers.FormatDate(n.TriggeredAt))
	return b.String()
}

// FormatAlertList renders alerts for /list and /history. now feeds the
// relative ages.
func FormatAlertList(header string, alerts []types.Alert, now time.Time) string {
	var b strings.Builder
	b.WriteString("*" + helpers.EscapeMarkdownV2(header) + "*\n")

	for i, a := range alerts {
		fmt.Fprintf(&b, "\n%d\\. *%s*\n", i+1, helpers.EscapeMarkdownV2(displayName(a.Name, a.Symbol, a.Target)))
		fmt.Fprintf(&b, "▫️ %s\n", describeRule(a.Kind, a.Direction, a.Timeframe, a.Threshold))
		if a.Kind == types.KindPercentSinceReference {
			fmt.Fprintf(&b, "▫️ %s $%s\n", translation.Translate("Reference"), helpers.FormatPriceUS(a.ReferencePrice, true))
		}

		switch a.State {
		case types.StateTriggered:
			fmt.Fprintf(&b, "▫️ %s %s\n", translation.Translate("Triggered"), helpers.FormatAge(a.SettledAt, now))
		case types.StateExpired:
			fmt.Fprintf(&b, "▫️ %s %s\n", translation.Translate("Expired"), helpers.FormatAge(a.SettledAt, now))
		default:
			fmt.Fprintf(&b, "▫️ %s %s\n", translation.Translate("Created"), helpers.FormatAge(a.CreatedAt, now))
		}
		fmt.Fprintf(&b, "▫️ `%s`\n", a.ID)
	}
	return b.String()
}

// inside (...) of a MarkdownV2 link only ) and \ need escaping
func escapeLinkURL(u string) string {
	u = strings.ReplaceAll(u, `\`, `\\`)
	return strings.ReplaceAll(u, ")", `\)`)
}
