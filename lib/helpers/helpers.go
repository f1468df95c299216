package helpers

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func EscapeMarkdownV2(text string) string {
	charactersToEscape := []string{"\\", ".", "-", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "=", "|", "{", "}", "!"}

	for _, char := range charactersToEscape {
		text = strings.ReplaceAll(text, char, "\\"+char)
	}
	return text
}

// FormatPriceUS renders a USD price for display. Sub-cent prices keep four
// significant digits so that memecoin prices never collapse to zero. The
// result is for people only; trigger decisions use the raw value.
func FormatPriceUS(price float64, escapeMarkdown bool) string {
	decimals := 6

	abs := math.Abs(price)
	if abs >= 1000 {
		decimals = 0
	} else if abs > 1.2 {
		decimals = 2
	} else if abs > 0 && abs < 0.01 {
		decimals = int(-math.Floor(math.Log10(abs))) + 3
		if decimals > 18 {
			decimals = 18
		}
	}

	p := message.NewPrinter(language.English)
	formatted := p.Sprintf("%.*f", decimals, price)

	if escapeMarkdown {
		return EscapeMarkdownV2(formatted)
	}
	return formatted
}

// FormatPercentage renders a signed percentage with two decimals.
func FormatPercentage(pct float64) string {
	s := strconv.FormatFloat(pct, 'f', 2, 64)
	if pct > 0 {
		s = "+" + s
	}
	return EscapeMarkdownV2(s + "%")
}

// FormatUSDCompact renders large amounts such as market caps ("$1.5 M").
func FormatUSDCompact(amount float64) string {
	if amount <= 0 {
		return "n/a"
	}
	return EscapeMarkdownV2("$" + humanize.SIWithDigits(amount, 2, ""))
}

func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return EscapeMarkdownV2(t.UTC().Format("2006-01-02 15:04 UTC"))
}

// FormatAge renders how long ago t was ("3 hours ago").
func FormatAge(t, now time.Time) string {
	return EscapeMarkdownV2(humanize.RelTime(t, now, "ago", "from now"))
}
