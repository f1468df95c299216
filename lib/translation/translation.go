package translation

import (
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Configure loads the "default" domain for lang from dir. Missing catalogs are
// fine: untranslated messages fall back to their English ids.
func Configure(dir, lang string) {
	gotext.Configure(dir, strings.ToLower(lang), "default")
}

func GetLanguage() string {
	lang := gotext.GetLanguage()

	if lang == "und" || lang == "" {
		return "en"
	}

	return lang
}

func Translate(msgID string, vars ...interface{}) string {
	return gotext.Get(msgID, vars...)
}

// TranslateN picks the singular or plural message for n.
func TranslateN(msgID, pluralID string, n int, vars ...interface{}) string {
	return gotext.GetN(msgID, pluralID, n, vars...)
}
