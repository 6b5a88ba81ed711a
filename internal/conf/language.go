package conf

import (
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage canonicalises a configured language code to the base
// two-letter form used by the reference translations table ("en-US" -> "en",
// "FI" -> "fi"). Unparseable values fall back to English.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "en"
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "en"
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "en"
	}
	return base.String()
}

// DisplayLanguage returns the normalised configured language.
func (s *Settings) DisplayLanguage() string {
	return NormalizeLanguage(s.Location.Language)
}
