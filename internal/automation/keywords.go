package automation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips diacritics and collapses whitespace so that
// "Promoção" and "promocao" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// OptOutDetector identifies STOP-style keywords in inbound messages.
type OptOutDetector struct {
	stopRegex *regexp.Regexp
}

// NewOptOutDetector matches the multilingual opt-out keywords against folded
// text. The keyword must be the whole message, optionally with a polite prefix.
func NewOptOutDetector() *OptOutDetector {
	return &OptOutDetector{
		stopRegex: regexp.MustCompile(`^(?:please |por favor )?(stop|stopall|unsubscribe|cancel|parar|sair|cancelar|baja|darme de baja)[.!]*$`),
	}
}

// IsOptOut returns true when body is an opt-out request.
func (d *OptOutDetector) IsOptOut(body string) bool {
	if d == nil || d.stopRegex == nil {
		return false
	}
	return d.stopRegex.MatchString(Fold(body))
}
