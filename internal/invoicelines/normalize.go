// Package invoicelines upserts invoice line items, switching to a staged
// set-based merge once a batch crosses the bulk threshold.
package invoicelines

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// invisible are stripped before any other step. The database function
// normalize_line_description removes the same code points.
var invisible = strings.NewReplacer(
	"\u200b", "", // zero width space
	"\u200c", "", // zero width non-joiner
	"\u200d", "", // zero width joiner
	"\u2060", "", // word joiner
	"\ufeff", "", // byte order mark
	"\u00ad", "", // soft hyphen
)

// NormalizeDescription produces the conflict-matching form of a description:
// invisible characters removed, NFC, whitespace runs collapsed to one space,
// trimmed and lower-cased. The store writes its output as the conflict key;
// the SQL function normalize_line_description mirrors it only for rows
// written without a key.
func NormalizeDescription(s string) string {
	s = invisible.Replace(s)
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
