package roster

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// droppedSurnames lists surname tokens removed from username bases. The
// overwhelmingly common surname is dropped to keep usernames short; rarer
// surnames stay in the base to keep it distinctive.
var droppedSurnames = map[string]struct{}{
	"nguyen": {},
}

// DeriveUsername builds the candidate username for a roster name: school
// prefix plus the folded, lowercased name with dropped surnames removed.
// Conflict suffixes are assigned later by the registration phase.
func DeriveUsername(schoolPrefix, name string) string {
	tokens := strings.Fields(FoldASCII(strings.ToLower(name)))
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, drop := droppedSurnames[tok]; drop {
			continue
		}
		kept = append(kept, tok)
	}
	if len(kept) == 0 {
		kept = tokens
	}
	return schoolPrefix + strings.Join(kept, "")
}

// FoldASCII strips diacritics and maps the remaining letters onto ASCII so
// vietnamese names become valid account names.
func FoldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	// The đ/Đ pair is a distinct letter, not a combining mark.
	folded = strings.ReplaceAll(folded, "đ", "d")
	folded = strings.ReplaceAll(folded, "Đ", "D")
	return folded
}
