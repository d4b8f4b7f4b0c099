package columns

import (
	"strings"
	"unicode"
)

// ToSnakeCase converts a mixed-case field name to the snake_case vocabulary
// the column specs are written in: "LatitudeDegrees" -> "latitude_degrees",
// "HRValue" -> "hr_value". Spaces and dashes become underscores and
// already snake_cased names are returned unchanged.
func ToSnakeCase(name string) string {
	runes := []rune(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(runes) + 4)

	for i, r := range runes {
		if r == ' ' || r == '-' {
			r = '_'
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prev != '_' && prev != ' ' && prev != '-' &&
				(unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower)) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
