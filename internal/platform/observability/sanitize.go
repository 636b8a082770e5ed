package observability

import (
	"strings"
	"unicode"
)

// Upper bounds, in runes, for request-derived values written to logs and spans.
const (
	maxMethodLen     = 10
	maxRouteLen      = 180
	maxCheckoutIDLen = 64
	maxAddrLen       = 64
)

// logSafe drops control characters and truncates to limit runes. Newlines
// become spaces so a value can never start a forged log line.
func logSafe(value string, limit int) string {
	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case unicode.IsControl(r):
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute bounds a route or chi pattern; empty becomes "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return logSafe(route, maxRouteLen)
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(logSafe(method, maxMethodLen))
}

// SanitizeCheckoutID bounds client-supplied session identifiers.
func SanitizeCheckoutID(id string) string {
	return logSafe(strings.TrimSpace(id), maxCheckoutIDLen)
}
