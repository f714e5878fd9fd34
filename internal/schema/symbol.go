// Package schema defines the unified domain types shared across venues and the
// runtime validation gate every adapter output passes through.
package schema

import (
	"strings"

	"github.com/keelhq/keel/errs"
)

// Symbol is a canonical instrument identifier of the form BASE/QUOTE[:SETTLE],
// e.g. "BTC/USDT:USDT". Venue-native encodings are a per-adapter concern.
type Symbol = string

// ParsedSymbol holds the decomposed legs of a canonical symbol.
type ParsedSymbol struct {
	Base   string
	Quote  string
	Settle string
}

// ParseSymbol decomposes a canonical symbol, validating its shape.
func ParseSymbol(symbol string) (ParsedSymbol, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return ParsedSymbol{}, errs.New("", errs.CodeInvalidSymbol, errs.WithMessage("symbol required"))
	}

	rest := trimmed
	settle := ""
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		settle = rest[idx+1:]
		rest = rest[:idx]
	}

	base, quote, ok := strings.Cut(rest, "/")
	if !ok || base == "" || quote == "" {
		return ParsedSymbol{}, errs.InvalidSymbol("", trimmed)
	}
	if settle == "" && strings.Contains(trimmed, ":") {
		return ParsedSymbol{}, errs.InvalidSymbol("", trimmed)
	}
	for _, leg := range []string{base, quote, settle} {
		if leg == "" {
			continue
		}
		if !isUpperAlnum(leg) {
			return ParsedSymbol{}, errs.InvalidSymbol("", trimmed)
		}
	}
	return ParsedSymbol{Base: base, Quote: quote, Settle: settle}, nil
}

// FormatSymbol renders the canonical form from its legs.
func FormatSymbol(base, quote, settle string) string {
	s := strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
	if settle = strings.ToUpper(strings.TrimSpace(settle)); settle != "" {
		s += ":" + settle
	}
	return s
}

// MungeSymbol renders a symbol as a filesystem- and column-safe token,
// replacing '/' and ':' with '_' ("BTC/USDT:USDT" -> "BTC_USDT_USDT").
func MungeSymbol(symbol string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_")
	return replacer.Replace(symbol)
}

func isUpperAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) > 0
}
