package market

import (
	"fmt"
	"strings"
)

// Symbol is a normalized, upper-case ticker.
type Symbol string

// NewSymbol trims and upper-cases s and rejects empty or malformed tickers.
func NewSymbol(s string) (Symbol, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return "", fmt.Errorf("%w: symbol cannot be empty", ErrValidation)
	}
	if len(v) > 32 {
		return "", fmt.Errorf("%w: symbol %q is too long", ErrValidation, v)
	}
	for _, c := range v {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '^', c == '=', c == '_':
		default:
			return "", fmt.Errorf("%w: symbol %q contains invalid character %q", ErrValidation, v, c)
		}
	}
	return Symbol(v), nil
}

// ParseSymbols normalizes every entry of raw. Duplicates are reported as errors.
func ParseSymbols(raw []string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(raw))
	seen := make(map[Symbol]struct{}, len(raw))
	for _, r := range raw {
		s, err := NewSymbol(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrValidation, s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func (s Symbol) String() string { return string(s) }
