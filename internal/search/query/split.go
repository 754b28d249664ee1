package query

import (
	"net/url"
	"strings"
)

type pair struct {
	key   string
	value string
}

// splitQuery splits a raw query string into decoded key/value pairs,
// preserving order and repeated keys.
func splitQuery(raw string) ([]pair, error) {
	raw = strings.TrimPrefix(raw, "?")
	var out []pair
	for _, piece := range strings.Split(raw, "&") {
		if piece == "" {
			continue
		}
		k, v, _ := strings.Cut(piece, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, parseErrorf(k, "malformed percent-encoding")
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, parseErrorf(key, "malformed percent-encoding in value")
		}
		out = append(out, pair{key: key, value: value})
	}
	return out, nil
}

// splitEscaped splits s on sep, honouring backslash escapes. Escape
// sequences are preserved in the parts so that later splits on other
// separators still see them.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// unescape removes the backslash from \, \$ \| and \\ sequences.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case ',', '$', '|', '\\':
				i++
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
