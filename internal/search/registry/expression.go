package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gofhir/fhirpath"
)

var (
	pathSegment = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	// Observation.value.as(Quantity), Observation.value.ofType(Quantity)
	castCall = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_.]*)\.(?:as|ofType)\(\s*([A-Za-z][A-Za-z0-9]*)\s*\)$`)
	// (Observation.value as Quantity)
	castOperator = regexp.MustCompile(`^\(\s*([A-Za-z][A-Za-z0-9_.]*)\s+as\s+([A-Za-z][A-Za-z0-9]*)\s*\)$`)
)

// isPlainPath reports whether path is dotted element navigation, with
// alternatives separated by '|'. It is the only form the indexer walks.
func isPlainPath(path string) bool {
	for _, alt := range strings.Split(path, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return false
		}
		for _, seg := range strings.Split(alt, ".") {
			if !pathSegment.MatchString(seg) {
				return false
			}
		}
	}
	return true
}

// compileExpression checks that expr is valid FHIRPath and rewrites the
// type casts used on choice elements into the concrete element name, so
// "Observation.value.as(Quantity)" becomes "Observation.valueQuantity".
// Other functions are left in place and rejected later by validate.
func compileExpression(expr string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", nil
	}
	if _, err := fhirpath.Compile(expr); err != nil {
		return "", fmt.Errorf("invalid FHIRPath expression %q: %w", expr, err)
	}

	alts := strings.Split(expr, "|")
	for i, alt := range alts {
		alt = strings.TrimSpace(alt)
		m := castCall.FindStringSubmatch(alt)
		if m == nil {
			m = castOperator.FindStringSubmatch(alt)
		}
		if m != nil {
			alt = m[1] + upperFirst(m[2])
		}
		alts[i] = alt
	}
	return strings.Join(alts, " | "), nil
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
