package predicate

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/index"
)

// Cond is a condition on a single index value.
type Cond interface {
	Matches(v index.Value) bool
}

// StringMode selects how a string condition compares.
type StringMode int

const (
	// StringPrefix matches normalized values starting with Value.
	StringPrefix StringMode = iota
	// StringExact matches the original text exactly.
	StringExact
	// StringContains matches normalized values containing Value.
	StringContains
)

// StringCond matches string parameters. Value is already normalized for
// prefix and contains modes.
type StringCond struct {
	Mode  StringMode
	Value string
}

func (c StringCond) Matches(v index.Value) bool {
	switch c.Mode {
	case StringExact:
		return v.Exact == c.Value
	case StringContains:
		return strings.Contains(v.String, c.Value)
	default:
		return strings.HasPrefix(v.String, c.Value)
	}
}

// HierarchyMode selects equality or hierarchical matching for tokens and uris.
type HierarchyMode int

const (
	Equal HierarchyMode = iota
	// Above matches stored values that are ancestors of the search value.
	Above
	// Below matches stored values that are descendants of the search value.
	Below
)

// TokenCond matches token parameters.
//
//	code          any system, code equal
//	|code         no system, code equal
//	system|code   system and code equal
//	system|       any code in system
//
// Above and Below compare codes by prefix, which fits hierarchical code
// systems such as ICD-10 without a terminology service.
type TokenCond struct {
	System    string
	HasSystem bool
	Code      string
	Mode      HierarchyMode
}

func (c TokenCond) Matches(v index.Value) bool {
	if c.HasSystem && v.System != c.System {
		return false
	}
	if c.Code == "" {
		return c.HasSystem
	}
	switch c.Mode {
	case Above:
		return v.Code != "" && strings.HasPrefix(c.Code, v.Code)
	case Below:
		return strings.HasPrefix(v.Code, c.Code)
	default:
		return v.Code == c.Code
	}
}

// URICond matches uri parameters. Above and Below compare by prefix.
type URICond struct {
	Mode  HierarchyMode
	Value string
}

func (c URICond) Matches(v index.Value) bool {
	switch c.Mode {
	case Above:
		return v.Exact != "" && strings.HasPrefix(c.Value, v.Exact)
	case Below:
		return strings.HasPrefix(v.Exact, c.Value)
	default:
		return v.Exact == c.Value
	}
}

// NumberCond matches number and quantity parameters. Low and High bound the
// implicit range of an eq/ne search value at its stated precision, so
// "100" matches [99.5, 100.5). System and Code, when set, must equal the
// stored quantity unit.
type NumberCond struct {
	Prefix fhir.SearchPrefix
	Value  decimal.Decimal
	Low    decimal.Decimal
	High   decimal.Decimal
	System string
	Code   string
}

// NewNumberCond builds a condition, deriving the implicit range from the
// number of significant decimals in value.
func NewNumberCond(prefix fhir.SearchPrefix, value decimal.Decimal) NumberCond {
	half := decimal.New(5, value.Exponent()-1)
	return NumberCond{
		Prefix: prefix,
		Value:  value,
		Low:    value.Sub(half),
		High:   value.Add(half),
	}
}

func (c NumberCond) Matches(v index.Value) bool {
	if v.Number == nil {
		return false
	}
	if c.System != "" && v.System != c.System {
		return false
	}
	if c.Code != "" && v.Code != c.Code {
		return false
	}
	n := *v.Number
	switch c.Prefix {
	case fhir.PrefixNe:
		return n.LessThan(c.Low) || n.GreaterThanOrEqual(c.High)
	case fhir.PrefixGt:
		return n.GreaterThan(c.Value)
	case fhir.PrefixGe:
		return n.GreaterThanOrEqual(c.Value)
	case fhir.PrefixLt:
		return n.LessThan(c.Value)
	case fhir.PrefixLe:
		return n.LessThanOrEqual(c.Value)
	default:
		return n.GreaterThanOrEqual(c.Low) && n.LessThan(c.High)
	}
}

// DateCond matches date parameters against the stored [Start, End] range.
// Start and End are the range of the search value at its precision.
//
//	eq  stored range lies within the search range
//	ne  not eq
//	gt  stored range ends after the search range
//	lt  stored range starts before the search range
//	ge  gt or eq
//	le  lt or eq
type DateCond struct {
	Prefix fhir.SearchPrefix
	Start  time.Time
	End    time.Time
}

func (c DateCond) Matches(v index.Value) bool {
	if v.Start == nil || v.End == nil {
		return false
	}
	return c.matchRange(*v.Start, *v.End)
}

// MatchesInstant compares a single instant such as a resource's lastUpdated.
func (c DateCond) MatchesInstant(t time.Time) bool {
	return c.matchRange(t, t)
}

func (c DateCond) matchRange(start, end time.Time) bool {
	eq := !start.Before(c.Start) && !end.After(c.End)
	switch c.Prefix {
	case fhir.PrefixNe:
		return !eq
	case fhir.PrefixGt:
		return end.After(c.End)
	case fhir.PrefixLt:
		return start.Before(c.Start)
	case fhir.PrefixGe:
		return eq || end.After(c.End)
	case fhir.PrefixLe:
		return eq || start.Before(c.Start)
	default:
		return eq
	}
}

// ReferenceCond matches reference parameters. An empty Type matches any
// target type with the given id.
type ReferenceCond struct {
	Type string
	ID   string
}

func (c ReferenceCond) Matches(v index.Value) bool {
	if v.RefID != c.ID {
		return false
	}
	return c.Type == "" || v.RefType == c.Type
}
