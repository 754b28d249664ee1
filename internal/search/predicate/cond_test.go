package predicate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/index"
)

func num(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestStringCond(t *testing.T) {
	v := index.Value{String: "van der berg", Exact: "Van der Berg"}
	tests := []struct {
		name string
		cond StringCond
		want bool
	}{
		{"prefix", StringCond{Mode: StringPrefix, Value: "van"}, true},
		{"prefix miss", StringCond{Mode: StringPrefix, Value: "berg"}, false},
		{"contains", StringCond{Mode: StringContains, Value: "der b"}, true},
		{"exact", StringCond{Mode: StringExact, Value: "Van der Berg"}, true},
		{"exact is case sensitive", StringCond{Mode: StringExact, Value: "van der berg"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(v); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenCond(t *testing.T) {
	loinc := index.Value{System: "http://loinc.org", Code: "2339-0"}
	bare := index.Value{Code: "2339-0"}

	tests := []struct {
		name string
		cond TokenCond
		v    index.Value
		want bool
	}{
		{"system and code", TokenCond{System: "http://loinc.org", HasSystem: true, Code: "2339-0"}, loinc, true},
		{"wrong system", TokenCond{System: "http://snomed.info/sct", HasSystem: true, Code: "2339-0"}, loinc, false},
		{"code only matches any system", TokenCond{Code: "2339-0"}, loinc, true},
		{"code only matches no system", TokenCond{Code: "2339-0"}, bare, true},
		{"explicit empty system", TokenCond{HasSystem: true, Code: "2339-0"}, loinc, false},
		{"explicit empty system on bare", TokenCond{HasSystem: true, Code: "2339-0"}, bare, true},
		{"system only", TokenCond{System: "http://loinc.org", HasSystem: true}, loinc, true},
		{"below", TokenCond{Code: "E11", Mode: Below}, index.Value{Code: "E11.9"}, true},
		{"below miss", TokenCond{Code: "E12", Mode: Below}, index.Value{Code: "E11.9"}, false},
		{"above", TokenCond{Code: "E11.9", Mode: Above}, index.Value{Code: "E11"}, true},
		{"above ignores empty", TokenCond{Code: "E11.9", Mode: Above}, index.Value{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(tt.v); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestURICond(t *testing.T) {
	v := index.Value{Exact: "http://acme.org/fhir/policy/1"}
	if !(URICond{Value: "http://acme.org/fhir/policy/1"}).Matches(v) {
		t.Error("expected equal match")
	}
	if !(URICond{Mode: Below, Value: "http://acme.org/fhir"}).Matches(v) {
		t.Error("expected below match")
	}
	if !(URICond{Mode: Above, Value: "http://acme.org/fhir/policy/1/v2"}).Matches(v) {
		t.Error("expected above match")
	}
	if (URICond{Value: "http://acme.org"}).Matches(v) {
		t.Error("unexpected equal match")
	}
}

func TestNumberCond_ImplicitPrecision(t *testing.T) {
	tests := []struct {
		search string
		stored string
		want   bool
	}{
		{"100", "100", true},
		{"100", "99.5", true},
		{"100", "100.4", true},
		{"100", "100.5", false},
		{"100", "99.4", false},
		{"100.0", "100.04", true},
		{"100.0", "100.06", false},
	}
	for _, tt := range tests {
		c := NewNumberCond(fhir.PrefixEq, decimal.RequireFromString(tt.search))
		if got := c.Matches(index.Value{Number: num(tt.stored)}); got != tt.want {
			t.Errorf("eq%s vs %s = %v, want %v", tt.search, tt.stored, got, tt.want)
		}
		ne := NewNumberCond(fhir.PrefixNe, decimal.RequireFromString(tt.search))
		if got := ne.Matches(index.Value{Number: num(tt.stored)}); got == tt.want {
			t.Errorf("ne%s vs %s = %v, want %v", tt.search, tt.stored, got, !tt.want)
		}
	}
}

func TestNumberCond_Comparators(t *testing.T) {
	v := index.Value{Number: num("150")}
	tests := []struct {
		prefix fhir.SearchPrefix
		value  string
		want   bool
	}{
		{fhir.PrefixGt, "100", true},
		{fhir.PrefixGt, "150", false},
		{fhir.PrefixGe, "150", true},
		{fhir.PrefixLt, "200", true},
		{fhir.PrefixLt, "150", false},
		{fhir.PrefixLe, "150", true},
	}
	for _, tt := range tests {
		c := NewNumberCond(tt.prefix, decimal.RequireFromString(tt.value))
		if got := c.Matches(v); got != tt.want {
			t.Errorf("%s%s = %v, want %v", tt.prefix, tt.value, got, tt.want)
		}
	}
	if NewNumberCond(fhir.PrefixGt, decimal.Zero).Matches(index.Value{}) {
		t.Error("a value without a number must not match")
	}
}

func TestNumberCond_Units(t *testing.T) {
	v := index.Value{Number: num("5"), System: "http://unitsofmeasure.org", Code: "mg"}
	c := NewNumberCond(fhir.PrefixEq, decimal.RequireFromString("5"))
	c.System = "http://unitsofmeasure.org"
	c.Code = "mg"
	if !c.Matches(v) {
		t.Error("expected unit match")
	}
	c.Code = "g"
	if c.Matches(v) {
		t.Error("unit mismatch must not match")
	}
}

func TestDateCond(t *testing.T) {
	rng := func(s string) fhir.DateRange {
		r, err := fhir.ParseDateRange(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return r
	}
	val := func(s string) index.Value {
		r := rng(s)
		return index.Value{Start: &r.Start, End: &r.End}
	}
	cond := func(p fhir.SearchPrefix, s string) DateCond {
		r := rng(s)
		return DateCond{Prefix: p, Start: r.Start, End: r.End}
	}

	tests := []struct {
		name   string
		cond   DateCond
		stored string
		want   bool
	}{
		{"eq day contains instant", cond(fhir.PrefixEq, "2023-03-04"), "2023-03-04T10:00:00Z", true},
		{"eq day excludes next day", cond(fhir.PrefixEq, "2023-03-04"), "2023-03-05T00:00:00Z", false},
		{"eq year contains month", cond(fhir.PrefixEq, "2023"), "2023-07", true},
		{"eq day does not contain month", cond(fhir.PrefixEq, "2023-07-01"), "2023-07", false},
		{"ne", cond(fhir.PrefixNe, "2023"), "2024-01-01", true},
		{"gt", cond(fhir.PrefixGt, "2023-01-01"), "2023-01-02", true},
		{"gt same day", cond(fhir.PrefixGt, "2023-01-01"), "2023-01-01T12:00:00Z", false},
		{"lt", cond(fhir.PrefixLt, "2023-01-01"), "2022-12-31", true},
		{"ge same", cond(fhir.PrefixGe, "2023-01-01"), "2023-01-01T12:00:00Z", true},
		{"ge before", cond(fhir.PrefixGe, "2023-01-01"), "2022-12-31", false},
		{"le same", cond(fhir.PrefixLe, "2023-01-01"), "2023-01-01", true},
		{"le after", cond(fhir.PrefixLe, "2023-01-01"), "2023-01-02", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(val(tt.stored)); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}

	if cond(fhir.PrefixEq, "2023").Matches(index.Value{}) {
		t.Error("missing range must not match")
	}
}

func TestDateCond_MatchesInstant(t *testing.T) {
	c := DateCond{Prefix: fhir.PrefixGt, Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2023, 1, 1, 23, 59, 59, 0, time.UTC)}
	if !c.MatchesInstant(time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected later instant to match gt")
	}
}

func TestReferenceCond(t *testing.T) {
	v := index.Value{RefType: "Patient", RefID: "1"}
	if !(ReferenceCond{Type: "Patient", ID: "1"}).Matches(v) {
		t.Error("expected typed match")
	}
	if !(ReferenceCond{ID: "1"}).Matches(v) {
		t.Error("expected untyped match")
	}
	if (ReferenceCond{Type: "Group", ID: "1"}).Matches(v) {
		t.Error("unexpected type match")
	}
}

func TestRewrite(t *testing.T) {
	e := And{Exprs: []Expr{
		Match{Param: "code", Cond: TokenCond{Code: "x"}},
		Has{SourceType: "Observation", RefParam: "patient"},
	}}
	out := Rewrite(e, func(n Expr) (Expr, bool) {
		if _, ok := n.(Has); ok {
			return IDIn{IDs: []string{"1"}}, true
		}
		return nil, false
	})
	and := out.(And)
	if _, ok := and.Exprs[1].(IDIn); !ok {
		t.Errorf("expected Has to be replaced, got %T", and.Exprs[1])
	}
	if _, ok := e.Exprs[1].(Has); !ok {
		t.Error("Rewrite must not mutate the input")
	}

	count := 0
	Walk(out, func(Expr) { count++ })
	if count != 3 {
		t.Errorf("expected 3 nodes, got %d", count)
	}
}
