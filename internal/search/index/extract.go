package index

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/registry"
)

// Keys of HumanName and Address whose text is searchable by string parameters.
var stringParts = []string{
	"text", "family", "given", "prefix", "suffix",
	"line", "city", "district", "state", "postalCode", "country",
}

type extractor struct {
	warnings []string
}

func (x *extractor) warnf(format string, args ...interface{}) {
	x.warnings = append(x.warnings, fmt.Sprintf(format, args...))
}

// values converts the elements found at a path into typed index values.
func (x *extractor) values(param string, typ registry.ParamType, nodes []interface{}) []Value {
	var out []Value
	for _, n := range nodes {
		switch typ {
		case registry.TypeString:
			out = append(out, x.stringValues(param, n)...)
		case registry.TypeToken:
			out = append(out, x.tokenValues(param, n)...)
		case registry.TypeDate:
			out = append(out, x.dateValues(param, n)...)
		case registry.TypeNumber:
			if d, ok := x.decimal(param, n); ok {
				out = append(out, Value{Number: &d})
			}
		case registry.TypeQuantity:
			out = append(out, x.quantityValues(param, n)...)
		case registry.TypeURI:
			if s, ok := n.(string); ok && s != "" {
				out = append(out, Value{Exact: s, String: s})
			} else {
				x.warnf("%s: expected uri string, got %T", param, n)
			}
		}
	}
	return out
}

func stringValue(s string) Value {
	return Value{String: fhir.NormalizeString(s), Exact: s}
}

func (x *extractor) stringValues(param string, n interface{}) []Value {
	switch v := n.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []Value{stringValue(v)}
	case map[string]interface{}:
		var out []Value
		for _, key := range stringParts {
			for _, part := range navigateField(v, key) {
				if s, ok := part.(string); ok && s != "" {
					out = append(out, stringValue(s))
				}
			}
		}
		return out
	default:
		x.warnf("%s: expected string, got %T", param, n)
		return nil
	}
}

func (x *extractor) tokenValues(param string, n interface{}) []Value {
	switch v := n.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []Value{{Code: v}}
	case bool:
		return []Value{{Code: strconv.FormatBool(v)}}
	case json.Number:
		return []Value{{Code: v.String()}}
	case map[string]interface{}:
		// CodeableConcept
		if codings := navigateField(v, "coding"); len(codings) > 0 {
			var out []Value
			for _, c := range codings {
				out = append(out, x.tokenValues(param, c)...)
			}
			return out
		}
		// Coding
		if code := stringField(v, "code"); code != "" {
			return []Value{{System: stringField(v, "system"), Code: code}}
		}
		// Identifier, ContactPoint
		if value := stringField(v, "value"); value != "" {
			return []Value{{System: stringField(v, "system"), Code: value}}
		}
		return nil
	default:
		x.warnf("%s: unsupported token value %T", param, n)
		return nil
	}
}

func (x *extractor) dateValues(param string, n interface{}) []Value {
	var r fhir.DateRange
	var err error
	switch v := n.(type) {
	case string:
		r, err = fhir.ParseDateRange(v)
	case map[string]interface{}:
		r, err = fhir.PeriodRange(stringField(v, "start"), stringField(v, "end"))
	default:
		err = fmt.Errorf("unsupported date value %T", n)
	}
	if err != nil {
		x.warnf("%s: %v", param, err)
		return nil
	}
	start, end := r.Start, r.End
	return []Value{{Start: &start, End: &end}}
}

func (x *extractor) decimal(param string, n interface{}) (decimal.Decimal, bool) {
	switch v := n.(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			x.warnf("%s: invalid number %q", param, v)
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		x.warnf("%s: expected number, got %T", param, n)
		return decimal.Decimal{}, false
	}
}

func (x *extractor) quantityValues(param string, n interface{}) []Value {
	m, ok := asObject(n)
	if !ok {
		if d, ok := x.decimal(param, n); ok {
			return []Value{{Number: &d}}
		}
		return nil
	}
	raw, ok := m["value"]
	if !ok {
		return nil
	}
	d, ok := x.decimal(param, raw)
	if !ok {
		return nil
	}
	code := stringField(m, "code")
	if code == "" {
		code = stringField(m, "unit")
	}
	return []Value{{Number: &d, System: stringField(m, "system"), Code: code}}
}

// reference resolves a Reference element into a canonical target. The
// target type comes from the reference text, then Reference.type, then the
// parameter's only target.
func (x *extractor) reference(def *registry.ParamDef, n interface{}) (fhir.Ref, bool) {
	var text, typeHint string
	switch v := n.(type) {
	case string:
		text = v
	case map[string]interface{}:
		text = stringField(v, "reference")
		typeHint = stringField(v, "type")
		if text == "" {
			// identifier-only or display-only references have no target
			return fhir.Ref{}, false
		}
	default:
		x.warnf("%s: unsupported reference value %T", def.Name, n)
		return fhir.Ref{}, false
	}

	r, ok := fhir.ParseReference(text)
	if !ok {
		if len(text) > 0 && text[0] != '#' {
			x.warnf("%s: unresolvable reference %q", def.Name, text)
		}
		return fhir.Ref{}, false
	}
	if r.Type == "" {
		r.Type = typeHint
	}
	if r.Type == "" {
		r.Type = def.SingleTarget()
	}
	if r.Type == "" {
		x.warnf("%s: cannot determine target type of %q", def.Name, text)
		return fhir.Ref{}, false
	}
	if !def.AllowsTarget(r.Type) {
		return fhir.Ref{}, false
	}
	return r, true
}
