package query

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/registry"
)

// allowedModifiers lists the modifiers each parameter type accepts.
// Reference parameters additionally accept a resource type qualifier.
var allowedModifiers = map[registry.ParamType]map[fhir.SearchModifier]bool{
	registry.TypeString:    {fhir.ModifierExact: true, fhir.ModifierContains: true, fhir.ModifierMissing: true},
	registry.TypeToken:     {fhir.ModifierNot: true, fhir.ModifierAbove: true, fhir.ModifierBelow: true, fhir.ModifierMissing: true},
	registry.TypeURI:       {fhir.ModifierAbove: true, fhir.ModifierBelow: true, fhir.ModifierMissing: true},
	registry.TypeReference: {fhir.ModifierMissing: true},
	registry.TypeNumber:    {fhir.ModifierMissing: true},
	registry.TypeDate:      {fhir.ModifierMissing: true},
	registry.TypeQuantity:  {fhir.ModifierMissing: true},
	registry.TypeComposite: {fhir.ModifierMissing: true},
}

// decodedOffset matches a dateTime whose '+' zone offset was decoded to a
// space by form decoding of an unencoded query.
var decodedOffset = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?) (\d{2}:\d{2})$`)

func restoreOffset(v string) string {
	return decodedOffset.ReplaceAllString(v, "$1+$2")
}

// cond parses one OR value of a non-composite parameter.
func cond(key string, typ registry.ParamType, mod fhir.SearchModifier, qualifier, raw string) (predicate.Cond, error) {
	if raw == "" {
		return nil, parseErrorf(key, "empty value")
	}
	switch typ {
	case registry.TypeString:
		v := unescape(raw)
		switch mod {
		case fhir.ModifierExact:
			return predicate.StringCond{Mode: predicate.StringExact, Value: v}, nil
		case fhir.ModifierContains:
			return predicate.StringCond{Mode: predicate.StringContains, Value: fhir.NormalizeString(v)}, nil
		}
		return predicate.StringCond{Mode: predicate.StringPrefix, Value: fhir.NormalizeString(v)}, nil

	case registry.TypeToken:
		c := predicate.TokenCond{Mode: hierarchy(mod)}
		parts := splitEscaped(raw, '|')
		switch len(parts) {
		case 1:
			c.Code = unescape(parts[0])
		case 2:
			c.HasSystem = true
			c.System = unescape(parts[0])
			c.Code = unescape(parts[1])
			if c.System == "" && c.Code == "" {
				return nil, parseErrorf(key, "token value %q has neither system nor code", raw)
			}
		default:
			return nil, parseErrorf(key, "token value %q has too many '|' separators", raw)
		}
		return c, nil

	case registry.TypeURI:
		return predicate.URICond{Mode: hierarchy(mod), Value: unescape(raw)}, nil

	case registry.TypeNumber:
		ps := fhir.ParseSearchValue(raw)
		d, err := decimal.NewFromString(ps.Value)
		if err != nil {
			return nil, parseErrorf(key, "invalid number %q", raw)
		}
		return predicate.NewNumberCond(ps.Prefix, d), nil

	case registry.TypeQuantity:
		parts := splitEscaped(raw, '|')
		if len(parts) != 1 && len(parts) != 3 {
			return nil, parseErrorf(key, "quantity must be [prefix]number or [prefix]number|system|code")
		}
		ps := fhir.ParseSearchValue(parts[0])
		d, err := decimal.NewFromString(ps.Value)
		if err != nil {
			return nil, parseErrorf(key, "invalid quantity %q", raw)
		}
		c := predicate.NewNumberCond(ps.Prefix, d)
		if len(parts) == 3 {
			c.System = unescape(parts[1])
			c.Code = unescape(parts[2])
		}
		return c, nil

	case registry.TypeDate:
		ps := fhir.ParseSearchValue(raw)
		r, err := fhir.ParseDateRange(restoreOffset(ps.Value))
		if err != nil {
			if strings.Contains(ps.Value, " ") {
				return nil, parseErrorf(key, "invalid date %q; a '+' zone offset must be sent as %%2B", raw)
			}
			return nil, parseErrorf(key, "invalid date %q", raw)
		}
		return predicate.DateCond{Prefix: ps.Prefix, Start: r.Start, End: r.End}, nil

	case registry.TypeReference:
		r, ok := fhir.ParseReference(unescape(raw))
		if !ok {
			return nil, parseErrorf(key, "invalid reference %q", raw)
		}
		if qualifier != "" {
			if r.Type != "" && r.Type != qualifier {
				return nil, parseErrorf(key, "reference %q does not match type qualifier %s", raw, qualifier)
			}
			r.Type = qualifier
		}
		return predicate.ReferenceCond{Type: r.Type, ID: r.ID}, nil
	}
	return nil, parseErrorf(key, "unsupported parameter type %s", typ)
}

// compositeConds parses one OR value of a composite parameter.
func compositeConds(key string, def *registry.ParamDef, raw string) ([]predicate.Cond, error) {
	parts := splitEscaped(raw, '$')
	if len(parts) != len(def.Components) {
		return nil, parseErrorf(key, "composite value %q has %d components, expected %d",
			raw, len(parts), len(def.Components))
	}
	conds := make([]predicate.Cond, len(parts))
	for i, part := range parts {
		c, err := cond(key, def.Components[i].Type, "", "", part)
		if err != nil {
			return nil, err
		}
		conds[i] = c
	}
	return conds, nil
}

func hierarchy(mod fhir.SearchModifier) predicate.HierarchyMode {
	switch mod {
	case fhir.ModifierAbove:
		return predicate.Above
	case fhir.ModifierBelow:
		return predicate.Below
	}
	return predicate.Equal
}

func parseBool(key, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, parseErrorf(key, ":missing expects true or false, got %q", v)
}
