package query

import (
	"strconv"
	"strings"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/registry"
)

// MaxChainHops is the deepest supported chain (a.b.c).
const MaxChainHops = 2

// Parse validates a raw query string for resourceType and returns its plan.
// All errors are *ParseError or *PlanError and are returned before anything
// is executed.
func Parse(reg *registry.Registry, resourceType, rawQuery string, opts Options) (*Plan, error) {
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultOptions.MaxCount
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = DefaultOptions.DefaultCount
	}
	if opts.DefaultCount > opts.MaxCount {
		opts.DefaultCount = opts.MaxCount
	}
	if !reg.HasResource(resourceType) {
		return nil, parseErrorf(resourceType, "unknown resource type")
	}

	pairs, err := splitQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	p := &parser{reg: reg}
	plan := &Plan{ResourceType: resourceType, Count: opts.DefaultCount}

	for _, kv := range pairs {
		key, value := kv.key, kv.value
		name, _, _ := strings.Cut(key, ":")

		switch name {
		case registry.ParamCount:
			n, err := nonNegative(key, value)
			if err != nil {
				return nil, err
			}
			if n > opts.MaxCount {
				n = opts.MaxCount
			}
			plan.Count = n
			continue
		case registry.ParamOffset:
			n, err := nonNegative(key, value)
			if err != nil {
				return nil, err
			}
			plan.Offset = n
			continue
		case registry.ParamSort:
			specs, err := p.parseSort(resourceType, key, value)
			if err != nil {
				return nil, err
			}
			plan.Sort = specs
		case registry.ParamInclude:
			spec, err := p.parseInclude(resourceType, key, value)
			if err != nil {
				return nil, err
			}
			plan.Includes = append(plan.Includes, spec)
		case registry.ParamRevInclude:
			spec, err := p.parseRevInclude(resourceType, key, value)
			if err != nil {
				return nil, err
			}
			plan.RevIncludes = append(plan.RevIncludes, spec)
		case registry.ParamSummary:
			switch Summary(value) {
			case SummaryCount, SummaryFalse:
				plan.Summary = Summary(value)
			default:
				return nil, parseErrorf(key, "unsupported _summary mode %q", value)
			}
		default:
			if strings.HasPrefix(name, "_") && !registry.IsControl(name) {
				// _format, _pretty and other result-shaping parameters are
				// not interpreted by the search core.
				continue
			}
			param, err := p.parseFilter(resourceType, key, value, true)
			if err != nil {
				return nil, err
			}
			plan.Params = append(plan.Params, *param)
		}
		plan.Canonical = append(plan.Canonical, fhir.QueryPair{Key: key, Value: value})
	}
	return plan, nil
}

type parser struct {
	reg *registry.Registry
}

type segment struct {
	name string
	mod  string
}

func splitSegments(key string) []segment {
	raw := strings.Split(key, ".")
	segs := make([]segment, len(raw))
	for i, r := range raw {
		name, mod := fhir.ParseParamModifier(r)
		segs[i] = segment{name: name, mod: string(mod)}
	}
	return segs
}

// parseFilter parses a filter parameter of resourceType. allowHas is false
// inside a _has clause.
func (p *parser) parseFilter(resourceType, key, value string, allowHas bool) (*Param, error) {
	if strings.HasPrefix(key, registry.ParamHas+":") || key == registry.ParamHas {
		if !allowHas {
			return nil, &PlanError{Param: key, Reason: "_has cannot be nested inside _has"}
		}
		return p.parseHas(resourceType, key, value)
	}

	segs := splitSegments(key)
	if len(segs) > MaxChainHops+1 {
		return nil, parseErrorf(key, "chains are limited to %d hops", MaxChainHops)
	}
	for _, s := range segs {
		if s.name == "" {
			return nil, parseErrorf(key, "empty chain segment")
		}
	}
	if len(segs) > 1 {
		return p.parseChain(resourceType, key, value, segs)
	}

	seg := segs[0]
	switch seg.name {
	case registry.ParamID:
		return parseID(key, seg, value)
	case registry.ParamLastUpdated:
		return parseLastUpdated(key, seg, value)
	}

	def, ok := p.reg.Lookup(resourceType, seg.name)
	if !ok {
		return nil, parseErrorf(key, "unknown search parameter for %s", resourceType)
	}
	param := &Param{Key: key, Kind: KindSimple, Name: def.Name, Type: def.Type}
	if err := fillValues(param, def, seg.mod, value); err != nil {
		return nil, err
	}
	return param, nil
}

// fillValues validates the modifier for def and parses the OR values.
func fillValues(param *Param, def *registry.ParamDef, mod, value string) error {
	key := param.Key
	var qualifier string
	if mod != "" {
		if def.Type == registry.TypeReference && fhir.IsResourceTypeName(mod) {
			if !def.AllowsTarget(mod) {
				return parseErrorf(key, "%s is not a target of %s", mod, def.Name)
			}
			qualifier = mod
		} else if !allowedModifiers[def.Type][fhir.SearchModifier(mod)] {
			return parseErrorf(key, "modifier :%s is not valid for %s parameters", mod, def.Type)
		} else {
			param.Modifier = fhir.SearchModifier(mod)
		}
	}

	if param.Modifier == fhir.ModifierMissing {
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		param.Missing = &b
		return nil
	}

	for _, raw := range splitEscaped(value, ',') {
		if def.Type == registry.TypeComposite {
			conds, err := compositeConds(key, def, raw)
			if err != nil {
				return err
			}
			param.Composites = append(param.Composites, conds)
			continue
		}
		c, err := cond(key, def.Type, param.Modifier, qualifier, raw)
		if err != nil {
			return err
		}
		param.Conds = append(param.Conds, c)
	}
	return nil
}

func (p *parser) parseChain(resourceType, key, value string, segs []segment) (*Param, error) {
	hop, terminals, err := p.resolveHop(resourceType, key, segs)
	if err != nil {
		return nil, err
	}

	def := terminals[0]
	for _, t := range terminals[1:] {
		if t.Type != def.Type || len(t.Components) != len(def.Components) {
			return nil, parseErrorf(key, "chain resolves to parameters of different types")
		}
	}

	last := segs[len(segs)-1]
	param := &Param{Key: key, Kind: KindChain, Name: last.name, Type: def.Type, Chain: hop}
	if err := fillValues(param, def, last.mod, value); err != nil {
		return nil, err
	}
	return param, nil
}

// resolveHop resolves segs[0] as a reference parameter on resourceType and
// the rest of the chain on each of its candidate targets. Unqualified
// polymorphic references keep only the targets on which the rest resolves.
func (p *parser) resolveHop(resourceType, key string, segs []segment) (*Hop, []*registry.ParamDef, error) {
	head := segs[0]
	def, ok := p.reg.Lookup(resourceType, head.name)
	if !ok {
		return nil, nil, parseErrorf(key, "unknown search parameter %s for %s", head.name, resourceType)
	}
	if def.Type != registry.TypeReference {
		return nil, nil, parseErrorf(key, "%s is not a reference parameter and cannot be chained", head.name)
	}

	targets := def.Targets
	if head.mod != "" {
		if !fhir.IsResourceTypeName(head.mod) || !def.AllowsTarget(head.mod) {
			return nil, nil, parseErrorf(key, "%s is not a valid type qualifier for %s", head.mod, head.name)
		}
		targets = []string{head.mod}
	}

	hop := &Hop{RefParam: def.Name}
	var terminals []*registry.ParamDef
	var lastErr error
	rest := segs[1:]

	for _, target := range targets {
		if len(rest) == 1 {
			term, ok := p.reg.Lookup(target, rest[0].name)
			if !ok {
				lastErr = parseErrorf(key, "unknown search parameter %s for %s", rest[0].name, target)
				continue
			}
			hop.Targets = append(hop.Targets, HopTarget{Type: target, Terminal: term})
			terminals = append(terminals, term)
			continue
		}
		next, nextTerms, err := p.resolveHop(target, key, rest)
		if err != nil {
			lastErr = err
			continue
		}
		hop.Targets = append(hop.Targets, HopTarget{Type: target, Next: next})
		terminals = append(terminals, nextTerms...)
	}

	if len(hop.Targets) == 0 {
		if lastErr == nil {
			lastErr = parseErrorf(key, "chain does not resolve")
		}
		return nil, nil, lastErr
	}
	return hop, terminals, nil
}

// parseHas parses _has:SourceType:refParam:inner.
func (p *parser) parseHas(resourceType, key, value string) (*Param, error) {
	parts := strings.SplitN(strings.TrimPrefix(key, registry.ParamHas+":"), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, parseErrorf(key, "expected _has:Type:reference:parameter")
	}
	source, refName, inner := parts[0], parts[1], parts[2]

	if !p.reg.HasResource(source) {
		return nil, parseErrorf(key, "unknown resource type %s", source)
	}
	ref, ok := p.reg.Lookup(source, refName)
	if !ok || ref.Type != registry.TypeReference {
		return nil, parseErrorf(key, "%s is not a reference parameter of %s", refName, source)
	}
	if !ref.AllowsTarget(resourceType) {
		return nil, parseErrorf(key, "%s.%s does not reference %s", source, refName, resourceType)
	}

	innerParam, err := p.parseFilter(source, inner, value, false)
	if err != nil {
		if pe, ok := err.(*PlanError); ok {
			pe.Param = key
			return nil, pe
		}
		if pe, ok := err.(*ParseError); ok {
			pe.Param = key
			return nil, pe
		}
		return nil, err
	}

	return &Param{
		Key:  key,
		Kind: KindHas,
		Name: registry.ParamHas,
		Has:  &HasClause{SourceType: source, RefParam: ref.Name, Inner: innerParam},
	}, nil
}

func parseID(key string, seg segment, value string) (*Param, error) {
	if seg.mod != "" {
		return nil, parseErrorf(key, "_id does not accept modifiers")
	}
	param := &Param{Key: key, Kind: KindID, Name: registry.ParamID, Type: registry.TypeToken}
	for _, id := range splitEscaped(value, ',') {
		id = unescape(id)
		if !fhir.IsValidID(id) {
			return nil, parseErrorf(key, "invalid id %q", id)
		}
		param.IDs = append(param.IDs, id)
	}
	return param, nil
}

func parseLastUpdated(key string, seg segment, value string) (*Param, error) {
	if seg.mod != "" {
		return nil, parseErrorf(key, "_lastUpdated does not accept modifiers")
	}
	param := &Param{Key: key, Kind: KindLastUpdated, Name: registry.ParamLastUpdated, Type: registry.TypeDate}
	for _, raw := range splitEscaped(value, ',') {
		c, err := cond(key, registry.TypeDate, "", "", raw)
		if err != nil {
			return nil, err
		}
		param.Conds = append(param.Conds, c)
	}
	return param, nil
}

func (p *parser) parseSort(resourceType, key, value string) ([]SortSpec, error) {
	var specs []SortSpec
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		desc := strings.HasPrefix(field, "-")
		name := strings.TrimPrefix(field, "-")
		if name == "" {
			return nil, parseErrorf(key, "empty sort key")
		}
		spec := SortSpec{Param: name, Descending: desc}
		switch name {
		case registry.ParamID:
			spec.Type = registry.TypeToken
		case registry.ParamLastUpdated:
			spec.Type = registry.TypeDate
		default:
			def, ok := p.reg.Lookup(resourceType, name)
			if !ok {
				return nil, parseErrorf(key, "unknown sort parameter %s", name)
			}
			if def.Type == registry.TypeComposite {
				return nil, parseErrorf(key, "cannot sort by composite parameter %s", name)
			}
			spec.Type = def.Type
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// parseInclude parses "Source:param[:Target]" where Source is the searched type.
func (p *parser) parseInclude(resourceType, key, value string) (IncludeSpec, error) {
	spec, def, err := p.includeSpec(key, value)
	if err != nil {
		return spec, err
	}
	if spec.Source != resourceType {
		return spec, parseErrorf(key, "_include source %s must be %s", spec.Source, resourceType)
	}
	if spec.Target != "" && !def.AllowsTarget(spec.Target) {
		return spec, parseErrorf(key, "%s is not a target of %s", spec.Target, def.Name)
	}
	return spec, nil
}

// parseRevInclude parses "Source:param[:Target]" where Source references the
// searched type.
func (p *parser) parseRevInclude(resourceType, key, value string) (IncludeSpec, error) {
	spec, def, err := p.includeSpec(key, value)
	if err != nil {
		return spec, err
	}
	if !def.AllowsTarget(resourceType) {
		return spec, parseErrorf(key, "%s:%s does not reference %s", spec.Source, spec.Param, resourceType)
	}
	if spec.Target != "" && spec.Target != resourceType {
		return spec, parseErrorf(key, "_revinclude target %s must be %s", spec.Target, resourceType)
	}
	return spec, nil
}

func (p *parser) includeSpec(key, value string) (IncludeSpec, *registry.ParamDef, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return IncludeSpec{}, nil, parseErrorf(key, "expected Source:parameter[:Target], got %q", value)
	}
	spec := IncludeSpec{Source: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		spec.Target = parts[2]
	}
	def, ok := p.reg.Lookup(spec.Source, spec.Param)
	if !ok || def.Type != registry.TypeReference {
		return spec, nil, parseErrorf(key, "%s:%s is not a reference parameter", spec.Source, spec.Param)
	}
	return spec, def, nil
}

func nonNegative(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, parseErrorf(key, "expected a non-negative integer, got %q", value)
	}
	return n, nil
}
