package pgstore

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

const resourceCols = "r.resource_type, r.id, r.version, r.document, r.last_updated"

// liveClause restricts alias to resources visible to searches.
func liveClause(alias string) string {
	return fmt.Sprintf("NOT %s.deleted AND NOT %s.needs_reindex", alias, alias)
}

// sqlWriter renders predicate trees into SQL with positional arguments.
type sqlWriter struct {
	args    []interface{}
	aliases int
}

// Idx returns the next available parameter index.
func (w *sqlWriter) Idx() int { return len(w.args) + 1 }

func (w *sqlWriter) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *sqlWriter) alias(prefix string) string {
	w.aliases++
	return fmt.Sprintf("%s%d", prefix, w.aliases)
}

// addClause appends the arguments of a clause built with startIdx = w.Idx().
func (w *sqlWriter) addClause(clause string, args []interface{}) string {
	w.args = append(w.args, args...)
	return clause
}

// where renders e as a boolean SQL expression over the resource row alias.
func (w *sqlWriter) where(e predicate.Expr, alias string) (string, error) {
	if e == nil {
		return "TRUE", nil
	}
	switch n := e.(type) {
	case predicate.And:
		return w.join(n.Exprs, alias, " AND ", "TRUE")

	case predicate.Or:
		return w.join(n.Exprs, alias, " OR ", "FALSE")

	case predicate.Not:
		inner, err := w.where(n.Expr, alias)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil

	case predicate.Match:
		i := w.alias("i")
		param := w.arg(n.Param)
		clause, args, _, err := condClause(i, n.Cond, w.Idx())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM search_index %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.id AND %s.param = %s AND %s)",
			i, i, alias, i, alias, i, param, w.addClause(clause, args),
		), nil

	case predicate.Missing:
		i, c := w.alias("i"), w.alias("c")
		param := w.arg(n.Param)
		present := fmt.Sprintf(
			"(EXISTS (SELECT 1 FROM search_index %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.id AND %s.param = %s)"+
				" OR EXISTS (SELECT 1 FROM search_composite %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.id AND %s.param = %s))",
			i, i, alias, i, alias, i, param,
			c, c, alias, c, alias, c, param,
		)
		if n.Missing {
			return "NOT " + present, nil
		}
		return present, nil

	case predicate.Composite:
		return w.composite(n, alias)

	case predicate.Chain:
		e, t := w.alias("e"), w.alias("r")
		path := w.arg(n.RefParam)
		target := w.arg(n.TargetType)
		inner, err := w.where(n.Where, t)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM reference_edges %s JOIN resources %s ON %s.resource_type = %s.target_type AND %s.id = %s.target_id"+
				" WHERE %s.source_type = %s.resource_type AND %s.source_id = %s.id AND %s.path = %s AND %s.target_type = %s AND %s AND (%s))",
			e, t, t, e, t, e,
			e, alias, e, alias, e, path, e, target, liveClause(t), inner,
		), nil

	case predicate.RefersTo:
		e := w.alias("e")
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM reference_edges %s WHERE %s.source_type = %s.resource_type AND %s.source_id = %s.id AND %s.path = ANY(%s) AND %s.target_type = %s AND %s.target_id = %s)",
			e, e, alias, e, alias, e, w.arg(n.Params), e, w.arg(n.TargetType), e, w.arg(n.TargetID),
		), nil

	case predicate.IDIn:
		return fmt.Sprintf("%s.id = ANY(%s)", alias, w.arg(n.IDs)), nil

	case predicate.LastUpdated:
		clause, args, _ := instantClause(alias+".last_updated", n.Cond, w.Idx())
		return w.addClause(clause, args), nil

	case predicate.Has:
		return "", store.ErrUnresolvedHas
	}
	return "", fmt.Errorf("pgstore: unsupported predicate %T", e)
}

func (w *sqlWriter) join(exprs []predicate.Expr, alias, sep, empty string) (string, error) {
	if len(exprs) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(exprs))
	for _, c := range exprs {
		s, err := w.where(c, alias)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// composite requires every component to match within one tuple.
func (w *sqlWriter) composite(n predicate.Composite, alias string) (string, error) {
	if len(n.Components) == 0 {
		return "FALSE", nil
	}
	first := w.alias("c")
	param := w.arg(n.Param)
	conds := make([]string, 0, len(n.Components))
	for pos, cond := range n.Components {
		c := first
		if pos > 0 {
			c = w.alias("c")
		}
		clause, args, _, err := condClause(c, cond, w.Idx())
		if err != nil {
			return "", err
		}
		clause = w.addClause(clause, args)
		if pos == 0 {
			conds = append(conds, fmt.Sprintf("%s.position = 0 AND %s", c, clause))
			continue
		}
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM search_composite %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.resource_id AND %s.param = %s.param AND %s.tuple = %s.tuple AND %s.position = %d AND %s)",
			c, c, first, c, first, c, first, c, first, c, pos, clause,
		))
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_composite %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.id AND %s.param = %s AND %s)",
		first, first, alias, first, alias, first, param, strings.Join(conds, " AND "),
	), nil
}

// condClause renders a value condition over the index row alias. It follows
// the (clause, args, nextIdx) convention of the other clause builders.
func condClause(alias string, c predicate.Cond, startIdx int) (string, []interface{}, int, error) {
	col := func(name string) string { return alias + "." + name }
	switch c := c.(type) {
	case predicate.StringCond:
		clause, args, next := stringClause(col("value_string"), col("value_exact"), c, startIdx)
		return clause, args, next, nil
	case predicate.TokenCond:
		clause, args, next := tokenClause(col("value_system"), col("value_code"), c, startIdx)
		return clause, args, next, nil
	case predicate.URICond:
		clause, args, next := hierarchyClause(col("value_exact"), c.Mode, c.Value, startIdx)
		return clause, args, next, nil
	case predicate.NumberCond:
		clause, args, next := numberClause(alias, c, startIdx)
		return clause, args, next, nil
	case predicate.DateCond:
		clause, args, next := dateClause(col("value_start"), col("value_end"), c, startIdx)
		return clause, args, next, nil
	case predicate.ReferenceCond:
		if c.Type == "" {
			return fmt.Sprintf("%s = $%d", col("ref_id"), startIdx), []interface{}{c.ID}, startIdx + 1, nil
		}
		return fmt.Sprintf("%s = $%d AND %s = $%d", col("ref_id"), startIdx, col("ref_type"), startIdx+1),
			[]interface{}{c.ID, c.Type}, startIdx + 2, nil
	}
	return "", nil, startIdx, fmt.Errorf("pgstore: unsupported condition %T", c)
}

func stringClause(normCol, exactCol string, c predicate.StringCond, startIdx int) (string, []interface{}, int) {
	switch c.Mode {
	case predicate.StringExact:
		return fmt.Sprintf("%s = $%d", exactCol, startIdx), []interface{}{c.Value}, startIdx + 1
	case predicate.StringContains:
		return fmt.Sprintf("%s LIKE $%d", normCol, startIdx), []interface{}{"%" + escapeLike(c.Value) + "%"}, startIdx + 1
	default:
		return fmt.Sprintf("%s LIKE $%d", normCol, startIdx), []interface{}{escapeLike(c.Value) + "%"}, startIdx + 1
	}
}

func tokenClause(sysCol, codeCol string, c predicate.TokenCond, startIdx int) (string, []interface{}, int) {
	var parts []string
	var args []interface{}
	idx := startIdx
	if c.HasSystem {
		parts = append(parts, fmt.Sprintf("%s = $%d", sysCol, idx))
		args = append(args, c.System)
		idx++
	}
	if c.Code == "" {
		if !c.HasSystem {
			return "FALSE", nil, startIdx
		}
		return strings.Join(parts, " AND "), args, idx
	}
	clause, codeArgs, next := hierarchyClause(codeCol, c.Mode, c.Code, idx)
	parts = append(parts, clause)
	return strings.Join(parts, " AND "), append(args, codeArgs...), next
}

func hierarchyClause(col string, mode predicate.HierarchyMode, value string, startIdx int) (string, []interface{}, int) {
	switch mode {
	case predicate.Above:
		return fmt.Sprintf("(%s <> '' AND starts_with($%d, %s))", col, startIdx, col), []interface{}{value}, startIdx + 1
	case predicate.Below:
		return fmt.Sprintf("starts_with(%s, $%d)", col, startIdx), []interface{}{value}, startIdx + 1
	default:
		return fmt.Sprintf("%s = $%d", col, startIdx), []interface{}{value}, startIdx + 1
	}
}

func numberClause(alias string, c predicate.NumberCond, startIdx int) (string, []interface{}, int) {
	col := alias + ".value_number"
	idx := startIdx
	var parts []string
	var args []interface{}
	bind := func(v interface{}) int {
		args = append(args, v)
		idx++
		return idx - 1
	}

	switch c.Prefix {
	case fhir.PrefixNe:
		parts = append(parts, fmt.Sprintf("(%s < $%d OR %s >= $%d)", col, bind(numeric(c.Low)), col, bind(numeric(c.High))))
	case fhir.PrefixGt:
		parts = append(parts, fmt.Sprintf("%s > $%d", col, bind(numeric(c.Value))))
	case fhir.PrefixGe:
		parts = append(parts, fmt.Sprintf("%s >= $%d", col, bind(numeric(c.Value))))
	case fhir.PrefixLt:
		parts = append(parts, fmt.Sprintf("%s < $%d", col, bind(numeric(c.Value))))
	case fhir.PrefixLe:
		parts = append(parts, fmt.Sprintf("%s <= $%d", col, bind(numeric(c.Value))))
	default:
		parts = append(parts, fmt.Sprintf("%s >= $%d AND %s < $%d", col, bind(numeric(c.Low)), col, bind(numeric(c.High))))
	}
	if c.System != "" {
		parts = append(parts, fmt.Sprintf("%s.value_system = $%d", alias, bind(c.System)))
	}
	if c.Code != "" {
		parts = append(parts, fmt.Sprintf("%s.value_code = $%d", alias, bind(c.Code)))
	}
	return strings.Join(parts, " AND "), args, idx
}

// dateClause compares the stored [start, end] range with the search range.
func dateClause(startCol, endCol string, c predicate.DateCond, startIdx int) (string, []interface{}, int) {
	eq := func(s, e int) string {
		return fmt.Sprintf("(%s >= $%d AND %s <= $%d)", startCol, s, endCol, e)
	}
	both := []interface{}{c.Start, c.End}
	s, e := startIdx, startIdx+1
	switch c.Prefix {
	case fhir.PrefixNe:
		return fmt.Sprintf("(%s IS NOT NULL AND NOT %s)", startCol, eq(s, e)), both, startIdx + 2
	case fhir.PrefixGt:
		return fmt.Sprintf("%s > $%d", endCol, startIdx), []interface{}{c.End}, startIdx + 1
	case fhir.PrefixLt:
		return fmt.Sprintf("%s < $%d", startCol, startIdx), []interface{}{c.Start}, startIdx + 1
	case fhir.PrefixGe:
		return fmt.Sprintf("(%s OR %s > $%d)", eq(s, e), endCol, e), both, startIdx + 2
	case fhir.PrefixLe:
		return fmt.Sprintf("(%s OR %s < $%d)", eq(s, e), startCol, s), both, startIdx + 2
	default:
		return eq(s, e), both, startIdx + 2
	}
}

// instantClause compares a single timestamp column such as last_updated.
func instantClause(col string, c predicate.DateCond, startIdx int) (string, []interface{}, int) {
	return dateClause(col, col, c, startIdx)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// orderBy renders the ORDER BY list for q. Each sort key uses the smallest
// indexed value for ascending order and the largest for descending, with
// dates taken from the end of their range when descending. Rows without a
// value sort last and ties break on id.
func (w *sqlWriter) orderBy(keys []predicate.SortKey, alias string) string {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		dir := "ASC"
		agg := "MIN"
		if k.Descending {
			dir, agg = "DESC", "MAX"
		}
		switch k.Param {
		case registry.ParamID:
			parts = append(parts, fmt.Sprintf("%s.id COLLATE \"C\" %s", alias, dir))
			continue
		case registry.ParamLastUpdated:
			parts = append(parts, fmt.Sprintf("%s.last_updated %s", alias, dir))
			continue
		}
		s := w.alias("s")
		col, collate := sortColumn(s, k.Type, k.Descending)
		parts = append(parts, fmt.Sprintf(
			"(SELECT %s(%s%s) FROM search_index %s WHERE %s.resource_type = %s.resource_type AND %s.resource_id = %s.id AND %s.param = %s) %s NULLS LAST",
			agg, col, collate, s, s, alias, s, alias, s, w.arg(k.Param), dir,
		))
	}
	parts = append(parts, alias+".id COLLATE \"C\" ASC")
	return strings.Join(parts, ", ")
}

func sortColumn(alias string, typ registry.ParamType, descending bool) (string, string) {
	const c = ` COLLATE "C"`
	switch typ {
	case registry.TypeDate:
		if descending {
			return alias + ".value_end", ""
		}
		return alias + ".value_start", ""
	case registry.TypeNumber, registry.TypeQuantity:
		return alias + ".value_number", ""
	case registry.TypeToken:
		return fmt.Sprintf("NULLIF(%s.value_code, '')", alias), c
	case registry.TypeReference:
		return fmt.Sprintf("NULLIF(%s.ref_type || '/' || %s.ref_id, '/')", alias, alias), c
	case registry.TypeURI:
		return fmt.Sprintf("NULLIF(%s.value_exact, '')", alias), c
	default:
		return alias + ".value_string", c
	}
}

// countSQL renders the total query for q.
func countSQL(q *builder.Query) (string, []interface{}, error) {
	w := &sqlWriter{}
	rt := w.arg(q.ResourceType)
	where, err := w.where(q.Where, "r")
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM resources r WHERE r.resource_type = %s AND %s AND %s", rt, liveClause("r"), where)
	return sql, w.args, nil
}

// findSQL renders one ordered page of q.
func findSQL(q *builder.Query) (string, []interface{}, error) {
	w := &sqlWriter{}
	rt := w.arg(q.ResourceType)
	where, err := w.where(q.Where, "r")
	if err != nil {
		return "", nil, err
	}
	order := w.orderBy(q.Sort, "r")
	sql := fmt.Sprintf("SELECT %s FROM resources r WHERE r.resource_type = %s AND %s AND %s ORDER BY %s",
		resourceCols, rt, liveClause("r"), where, order)
	if q.Limit >= 0 {
		sql += " LIMIT " + w.arg(q.Limit)
	}
	sql += " OFFSET " + w.arg(q.Offset)
	return sql, w.args, nil
}

// idsSQL renders the id list of resourceType resources matching where.
func idsSQL(resourceType string, where predicate.Expr) (string, []interface{}, error) {
	w := &sqlWriter{}
	rt := w.arg(resourceType)
	clause, err := w.where(where, "r")
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("SELECT r.id FROM resources r WHERE r.resource_type = %s AND %s AND %s ORDER BY r.id COLLATE \"C\"",
		rt, liveClause("r"), clause)
	return sql, w.args, nil
}
