package segmentation

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// QueryBuilder compiles a predicate tree into one parameterized query that
// returns the matching ids of a single object type.
type QueryBuilder struct {
	args         []interface{}
	argCounter   int
	aliasCounter int
	now          time.Time
}

// NewQueryBuilder pins now for every relative date in the queries it builds.
func NewQueryBuilder(now time.Time) *QueryBuilder {
	return &QueryBuilder{now: now, argCounter: 1}
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

func (qb *QueryBuilder) nextAlias() string {
	qb.aliasCounter++
	return fmt.Sprintf("r%d", qb.aliasCounter)
}

// BuildMembershipQuery returns the query selecting the ids of objectType
// within the tenant that satisfy p. A nil or empty tree selects the whole
// tenant scope. The tree is validated before any SQL is produced.
func (qb *QueryBuilder) BuildMembershipQuery(objectType ObjectType, cashboxID int64, p Predicate) (string, []interface{}, error) {
	qb.args = nil
	qb.argCounter = 1
	qb.aliasCounter = 0

	if err := ValidateTree(objectType, p, qb.now); err != nil {
		return "", nil, err
	}
	root := rootRelations[objectType]

	const alias = "r0"
	where := []string{fmt.Sprintf("%s.cashbox_id = %s", alias, qb.nextArg(cashboxID))}
	if root.live != "" {
		where = append(where, fmt.Sprintf(root.live, alias))
	}

	cond, err := qb.buildPredicate(root, alias, p)
	if err != nil {
		return "", nil, err
	}
	if cond != "" {
		where = append(where, "("+cond+")")
	}

	query := fmt.Sprintf("SELECT DISTINCT %[1]s.id FROM %[2]s\nWHERE %[3]s\nORDER BY %[1]s.id",
		alias, fmt.Sprintf(root.from, alias), strings.Join(where, "\n  AND "))
	return query, qb.args, nil
}

// buildPredicate returns "" for a predicate that matches every row.
func (qb *QueryBuilder) buildPredicate(rel *relation, alias string, p Predicate) (string, error) {
	switch n := p.(type) {
	case nil:
		return "", nil
	case And:
		return qb.buildAnd(rel, alias, n)
	case Or:
		return qb.buildOr(rel, alias, n)
	case Not:
		inner, err := qb.buildPredicate(rel, alias, n.Term)
		if err != nil {
			return "", err
		}
		if inner == "" {
			return "FALSE", nil
		}
		// UNKNOWN inside counts as no match, so its complement matches.
		return "NOT COALESCE((" + inner + "), FALSE)", nil
	case Range:
		return qb.buildRange(rel, alias, n)
	case In:
		return qb.buildIn(rel, alias, n)
	case Exists:
		return qb.buildExists(rel, alias, n)
	default:
		return "", fmt.Errorf("unsupported predicate %T", p)
	}
}

func (qb *QueryBuilder) buildAnd(rel *relation, alias string, n And) (string, error) {
	parts := []string{}
	for _, t := range n.Terms {
		sql, err := qb.buildPredicate(rel, alias, t)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, "("+sql+")")
		}
	}
	return strings.Join(parts, " AND "), nil
}

func (qb *QueryBuilder) buildOr(rel *relation, alias string, n Or) (string, error) {
	if len(n.Terms) == 0 {
		return "FALSE", nil
	}
	parts := []string{}
	for _, t := range n.Terms {
		sql, err := qb.buildPredicate(rel, alias, t)
		if err != nil {
			return "", err
		}
		if sql == "" {
			// One branch matches everything, so the whole Or does.
			return "", nil
		}
		parts = append(parts, "("+sql+")")
	}
	return strings.Join(parts, " OR "), nil
}

func (qb *QueryBuilder) buildRange(rel *relation, alias string, r Range) (string, error) {
	f, ok := rel.fields[r.Field]
	if !ok {
		return "", fmt.Errorf("unknown field %q on %s", r.Field, rel.name)
	}
	expr := fmt.Sprintf(f.expr, alias)

	conds := []string{}
	if r.Eq != nil {
		conds = append(conds, fmt.Sprintf("%s = %s", expr, qb.nextArg(r.Eq.resolve(qb.now))))
	}
	if r.Gte != nil {
		conds = append(conds, fmt.Sprintf("%s >= %s", expr, qb.nextArg(r.Gte.resolve(qb.now))))
	}
	if r.Lte != nil {
		conds = append(conds, fmt.Sprintf("%s <= %s", expr, qb.nextArg(r.Lte.resolve(qb.now))))
	}

	bounded := strings.Join(conds, " AND ")
	switch {
	case r.IsAbsent && bounded == "":
		return expr + " IS NULL", nil
	case r.IsAbsent:
		return fmt.Sprintf("%s IS NULL OR (%s)", expr, bounded), nil
	default:
		return bounded, nil
	}
}

func (qb *QueryBuilder) buildIn(rel *relation, alias string, n In) (string, error) {
	f, ok := rel.fields[n.Field]
	if !ok {
		return "", fmt.Errorf("unknown field %q on %s", n.Field, rel.name)
	}
	expr := fmt.Sprintf(f.expr, alias)
	ph := qb.nextArg(pq.Array(n.Values))
	if n.Negate {
		return fmt.Sprintf("NOT COALESCE(%s = ANY(%s), FALSE)", expr, ph), nil
	}
	return fmt.Sprintf("%s = ANY(%s)", expr, ph), nil
}

func (qb *QueryBuilder) buildExists(rel *relation, alias string, n Exists) (string, error) {
	l, ok := rel.links[n.Relation]
	if !ok {
		return "", fmt.Errorf("%s has no relation %q", rel.name, n.Relation)
	}
	child := relations[l.target]
	childAlias := qb.nextAlias()

	where := []string{fmt.Sprintf(l.on, alias, childAlias)}
	if child.live != "" {
		where = append(where, fmt.Sprintf(child.live, childAlias))
	}
	inner, err := qb.buildPredicate(child, childAlias, n.Where)
	if err != nil {
		return "", err
	}
	if inner != "" {
		where = append(where, "("+inner+")")
	}

	sql := fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)",
		fmt.Sprintf(child.from, childAlias), strings.Join(where, " AND "))
	if n.Negate {
		sql = "NOT " + sql
	}
	return sql, nil
}
