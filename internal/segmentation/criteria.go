package segmentation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Predicate is a node of the criteria tree. The set of node kinds is closed:
// And, Or, Not, Range, In and Exists.
type Predicate interface {
	isPredicate()
}

// And matches when every term matches. An empty And matches everything.
type And struct{ Terms []Predicate }

// Or matches when at least one term matches. An empty Or matches nothing.
type Or struct{ Terms []Predicate }

// Not inverts its term.
type Not struct{ Term Predicate }

// Range bounds a numeric or date field. IsAbsent alone matches rows where
// the field is NULL; combined with bounds it matches NULL or in-range.
type Range struct {
	Field    string
	Gte      *Bound
	Lte      *Bound
	Eq       *Bound
	IsAbsent bool
}

// In matches a text field against a set of values.
type In struct {
	Field  string
	Values []string
	Negate bool
}

// Exists matches when at least one related row satisfies Where. A nil
// Where only requires the related row to exist.
type Exists struct {
	Relation string
	Where    Predicate
	Negate   bool
}

func (And) isPredicate()    {}
func (Or) isPredicate()     {}
func (Not) isPredicate()    {}
func (Range) isPredicate()  {}
func (In) isPredicate()     {}
func (Exists) isPredicate() {}

// Bound is one end of a Range. Exactly one of the fields is set.
type Bound struct {
	Number     *decimal.Decimal
	Time       *time.Time
	SecondsAgo *int64
}

// NumberBound is a numeric bound.
func NumberBound(d decimal.Decimal) *Bound { return &Bound{Number: &d} }

// TimeBound is an absolute date bound.
func TimeBound(t time.Time) *Bound { return &Bound{Time: &t} }

// SecondsAgoBound is a date bound relative to the run's pinned now.
func SecondsAgoBound(s int64) *Bound { return &Bound{SecondsAgo: &s} }

func (b *Bound) kind() fieldKind {
	switch {
	case b.Number != nil:
		return kindNumber
	case b.Time != nil, b.SecondsAgo != nil:
		return kindTime
	default:
		return kindUnknown
	}
}

// resolve turns the bound into a query argument. Relative dates are
// resolved against now so every query of a run sees the same instant.
func (b *Bound) resolve(now time.Time) interface{} {
	switch {
	case b.Number != nil:
		return b.Number.String()
	case b.Time != nil:
		return b.Time.UTC()
	case b.SecondsAgo != nil:
		return now.Add(-time.Duration(*b.SecondsAgo) * time.Second).UTC()
	}
	return nil
}

// compare orders two bounds of the same kind. Relative bounds are resolved
// against now first.
func (b *Bound) compare(other *Bound, now time.Time) int {
	if b.Number != nil && other.Number != nil {
		return b.Number.Cmp(*other.Number)
	}
	bt, _ := b.resolve(now).(time.Time)
	ot, _ := other.resolve(now).(time.Time)
	return bt.Compare(ot)
}

func (b *Bound) String() string {
	switch {
	case b.Number != nil:
		return b.Number.String()
	case b.Time != nil:
		return b.Time.Format(time.RFC3339)
	case b.SecondsAgo != nil:
		return fmt.Sprintf("%ds ago", *b.SecondsAgo)
	}
	return "<empty>"
}

// ValidateTree checks a predicate tree rooted at objectType against the
// field catalog. It reports every problem at once.
func ValidateTree(objectType ObjectType, p Predicate, now time.Time) error {
	root, ok := rootRelations[objectType]
	if !ok {
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown object type %q", objectType)}}
	}
	verr := &ValidationError{}
	validateNode(root, p, now, string(objectType), verr)
	return verr.orNil()
}

func validateNode(rel *relation, p Predicate, now time.Time, path string, verr *ValidationError) {
	switch n := p.(type) {
	case nil:
	case And:
		for i, t := range n.Terms {
			validateNode(rel, t, now, fmt.Sprintf("%s.and[%d]", path, i), verr)
		}
	case Or:
		for i, t := range n.Terms {
			validateNode(rel, t, now, fmt.Sprintf("%s.or[%d]", path, i), verr)
		}
	case Not:
		if n.Term == nil {
			verr.add(path + ".not: missing term")
			return
		}
		validateNode(rel, n.Term, now, path+".not", verr)
	case Range:
		validateRange(rel, n, now, path+"."+n.Field, verr)
	case In:
		f, ok := rel.fields[n.Field]
		switch {
		case !ok:
			verr.add(fmt.Sprintf("%s: unknown field %q on %s", path, n.Field, rel.name))
		case f.kind != kindText:
			verr.add(fmt.Sprintf("%s.%s: set membership needs a text field", path, n.Field))
		case len(n.Values) == 0:
			verr.add(fmt.Sprintf("%s.%s: empty value set", path, n.Field))
		}
	case Exists:
		child, ok := rel.links[n.Relation]
		if !ok {
			verr.add(fmt.Sprintf("%s: %s has no relation %q", path, rel.name, n.Relation))
			return
		}
		validateNode(relations[child.target], n.Where, now, path+"."+n.Relation, verr)
	default:
		verr.add(fmt.Sprintf("%s: unsupported predicate %T", path, p))
	}
}

func validateRange(rel *relation, r Range, now time.Time, path string, verr *ValidationError) {
	f, ok := rel.fields[r.Field]
	if !ok {
		verr.add(fmt.Sprintf("%s: unknown field on %s", path, rel.name))
		return
	}
	if r.Gte == nil && r.Lte == nil && r.Eq == nil && !r.IsAbsent {
		verr.add(path + ": range has no bounds")
		return
	}
	if r.Eq != nil && (r.Gte != nil || r.Lte != nil) {
		verr.add(path + ": eq cannot be combined with gte/lte")
	}
	bounds := []struct {
		name string
		b    *Bound
	}{{"gte", r.Gte}, {"lte", r.Lte}, {"eq", r.Eq}}
	for _, nb := range bounds {
		if nb.b == nil {
			continue
		}
		if k := nb.b.kind(); k != f.kind {
			verr.add(fmt.Sprintf("%s.%s: %s bound on %s field", path, nb.name, k, f.kind))
		}
		if nb.b.SecondsAgo != nil && *nb.b.SecondsAgo < 0 {
			verr.add(fmt.Sprintf("%s.%s: seconds ago must not be negative", path, nb.name))
		}
	}
	if r.Gte != nil && r.Lte != nil && r.Gte.kind() == f.kind && r.Lte.kind() == f.kind {
		if r.Gte.compare(r.Lte, now) > 0 {
			verr.add(fmt.Sprintf("%s: lower bound %s is above upper bound %s", path, r.Gte, r.Lte))
		}
	}
}
