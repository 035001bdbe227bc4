package segmentation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ==========================================
// PERSISTED CRITERIA DOCUMENT
// ==========================================

// CriteriaDocument is the JSON shape stored in segments.criteria. Sections
// are combined with AND; AnyOf and Not nest further documents.
type CriteriaDocument struct {
	ObjectTypes    []ObjectType        `json:"object_types,omitempty" validate:"omitempty,unique,dive,oneof=customer sales_document"`
	CreatedAt      *RangeSpec          `json:"created_at,omitempty"`
	Purchases      *PurchasesSpec      `json:"purchases,omitempty"`
	Loyalty        *LoyaltySpec        `json:"loyalty,omitempty"`
	Tags           *TagsSpec           `json:"tags,omitempty"`
	SalesDocuments *SalesDocumentsSpec `json:"sales_documents,omitempty"`
	AnyOf          []CriteriaDocument  `json:"any_of,omitempty" validate:"omitempty,dive"`
	Not            *CriteriaDocument   `json:"not,omitempty"`
}

// RangeSpec is a numeric or date range. Date bounds may be absolute or
// relative to the run's now ("gte_seconds_ago": 86400 means within a day).
type RangeSpec struct {
	Gte           *Value `json:"gte,omitempty"`
	Lte           *Value `json:"lte,omitempty"`
	Eq            *Value `json:"eq,omitempty"`
	GteSecondsAgo *int64 `json:"gte_seconds_ago,omitempty" validate:"omitempty,min=0"`
	LteSecondsAgo *int64 `json:"lte_seconds_ago,omitempty" validate:"omitempty,min=0"`
	IsAbsent      bool   `json:"is_absent,omitempty"`
}

// SetSpec matches a text field against allowed and forbidden values.
type SetSpec struct {
	In    []string `json:"in,omitempty" validate:"omitempty,dive,required"`
	NotIn []string `json:"not_in,omitempty" validate:"omitempty,dive,required"`
}

// PurchasesSpec filters customers by their sales history.
type PurchasesSpec struct {
	Count        *RangeSpec          `json:"count,omitempty"`
	Sum          *RangeSpec          `json:"sum,omitempty"`
	LastPurchase *RangeSpec          `json:"last_purchase,omitempty"`
	Documents    *SalesDocumentsSpec `json:"documents,omitempty"`
}

// LoyaltySpec filters customers by loyalty card state.
type LoyaltySpec struct {
	HasCard *bool      `json:"has_card,omitempty"`
	Balance *RangeSpec `json:"balance,omitempty"`
}

// TagsSpec filters customers by tag names.
type TagsSpec struct {
	Any  []string `json:"any,omitempty" validate:"omitempty,dive,required,max=64"`
	All  []string `json:"all,omitempty" validate:"omitempty,dive,required,max=64"`
	None []string `json:"none,omitempty" validate:"omitempty,dive,required,max=64"`
}

// SalesDocumentsSpec filters sales documents.
type SalesDocumentsSpec struct {
	Status        *SetSpec      `json:"status,omitempty"`
	PaymentMethod *SetSpec      `json:"payment_method,omitempty"`
	Sum           *RangeSpec    `json:"sum,omitempty"`
	CreatedAt     *RangeSpec    `json:"created_at,omitempty"`
	Delivery      *DeliverySpec `json:"delivery,omitempty"`
}

// DeliverySpec filters by delivery assignment.
type DeliverySpec struct {
	Assigned *bool    `json:"assigned,omitempty"`
	Status   *SetSpec `json:"status,omitempty"`
}

// Value is a range bound as written in JSON: a number, a numeric string or
// an RFC3339 / YYYY-MM-DD date string.
type Value struct {
	Number *decimal.Decimal
	Time   *time.Time
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				v.Time = &t
				return nil
			}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("bound %q is neither a date nor a number", s)
		}
		v.Number = &d
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("bound %s is not a number", b)
	}
	v.Number = &d
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.Number != nil:
		return []byte(v.Number.String()), nil
	case v.Time != nil:
		return json.Marshal(v.Time.Format(time.RFC3339))
	}
	return []byte("null"), nil
}

func (v *Value) bound() *Bound {
	if v == nil {
		return nil
	}
	if v.Time != nil {
		return TimeBound(*v.Time)
	}
	if v.Number != nil {
		return NumberBound(*v.Number)
	}
	return nil
}

// ==========================================
// PARSING & VALIDATION
// ==========================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator so other packages check their
// configuration with the same rules and messages.
func Validator() *validator.Validate { return validate }

// ParseCriteria decodes and validates a persisted criteria document. Empty
// input or JSON null yields an empty document, which matches the whole scope.
func ParseCriteria(raw json.RawMessage) (*CriteriaDocument, error) {
	doc := &CriteriaDocument{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return doc, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, &ValidationError{Problems: []string{"malformed criteria: " + err.Error()}}
	}

	verr := &ValidationError{}
	CollectValidation(validate.Struct(doc), verr)
	doc.checkRanges("criteria", verr)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return doc, nil
}

// CollectValidation appends validator/v10 failures to verr as readable problems.
func CollectValidation(err error, verr *ValidationError) {
	if err == nil {
		return
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		verr.add(err.Error())
		return
	}
	for _, fe := range ves {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		verr.add(msg)
	}
}

func (d *CriteriaDocument) checkRanges(path string, verr *ValidationError) {
	d.CreatedAt.check(path+".created_at", verr)
	if p := d.Purchases; p != nil {
		p.Count.check(path+".purchases.count", verr)
		p.Sum.check(path+".purchases.sum", verr)
		p.LastPurchase.check(path+".purchases.last_purchase", verr)
		p.Documents.check(path+".purchases.documents", verr)
	}
	if l := d.Loyalty; l != nil {
		l.Balance.check(path+".loyalty.balance", verr)
	}
	if t := d.Tags; t != nil && len(t.Any)+len(t.All)+len(t.None) == 0 {
		verr.add(path + ".tags: no tag names given")
	}
	d.SalesDocuments.check(path+".sales_documents", verr)
	for i := range d.AnyOf {
		d.AnyOf[i].checkRanges(fmt.Sprintf("%s.any_of[%d]", path, i), verr)
	}
	if d.Not != nil {
		d.Not.checkRanges(path+".not", verr)
	}
}

func (s *SalesDocumentsSpec) check(path string, verr *ValidationError) {
	if s == nil {
		return
	}
	s.Sum.check(path+".sum", verr)
	s.CreatedAt.check(path+".created_at", verr)
	s.Status.check(path+".status", verr)
	s.PaymentMethod.check(path+".payment_method", verr)
	if s.Delivery != nil {
		s.Delivery.Status.check(path+".delivery.status", verr)
	}
}

func (s *SetSpec) check(path string, verr *ValidationError) {
	if s != nil && len(s.In) == 0 && len(s.NotIn) == 0 {
		verr.add(path + ": needs in or not_in")
	}
}

func (r *RangeSpec) check(path string, verr *ValidationError) {
	if r == nil {
		return
	}
	if r.Gte != nil && r.GteSecondsAgo != nil {
		verr.add(path + ": gte and gte_seconds_ago are mutually exclusive")
	}
	if r.Lte != nil && r.LteSecondsAgo != nil {
		verr.add(path + ": lte and lte_seconds_ago are mutually exclusive")
	}
	if r.Gte == nil && r.Lte == nil && r.Eq == nil && r.GteSecondsAgo == nil && r.LteSecondsAgo == nil && !r.IsAbsent {
		verr.add(path + ": empty range")
	}
}

// ==========================================
// DOCUMENT → PREDICATE TREE
// ==========================================

// Types returns the object types the document selects, customer by default.
func (d *CriteriaDocument) Types() []ObjectType {
	if len(d.ObjectTypes) == 0 {
		return []ObjectType{ObjectCustomer}
	}
	out := make([]ObjectType, 0, len(d.ObjectTypes))
	for _, t := range AllObjectTypes {
		for _, want := range d.ObjectTypes {
			if t == want {
				out = append(out, t)
			}
		}
	}
	return out
}

// Tree builds the predicate tree rooted at objectType.
func (d *CriteriaDocument) Tree(objectType ObjectType) Predicate {
	var terms []Predicate

	if r := d.CreatedAt.toRange("created_at"); r != nil {
		terms = append(terms, *r)
	}

	customer := d.customerTerms()
	documents := d.SalesDocuments.terms()

	switch objectType {
	case ObjectSalesDocument:
		terms = append(terms, documents...)
		if len(customer) > 0 {
			terms = append(terms, Exists{Relation: relCustomer, Where: And{Terms: customer}})
		}
	default:
		terms = append(terms, customer...)
		if len(documents) > 0 {
			terms = append(terms, Exists{Relation: relSalesDocument, Where: And{Terms: documents}})
		}
	}

	if len(d.AnyOf) > 0 {
		alts := make([]Predicate, 0, len(d.AnyOf))
		for i := range d.AnyOf {
			alts = append(alts, d.AnyOf[i].Tree(objectType))
		}
		terms = append(terms, Or{Terms: alts})
	}
	if d.Not != nil {
		terms = append(terms, Not{Term: d.Not.Tree(objectType)})
	}

	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	default:
		return And{Terms: terms}
	}
}

func (d *CriteriaDocument) customerTerms() []Predicate {
	var terms []Predicate
	if p := d.Purchases; p != nil {
		terms = appendRange(terms, p.Count.toRange("purchase_count"))
		terms = appendRange(terms, p.Sum.toRange("purchase_sum"))
		terms = appendRange(terms, p.LastPurchase.toRange("last_purchase_at"))
		if docs := p.Documents.terms(); len(docs) > 0 {
			terms = append(terms, Exists{Relation: relSalesDocument, Where: And{Terms: docs}})
		}
	}
	if l := d.Loyalty; l != nil {
		if l.HasCard != nil {
			terms = append(terms, Exists{Relation: relLoyaltyCard, Negate: !*l.HasCard})
		}
		terms = appendRange(terms, l.Balance.toRange("loyalty_balance"))
	}
	if t := d.Tags; t != nil {
		if len(t.Any) > 0 {
			terms = append(terms, Exists{Relation: relTag, Where: In{Field: "name", Values: t.Any}})
		}
		for _, name := range t.All {
			terms = append(terms, Exists{Relation: relTag, Where: In{Field: "name", Values: []string{name}}})
		}
		if len(t.None) > 0 {
			terms = append(terms, Exists{Relation: relTag, Where: In{Field: "name", Values: t.None}, Negate: true})
		}
	}
	return terms
}

func (s *SalesDocumentsSpec) terms() []Predicate {
	if s == nil {
		return nil
	}
	var terms []Predicate
	terms = append(terms, s.Status.terms("status")...)
	terms = append(terms, s.PaymentMethod.terms("payment_method")...)
	terms = appendRange(terms, s.Sum.toRange("sum"))
	terms = appendRange(terms, s.CreatedAt.toRange("created_at"))
	if dl := s.Delivery; dl != nil {
		if dl.Assigned != nil {
			assigned := Not{Term: Range{Field: "courier_id", IsAbsent: true}}
			terms = append(terms, Exists{Relation: relDelivery, Where: assigned, Negate: !*dl.Assigned})
		}
		if st := dl.Status.terms("status"); len(st) > 0 {
			terms = append(terms, Exists{Relation: relDelivery, Where: And{Terms: st}})
		}
	}
	return terms
}

func (s *SetSpec) terms(fieldName string) []Predicate {
	if s == nil {
		return nil
	}
	var terms []Predicate
	if len(s.In) > 0 {
		terms = append(terms, In{Field: fieldName, Values: s.In})
	}
	if len(s.NotIn) > 0 {
		terms = append(terms, In{Field: fieldName, Values: s.NotIn, Negate: true})
	}
	return terms
}

func (r *RangeSpec) toRange(fieldName string) *Range {
	if r == nil {
		return nil
	}
	out := Range{Field: fieldName, IsAbsent: r.IsAbsent, Eq: r.Eq.bound(), Gte: r.Gte.bound(), Lte: r.Lte.bound()}
	if r.GteSecondsAgo != nil {
		out.Gte = SecondsAgoBound(*r.GteSecondsAgo)
	}
	if r.LteSecondsAgo != nil {
		out.Lte = SecondsAgoBound(*r.LteSecondsAgo)
	}
	return &out
}

func appendRange(terms []Predicate, r *Range) []Predicate {
	if r == nil {
		return terms
	}
	return append(terms, *r)
}

// describeTypes is used in log lines.
func describeTypes(types []ObjectType) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = string(t)
	}
	return strings.Join(s, ",")
}
