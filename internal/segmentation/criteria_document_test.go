package segmentation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCriteria_EmptyDocument(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  "} {
		doc, err := ParseCriteria(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, []ObjectType{ObjectCustomer}, doc.Types())
		assert.Nil(t, doc.Tree(ObjectCustomer))
	}
}

func TestParseCriteria_FullDocument(t *testing.T) {
	raw := `{
		"object_types": ["sales_document", "customer"],
		"created_at": {"gte": "2025-01-01", "lte": "2025-12-31T23:59:59Z"},
		"purchases": {"count": {"gte": 3}, "sum": {"gte": "1000.50"}, "last_purchase": {"gte_seconds_ago": 2592000}},
		"loyalty": {"has_card": true, "balance": {"lte": 100, "is_absent": true}},
		"tags": {"any": ["vip"], "all": ["a", "b"], "none": ["blocked"]},
		"sales_documents": {
			"status": {"in": ["paid"]},
			"payment_method": {"not_in": ["cash"]},
			"delivery": {"assigned": false}
		},
		"any_of": [{"tags": {"any": ["x"]}}, {"loyalty": {"has_card": false}}],
		"not": {"purchases": {"sum": {"gte": 1000000}}}
	}`
	doc, err := ParseCriteria(json.RawMessage(raw))
	require.NoError(t, err)

	assert.Equal(t, []ObjectType{ObjectCustomer, ObjectSalesDocument}, doc.Types())
	require.NotNil(t, doc.CreatedAt.Gte.Time)
	assert.Equal(t, "1000.5", doc.Purchases.Sum.Gte.Number.String())

	customer, ok := doc.Tree(ObjectCustomer).(And)
	require.True(t, ok)
	// created_at, count, sum, last_purchase, has_card, balance, any, all a, all b,
	// none, sales_documents exists, any_of, not
	assert.Len(t, customer.Terms, 13)

	document, ok := doc.Tree(ObjectSalesDocument).(And)
	require.True(t, ok)
	// created_at, status, payment_method, delivery, customer exists, any_of, not
	assert.Len(t, document.Terms, 7)
	last := document.Terms[4].(Exists)
	assert.Equal(t, relCustomer, last.Relation)

	plan, err := PlanDocument(doc, 5, 11, pinnedNow)
	require.NoError(t, err)
	assert.Len(t, plan.Queries, 2)
	assert.Equal(t, []ObjectType{ObjectCustomer, ObjectSalesDocument}, plan.Types)
}

func TestParseCriteria_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		problem string
	}{
		{"malformed json", `{"tags":`, "malformed criteria"},
		{"unknown key", `{"colour": "red"}`, "unknown field"},
		{"unknown object type", `{"object_types": ["invoice"]}`, "oneof"},
		{"duplicate object type", `{"object_types": ["customer", "customer"]}`, "unique"},
		{"negative relative", `{"created_at": {"gte_seconds_ago": -1}}`, "min"},
		{"both absolute and relative", `{"created_at": {"gte": "2025-01-01", "gte_seconds_ago": 10}}`, "mutually exclusive"},
		{"empty range", `{"purchases": {"count": {}}}`, "empty range"},
		{"empty tags", `{"tags": {}}`, "no tag names"},
		{"blank tag", `{"tags": {"any": [""]}}`, "required"},
		{"empty set", `{"sales_documents": {"status": {}}}`, "needs in or not_in"},
		{"bad bound", `{"purchases": {"sum": {"gte": "lots"}}}`, "neither a date nor a number"},
		{"nested any_of", `{"any_of": [{"purchases": {"sum": {}}}]}`, "criteria.any_of[0].purchases.sum: empty range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCriteria(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCriteria))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestPlanDocument_InconsistentBoundsFailBeforeQueries(t *testing.T) {
	doc, err := ParseCriteria(json.RawMessage(`{"purchases": {"sum": {"gte": 500, "lte": 100}}}`))
	require.NoError(t, err)

	_, err = PlanDocument(doc, 1, 1, pinnedNow)
	require.Error(t, err)
	assert.Equal(t, "422", FailureReason(err))
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "404", FailureReason(ErrSegmentNotFound))
	assert.Equal(t, "410", FailureReason(ErrSegmentArchived))
	assert.Equal(t, "422", FailureReason(NewValidationError("x")))
	assert.Equal(t, "500", FailureReason(errors.New("connection reset")))
}
