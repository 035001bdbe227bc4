package actions

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Sentinel errors reported in action results.
var (
	ErrEntityNotFound = errors.New("object not found in directory")
	ErrNoCustomer     = errors.New("sales document has no customer")
	ErrNoRecipient    = errors.New("no recipient for notification")
	ErrNoLoyaltyCard  = errors.New("customer has no loyalty card")
	ErrLowBalance     = errors.New("loyalty balance would become negative")
)

// Entity is the directory view of a segment member. For sales documents
// Name is the document number and the contact fields are the customer's.
type Entity struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customer_id,omitempty"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	ChatID     string `json:"-"`
}

// Directory is the read-only customer directory.
type Directory interface {
	// Lookup returns the entities for ids keyed by id. Unknown ids are absent.
	Lookup(ctx context.Context, cashboxID int64, t segmentation.ObjectType, ids []int64) (map[int64]Entity, error)
}

// Tagger is the tagging service.
type Tagger interface {
	// EnsureTags creates missing tags and returns every tag id keyed by name.
	EnsureTags(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error)
	Attach(ctx context.Context, customerID int64, tagIDs []int64) error
	Detach(ctx context.Context, customerID int64, tagIDs []int64) error
}

// Adjustment is one loyalty balance change.
type Adjustment struct {
	CashboxID   int64
	CustomerID  int64
	SegmentID   int64
	Delta       decimal.Decimal
	Description string
}

// LoyaltyLedger adjusts loyalty balances.
type LoyaltyLedger interface {
	Adjust(ctx context.Context, adj Adjustment) error
}

// Message is a rendered notification.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
	SegmentID  int64
	ObjectID   int64
}

// Dispatcher delivers notifications over one channel. Delivery guarantees
// belong to the dispatcher; the pipeline only builds the message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// WebhookSender delivers webhook events.
type WebhookSender interface {
	Send(ctx context.Context, hook *WebhookAction, event *WebhookEvent) error
}
