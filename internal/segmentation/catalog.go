package segmentation

// ==========================================
// FIELD CATALOG
// ==========================================
// Every SQL fragment here is a format string: %[1]s is the alias of the
// row being filtered, and in link conditions %[2]s is the related row.

type fieldKind int

const (
	kindUnknown fieldKind = iota
	kindNumber
	kindTime
	kindText
)

func (k fieldKind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindTime:
		return "date"
	case kindText:
		return "text"
	default:
		return "unknown"
	}
}

type field struct {
	expr string
	kind fieldKind
}

type link struct {
	target string
	on     string
}

type relation struct {
	name   string
	from   string
	live   string
	fields map[string]field
	links  map[string]link
}

const (
	relCustomer      = "customer"
	relSalesDocument = "sales_document"
	relLoyaltyCard   = "loyalty_card"
	relTag           = "tag"
	relDelivery      = "delivery"
)

var relations = map[string]*relation{
	relCustomer: {
		name: relCustomer,
		from: "contragents %[1]s",
		live: "NOT %[1]s.is_deleted",
		fields: map[string]field{
			"id":         {"%[1]s.id", kindNumber},
			"name":       {"%[1]s.name", kindText},
			"phone":      {"%[1]s.phone", kindText},
			"email":      {"%[1]s.email", kindText},
			"created_at": {"%[1]s.created_at", kindTime},
			"purchase_count": {
				"(SELECT COUNT(*) FROM docs_sales %[1]s_pc WHERE %[1]s_pc.contragent_id = %[1]s.id AND NOT %[1]s_pc.is_deleted)::numeric",
				kindNumber,
			},
			"purchase_sum": {
				"(SELECT COALESCE(SUM(%[1]s_ps.sum), 0) FROM docs_sales %[1]s_ps WHERE %[1]s_ps.contragent_id = %[1]s.id AND NOT %[1]s_ps.is_deleted)",
				kindNumber,
			},
			"last_purchase_at": {
				"(SELECT MAX(%[1]s_pl.created_at) FROM docs_sales %[1]s_pl WHERE %[1]s_pl.contragent_id = %[1]s.id AND NOT %[1]s_pl.is_deleted)",
				kindTime,
			},
			"loyalty_balance": {
				"(SELECT SUM(%[1]s_lb.balance) FROM loyality_cards %[1]s_lb WHERE %[1]s_lb.contragent_id = %[1]s.id AND NOT %[1]s_lb.is_deleted)",
				kindNumber,
			},
		},
		links: map[string]link{
			relSalesDocument: {relSalesDocument, "%[2]s.contragent_id = %[1]s.id"},
			relLoyaltyCard:   {relLoyaltyCard, "%[2]s.contragent_id = %[1]s.id"},
			relTag:           {relTag, "%[2]s.contragent_id = %[1]s.id"},
		},
	},
	relSalesDocument: {
		name: relSalesDocument,
		from: "docs_sales %[1]s",
		live: "NOT %[1]s.is_deleted",
		fields: map[string]field{
			"id":             {"%[1]s.id", kindNumber},
			"number":         {"%[1]s.number", kindText},
			"status":         {"%[1]s.status", kindText},
			"sum":            {"%[1]s.sum", kindNumber},
			"payment_method": {"%[1]s.payment_method", kindText},
			"created_at":     {"%[1]s.created_at", kindTime},
		},
		links: map[string]link{
			relDelivery: {relDelivery, "%[2]s.doc_sales_id = %[1]s.id"},
			relCustomer: {relCustomer, "%[2]s.id = %[1]s.contragent_id"},
		},
	},
	relLoyaltyCard: {
		name: relLoyaltyCard,
		from: "loyality_cards %[1]s",
		live: "NOT %[1]s.is_deleted",
		fields: map[string]field{
			"balance":     {"%[1]s.balance", kindNumber},
			"card_number": {"%[1]s.card_number", kindText},
			"created_at":  {"%[1]s.created_at", kindTime},
		},
	},
	relTag: {
		name: relTag,
		from: "contragent_tags %[1]s JOIN tags %[1]s_t ON %[1]s_t.id = %[1]s.tag_id",
		fields: map[string]field{
			"name":        {"%[1]s_t.name", kindText},
			"attached_at": {"%[1]s.created_at", kindTime},
		},
	},
	relDelivery: {
		name: relDelivery,
		from: "delivery_info %[1]s",
		fields: map[string]field{
			"status":      {"%[1]s.status", kindText},
			"courier_id":  {"%[1]s.courier_id", kindNumber},
			"assigned_at": {"%[1]s.assigned_at", kindTime},
		},
	},
}

// rootRelations maps each object type to the relation its ids come from.
var rootRelations = map[ObjectType]*relation{
	ObjectCustomer:      relations[relCustomer],
	ObjectSalesDocument: relations[relSalesDocument],
}
