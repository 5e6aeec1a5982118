package domain

import "time"

type Product struct {
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	CostCents  int64     `json:"cost_cents"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	CostCents    int64  `json:"cost_cents"`
	InitialStock int64  `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	CostCents  *int64  `json:"cost_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type ProductPriceHistory struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	OldCostCents  int64     `json:"old_cost_cents"`
	NewCostCents  int64     `json:"new_cost_cents"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

type ProductWithStock struct {
	Product
	StockOnHand int64 `json:"stock_on_hand"`
}

// StockMovement is a signed ledger row. Positive deltas are receipts,
// negative deltas are sales or write-offs. Stock on hand is the sum.
type StockMovement struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	DeltaQty      int64     `json:"delta_qty"`
	Reason        string    `json:"reason"`
	Reference     string    `json:"reference,omitempty"`
	UnitCostCents int64     `json:"unit_cost_cents"`
	CreatedAt     time.Time `json:"created_at"`
}

type StockAdjustmentRequest struct {
	SKU           string `json:"sku"`
	DeltaQty      int64  `json:"delta_qty"`
	Reason        string `json:"reason"`
	UnitCostCents int64  `json:"unit_cost_cents"`
	Note          string `json:"note,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// Price-source tags recorded on every sale line.
const (
	PriceSourceCatalog = "catalog"
	PriceSourceManual  = "manual"
	PriceSourcePromo   = "promo"
)

type SaleLine struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	SKU            string `json:"sku"`
	Description    string `json:"description"`
	Qty            int64  `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
	PriceSource    string `json:"price_source"`
	PromoGroupID   string `json:"promo_group_id,omitempty"`
	IsPromo        bool   `json:"is_promo"`
}

type Payment struct {
	ID          string `json:"id"`
	SaleID      string `json:"sale_id"`
	Medium      string `json:"medium"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type Sale struct {
	ID                string     `json:"id"`
	RegisterSessionID string     `json:"register_session_id"`
	OperatorUsername  string     `json:"operator_username"`
	Status            string     `json:"status"`
	TotalCents        int64      `json:"total_cents"`
	VoidReason        string     `json:"void_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
	VoidedAt          *time.Time `json:"voided_at,omitempty"`
	Lines             []SaleLine `json:"lines"`
	Payments          []Payment  `json:"payments"`
}

type SaleLineAddRequest struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
}

type SaleLineQuantityRequest struct {
	Qty int64 `json:"qty"`
}

type PaymentInput struct {
	Medium      string `json:"medium"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type SaleFinalizeRequest struct {
	Payments []PaymentInput `json:"payments"`
}

type SaleCancelRequest struct {
	Reason string `json:"reason"`
}

type ApplyComboRequest struct {
	ComboID string `json:"combo_id"`
	// PackPriceCents overrides the stored pack price when positive.
	PackPriceCents int64 `json:"pack_price_cents,omitempty"`
}

// SaleReeditRequest describes an admin correction of a finalized sale:
// the sale is reopened, its lines and payments are fully replaced with
// the ones listed here, and the sale is finalized again, all in one
// transaction.
type SaleReeditRequest struct {
	Lines      []SaleReeditLine `json:"lines"`
	Payments   []PaymentInput   `json:"payments"`
	Reason     string           `json:"reason"`
	ManagerPIN string           `json:"manager_pin,omitempty"`
}

// SaleReeditLine is a replacement line. A nil unit cost means "keep the
// current catalog cost for this SKU".
type SaleReeditLine struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitCostCents  *int64 `json:"unit_cost_cents,omitempty"`
	PriceSource    string `json:"price_source"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type PromoComboItem struct {
	SKU         string `json:"sku"`
	RequiredQty int64  `json:"required_qty"`
}

type PromoCombo struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	PackPriceCents    int64            `json:"pack_price_cents"`
	MinimumTotalCents int64            `json:"minimum_total_cents"`
	Active            bool             `json:"active"`
	CreatedAt         time.Time        `json:"created_at"`
	Items             []PromoComboItem `json:"items"`
}

type PromoComboCreateRequest struct {
	Name              string           `json:"name"`
	PackPriceCents    int64            `json:"pack_price_cents"`
	MinimumTotalCents int64            `json:"minimum_total_cents"`
	Items             []PromoComboItem `json:"items"`
}

// PromoComboDetail adds what the combo would cost at current catalog
// prices, so an operator can see the discount before applying it.
type PromoComboDetail struct {
	PromoCombo
	CatalogTotalCents int64 `json:"catalog_total_cents"`
	SavingsCents      int64 `json:"savings_cents"`
}

type PromoComboToggleRequest struct {
	Active bool `json:"active"`
}

type RegisterSession struct {
	ID                string     `json:"id"`
	OpenedBy          string     `json:"opened_by"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	ClosingCashCents  int64      `json:"closing_cash_cents,omitempty"`
	Status            string     `json:"status"`
	Notes             string     `json:"notes,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type RegisterOpenRequest struct {
	OpeningFloatCents int64 `json:"opening_float_cents"`
}

type RegisterCloseRequest struct {
	ClosingCashCents int64  `json:"closing_cash_cents"`
	Notes            string `json:"notes"`
}

type RegisterSessionResponse struct {
	Session RegisterSession `json:"session"`
}

type ExpenseEntry struct {
	ID          string    `json:"id"`
	Date        string    `json:"date"`
	Category    string    `json:"category"`
	Kind        string    `json:"kind"`
	Origin      string    `json:"origin"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Date        string `json:"date"`
	Category    string `json:"category"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

type ExpenseListResponse struct {
	Entries []ExpenseEntry `json:"entries"`
}

type ReportRequest struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Granularity        string `json:"granularity"`
	OperatorFilter     string `json:"operator_filter,omitempty"`
	IncludeUnfinalized bool   `json:"include_unfinalized,omitempty"`
}

// ReportRow is one period bucket of the profit and loss rollup. The
// percentage fields are nil whenever the period has no revenue.
type ReportRow struct {
	PeriodKey             string   `json:"period_key"`
	RevenueCents          int64    `json:"revenue_cents"`
	COGSCents             int64    `json:"cogs_cents"`
	GrossProfitCents      int64    `json:"gross_profit_cents"`
	ExtraIncomeCents      int64    `json:"extra_income_cents"`
	OperatingExpenseCents int64    `json:"operating_expense_cents"`
	NetProfitCents        int64    `json:"net_profit_cents"`
	GrossMarginPct        *float64 `json:"gross_margin_pct"`
	NetMarginPct          *float64 `json:"net_margin_pct"`
}

// ReportTotals aggregates every period row of the report into one line.
type ReportTotals struct {
	RevenueCents          int64    `json:"revenue_cents"`
	COGSCents             int64    `json:"cogs_cents"`
	GrossProfitCents      int64    `json:"gross_profit_cents"`
	ExtraIncomeCents      int64    `json:"extra_income_cents"`
	OperatingExpenseCents int64    `json:"operating_expense_cents"`
	NetProfitCents        int64    `json:"net_profit_cents"`
	GrossMarginPct        *float64 `json:"gross_margin_pct"`
	NetMarginPct          *float64 `json:"net_margin_pct"`
}

type ReportMeta struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Granularity   string `json:"granularity"`
	Currency      string `json:"currency"`
	CostBasis     string `json:"cost_basis"`
	ExpensePolicy string `json:"expense_policy"`
	GeneratedAt   string `json:"generated_at"`
	// FromCache reports whether the payload was served from the report
	// cache. It is not serialized so identical requests produce identical
	// payloads apart from GeneratedAt.
	FromCache bool `json:"-"`
}

type ExpenseCategoryTotal struct {
	Category     string `json:"category"`
	IncomeCents  int64  `json:"income_cents"`
	ExpenseCents int64  `json:"expense_cents"`
	NetCents     int64  `json:"net_cents"`
}

type PaymentMediumTotal struct {
	Medium      string `json:"medium"`
	AmountCents int64  `json:"amount_cents"`
	Sales       int64  `json:"sales"`
}

type Report struct {
	Meta       ReportMeta             `json:"meta"`
	Totals     ReportTotals           `json:"totals"`
	Rows       []ReportRow            `json:"rows"`
	ByCategory []ExpenseCategoryTotal `json:"expense_by_category"`
	ByMedium   []PaymentMediumTotal   `json:"revenue_by_medium"`
}

// SalesPeriodRow is what the repository hands the rollup engine: revenue
// and snapshotted cost of goods for finalized sales grouped by period key.
type SalesPeriodRow struct {
	PeriodKey    string
	RevenueCents int64
	COGSCents    int64
}

type MonthlyExpenseTotal struct {
	Month        string
	IncomeCents  int64
	ExpenseCents int64
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SaleStatusDraft     = "draft"
	SaleStatusFinalized = "finalized"
	SaleStatusVoided    = "voided"
)

const (
	RegisterStatusOpen   = "open"
	RegisterStatusClosed = "closed"
)

const (
	ExpenseKindExpense = "expense"
	ExpenseKindIncome  = "income"
)

const (
	ExpenseOriginManual   = "manual"
	ExpenseOriginPurchase = "purchase"
	ExpenseOriginPayroll  = "payroll"
)

const (
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"
	GranularityTotal = "total"
)

const (
	ExpensePolicyNone       = "no_proration"
	ExpensePolicyEvenDaily  = "even_daily_proration"
	CostBasisSaleSnapshot   = "snapshot_at_sale"
	TotalPeriodKey          = "TOTAL"
	MovementReasonSale      = "sale"
	MovementReasonReedit    = "sale_reedit"
	MovementReasonPurchase  = "purchase"
	MovementReasonWriteOff  = "write_off"
	MovementReasonInventory = "inventory_adjustment"
)
