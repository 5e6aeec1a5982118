package store

import (
	"context"
	"errors"
	"time"

	"almacenpos/backend/internal/domain"
)

// The error kinds callers are allowed to branch on. Repository methods wrap
// these with fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrPaymentMismatch      = errors.New("payment mismatch")
	ErrNotFound             = errors.New("not found")
	ErrBusy                 = errors.New("busy")
)

// PromoConsumption tells a sale transaction how many units to take from
// the draft's plain line for one SKU before the promo lines are added.
type PromoConsumption struct {
	SKU string
	Qty int64
}

// PromoApplication is the precomputed replacement plan for applying a
// combo to a draft sale. The repository re-validates quantities inside
// its transaction before committing it.
type PromoApplication struct {
	PromoGroupID string
	ComboID      string
	Consume      []PromoConsumption
	AddLines     []domain.SaleLine
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.ProductWithStock, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	ListPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)

	CreateStockMovement(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, sku string, limit int) ([]domain.StockMovement, error)
	StockOnHand(ctx context.Context, skus []string) (map[string]int64, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, operator string, status string, limit int) ([]domain.Sale, error)
	AddOrMergeSaleLine(ctx context.Context, saleID string, line domain.SaleLine) (*domain.Sale, error)
	SetLineQuantity(ctx context.Context, saleID string, lineID string, qty int64) (*domain.Sale, error)
	RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.Sale, error)
	ApplyPromoCombo(ctx context.Context, saleID string, application PromoApplication) (*domain.Sale, error)
	FinalizeSale(ctx context.Context, saleID string, payments []domain.Payment, at time.Time) (*domain.Sale, error)
	CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)
	ReopenAndReedit(ctx context.Context, saleID string, lines []domain.SaleLine, payments []domain.Payment, reason string, at time.Time) (*domain.Sale, error)

	OpenRegisterSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error)
	CloseRegisterSession(ctx context.Context, closingCashCents int64, notes string, at time.Time) (*domain.RegisterSession, error)
	GetOpenRegisterSession(ctx context.Context) (*domain.RegisterSession, error)

	CreateExpenseEntry(ctx context.Context, entry domain.ExpenseEntry) (*domain.ExpenseEntry, error)
	ListExpenseEntries(ctx context.Context, fromDate string, toDate string, category string, limit int) ([]domain.ExpenseEntry, error)

	CreatePromoCombo(ctx context.Context, combo domain.PromoCombo) (*domain.PromoCombo, error)
	GetPromoComboByID(ctx context.Context, comboID string) (*domain.PromoCombo, error)
	ListPromoCombos(ctx context.Context, includeInactive bool) ([]domain.PromoCombo, error)
	UpdatePromoComboActive(ctx context.Context, comboID string, active bool) (*domain.PromoCombo, error)

	SalesPeriodRows(ctx context.Context, from time.Time, to time.Time, granularity string, loc *time.Location, operator string, includeUnfinalized bool) ([]domain.SalesPeriodRow, error)
	MonthlyExpenseTotals(ctx context.Context, fromDate string, toDate string) ([]domain.MonthlyExpenseTotal, error)
	ExpenseTotalsByCategory(ctx context.Context, fromDate string, toDate string) ([]domain.ExpenseCategoryTotal, error)
	RevenueByPaymentMedium(ctx context.Context, from time.Time, to time.Time, operator string, includeUnfinalized bool) ([]domain.PaymentMediumTotal, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
