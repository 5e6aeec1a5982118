package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/report"
	"almacenpos/backend/internal/store"
	"almacenpos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	priceHistory    map[string][]domain.ProductPriceHistory
	movements       []domain.StockMovement
	salesByID       map[string]*domain.Sale
	combosByID      map[string]domain.PromoCombo
	expenses        []domain.ExpenseEntry
	sessionsByID    map[string]domain.RegisterSession
	openSessionID   string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"operator", operatorPwd, "operator"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{SKU: "ALM-YERBA-01", Name: "Yerba Mate 1kg", Category: "almacen", PriceCents: 520_000, CostCents: 365_000, Active: true, CreatedAt: now},
		{SKU: "ALM-AZUCAR-01", Name: "Azucar 1kg", Category: "almacen", PriceCents: 130_000, CostCents: 92_000, Active: true, CreatedAt: now},
		{SKU: "ALM-FIDEOS-01", Name: "Fideos Spaghetti 500g", Category: "almacen", PriceCents: 145_000, CostCents: 98_000, Active: true, CreatedAt: now},
		{SKU: "ALM-ACEITE-01", Name: "Aceite Girasol 900ml", Category: "almacen", PriceCents: 310_000, CostCents: 228_000, Active: true, CreatedAt: now},
		{SKU: "ALM-ARROZ-01", Name: "Arroz Largo Fino 1kg", Category: "almacen", PriceCents: 155_000, CostCents: 104_000, Active: true, CreatedAt: now},
		{SKU: "BEB-GASEOSA-01", Name: "Gaseosa Cola 2.25L", Category: "bebidas", PriceCents: 280_000, CostCents: 197_000, Active: true, CreatedAt: now},
		{SKU: "BEB-AGUA-01", Name: "Agua Mineral 2L", Category: "bebidas", PriceCents: 120_000, CostCents: 71_000, Active: true, CreatedAt: now},
		{SKU: "LAC-LECHE-01", Name: "Leche Entera 1L", Category: "lacteos", PriceCents: 150_000, CostCents: 112_000, Active: true, CreatedAt: now},
		{SKU: "LAC-QUESO-01", Name: "Queso Cremoso x kg", Category: "lacteos", PriceCents: 890_000, CostCents: 642_000, Active: true, CreatedAt: now},
		{SKU: "LIM-LAVANDINA-01", Name: "Lavandina 1L", Category: "limpieza", PriceCents: 95_000, CostCents: 54_000, Active: true, CreatedAt: now},
		{SKU: "GOL-ALFAJOR-01", Name: "Alfajor Triple", Category: "golosinas", PriceCents: 85_000, CostCents: 56_000, Active: true, CreatedAt: now},
		{SKU: "GOL-CHOCOLATE-01", Name: "Chocolate con Leche 100g", Category: "golosinas", PriceCents: 210_000, CostCents: 139_000, Active: true, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	movements := make([]domain.StockMovement, 0, len(products))
	for _, p := range products {
		productMap[p.SKU] = p
		movements = append(movements, domain.StockMovement{
			ID:            xid.New("mov"),
			SKU:           p.SKU,
			DeltaQty:      120,
			Reason:        domain.MovementReasonPurchase,
			UnitCostCents: p.CostCents,
			CreatedAt:     now,
		})
	}

	return &Store{
		products:        productMap,
		priceHistory:    make(map[string][]domain.ProductPriceHistory),
		movements:       movements,
		salesByID:       make(map[string]*domain.Sale),
		combosByID:      make(map[string]domain.PromoCombo),
		expenses:        make([]domain.ExpenseEntry, 0, 64),
		sessionsByID:    make(map[string]domain.RegisterSession),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.ProductWithStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock := s.stockOnHandLocked(nil)
	result := make([]domain.ProductWithStock, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		result = append(result, domain.ProductWithStock{Product: p, StockOnHand: stock[p.SKU]})
	}

	slices.SortFunc(result, func(a, b domain.ProductWithStock) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.CostCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
	}

	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[sku]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.CostCents < 0 {
		return nil, store.ErrInvalidInput
	}
	existing, exists := s.products[product.SKU]
	if !exists {
		return nil, store.ErrNotFound
	}

	product.CreatedAt = existing.CreatedAt
	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistory[entry.SKU] = append(s.priceHistory[entry.SKU], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.priceHistory[sku]
	if len(history) == 0 {
		return []domain.ProductPriceHistory{}, nil
	}

	result := make([]domain.ProductPriceHistory, len(history))
	copy(result, history)
	slices.SortFunc(result, func(a, b domain.ProductPriceHistory) int {
		if a.ChangedAt.Equal(b.ChangedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ChangedAt.After(b.ChangedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) CreateStockMovement(_ context.Context, movement domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.SKU == "" || movement.DeltaQty == 0 || movement.Reason == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.products[movement.SKU]; !exists {
		return fmt.Errorf("%w: sku %s", store.ErrNotFound, movement.SKU)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, movement)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, sku string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, movement := range s.movements {
		if sku != "" && movement.SKU != sku {
			continue
		}
		result = append(result, movement)
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) StockOnHand(_ context.Context, skus []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stockOnHandLocked(skus), nil
}

func (s *Store) stockOnHandLocked(skus []string) map[string]int64 {
	stock := make(map[string]int64)
	for _, movement := range s.movements {
		stock[movement.SKU] += movement.DeltaQty
	}
	if len(skus) == 0 {
		return stock
	}

	filtered := make(map[string]int64, len(skus))
	for _, sku := range skus {
		filtered[sku] = stock[sku]
	}
	return filtered
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openSessionID == "" {
		return nil, fmt.Errorf("%w: no open register session", store.ErrInvalidState)
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.RegisterSessionID = s.openSessionID
	sale.Status = domain.SaleStatusDraft
	sale.TotalCents = 0
	sale.Lines = nil
	sale.Payments = nil

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	return cloneSale(saved), nil
}

func (s *Store) GetSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, operator string, status string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if operator != "" && sale.OperatorUsername != operator {
			continue
		}
		if status != "" && sale.Status != status {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AddOrMergeSaleLine(_ context.Context, saleID string, line domain.SaleLine) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftSaleLocked(saleID)
	if err != nil {
		return nil, err
	}
	if line.SKU == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	merged := false
	if !line.IsPromo {
		for i := range sale.Lines {
			existing := &sale.Lines[i]
			if existing.IsPromo || existing.SKU != line.SKU {
				continue
			}
			existing.Qty += line.Qty
			existing.SubtotalCents = existing.Qty * existing.UnitPriceCents
			merged = true
			break
		}
	}
	if !merged {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		line.SubtotalCents = line.Qty * line.UnitPriceCents
		sale.Lines = append(sale.Lines, line)
	}

	recomputeTotalLocked(sale)
	return cloneSale(sale), nil
}

func (s *Store) SetLineQuantity(_ context.Context, saleID string, lineID string, qty int64) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftSaleLocked(saleID)
	if err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.ID != lineID {
			continue
		}
		if line.IsPromo {
			return nil, fmt.Errorf("%w: promo lines cannot be edited, remove the group", store.ErrInvalidState)
		}
		line.Qty = qty
		line.SubtotalCents = line.Qty * line.UnitPriceCents
		recomputeTotalLocked(sale)
		return cloneSale(sale), nil
	}

	return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
}

func (s *Store) RemoveSaleLine(_ context.Context, saleID string, lineID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftSaleLocked(saleID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range sale.Lines {
		if sale.Lines[i].ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
	}

	target := sale.Lines[idx]
	kept := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.ID == lineID {
			continue
		}
		// Removing any promo line drops the whole promo group.
		if target.IsPromo && line.PromoGroupID == target.PromoGroupID && line.PromoGroupID != "" {
			continue
		}
		kept = append(kept, line)
	}
	sale.Lines = kept

	recomputeTotalLocked(sale)
	return cloneSale(sale), nil
}

func (s *Store) ApplyPromoCombo(_ context.Context, saleID string, application store.PromoApplication) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftSaleLocked(saleID)
	if err != nil {
		return nil, err
	}
	if application.PromoGroupID == "" || len(application.Consume) == 0 || len(application.AddLines) == 0 {
		return nil, store.ErrInvalidInput
	}

	for _, consume := range application.Consume {
		found := false
		for i := range sale.Lines {
			line := &sale.Lines[i]
			if line.IsPromo || line.SKU != consume.SKU {
				continue
			}
			if line.Qty < consume.Qty {
				return nil, fmt.Errorf("%w: line %s has %d of %d required", store.ErrInsufficientQuantity, consume.SKU, line.Qty, consume.Qty)
			}
			line.Qty -= consume.Qty
			line.SubtotalCents = line.Qty * line.UnitPriceCents
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("%w: no plain line for %s", store.ErrInsufficientQuantity, consume.SKU)
		}
	}

	kept := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Qty == 0 {
			continue
		}
		kept = append(kept, line)
	}
	sale.Lines = kept

	for _, line := range application.AddLines {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		line.IsPromo = true
		line.PriceSource = domain.PriceSourcePromo
		line.PromoGroupID = application.PromoGroupID
		line.SubtotalCents = line.Qty * line.UnitPriceCents
		sale.Lines = append(sale.Lines, line)
	}

	recomputeTotalLocked(sale)
	return cloneSale(sale), nil
}

func (s *Store) FinalizeSale(_ context.Context, saleID string, payments []domain.Payment, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftSaleLocked(saleID)
	if err != nil {
		return nil, err
	}
	if s.openSessionID == "" {
		return nil, fmt.Errorf("%w: no open register session", store.ErrInvalidState)
	}
	if len(sale.Lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no lines", store.ErrInvalidInput)
	}
	recomputeTotalLocked(sale)
	if sale.TotalCents < 1 {
		return nil, fmt.Errorf("%w: sale total must be positive", store.ErrInvalidInput)
	}

	if err := validatePayments(payments, sale.TotalCents); err != nil {
		return nil, err
	}

	required := make(map[string]int64)
	for _, line := range sale.Lines {
		required[line.SKU] += line.Qty
	}
	stock := s.stockOnHandLocked(nil)
	for sku, qty := range required {
		if stock[sku] < qty {
			return nil, fmt.Errorf("%w: %s has %d on hand, sale needs %d", store.ErrInsufficientQuantity, sku, stock[sku], qty)
		}
	}

	for _, line := range sale.Lines {
		s.movements = append(s.movements, domain.StockMovement{
			ID:            xid.New("mov"),
			SKU:           line.SKU,
			DeltaQty:      -line.Qty,
			Reason:        domain.MovementReasonSale,
			Reference:     sale.ID,
			UnitCostCents: line.UnitCostCents,
			CreatedAt:     at,
		})
	}

	sale.Payments = make([]domain.Payment, 0, len(payments))
	for _, payment := range payments {
		if payment.ID == "" {
			payment.ID = xid.New("pay")
		}
		payment.SaleID = sale.ID
		sale.Payments = append(sale.Payments, payment)
	}

	sale.Status = domain.SaleStatusFinalized
	finalizedAt := at
	sale.FinalizedAt = &finalizedAt

	return cloneSale(sale), nil
}

func (s *Store) CancelSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, fmt.Errorf("%w: only draft sales can be voided", store.ErrInvalidState)
	}

	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.Lines = []domain.SaleLine{}
	sale.TotalCents = 0
	voidedAt := at
	sale.VoidedAt = &voidedAt

	return cloneSale(sale), nil
}

// ReopenAndReedit is the admin correction path for a finalized sale. The
// whole edit happens under one lock: the previous lines are discarded,
// the replacement lines are inserted, stock movements compensate the
// per-SKU difference, payments are replaced, and the sale ends up
// finalized again. A finalized sale is never left in draft.
func (s *Store) ReopenAndReedit(_ context.Context, saleID string, lines []domain.SaleLine, payments []domain.Payment, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusFinalized {
		return nil, fmt.Errorf("%w: only finalized sales can be re-edited", store.ErrInvalidState)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: re-edit cannot drop every line", store.ErrInvalidInput)
	}

	previousQty := make(map[string]int64)
	costBySKU := make(map[string]int64)
	for _, line := range sale.Lines {
		previousQty[line.SKU] += line.Qty
		costBySKU[line.SKU] = line.UnitCostCents
	}

	replaced := make([]domain.SaleLine, 0, len(lines))
	newTotal := int64(0)
	newQty := make(map[string]int64)
	for _, line := range lines {
		if line.SKU == "" || line.Qty < 1 || line.UnitPriceCents < 1 {
			return nil, fmt.Errorf("%w: replacement line needs a sku, a positive qty and a positive price", store.ErrInvalidInput)
		}
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		line.SubtotalCents = line.Qty * line.UnitPriceCents
		replaced = append(replaced, line)
		newTotal += line.SubtotalCents
		newQty[line.SKU] += line.Qty
		costBySKU[line.SKU] = line.UnitCostCents
	}
	if newTotal < 1 {
		return nil, fmt.Errorf("%w: sale total must be positive", store.ErrInvalidInput)
	}
	if err := validatePayments(payments, newTotal); err != nil {
		return nil, err
	}

	// Compensate stock by the per-SKU delta only.
	stock := s.stockOnHandLocked(nil)
	for sku, qty := range newQty {
		extra := qty - previousQty[sku]
		if extra > 0 && stock[sku] < extra {
			return nil, fmt.Errorf("%w: %s has %d on hand, re-edit needs %d more", store.ErrInsufficientQuantity, sku, stock[sku], extra)
		}
	}
	adjust := func(sku string, delta int64) {
		if delta == 0 {
			return
		}
		s.movements = append(s.movements, domain.StockMovement{
			ID:            xid.New("mov"),
			SKU:           sku,
			DeltaQty:      delta,
			Reason:        domain.MovementReasonReedit,
			Reference:     sale.ID,
			UnitCostCents: costBySKU[sku],
			CreatedAt:     at,
		})
	}
	for sku, qty := range previousQty {
		adjust(sku, qty-newQty[sku])
	}
	for sku, qty := range newQty {
		if _, seen := previousQty[sku]; !seen {
			adjust(sku, -qty)
		}
	}

	sale.Lines = replaced
	sale.TotalCents = newTotal
	sale.Payments = make([]domain.Payment, 0, len(payments))
	for _, payment := range payments {
		if payment.ID == "" {
			payment.ID = xid.New("pay")
		}
		payment.SaleID = sale.ID
		sale.Payments = append(sale.Payments, payment)
	}
	sale.VoidReason = reason
	finalizedAt := at
	sale.FinalizedAt = &finalizedAt

	return cloneSale(sale), nil
}

func (s *Store) OpenRegisterSession(_ context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if s.openSessionID != "" {
		return nil, fmt.Errorf("%w: a register session is already open", store.ErrInvalidState)
	}
	if session.ID == "" {
		session.ID = xid.New("reg")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.RegisterStatusOpen
	session.ClosedAt = nil
	session.ClosingCashCents = 0

	s.sessionsByID[session.ID] = session
	s.openSessionID = session.ID
	copySession := session
	return &copySession, nil
}

func (s *Store) CloseRegisterSession(_ context.Context, closingCashCents int64, notes string, at time.Time) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openSessionID == "" {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[s.openSessionID]
	if at.IsZero() {
		at = time.Now().UTC()
	}
	session.Status = domain.RegisterStatusClosed
	session.ClosingCashCents = closingCashCents
	session.Notes = notes
	session.ClosedAt = &at

	s.sessionsByID[session.ID] = session
	s.openSessionID = ""
	copySession := session
	return &copySession, nil
}

func (s *Store) GetOpenRegisterSession(_ context.Context) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.openSessionID == "" {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[s.openSessionID]
	copySession := session
	return &copySession, nil
}

func (s *Store) CreateExpenseEntry(_ context.Context, entry domain.ExpenseEntry) (*domain.ExpenseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := time.Parse("2006-01-02", entry.Date); err != nil {
		return nil, fmt.Errorf("%w: date %q", store.ErrInvalidInput, entry.Date)
	}
	if strings.TrimSpace(entry.Category) == "" || entry.AmountCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if entry.Kind != domain.ExpenseKindExpense && entry.Kind != domain.ExpenseKindIncome {
		return nil, fmt.Errorf("%w: kind %q", store.ErrInvalidInput, entry.Kind)
	}
	if entry.ID == "" {
		entry.ID = xid.New("exp")
	}
	if entry.Origin == "" {
		entry.Origin = domain.ExpenseOriginManual
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.expenses = append(s.expenses, entry)
	created := entry
	return &created, nil
}

func (s *Store) ListExpenseEntries(_ context.Context, fromDate string, toDate string, category string, limit int) ([]domain.ExpenseEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExpenseEntry, 0, 64)
	for _, entry := range s.expenses {
		if fromDate != "" && entry.Date < fromDate {
			continue
		}
		if toDate != "" && entry.Date > toDate {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.ExpenseEntry) int {
		if a.Date == b.Date {
			return cmpString(b.ID, a.ID)
		}
		return cmpString(b.Date, a.Date)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreatePromoCombo(_ context.Context, combo domain.PromoCombo) (*domain.PromoCombo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(combo.Name) == "" || combo.PackPriceCents < 1 || combo.MinimumTotalCents < 0 || len(combo.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	for _, item := range combo.Items {
		if item.SKU == "" || item.RequiredQty < 1 {
			return nil, store.ErrInvalidInput
		}
		if _, exists := s.products[item.SKU]; !exists {
			return nil, fmt.Errorf("%w: sku %s", store.ErrNotFound, item.SKU)
		}
	}
	if combo.ID == "" {
		combo.ID = xid.New("combo")
	}
	if combo.CreatedAt.IsZero() {
		combo.CreatedAt = time.Now().UTC()
	}
	combo.Active = true

	s.combosByID[combo.ID] = cloneCombo(combo)
	created := cloneCombo(combo)
	return &created, nil
}

func (s *Store) GetPromoComboByID(_ context.Context, comboID string) (*domain.PromoCombo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	combo, exists := s.combosByID[comboID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCombo := cloneCombo(combo)
	return &copyCombo, nil
}

func (s *Store) ListPromoCombos(_ context.Context, includeInactive bool) ([]domain.PromoCombo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	combos := make([]domain.PromoCombo, 0, len(s.combosByID))
	for _, combo := range s.combosByID {
		if !includeInactive && !combo.Active {
			continue
		}
		combos = append(combos, cloneCombo(combo))
	}
	slices.SortFunc(combos, func(a, b domain.PromoCombo) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return combos, nil
}

func (s *Store) UpdatePromoComboActive(_ context.Context, comboID string, active bool) (*domain.PromoCombo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	combo, exists := s.combosByID[comboID]
	if !exists {
		return nil, store.ErrNotFound
	}
	combo.Active = active
	s.combosByID[comboID] = combo
	copyCombo := cloneCombo(combo)
	return &copyCombo, nil
}

func (s *Store) SalesPeriodRows(_ context.Context, from time.Time, to time.Time, granularity string, loc *time.Location, operator string, includeUnfinalized bool) ([]domain.SalesPeriodRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPeriod := make(map[string]*domain.SalesPeriodRow)
	for _, sale := range s.salesByID {
		at, ok := saleReportTime(sale, operator, includeUnfinalized)
		if !ok {
			continue
		}
		if at.Before(from) || !at.Before(to) {
			continue
		}

		key := report.PeriodKey(at, granularity, loc)
		row := byPeriod[key]
		if row == nil {
			row = &domain.SalesPeriodRow{PeriodKey: key}
			byPeriod[key] = row
		}
		row.RevenueCents += sale.TotalCents
		for _, line := range sale.Lines {
			row.COGSCents += line.Qty * line.UnitCostCents
		}
	}

	result := make([]domain.SalesPeriodRow, 0, len(byPeriod))
	for _, row := range byPeriod {
		result = append(result, *row)
	}
	slices.SortFunc(result, func(a, b domain.SalesPeriodRow) int {
		return cmpString(a.PeriodKey, b.PeriodKey)
	})
	return result, nil
}

// MonthlyExpenseTotals splits each month's ledger into extra income and
// operating expense by entry kind.
func (s *Store) MonthlyExpenseTotals(_ context.Context, fromDate string, toDate string) ([]domain.MonthlyExpenseTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMonth := make(map[string]*domain.MonthlyExpenseTotal)
	for _, entry := range s.expenses {
		if entry.Date < fromDate || entry.Date > toDate {
			continue
		}
		month := entry.Date[:7]
		total := byMonth[month]
		if total == nil {
			total = &domain.MonthlyExpenseTotal{Month: month}
			byMonth[month] = total
		}
		if entry.Kind == domain.ExpenseKindIncome {
			total.IncomeCents += entry.AmountCents
		} else {
			total.ExpenseCents += entry.AmountCents
		}
	}

	result := make([]domain.MonthlyExpenseTotal, 0, len(byMonth))
	for _, total := range byMonth {
		result = append(result, *total)
	}
	slices.SortFunc(result, func(a, b domain.MonthlyExpenseTotal) int {
		return cmpString(a.Month, b.Month)
	})
	return result, nil
}

func (s *Store) ExpenseTotalsByCategory(_ context.Context, fromDate string, toDate string) ([]domain.ExpenseCategoryTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := make(map[string]*domain.ExpenseCategoryTotal)
	for _, entry := range s.expenses {
		if entry.Date < fromDate || entry.Date > toDate {
			continue
		}
		total := byCategory[entry.Category]
		if total == nil {
			total = &domain.ExpenseCategoryTotal{Category: entry.Category}
			byCategory[entry.Category] = total
		}
		if entry.Kind == domain.ExpenseKindIncome {
			total.IncomeCents += entry.AmountCents
		} else {
			total.ExpenseCents += entry.AmountCents
		}
	}

	result := make([]domain.ExpenseCategoryTotal, 0, len(byCategory))
	for _, total := range byCategory {
		total.NetCents = total.IncomeCents - total.ExpenseCents
		result = append(result, *total)
	}
	slices.SortFunc(result, func(a, b domain.ExpenseCategoryTotal) int {
		return cmpString(a.Category, b.Category)
	})
	return result, nil
}

func (s *Store) RevenueByPaymentMedium(_ context.Context, from time.Time, to time.Time, operator string, includeUnfinalized bool) ([]domain.PaymentMediumTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMedium := make(map[string]*domain.PaymentMediumTotal)
	for _, sale := range s.salesByID {
		at, ok := saleReportTime(sale, operator, includeUnfinalized)
		if !ok {
			continue
		}
		if at.Before(from) || !at.Before(to) {
			continue
		}
		for _, payment := range sale.Payments {
			entry := byMedium[payment.Medium]
			if entry == nil {
				entry = &domain.PaymentMediumTotal{Medium: payment.Medium}
				byMedium[payment.Medium] = entry
			}
			entry.AmountCents += payment.AmountCents
			entry.Sales++
		}
	}

	result := make([]domain.PaymentMediumTotal, 0, len(byMedium))
	for _, entry := range byMedium {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.PaymentMediumTotal) int {
		return cmpString(a.Medium, b.Medium)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) draftSaleLocked(saleID string) (*domain.Sale, error) {
	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, fmt.Errorf("%w: sale is %s", store.ErrInvalidState, sale.Status)
	}
	return sale, nil
}

func recomputeTotalLocked(sale *domain.Sale) {
	total := int64(0)
	for _, line := range sale.Lines {
		total += line.SubtotalCents
	}
	sale.TotalCents = total
}

func validatePayments(payments []domain.Payment, total int64) error {
	if len(payments) == 0 {
		return fmt.Errorf("%w: at least one payment is required", store.ErrInvalidInput)
	}
	paid := int64(0)
	for _, payment := range payments {
		if payment.Medium == "" || payment.AmountCents < 1 {
			return store.ErrInvalidInput
		}
		paid += payment.AmountCents
	}
	if paid != total {
		return fmt.Errorf("%w: payments sum to %d, sale total is %d", store.ErrPaymentMismatch, paid, total)
	}
	return nil
}

// saleReportTime decides whether a sale feeds the rollup and which
// timestamp buckets it. Finalized sales bucket by finalization time;
// with includeUnfinalized, drafts and voided sales bucket by creation.
func saleReportTime(sale *domain.Sale, operator string, includeUnfinalized bool) (time.Time, bool) {
	if operator != "" && sale.OperatorUsername != operator {
		return time.Time{}, false
	}
	if sale.Status == domain.SaleStatusFinalized && sale.FinalizedAt != nil {
		return *sale.FinalizedAt, true
	}
	if includeUnfinalized {
		return sale.CreatedAt, true
	}
	return time.Time{}, false
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.SaleLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	payments := make([]domain.Payment, len(src.Payments))
	copy(payments, src.Payments)
	dup.Payments = payments
	return &dup
}

func cloneCombo(src domain.PromoCombo) domain.PromoCombo {
	dup := src
	items := make([]domain.PromoComboItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
