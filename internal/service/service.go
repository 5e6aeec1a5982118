package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"almacenpos/backend/internal/allocation"
	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/report"
	"almacenpos/backend/internal/store"
	"almacenpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	reports *report.Engine
	loc     *time.Location
}

func New(repo store.Repository, reports *report.Engine, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}

	return &Service{
		repo:    repo,
		reports: reports,
		loc:     loc,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductWithStock, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.PriceCents < 1 || req.CostCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	product := domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		err := s.repo.CreateStockMovement(ctx, domain.StockMovement{
			SKU:           created.SKU,
			DeltaQty:      req.InitialStock,
			Reason:        domain.MovementReasonPurchase,
			UnitCostCents: created.CostCents,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d,cost=%d,stock=%d", created.Name, created.PriceCents, created.CostCents, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return domain.Product{}, store.ErrInvalidInput
	}

	existing, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Category = category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.CostCents = *req.CostCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if existing.PriceCents != saved.PriceCents || existing.CostCents != saved.CostCents {
		if err := s.repo.CreatePriceHistory(ctx, domain.ProductPriceHistory{
			ID:            xid.New("ph"),
			SKU:           saved.SKU,
			OldPriceCents: existing.PriceCents,
			NewPriceCents: saved.PriceCents,
			OldCostCents:  existing.CostCents,
			NewCostCents:  saved.CostCents,
			ChangedBy:     actor.Username,
			ChangedAt:     time.Now().UTC(),
		}); err != nil {
			log.Printf("[service] WARN: failed to record price history sku=%s: %v", saved.SKU, err)
		}
	}

	s.logAudit(ctx, "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%d,cost=%d", saved.Active, saved.PriceCents, saved.CostCents))
	return *saved, nil
}

func (s *Service) ListProductPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, store.ErrInvalidInput
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPriceHistory(ctx, sku, limit)
}

// AdjustStock writes a manual stock movement. A purchase receipt also lands
// in the expense ledger so the rollup charges it against the month.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" || req.DeltaQty == 0 {
		return store.ErrInvalidInput
	}
	switch req.Reason {
	case domain.MovementReasonPurchase, domain.MovementReasonWriteOff, domain.MovementReasonInventory:
	default:
		return fmt.Errorf("%w: reason %q", store.ErrInvalidInput, req.Reason)
	}

	now := time.Now().UTC()
	err := s.repo.CreateStockMovement(ctx, domain.StockMovement{
		SKU:           req.SKU,
		DeltaQty:      req.DeltaQty,
		Reason:        req.Reason,
		Reference:     req.Note,
		UnitCostCents: req.UnitCostCents,
		CreatedAt:     now,
	})
	if err != nil {
		return err
	}

	if req.Reason == domain.MovementReasonPurchase && req.DeltaQty > 0 && req.UnitCostCents > 0 {
		_, err := s.repo.CreateExpenseEntry(ctx, domain.ExpenseEntry{
			Date:        now.In(s.loc).Format("2006-01-02"),
			Category:    "mercaderia",
			Kind:        domain.ExpenseKindExpense,
			Origin:      domain.ExpenseOriginPurchase,
			AmountCents: req.DeltaQty * req.UnitCostCents,
			Description: fmt.Sprintf("compra %s x%d", req.SKU, req.DeltaQty),
			CreatedBy:   actor.Username,
			CreatedAt:   now,
		})
		if err != nil {
			log.Printf("[service] WARN: failed to record purchase expense sku=%s: %v", req.SKU, err)
		}
	}

	s.logAudit(ctx, "stock_adjust", "product", req.SKU, fmt.Sprintf("delta=%d,reason=%s", req.DeltaQty, req.Reason))
	return nil
}

func (s *Service) ListStockMovements(ctx context.Context, sku string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, strings.ToUpper(strings.TrimSpace(sku)), limit)
}

func (s *Service) OpenRegister(ctx context.Context, req domain.RegisterOpenRequest) (domain.RegisterSessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RegisterSessionResponse{}, fmt.Errorf("authenticated operator required")
	}
	if req.OpeningFloatCents < 0 {
		return domain.RegisterSessionResponse{}, store.ErrInvalidInput
	}

	session, err := s.repo.OpenRegisterSession(ctx, domain.RegisterSession{
		OpenedBy:          actor.Username,
		OpeningFloatCents: req.OpeningFloatCents,
		OpenedAt:          time.Now().UTC(),
	})
	if err != nil {
		return domain.RegisterSessionResponse{}, err
	}

	s.logAudit(ctx, "register_open", "register_session", session.ID, fmt.Sprintf("float=%d", session.OpeningFloatCents))
	return domain.RegisterSessionResponse{Session: *session}, nil
}

func (s *Service) CloseRegister(ctx context.Context, req domain.RegisterCloseRequest) (domain.RegisterSessionResponse, error) {
	if req.ClosingCashCents < 0 {
		return domain.RegisterSessionResponse{}, store.ErrInvalidInput
	}

	session, err := s.repo.CloseRegisterSession(ctx, req.ClosingCashCents, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.RegisterSessionResponse{}, err
	}

	s.logAudit(ctx, "register_close", "register_session", session.ID, fmt.Sprintf("closing=%d", session.ClosingCashCents))
	return domain.RegisterSessionResponse{Session: *session}, nil
}

func (s *Service) GetOpenRegister(ctx context.Context) (domain.RegisterSessionResponse, error) {
	session, err := s.repo.GetOpenRegisterSession(ctx)
	if err != nil {
		return domain.RegisterSessionResponse{}, err
	}
	return domain.RegisterSessionResponse{Session: *session}, nil
}

func (s *Service) StartSale(ctx context.Context) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, fmt.Errorf("authenticated operator required")
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		OperatorUsername: actor.Username,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

// SalesHistory lists finalized sales for one calendar day. Operators see
// their own sales, admins see everyone's.
func (s *Service) SalesHistory(ctx context.Context, date string) (domain.SaleListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleListResponse{}, fmt.Errorf("authenticated operator required")
	}

	day, err := s.parseDay(date)
	if err != nil {
		return domain.SaleListResponse{}, err
	}

	operator := actor.Username
	if actor.Role == "admin" {
		operator = ""
	}

	sales, err := s.repo.ListSales(ctx, day, day.AddDate(0, 0, 1), operator, domain.SaleStatusFinalized, 500)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) AddSaleLine(ctx context.Context, saleID string, req domain.SaleLineAddRequest) (domain.SaleResponse, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" || req.Qty < 1 {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProductBySKU(ctx, req.SKU)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if !product.Active {
		return domain.SaleResponse{}, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidInput, req.SKU)
	}

	sale, err := s.repo.AddOrMergeSaleLine(ctx, saleID, domain.SaleLine{
		SKU:            product.SKU,
		Description:    product.Name,
		Qty:            req.Qty,
		UnitPriceCents: product.PriceCents,
		UnitCostCents:  product.CostCents,
		PriceSource:    domain.PriceSourceCatalog,
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) SetLineQuantity(ctx context.Context, saleID string, lineID string, req domain.SaleLineQuantityRequest) (domain.SaleResponse, error) {
	if req.Qty < 1 {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}

	sale, err := s.repo.SetLineQuantity(ctx, saleID, lineID, req.Qty)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (domain.SaleResponse, error) {
	sale, err := s.repo.RemoveSaleLine(ctx, saleID, lineID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

// ApplyPromoCombo swaps the combo's units out of the draft's plain lines and
// adds promo-tagged lines whose prices split the pack price by each product's
// catalog value. Remainder cents go to the heavier buckets first, ties to the
// item declared first on the combo. A positive pack price on the request
// overrides the stored one; either way the effective price must not fall
// below the combo's minimum total.
func (s *Service) ApplyPromoCombo(ctx context.Context, saleID string, req domain.ApplyComboRequest) (domain.SaleResponse, error) {
	comboID := strings.TrimSpace(req.ComboID)
	if comboID == "" {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}
	if req.PackPriceCents < 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: pack price must not be negative", store.ErrInvalidInput)
	}

	combo, err := s.repo.GetPromoComboByID(ctx, comboID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if !combo.Active {
		return domain.SaleResponse{}, fmt.Errorf("%w: combo %s is disabled", store.ErrInvalidInput, combo.ID)
	}

	packPrice := combo.PackPriceCents
	if req.PackPriceCents > 0 {
		packPrice = req.PackPriceCents
	}
	if packPrice < 1 {
		return domain.SaleResponse{}, fmt.Errorf("%w: pack price must be positive", store.ErrInvalidInput)
	}
	if packPrice < combo.MinimumTotalCents {
		return domain.SaleResponse{}, fmt.Errorf("%w: pack price %d is below the combo minimum %d", store.ErrInvalidInput, packPrice, combo.MinimumTotalCents)
	}

	application, err := s.buildPromoApplication(ctx, *combo, packPrice)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	sale, err := s.repo.ApplyPromoCombo(ctx, saleID, application)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "promo_apply", "sale", sale.ID, fmt.Sprintf("combo=%s,pack=%d", combo.ID, packPrice))
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) buildPromoApplication(ctx context.Context, combo domain.PromoCombo, packPriceCents int64) (store.PromoApplication, error) {
	skus := make([]string, 0, len(combo.Items))
	for _, item := range combo.Items {
		skus = append(skus, item.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return store.PromoApplication{}, err
	}

	buckets := make([]allocation.WeightedBucket, 0, len(combo.Items))
	for _, item := range combo.Items {
		product, ok := products[item.SKU]
		if !ok {
			return store.PromoApplication{}, fmt.Errorf("%w: combo product %s unavailable", store.ErrNotFound, item.SKU)
		}
		buckets = append(buckets, allocation.WeightedBucket{
			Key:    item.SKU,
			Weight: product.PriceCents * item.RequiredQty,
		})
	}

	allocations, err := allocation.AllocateByWeight(packPriceCents, buckets)
	if err != nil {
		return store.PromoApplication{}, err
	}

	groupID := xid.New("promogrp")
	application := store.PromoApplication{
		PromoGroupID: groupID,
		ComboID:      combo.ID,
		Consume:      make([]store.PromoConsumption, 0, len(combo.Items)),
		AddLines:     make([]domain.SaleLine, 0, 2*len(combo.Items)),
	}

	for i, item := range combo.Items {
		product := products[item.SKU]
		bucketTotal := allocations[i].Amount

		base, remainder, err := allocation.AllocateByQuantity(bucketTotal, item.RequiredQty)
		if err != nil {
			return store.PromoApplication{}, err
		}

		application.Consume = append(application.Consume, store.PromoConsumption{
			SKU: item.SKU,
			Qty: item.RequiredQty,
		})

		description := fmt.Sprintf("%s (promo %s)", product.Name, combo.Name)
		if remainder > 0 {
			application.AddLines = append(application.AddLines, domain.SaleLine{
				SKU:            item.SKU,
				Description:    description,
				Qty:            remainder,
				UnitPriceCents: base + 1,
				UnitCostCents:  product.CostCents,
				PriceSource:    domain.PriceSourcePromo,
			})
		}
		if item.RequiredQty-remainder > 0 {
			application.AddLines = append(application.AddLines, domain.SaleLine{
				SKU:            item.SKU,
				Description:    description,
				Qty:            item.RequiredQty - remainder,
				UnitPriceCents: base,
				UnitCostCents:  product.CostCents,
				PriceSource:    domain.PriceSourcePromo,
			})
		}
	}

	return application, nil
}

func (s *Service) FinalizeSale(ctx context.Context, saleID string, req domain.SaleFinalizeRequest) (domain.SaleResponse, error) {
	payments, err := toPayments(req.Payments)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	sale, err := s.repo.FinalizeSale(ctx, saleID, payments, time.Now().UTC())
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_finalize", "sale", sale.ID, fmt.Sprintf("total=%d,payments=%d", sale.TotalCents, len(sale.Payments)))
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.SaleCancelRequest) (domain.SaleResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by operator"
	}

	sale, err := s.repo.CancelSale(ctx, saleID, reason, time.Now().UTC())
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, reason)
	return domain.SaleResponse{Sale: *sale}, nil
}

// ReopenAndReedit corrects a finalized sale in one shot: the lines and
// payments are fully replaced with the ones on the request, stock is
// compensated by the per-SKU difference, and the sale is finalized again.
// A replacement line with no cost keeps the current catalog cost for its
// SKU. Admin only.
func (s *Service) ReopenAndReedit(ctx context.Context, saleID string, req domain.SaleReeditRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SaleResponse{}, fmt.Errorf("admin role required")
	}
	if len(req.Lines) == 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: at least one replacement line is required", store.ErrInvalidInput)
	}

	skus := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		req.Lines[i].SKU = strings.ToUpper(strings.TrimSpace(req.Lines[i].SKU))
		line := req.Lines[i]
		if line.SKU == "" || line.Qty < 1 || line.UnitPriceCents < 1 {
			return domain.SaleResponse{}, fmt.Errorf("%w: replacement line needs a sku, a positive qty and a positive price", store.ErrInvalidInput)
		}
		switch line.PriceSource {
		case "", domain.PriceSourceCatalog, domain.PriceSourceManual, domain.PriceSourcePromo:
		default:
			return domain.SaleResponse{}, fmt.Errorf("%w: unknown price source %q", store.ErrInvalidInput, line.PriceSource)
		}
		skus = append(skus, line.SKU)
	}

	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, input := range req.Lines {
		product, ok := products[input.SKU]
		if !ok {
			return domain.SaleResponse{}, fmt.Errorf("%w: sku %s", store.ErrNotFound, input.SKU)
		}
		cost := product.CostCents
		if input.UnitCostCents != nil {
			if *input.UnitCostCents < 0 {
				return domain.SaleResponse{}, fmt.Errorf("%w: unit cost must not be negative", store.ErrInvalidInput)
			}
			cost = *input.UnitCostCents
		}
		source := input.PriceSource
		if source == "" {
			source = domain.PriceSourceCatalog
		}
		lines = append(lines, domain.SaleLine{
			SKU:            input.SKU,
			Description:    product.Name,
			Qty:            input.Qty,
			UnitPriceCents: input.UnitPriceCents,
			UnitCostCents:  cost,
			PriceSource:    source,
		})
	}

	payments, err := toPayments(req.Payments)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	sale, err := s.repo.ReopenAndReedit(ctx, saleID, lines, payments, strings.TrimSpace(req.Reason), time.Now().UTC())
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_reedit", "sale", sale.ID, fmt.Sprintf("total=%d,lines=%d,reason=%s", sale.TotalCents, len(lines), req.Reason))
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.ExpenseEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ExpenseEntry{}, fmt.Errorf("authenticated operator required")
	}

	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if req.Kind == "" {
		req.Kind = domain.ExpenseKindExpense
	}
	if req.AmountCents < 1 {
		return domain.ExpenseEntry{}, store.ErrInvalidInput
	}

	entry, err := s.repo.CreateExpenseEntry(ctx, domain.ExpenseEntry{
		Date:        strings.TrimSpace(req.Date),
		Category:    req.Category,
		Kind:        req.Kind,
		Origin:      domain.ExpenseOriginManual,
		AmountCents: req.AmountCents,
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   actor.Username,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.ExpenseEntry{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", entry.ID, fmt.Sprintf("category=%s,amount=%d", entry.Category, entry.AmountCents))
	return *entry, nil
}

func (s *Service) ListExpenses(ctx context.Context, fromDate string, toDate string, category string, limit int) (domain.ExpenseListResponse, error) {
	if limit < 1 {
		limit = 200
	}
	entries, err := s.repo.ListExpenseEntries(ctx, strings.TrimSpace(fromDate), strings.TrimSpace(toDate), strings.ToLower(strings.TrimSpace(category)), limit)
	if err != nil {
		return domain.ExpenseListResponse{}, err
	}
	return domain.ExpenseListResponse{Entries: entries}, nil
}

func (s *Service) CreatePromoCombo(ctx context.Context, req domain.PromoComboCreateRequest) (domain.PromoCombo, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.PromoCombo{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.PackPriceCents < 1 || req.MinimumTotalCents < 0 || len(req.Items) == 0 {
		return domain.PromoCombo{}, store.ErrInvalidInput
	}
	if req.PackPriceCents < req.MinimumTotalCents {
		return domain.PromoCombo{}, fmt.Errorf("%w: pack price %d is below the minimum total %d", store.ErrInvalidInput, req.PackPriceCents, req.MinimumTotalCents)
	}

	items := make([]domain.PromoComboItem, 0, len(req.Items))
	for _, item := range req.Items {
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		if item.SKU == "" || item.RequiredQty < 1 {
			return domain.PromoCombo{}, store.ErrInvalidInput
		}
		items = append(items, item)
	}

	combo, err := s.repo.CreatePromoCombo(ctx, domain.PromoCombo{
		Name:              req.Name,
		PackPriceCents:    req.PackPriceCents,
		MinimumTotalCents: req.MinimumTotalCents,
		Items:             items,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return domain.PromoCombo{}, err
	}

	s.logAudit(ctx, "combo_create", "promo_combo", combo.ID, fmt.Sprintf("name=%s,pack=%d,items=%d", combo.Name, combo.PackPriceCents, len(combo.Items)))
	return *combo, nil
}

func (s *Service) ListPromoCombos(ctx context.Context, includeInactive bool) ([]domain.PromoComboDetail, error) {
	combos, err := s.repo.ListPromoCombos(ctx, includeInactive)
	if err != nil {
		return nil, err
	}

	details := make([]domain.PromoComboDetail, 0, len(combos))
	for _, combo := range combos {
		detail, err := s.comboDetail(ctx, combo)
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

func (s *Service) GetPromoCombo(ctx context.Context, comboID string) (domain.PromoComboDetail, error) {
	combo, err := s.repo.GetPromoComboByID(ctx, strings.TrimSpace(comboID))
	if err != nil {
		return domain.PromoComboDetail{}, err
	}
	return s.comboDetail(ctx, *combo)
}

func (s *Service) comboDetail(ctx context.Context, combo domain.PromoCombo) (domain.PromoComboDetail, error) {
	skus := make([]string, 0, len(combo.Items))
	for _, item := range combo.Items {
		skus = append(skus, item.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.PromoComboDetail{}, err
	}

	catalogTotal := int64(0)
	for _, item := range combo.Items {
		catalogTotal += products[item.SKU].PriceCents * item.RequiredQty
	}

	return domain.PromoComboDetail{
		PromoCombo:        combo,
		CatalogTotalCents: catalogTotal,
		SavingsCents:      catalogTotal - combo.PackPriceCents,
	}, nil
}

func (s *Service) SetPromoComboActive(ctx context.Context, comboID string, active bool) (domain.PromoCombo, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.PromoCombo{}, fmt.Errorf("admin role required")
	}

	combo, err := s.repo.UpdatePromoComboActive(ctx, strings.TrimSpace(comboID), active)
	if err != nil {
		return domain.PromoCombo{}, err
	}

	s.logAudit(ctx, "combo_toggle", "promo_combo", combo.ID, fmt.Sprintf("active=%t", combo.Active))
	return *combo, nil
}

func (s *Service) BuildReport(ctx context.Context, req domain.ReportRequest) (*domain.Report, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.reports.BuildReport(ctx, req)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, day, day.AddDate(0, 0, 1), limit)
}

func (s *Service) parseDay(date string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		now := time.Now().In(s.loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc), nil
	}
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", store.ErrInvalidInput, date)
	}
	return day, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func toPayments(inputs []domain.PaymentInput) ([]domain.Payment, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one payment is required", store.ErrInvalidInput)
	}

	payments := make([]domain.Payment, 0, len(inputs))
	for _, input := range inputs {
		medium := strings.ToLower(strings.TrimSpace(input.Medium))
		if !isSupportedPaymentMedium(medium) {
			return nil, fmt.Errorf("%w: payment medium %q", store.ErrInvalidInput, input.Medium)
		}
		if input.AmountCents < 1 {
			return nil, store.ErrInvalidInput
		}
		payments = append(payments, domain.Payment{
			Medium:      medium,
			AmountCents: input.AmountCents,
			Reference:   strings.TrimSpace(input.Reference),
		})
	}
	return payments, nil
}

func isSupportedPaymentMedium(medium string) bool {
	switch medium {
	case "efectivo", "debito", "credito", "transferencia", "qr":
		return true
	default:
		return false
	}
}
