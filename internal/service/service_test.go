package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/report"
	"almacenpos/backend/internal/store"
	"almacenpos/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	engine := report.NewEngine(repo, nil, 5*time.Second, time.UTC, "ARS")
	return New(repo, engine, time.UTC)
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func operatorContext(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: "operator"})
}

func mustOpenRegister(t *testing.T, svc *Service, ctx context.Context) {
	t.Helper()
	if _, err := svc.OpenRegister(ctx, domain.RegisterOpenRequest{OpeningFloatCents: 500_000}); err != nil {
		t.Fatalf("open register failed: %v", err)
	}
}

func mustCreateProduct(t *testing.T, svc *Service, sku string, price int64, cost int64, stock int64) {
	t.Helper()
	_, err := svc.CreateProduct(adminContext(), domain.ProductCreateRequest{
		SKU:          sku,
		Name:         "Producto " + sku,
		Category:     "almacen",
		PriceCents:   price,
		CostCents:    cost,
		InitialStock: stock,
	})
	if err != nil {
		t.Fatalf("create product %s failed: %v", sku, err)
	}
}

func TestStartSaleRequiresOpenRegister(t *testing.T) {
	svc := newTestService()

	_, err := svc.StartSale(operatorContext("ana"))
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state without open register, got %v", err)
	}
}

func TestSaleLifecycleWithLineMerge(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	saleID := started.Sale.ID

	if _, err := svc.AddSaleLine(ctx, saleID, domain.SaleLineAddRequest{SKU: "ALM-YERBA-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	resp, err := svc.AddSaleLine(ctx, saleID, domain.SaleLineAddRequest{SKU: "alm-yerba-01", Qty: 2})
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}

	if len(resp.Sale.Lines) != 1 {
		t.Fatalf("expected merged single line, got %d lines", len(resp.Sale.Lines))
	}
	if resp.Sale.Lines[0].Qty != 3 {
		t.Fatalf("expected merged qty 3, got %d", resp.Sale.Lines[0].Qty)
	}
	if resp.Sale.TotalCents != 3*520_000 {
		t.Fatalf("unexpected total %d", resp.Sale.TotalCents)
	}

	final, err := svc.FinalizeSale(ctx, saleID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 3 * 520_000}},
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if final.Sale.Status != domain.SaleStatusFinalized {
		t.Fatalf("expected finalized status, got %s", final.Sale.Status)
	}
	if final.Sale.FinalizedAt == nil {
		t.Fatalf("expected finalized timestamp")
	}

	products, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, p := range products {
		if p.SKU == "ALM-YERBA-01" && p.StockOnHand != 117 {
			t.Fatalf("expected stock 117 after sale, got %d", p.StockOnHand)
		}
	}
}

func TestFinalizePaymentMismatch(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "TEST-500", 500, 300, 10)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "TEST-500", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{
			{Medium: "efectivo", AmountCents: 300},
			{Medium: "debito", AmountCents: 199},
		},
	})
	if !errors.Is(err, store.ErrPaymentMismatch) {
		t.Fatalf("expected payment mismatch for 499 against 500, got %v", err)
	}

	final, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{
			{Medium: "efectivo", AmountCents: 300},
			{Medium: "debito", AmountCents: 200},
		},
	})
	if err != nil {
		t.Fatalf("finalize with exact split failed: %v", err)
	}
	if len(final.Sale.Payments) != 2 {
		t.Fatalf("expected two payments, got %d", len(final.Sale.Payments))
	}
}

func TestFinalizeEmptySale(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}

	_, err = svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 100}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty sale, got %v", err)
	}
}

func TestCancelledSaleCannotBeFinalized(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "ALM-AZUCAR-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.CancelSale(ctx, started.Sale.ID, domain.SaleCancelRequest{Reason: "cliente se fue"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err = svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 130_000}},
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on voided sale, got %v", err)
	}
}

func TestApplyPromoComboReplacesPlainLines(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "PROMO-A", 15_000, 9_000, 20)

	combo, err := svc.CreatePromoCombo(adminContext(), domain.PromoComboCreateRequest{
		Name:           "Promo Dos",
		PackPriceCents: 25_000,
		Items:          []domain.PromoComboItem{{SKU: "PROMO-A", RequiredQty: 2}},
	})
	if err != nil {
		t.Fatalf("create combo failed: %v", err)
	}

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "PROMO-A", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	resp, err := svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID})
	if err != nil {
		t.Fatalf("apply combo failed: %v", err)
	}

	if resp.Sale.TotalCents != 25_000 {
		t.Fatalf("expected total 25000 after combo, got %d", resp.Sale.TotalCents)
	}
	if len(resp.Sale.Lines) != 1 {
		t.Fatalf("expected one promo line, got %d", len(resp.Sale.Lines))
	}
	line := resp.Sale.Lines[0]
	if !line.IsPromo || line.PromoGroupID == "" {
		t.Fatalf("expected promo-tagged line with group id, got %+v", line)
	}
	if line.Qty != 2 || line.UnitPriceCents != 12_500 {
		t.Fatalf("expected 2 units at 12500, got %d at %d", line.Qty, line.UnitPriceCents)
	}
}

func TestApplyPromoComboOddPackSplitsUnitPrices(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "PROMO-B", 15_000, 9_000, 20)

	combo, err := svc.CreatePromoCombo(adminContext(), domain.PromoComboCreateRequest{
		Name:           "Promo Impar",
		PackPriceCents: 25_001,
		Items:          []domain.PromoComboItem{{SKU: "PROMO-B", RequiredQty: 2}},
	})
	if err != nil {
		t.Fatalf("create combo failed: %v", err)
	}

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "PROMO-B", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	resp, err := svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID})
	if err != nil {
		t.Fatalf("apply combo failed: %v", err)
	}

	if resp.Sale.TotalCents != 25_001 {
		t.Fatalf("expected total 25001, got %d", resp.Sale.TotalCents)
	}
	if len(resp.Sale.Lines) != 2 {
		t.Fatalf("expected two tiered promo lines, got %d", len(resp.Sale.Lines))
	}
	if resp.Sale.Lines[0].UnitPriceCents != 12_501 || resp.Sale.Lines[0].Qty != 1 {
		t.Fatalf("expected one unit at 12501, got %d at %d", resp.Sale.Lines[0].Qty, resp.Sale.Lines[0].UnitPriceCents)
	}
	if resp.Sale.Lines[1].UnitPriceCents != 12_500 || resp.Sale.Lines[1].Qty != 1 {
		t.Fatalf("expected one unit at 12500, got %d at %d", resp.Sale.Lines[1].Qty, resp.Sale.Lines[1].UnitPriceCents)
	}
	if resp.Sale.Lines[0].PromoGroupID != resp.Sale.Lines[1].PromoGroupID {
		t.Fatalf("promo lines must share a group id")
	}
}

func TestApplyPromoComboInsufficientQuantity(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "PROMO-C", 15_000, 9_000, 20)

	combo, err := svc.CreatePromoCombo(adminContext(), domain.PromoComboCreateRequest{
		Name:           "Promo Corta",
		PackPriceCents: 25_000,
		Items:          []domain.PromoComboItem{{SKU: "PROMO-C", RequiredQty: 2}},
	})
	if err != nil {
		t.Fatalf("create combo failed: %v", err)
	}

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "PROMO-C", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID})
	if !errors.Is(err, store.ErrInsufficientQuantity) {
		t.Fatalf("expected insufficient quantity, got %v", err)
	}
}

func TestReopenAndReeditRequiresAdmin(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	_, err := svc.ReopenAndReedit(ctx, "sale-x", domain.SaleReeditRequest{
		Lines:    []domain.SaleReeditLine{{SKU: "ALM-YERBA-01", Qty: 1, UnitPriceCents: 100}},
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 100}},
	})
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected role rejection before lookup, got %v", err)
	}
}

func TestReopenAndReeditAdjustsQuantityAndStock(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "EDIT-A", 10_000, 6_000, 10)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	added, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "EDIT-A", Qty: 3})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 30_000}},
	}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if added.Sale.Lines[0].PriceSource != domain.PriceSourceCatalog {
		t.Fatalf("expected catalog price source, got %q", added.Sale.Lines[0].PriceSource)
	}

	_, err = svc.ReopenAndReedit(adminContext(), started.Sale.ID, domain.SaleReeditRequest{
		Lines:    []domain.SaleReeditLine{{SKU: "EDIT-A", Qty: 2, UnitPriceCents: 10_000, PriceSource: domain.PriceSourceCatalog}},
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 30_000}},
		Reason:   "ajuste",
	})
	if !errors.Is(err, store.ErrPaymentMismatch) {
		t.Fatalf("expected payment mismatch against the new total, got %v", err)
	}

	resp, err := svc.ReopenAndReedit(adminContext(), started.Sale.ID, domain.SaleReeditRequest{
		Lines:    []domain.SaleReeditLine{{SKU: "EDIT-A", Qty: 2, UnitPriceCents: 10_000, PriceSource: domain.PriceSourceCatalog}},
		Payments: []domain.PaymentInput{{Medium: "debito", AmountCents: 20_000}},
		Reason:   "ajuste",
	})
	if err != nil {
		t.Fatalf("reedit failed: %v", err)
	}
	if resp.Sale.Status != domain.SaleStatusFinalized {
		t.Fatalf("re-edited sale must end finalized, got %s", resp.Sale.Status)
	}
	if resp.Sale.TotalCents != 20_000 {
		t.Fatalf("expected new total 20000, got %d", resp.Sale.TotalCents)
	}

	products, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, p := range products {
		if p.SKU == "EDIT-A" && p.StockOnHand != 8 {
			t.Fatalf("expected one unit returned to stock (8 on hand), got %d", p.StockOnHand)
		}
	}
}

func TestSalesHistoryScopedToOperator(t *testing.T) {
	svc := newTestService()
	ana := operatorContext("ana")
	mustOpenRegister(t, svc, ana)

	started, err := svc.StartSale(ana)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ana, started.Sale.ID, domain.SaleLineAddRequest{SKU: "ALM-AZUCAR-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ana, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 130_000}},
	}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	mine, err := svc.SalesHistory(ana, "")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(mine.Sales) != 1 {
		t.Fatalf("expected 1 sale for ana, got %d", len(mine.Sales))
	}

	other, err := svc.SalesHistory(operatorContext("bruno"), "")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(other.Sales) != 0 {
		t.Fatalf("expected no sales for bruno, got %d", len(other.Sales))
	}

	all, err := svc.SalesHistory(adminContext(), "")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(all.Sales) != 1 {
		t.Fatalf("expected admin to see 1 sale, got %d", len(all.Sales))
	}
}

func TestBuildReportRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.BuildReport(operatorContext("ana"), domain.ReportRequest{
		From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityTotal,
	})
	if err == nil {
		t.Fatalf("expected role rejection for operator")
	}
}

func TestReportMonthAndTotalReconcile(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	admin := adminContext()
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "ALM-YERBA-01", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 2 * 520_000}},
	}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	for _, date := range []string{"2026-05-10", "2026-06-10"} {
		if _, err := svc.CreateExpense(admin, domain.ExpenseCreateRequest{
			Date:        date,
			Category:    "alquiler",
			AmountCents: 100_000,
		}); err != nil {
			t.Fatalf("create expense failed: %v", err)
		}
	}

	req := domain.ReportRequest{From: "2020-01-01", To: "2030-12-31"}

	req.Granularity = domain.GranularityMonth
	monthly, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("monthly report failed: %v", err)
	}

	req.Granularity = domain.GranularityTotal
	total, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("total report failed: %v", err)
	}
	if len(total.Rows) != 1 {
		t.Fatalf("expected single TOTAL row, got %d", len(total.Rows))
	}

	var revenue, cogs, expenses int64
	for _, row := range monthly.Rows {
		revenue += row.RevenueCents
		cogs += row.COGSCents
		expenses += row.OperatingExpenseCents
	}
	if total.Rows[0].RevenueCents != revenue {
		t.Fatalf("revenue mismatch: total %d, months %d", total.Rows[0].RevenueCents, revenue)
	}
	if total.Rows[0].COGSCents != cogs {
		t.Fatalf("cogs mismatch: total %d, months %d", total.Rows[0].COGSCents, cogs)
	}
	if total.Rows[0].OperatingExpenseCents != expenses {
		t.Fatalf("expense mismatch: total %d, months %d", total.Rows[0].OperatingExpenseCents, expenses)
	}
	if total.Rows[0].RevenueCents != 2*520_000 {
		t.Fatalf("expected revenue 1040000, got %d", total.Rows[0].RevenueCents)
	}
	if total.Rows[0].COGSCents != 2*365_000 {
		t.Fatalf("expected cogs 730000, got %d", total.Rows[0].COGSCents)
	}
}

func TestSecondRegisterSessionRejected(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	_, err := svc.OpenRegister(ctx, domain.RegisterOpenRequest{OpeningFloatCents: 0})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for second open register, got %v", err)
	}

	if _, err := svc.CloseRegister(ctx, domain.RegisterCloseRequest{ClosingCashCents: 700_000}); err != nil {
		t.Fatalf("close register failed: %v", err)
	}
	if _, err := svc.OpenRegister(ctx, domain.RegisterOpenRequest{OpeningFloatCents: 100_000}); err != nil {
		t.Fatalf("reopen register failed: %v", err)
	}
}

func TestCancelSaleDeletesLinesAndZeroesTotal(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "ALM-AZUCAR-01", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	resp, err := svc.CancelSale(ctx, started.Sale.ID, domain.SaleCancelRequest{Reason: "cliente se fue"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if resp.Sale.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided status, got %s", resp.Sale.Status)
	}
	if len(resp.Sale.Lines) != 0 {
		t.Fatalf("voided sale must keep no lines, got %d", len(resp.Sale.Lines))
	}
	if resp.Sale.TotalCents != 0 {
		t.Fatalf("voided sale total must be zero, got %d", resp.Sale.TotalCents)
	}

	reloaded, err := svc.GetSale(ctx, started.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if len(reloaded.Sale.Lines) != 0 || reloaded.Sale.TotalCents != 0 {
		t.Fatalf("stored voided sale must stay empty, got %d lines total %d", len(reloaded.Sale.Lines), reloaded.Sale.TotalCents)
	}
}

func TestFinalizeSaleRequiresOpenRegister(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "ALM-AZUCAR-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	if _, err := svc.CloseRegister(ctx, domain.RegisterCloseRequest{ClosingCashCents: 500_000}); err != nil {
		t.Fatalf("close register failed: %v", err)
	}

	_, err = svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 130_000}},
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state without open register, got %v", err)
	}

	mustOpenRegister(t, svc, ctx)
	if _, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 130_000}},
	}); err != nil {
		t.Fatalf("finalize with reopened register failed: %v", err)
	}
}

func TestReopenAndReeditReplacesLinesAndKeepsCatalogCost(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "EDIT-B", 10_000, 6_000, 10)
	mustCreateProduct(t, svc, "EDIT-C", 5_000, 2_000, 10)

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "EDIT-B", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
		Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 20_000}},
	}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	// Swap the whole cart: one unit of the original SKU at a negotiated
	// price plus a different SKU at its catalog price.
	resp, err := svc.ReopenAndReedit(adminContext(), started.Sale.ID, domain.SaleReeditRequest{
		Lines: []domain.SaleReeditLine{
			{SKU: "EDIT-B", Qty: 1, UnitPriceCents: 9_000, PriceSource: domain.PriceSourceManual},
			{SKU: "edit-c", Qty: 2, UnitPriceCents: 5_000},
		},
		Payments: []domain.PaymentInput{{Medium: "debito", AmountCents: 19_000}},
		Reason:   "correccion",
	})
	if err != nil {
		t.Fatalf("reedit failed: %v", err)
	}

	if resp.Sale.TotalCents != 19_000 {
		t.Fatalf("expected total 19000, got %d", resp.Sale.TotalCents)
	}
	if len(resp.Sale.Lines) != 2 {
		t.Fatalf("expected two replacement lines, got %d", len(resp.Sale.Lines))
	}
	manual := resp.Sale.Lines[0]
	if manual.PriceSource != domain.PriceSourceManual || manual.UnitPriceCents != 9_000 {
		t.Fatalf("expected manual line at 9000, got %q at %d", manual.PriceSource, manual.UnitPriceCents)
	}
	catalog := resp.Sale.Lines[1]
	if catalog.SKU != "EDIT-C" || catalog.PriceSource != domain.PriceSourceCatalog {
		t.Fatalf("expected catalog-sourced EDIT-C line, got %+v", catalog)
	}
	if catalog.UnitCostCents != 2_000 {
		t.Fatalf("omitted cost must fall back to the catalog cost, got %d", catalog.UnitCostCents)
	}

	products, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, p := range products {
		if p.SKU == "EDIT-B" && p.StockOnHand != 9 {
			t.Fatalf("expected EDIT-B stock 9 after returning one unit, got %d", p.StockOnHand)
		}
		if p.SKU == "EDIT-C" && p.StockOnHand != 8 {
			t.Fatalf("expected EDIT-C stock 8 after consuming two units, got %d", p.StockOnHand)
		}
	}
}

func TestApplyPromoComboPackPriceOverride(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext("ana")
	mustOpenRegister(t, svc, ctx)
	mustCreateProduct(t, svc, "PROMO-D", 15_000, 9_000, 20)

	combo, err := svc.CreatePromoCombo(adminContext(), domain.PromoComboCreateRequest{
		Name:              "Promo Negociable",
		PackPriceCents:    25_000,
		MinimumTotalCents: 20_000,
		Items:             []domain.PromoComboItem{{SKU: "PROMO-D", RequiredQty: 2}},
	})
	if err != nil {
		t.Fatalf("create combo failed: %v", err)
	}

	started, err := svc.StartSale(ctx)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "PROMO-D", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID, PackPriceCents: -1})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative pack price, got %v", err)
	}

	_, err = svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID, PackPriceCents: 18_000})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected rejection below the combo minimum, got %v", err)
	}

	resp, err := svc.ApplyPromoCombo(ctx, started.Sale.ID, domain.ApplyComboRequest{ComboID: combo.ID, PackPriceCents: 22_000})
	if err != nil {
		t.Fatalf("apply combo with override failed: %v", err)
	}
	if resp.Sale.TotalCents != 22_000 {
		t.Fatalf("expected overridden total 22000, got %d", resp.Sale.TotalCents)
	}
	if resp.Sale.Lines[0].PriceSource != domain.PriceSourcePromo {
		t.Fatalf("expected promo price source, got %q", resp.Sale.Lines[0].PriceSource)
	}
}

func TestCreatePromoComboRejectsPackBelowMinimum(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "PROMO-E", 15_000, 9_000, 20)

	_, err := svc.CreatePromoCombo(adminContext(), domain.PromoComboCreateRequest{
		Name:              "Promo Rota",
		PackPriceCents:    10_000,
		MinimumTotalCents: 12_000,
		Items:             []domain.PromoComboItem{{SKU: "PROMO-E", RequiredQty: 2}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for pack below minimum, got %v", err)
	}
}

func TestReportIncludesExtraIncome(t *testing.T) {
	svc := newTestService()
	admin := adminContext()

	if _, err := svc.CreateExpense(admin, domain.ExpenseCreateRequest{
		Date:        "2026-05-10",
		Category:    "alquiler",
		AmountCents: 30_000,
	}); err != nil {
		t.Fatalf("create expense failed: %v", err)
	}
	if _, err := svc.CreateExpense(admin, domain.ExpenseCreateRequest{
		Date:        "2026-05-12",
		Category:    "reintegros",
		Kind:        domain.ExpenseKindIncome,
		AmountCents: 50_000,
	}); err != nil {
		t.Fatalf("create income entry failed: %v", err)
	}

	report, err := svc.BuildReport(admin, domain.ReportRequest{
		From: "2026-05-01", To: "2026-05-31", Granularity: domain.GranularityTotal,
	})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}

	row := report.Rows[0]
	if row.ExtraIncomeCents != 50_000 {
		t.Fatalf("expected extra income 50000, got %d", row.ExtraIncomeCents)
	}
	if row.OperatingExpenseCents != 30_000 {
		t.Fatalf("expected operating expense 30000, got %d", row.OperatingExpenseCents)
	}
	if row.NetProfitCents != 20_000 {
		t.Fatalf("expected net 20000 with no sales, got %d", row.NetProfitCents)
	}

	var income domain.ExpenseCategoryTotal
	for _, cat := range report.ByCategory {
		if cat.Category == "reintegros" {
			income = cat
		}
	}
	if income.IncomeCents != 50_000 || income.NetCents != 50_000 {
		t.Fatalf("income category must carry income and net 50000, got %+v", income)
	}
}

func TestReportOperatorFilterScopesRevenue(t *testing.T) {
	svc := newTestService()
	ana := operatorContext("ana")
	bruno := operatorContext("bruno")
	admin := adminContext()
	mustOpenRegister(t, svc, ana)
	mustCreateProduct(t, svc, "FILT-A", 10_000, 6_000, 20)

	sellOne := func(ctx context.Context) {
		t.Helper()
		started, err := svc.StartSale(ctx)
		if err != nil {
			t.Fatalf("start sale failed: %v", err)
		}
		if _, err := svc.AddSaleLine(ctx, started.Sale.ID, domain.SaleLineAddRequest{SKU: "FILT-A", Qty: 1}); err != nil {
			t.Fatalf("add line failed: %v", err)
		}
		if _, err := svc.FinalizeSale(ctx, started.Sale.ID, domain.SaleFinalizeRequest{
			Payments: []domain.PaymentInput{{Medium: "efectivo", AmountCents: 10_000}},
		}); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
	}
	sellOne(ana)
	sellOne(bruno)

	req := domain.ReportRequest{From: "2020-01-01", To: "2030-12-31", Granularity: domain.GranularityTotal}

	everyone, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if everyone.Rows[0].RevenueCents != 20_000 {
		t.Fatalf("expected combined revenue 20000, got %d", everyone.Rows[0].RevenueCents)
	}

	req.OperatorFilter = "ana"
	filtered, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("filtered report failed: %v", err)
	}
	if filtered.Rows[0].RevenueCents != 10_000 {
		t.Fatalf("expected ana's revenue 10000, got %d", filtered.Rows[0].RevenueCents)
	}
}

func TestReportIncludeUnfinalizedCountsDrafts(t *testing.T) {
	svc := newTestService()
	ana := operatorContext("ana")
	admin := adminContext()
	mustOpenRegister(t, svc, ana)
	mustCreateProduct(t, svc, "FILT-B", 10_000, 6_000, 20)

	started, err := svc.StartSale(ana)
	if err != nil {
		t.Fatalf("start sale failed: %v", err)
	}
	if _, err := svc.AddSaleLine(ana, started.Sale.ID, domain.SaleLineAddRequest{SKU: "FILT-B", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	req := domain.ReportRequest{From: "2020-01-01", To: "2030-12-31", Granularity: domain.GranularityTotal}

	finalizedOnly, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(finalizedOnly.Rows) != 0 {
		t.Fatalf("draft sale must not appear in the finalized-only rollup, got %d rows", len(finalizedOnly.Rows))
	}

	req.IncludeUnfinalized = true
	withDrafts, err := svc.BuildReport(admin, req)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(withDrafts.Rows) != 1 || withDrafts.Rows[0].RevenueCents != 10_000 {
		t.Fatalf("expected the draft's 10000 in the rollup, got %+v", withDrafts.Rows)
	}
	if withDrafts.Totals.RevenueCents != 10_000 {
		t.Fatalf("totals must include the draft revenue, got %d", withDrafts.Totals.RevenueCents)
	}
}
