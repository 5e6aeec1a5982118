package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/store"
)

type fakeSource struct {
	salesRows   []domain.SalesPeriodRow
	monthTotals []domain.MonthlyExpenseTotal
	byCategory  []domain.ExpenseCategoryTotal
	byMedium    []domain.PaymentMediumTotal

	lastOperator           string
	lastIncludeUnfinalized bool
}

func (f *fakeSource) SalesPeriodRows(_ context.Context, _ time.Time, _ time.Time, _ string, _ *time.Location, operator string, includeUnfinalized bool) ([]domain.SalesPeriodRow, error) {
	f.lastOperator = operator
	f.lastIncludeUnfinalized = includeUnfinalized
	return f.salesRows, nil
}

func (f *fakeSource) MonthlyExpenseTotals(_ context.Context, _ string, _ string) ([]domain.MonthlyExpenseTotal, error) {
	return f.monthTotals, nil
}

func (f *fakeSource) ExpenseTotalsByCategory(_ context.Context, _ string, _ string) ([]domain.ExpenseCategoryTotal, error) {
	return f.byCategory, nil
}

func (f *fakeSource) RevenueByPaymentMedium(_ context.Context, _ time.Time, _ time.Time, _ string, _ bool) ([]domain.PaymentMediumTotal, error) {
	return f.byMedium, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*domain.Report
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*domain.Report)}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Report, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.entries[key]
	return report, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Report, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func TestBuildReportTotalGranularity(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: domain.TotalPeriodKey, RevenueCents: 100_000, COGSCents: 40_000},
		},
		monthTotals: []domain.MonthlyExpenseTotal{
			{Month: "2026-01", ExpenseCents: 10_000},
			{Month: "2026-02", ExpenseCents: 5_000},
		},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-01", To: "2026-02-28", Granularity: domain.GranularityTotal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(report.Rows))
	}
	row := report.Rows[0]
	if row.PeriodKey != domain.TotalPeriodKey {
		t.Fatalf("expected TOTAL key, got %q", row.PeriodKey)
	}
	if row.GrossProfitCents != 60_000 {
		t.Fatalf("expected gross profit 60000, got %d", row.GrossProfitCents)
	}
	if row.OperatingExpenseCents != 15_000 {
		t.Fatalf("expected expenses 15000, got %d", row.OperatingExpenseCents)
	}
	if row.NetProfitCents != 45_000 {
		t.Fatalf("expected net profit 45000, got %d", row.NetProfitCents)
	}
	if row.GrossMarginPct == nil || *row.GrossMarginPct != 60.0 {
		t.Fatalf("expected gross margin 60, got %v", row.GrossMarginPct)
	}
	if report.Meta.ExpensePolicy != domain.ExpensePolicyNone {
		t.Fatalf("expected no_proration policy, got %q", report.Meta.ExpensePolicy)
	}
}

func TestBuildReportDailyProrationEvenMonth(t *testing.T) {
	// 3100 over the 31 days of January: exactly 100 per day.
	source := &fakeSource{
		monthTotals: []domain.MonthlyExpenseTotal{{Month: "2026-01", ExpenseCents: 3_100}},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-10", To: "2026-01-12", Granularity: domain.GranularityDay,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(report.Rows))
	}
	for _, row := range report.Rows {
		if row.OperatingExpenseCents != 100 {
			t.Fatalf("day %s: expected 100, got %d", row.PeriodKey, row.OperatingExpenseCents)
		}
		if row.RevenueCents != 0 || row.GrossMarginPct != nil {
			t.Fatalf("day %s: zero-revenue row must carry nil percentages", row.PeriodKey)
		}
	}
	if report.Meta.ExpensePolicy != domain.ExpensePolicyEvenDaily {
		t.Fatalf("expected even_daily_proration policy, got %q", report.Meta.ExpensePolicy)
	}
}

func TestBuildReportDailyProrationDriftIsPreserved(t *testing.T) {
	// 1000 over the 30 days of June rounds to 33 per day. Summing the full
	// month gives 990, not 1000, and that drift must survive.
	source := &fakeSource{
		monthTotals: []domain.MonthlyExpenseTotal{{Month: "2026-06", ExpenseCents: 1_000}},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-06-01", To: "2026-06-30", Granularity: domain.GranularityDay,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := int64(0)
	for _, row := range report.Rows {
		if row.OperatingExpenseCents != 33 {
			t.Fatalf("day %s: expected 33, got %d", row.PeriodKey, row.OperatingExpenseCents)
		}
		sum += row.OperatingExpenseCents
	}
	if sum != 990 {
		t.Fatalf("expected prorated sum 990, got %d", sum)
	}
}

func TestBuildReportWeekGranularityBucketsDailyShares(t *testing.T) {
	source := &fakeSource{
		monthTotals: []domain.MonthlyExpenseTotal{{Month: "2026-01", ExpenseCents: 3_100}},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	// 2026-01-05 is a Monday, so the range covers exactly ISO week 2.
	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-05", To: "2026-01-11", Granularity: domain.GranularityWeek,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Rows) != 1 {
		t.Fatalf("expected one week row, got %d", len(report.Rows))
	}
	if report.Rows[0].PeriodKey != "2026-W02" {
		t.Fatalf("expected key 2026-W02, got %q", report.Rows[0].PeriodKey)
	}
	if report.Rows[0].OperatingExpenseCents != 700 {
		t.Fatalf("expected 7 daily shares of 100, got %d", report.Rows[0].OperatingExpenseCents)
	}
}

func TestBuildReportMergesSalesAndExpensePeriods(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: "2026-03", RevenueCents: 50_000, COGSCents: 20_000},
		},
		monthTotals: []domain.MonthlyExpenseTotal{{Month: "2026-04", ExpenseCents: 8_000}},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-03-01", To: "2026-04-30", Granularity: domain.GranularityMonth,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(report.Rows))
	}
	if report.Rows[0].PeriodKey != "2026-03" || report.Rows[1].PeriodKey != "2026-04" {
		t.Fatalf("rows out of order: %q %q", report.Rows[0].PeriodKey, report.Rows[1].PeriodKey)
	}
	if report.Rows[1].RevenueCents != 0 || report.Rows[1].NetProfitCents != -8_000 {
		t.Fatalf("expense-only month should zero-fill sales, got %+v", report.Rows[1])
	}
}

func TestBuildReportUsesCache(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: domain.TotalPeriodKey, RevenueCents: 1_000, COGSCents: 500},
		},
	}
	cacheStore := newMapCache()
	engine := NewEngine(source, cacheStore, time.Minute, time.UTC, "ARS")

	req := domain.ReportRequest{From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityTotal}

	first, err := engine.BuildReport(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Meta.FromCache {
		t.Fatalf("first build must not come from cache")
	}

	second, err := engine.BuildReport(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Meta.FromCache {
		t.Fatalf("second build should come from cache")
	}
	if second.Meta.GeneratedAt != first.Meta.GeneratedAt {
		t.Fatalf("cached report must keep the original generation timestamp")
	}
}

func TestBuildReportInvalidInput(t *testing.T) {
	engine := NewEngine(&fakeSource{}, nil, 0, time.UTC, "ARS")

	cases := []domain.ReportRequest{
		{From: "2026-01-01", To: "2026-01-31", Granularity: "hour"},
		{From: "bogus", To: "2026-01-31", Granularity: domain.GranularityDay},
		{From: "2026-02-01", To: "2026-01-01", Granularity: domain.GranularityDay},
	}
	for _, req := range cases {
		if _, err := engine.BuildReport(context.Background(), req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("request %+v: expected invalid input, got %v", req, err)
		}
	}
}

func TestPeriodKeyISOWeekYearBoundary(t *testing.T) {
	// Monday 2025-12-29 belongs to ISO week 1 of 2026.
	at := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	if got := PeriodKey(at, domain.GranularityWeek, time.UTC); got != "2026-W01" {
		t.Fatalf("expected 2026-W01, got %q", got)
	}
}

func TestBuildReportExtraIncomeFeedsNetResult(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: domain.TotalPeriodKey, RevenueCents: 100_000, COGSCents: 40_000},
		},
		monthTotals: []domain.MonthlyExpenseTotal{
			{Month: "2026-01", IncomeCents: 50_000, ExpenseCents: 30_000},
		},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityTotal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row := report.Rows[0]
	if row.ExtraIncomeCents != 50_000 {
		t.Fatalf("expected extra income 50000, got %d", row.ExtraIncomeCents)
	}
	if row.OperatingExpenseCents != 30_000 {
		t.Fatalf("expected operating expense 30000, got %d", row.OperatingExpenseCents)
	}
	// net = gross 60000 + income 50000 - expense 30000
	if row.NetProfitCents != 80_000 {
		t.Fatalf("expected net profit 80000, got %d", row.NetProfitCents)
	}
	if row.NetMarginPct == nil || *row.NetMarginPct != 80.0 {
		t.Fatalf("expected net margin 80, got %v", row.NetMarginPct)
	}
}

func TestBuildReportProratesIncomeAndExpenseIndependently(t *testing.T) {
	// January has 31 days: 3100 expense gives 100 a day, 6200 income 200.
	source := &fakeSource{
		monthTotals: []domain.MonthlyExpenseTotal{
			{Month: "2026-01", IncomeCents: 6_200, ExpenseCents: 3_100},
		},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-10", To: "2026-01-12", Granularity: domain.GranularityDay,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, row := range report.Rows {
		if row.ExtraIncomeCents != 200 || row.OperatingExpenseCents != 100 {
			t.Fatalf("day %s: expected 200/100, got %d/%d", row.PeriodKey, row.ExtraIncomeCents, row.OperatingExpenseCents)
		}
		if row.NetProfitCents != 100 {
			t.Fatalf("day %s: expected net 100, got %d", row.PeriodKey, row.NetProfitCents)
		}
	}
}

func TestBuildReportTotalsAggregateRows(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: "2026-03", RevenueCents: 50_000, COGSCents: 20_000},
			{PeriodKey: "2026-04", RevenueCents: 30_000, COGSCents: 10_000},
		},
		monthTotals: []domain.MonthlyExpenseTotal{
			{Month: "2026-03", IncomeCents: 4_000, ExpenseCents: 6_000},
			{Month: "2026-04", ExpenseCents: 2_000},
		},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-03-01", To: "2026-04-30", Granularity: domain.GranularityMonth,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	totals := report.Totals
	if totals.RevenueCents != 80_000 || totals.COGSCents != 30_000 {
		t.Fatalf("unexpected revenue/cogs totals: %d/%d", totals.RevenueCents, totals.COGSCents)
	}
	if totals.GrossProfitCents != 50_000 {
		t.Fatalf("expected gross profit 50000, got %d", totals.GrossProfitCents)
	}
	if totals.ExtraIncomeCents != 4_000 || totals.OperatingExpenseCents != 8_000 {
		t.Fatalf("unexpected ledger totals: %d/%d", totals.ExtraIncomeCents, totals.OperatingExpenseCents)
	}
	if totals.NetProfitCents != 46_000 {
		t.Fatalf("expected net profit 46000, got %d", totals.NetProfitCents)
	}
	if totals.GrossMarginPct == nil || *totals.GrossMarginPct != 62.5 {
		t.Fatalf("expected gross margin 62.5, got %v", totals.GrossMarginPct)
	}
	if totals.NetMarginPct == nil || *totals.NetMarginPct != 57.5 {
		t.Fatalf("expected net margin 57.5, got %v", totals.NetMarginPct)
	}
}

func TestBuildReportTotalsNilPctWithoutRevenue(t *testing.T) {
	source := &fakeSource{
		monthTotals: []domain.MonthlyExpenseTotal{{Month: "2026-01", ExpenseCents: 1_000}},
	}
	engine := NewEngine(source, nil, 0, time.UTC, "ARS")

	report, err := engine.BuildReport(context.Background(), domain.ReportRequest{
		From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityMonth,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Totals.GrossMarginPct != nil || report.Totals.NetMarginPct != nil {
		t.Fatalf("zero-revenue totals must carry nil percentages")
	}
}

func TestBuildReportCacheKeyScopedByOperatorAndUnfinalized(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: domain.TotalPeriodKey, RevenueCents: 1_000, COGSCents: 500},
		},
	}
	cacheStore := newMapCache()
	engine := NewEngine(source, cacheStore, time.Minute, time.UTC, "ARS")

	base := domain.ReportRequest{From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityTotal}
	if _, err := engine.BuildReport(context.Background(), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	filtered := base
	filtered.OperatorFilter = "cashier1"
	got, err := engine.BuildReport(context.Background(), filtered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Meta.FromCache {
		t.Fatalf("operator-filtered request must not reuse the unfiltered cache entry")
	}
	if source.lastOperator != "cashier1" {
		t.Fatalf("operator filter not handed to the source, got %q", source.lastOperator)
	}

	unfinalized := base
	unfinalized.IncludeUnfinalized = true
	got, err = engine.BuildReport(context.Background(), unfinalized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Meta.FromCache {
		t.Fatalf("include-unfinalized request must not reuse the unfiltered cache entry")
	}
	if !source.lastIncludeUnfinalized {
		t.Fatalf("include-unfinalized flag not handed to the source")
	}

	if len(cacheStore.entries) != 3 {
		t.Fatalf("expected three distinct cache entries, got %d", len(cacheStore.entries))
	}
}

func TestReportSerializationHidesCacheFlag(t *testing.T) {
	source := &fakeSource{
		salesRows: []domain.SalesPeriodRow{
			{PeriodKey: domain.TotalPeriodKey, RevenueCents: 1_000, COGSCents: 500},
		},
	}
	cacheStore := newMapCache()
	engine := NewEngine(source, cacheStore, time.Minute, time.UTC, "ARS")

	req := domain.ReportRequest{From: "2026-01-01", To: "2026-01-31", Granularity: domain.GranularityTotal}
	first, err := engine.BuildReport(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := engine.BuildReport(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	firstJSON, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(firstJSON, secondJSON) {
		t.Fatalf("identical requests must serialize identically:\n%s\n%s", firstJSON, secondJSON)
	}
}
