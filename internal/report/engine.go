package report

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"almacenpos/backend/internal/cache"
	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/store"
)

// Source is the slice of the repository the rollup engine reads from.
type Source interface {
	SalesPeriodRows(ctx context.Context, from time.Time, to time.Time, granularity string, loc *time.Location, operator string, includeUnfinalized bool) ([]domain.SalesPeriodRow, error)
	MonthlyExpenseTotals(ctx context.Context, fromDate string, toDate string) ([]domain.MonthlyExpenseTotal, error)
	ExpenseTotalsByCategory(ctx context.Context, fromDate string, toDate string) ([]domain.ExpenseCategoryTotal, error)
	RevenueByPaymentMedium(ctx context.Context, from time.Time, to time.Time, operator string, includeUnfinalized bool) ([]domain.PaymentMediumTotal, error)
}

type Engine struct {
	source   Source
	cache    cache.ReportCache
	cacheTTL time.Duration
	loc      *time.Location
	currency string
}

func NewEngine(source Source, cacheStore cache.ReportCache, cacheTTL time.Duration, loc *time.Location, currency string) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	if currency == "" {
		currency = "ARS"
	}

	return &Engine{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		loc:      loc,
		currency: currency,
	}
}

// BuildReport assembles the profit and loss rollup for the requested range.
// Revenue and cost of goods come from finalized sales at their snapshotted
// line costs. Monthly ledger totals (extra income and operating expense)
// are charged directly at month and total granularity; at day and week
// granularity each month's total is spread evenly over its calendar days,
// every daily share rounded on its own, so the prorated rows may drift
// from the month figure by a few cents.
func (e *Engine) BuildReport(ctx context.Context, req domain.ReportRequest) (*domain.Report, error) {
	fromDate, toDate, err := e.parseRange(req)
	if err != nil {
		return nil, err
	}

	cacheKey := buildCacheKey(req)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		cached.Meta.FromCache = true
		return cached, nil
	}

	from := fromDate
	toExclusive := toDate.AddDate(0, 0, 1)

	salesRows, err := e.source.SalesPeriodRows(ctx, from, toExclusive, req.Granularity, e.loc, req.OperatorFilter, req.IncludeUnfinalized)
	if err != nil {
		return nil, err
	}

	monthTotals, err := e.source.MonthlyExpenseTotals(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}

	expenseByPeriod, policy := e.bucketExpenses(monthTotals, req.Granularity, fromDate, toDate)

	byCategory, err := e.source.ExpenseTotalsByCategory(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}

	byMedium, err := e.source.RevenueByPaymentMedium(ctx, from, toExclusive, req.OperatorFilter, req.IncludeUnfinalized)
	if err != nil {
		return nil, err
	}

	report := &domain.Report{
		Meta: domain.ReportMeta{
			From:          req.From,
			To:            req.To,
			Granularity:   req.Granularity,
			Currency:      e.currency,
			CostBasis:     domain.CostBasisSaleSnapshot,
			ExpensePolicy: policy,
			GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		},
		Rows:       mergeRows(salesRows, expenseByPeriod),
		ByCategory: byCategory,
		ByMedium:   byMedium,
	}
	report.Totals = sumRows(report.Rows)

	_ = e.cache.Set(ctx, cacheKey, report, e.cacheTTL)
	return report, nil
}

func (e *Engine) parseRange(req domain.ReportRequest) (time.Time, time.Time, error) {
	switch req.Granularity {
	case domain.GranularityDay, domain.GranularityWeek, domain.GranularityMonth, domain.GranularityTotal:
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown granularity %q", store.ErrInvalidInput, req.Granularity)
	}

	fromDate, err := time.ParseInLocation("2006-01-02", req.From, e.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from date %q", store.ErrInvalidInput, req.From)
	}
	toDate, err := time.ParseInLocation("2006-01-02", req.To, e.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to date %q", store.ErrInvalidInput, req.To)
	}
	if fromDate.After(toDate) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from is after to", store.ErrInvalidInput)
	}
	return fromDate, toDate, nil
}

// ledgerBucket is one period's slice of the expense ledger, extra income
// and operating expense kept apart.
type ledgerBucket struct {
	IncomeCents  int64
	ExpenseCents int64
}

// bucketExpenses turns monthly ledger totals into per-period charges at the
// requested granularity and reports which proration policy was applied.
// Income and expense are prorated independently, each day's share rounded
// on its own.
func (e *Engine) bucketExpenses(
	monthTotals []domain.MonthlyExpenseTotal,
	granularity string,
	fromDate time.Time,
	toDate time.Time,
) (map[string]ledgerBucket, string) {
	buckets := make(map[string]ledgerBucket)

	switch granularity {
	case domain.GranularityTotal:
		for _, month := range monthTotals {
			bucket := buckets[domain.TotalPeriodKey]
			bucket.IncomeCents += month.IncomeCents
			bucket.ExpenseCents += month.ExpenseCents
			buckets[domain.TotalPeriodKey] = bucket
		}
		return buckets, domain.ExpensePolicyNone

	case domain.GranularityMonth:
		for _, month := range monthTotals {
			bucket := buckets[month.Month]
			bucket.IncomeCents += month.IncomeCents
			bucket.ExpenseCents += month.ExpenseCents
			buckets[month.Month] = bucket
		}
		return buckets, domain.ExpensePolicyNone
	}

	totalsByMonth := make(map[string]domain.MonthlyExpenseTotal, len(monthTotals))
	for _, month := range monthTotals {
		totalsByMonth[month.Month] = month
	}

	for day := fromDate; !day.After(toDate); day = day.AddDate(0, 0, 1) {
		monthKey := day.Format("2006-01")
		month, ok := totalsByMonth[monthKey]
		if !ok || (month.IncomeCents == 0 && month.ExpenseCents == 0) {
			continue
		}

		// Each day's share is rounded independently. The per-day drift
		// against the month total is accepted, not reconciled.
		days := float64(daysInMonth(day))
		key := PeriodKey(day, granularity, e.loc)
		bucket := buckets[key]
		bucket.IncomeCents += int64(math.Round(float64(month.IncomeCents) / days))
		bucket.ExpenseCents += int64(math.Round(float64(month.ExpenseCents) / days))
		buckets[key] = bucket
	}

	return buckets, domain.ExpensePolicyEvenDaily
}

func mergeRows(salesRows []domain.SalesPeriodRow, expenseByPeriod map[string]ledgerBucket) []domain.ReportRow {
	salesByPeriod := make(map[string]domain.SalesPeriodRow, len(salesRows))
	keys := make([]string, 0, len(salesRows)+len(expenseByPeriod))

	for _, row := range salesRows {
		salesByPeriod[row.PeriodKey] = row
		keys = append(keys, row.PeriodKey)
	}
	for key := range expenseByPeriod {
		if _, seen := salesByPeriod[key]; !seen {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	rows := make([]domain.ReportRow, 0, len(keys))
	for _, key := range keys {
		sales := salesByPeriod[key]
		ledger := expenseByPeriod[key]

		row := domain.ReportRow{
			PeriodKey:             key,
			RevenueCents:          sales.RevenueCents,
			COGSCents:             sales.COGSCents,
			GrossProfitCents:      sales.RevenueCents - sales.COGSCents,
			ExtraIncomeCents:      ledger.IncomeCents,
			OperatingExpenseCents: ledger.ExpenseCents,
		}
		row.NetProfitCents = row.GrossProfitCents + row.ExtraIncomeCents - row.OperatingExpenseCents

		if row.RevenueCents > 0 {
			gross := round2(float64(row.GrossProfitCents) * 100 / float64(row.RevenueCents))
			net := round2(float64(row.NetProfitCents) * 100 / float64(row.RevenueCents))
			row.GrossMarginPct = &gross
			row.NetMarginPct = &net
		}

		rows = append(rows, row)
	}

	return rows
}

// sumRows collapses every period row into the report-wide totals block.
func sumRows(rows []domain.ReportRow) domain.ReportTotals {
	var totals domain.ReportTotals
	for _, row := range rows {
		totals.RevenueCents += row.RevenueCents
		totals.COGSCents += row.COGSCents
		totals.GrossProfitCents += row.GrossProfitCents
		totals.ExtraIncomeCents += row.ExtraIncomeCents
		totals.OperatingExpenseCents += row.OperatingExpenseCents
		totals.NetProfitCents += row.NetProfitCents
	}
	if totals.RevenueCents > 0 {
		gross := round2(float64(totals.GrossProfitCents) * 100 / float64(totals.RevenueCents))
		net := round2(float64(totals.NetProfitCents) * 100 / float64(totals.RevenueCents))
		totals.GrossMarginPct = &gross
		totals.NetMarginPct = &net
	}
	return totals
}

// PeriodKey formats the bucket key for a timestamp at the given granularity:
// day "2006-01-02", week ISO year-week "2006-W02", month "2006-01".
func PeriodKey(at time.Time, granularity string, loc *time.Location) string {
	local := at.In(loc)
	switch granularity {
	case domain.GranularityDay:
		return local.Format("2006-01-02")
	case domain.GranularityWeek:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case domain.GranularityMonth:
		return local.Format("2006-01")
	default:
		return domain.TotalPeriodKey
	}
}

func daysInMonth(day time.Time) int {
	return time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func buildCacheKey(req domain.ReportRequest) string {
	parts := []string{req.From, req.To, req.Granularity, req.OperatorFilter, strconv.FormatBool(req.IncludeUnfinalized)}
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "pos:report:" + hex.EncodeToString(hash[:])
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
