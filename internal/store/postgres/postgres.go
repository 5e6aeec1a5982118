package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"almacenpos/backend/internal/domain"
	"almacenpos/backend/internal/report"
	"almacenpos/backend/internal/store"
	"almacenpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.ProductWithStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.sku, p.name, p.category, p.price_cents, p.cost_cents, p.active, p.created_at,
			COALESCE(SUM(m.delta_qty), 0)::bigint
		FROM products p
		LEFT JOIN stock_movements m ON m.sku = p.sku
		WHERE p.active = true
		GROUP BY p.sku, p.name, p.category, p.price_cents, p.cost_cents, p.active, p.created_at
		ORDER BY p.category, p.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.ProductWithStock, 0, 128)
	for rows.Next() {
		var p domain.ProductWithStock
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.Active, &p.CreatedAt, &p.StockOnHand); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.CostCents < 0 {
		return nil, store.ErrInvalidInput
	}

	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, price_cents, cost_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, active, created_at
		FROM products
		WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.Category, &product.PriceCents, &product.CostCents, &product.Active, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.CostCents < 0 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, cost_cents = $5, active = $6, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_price_history (id, sku, old_price_cents, new_price_cents, old_cost_cents, new_cost_cents, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.SKU, entry.OldPriceCents, entry.NewPriceCents, entry.OldCostCents, entry.NewCostCents, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, old_price_cents, new_price_cents, old_cost_cents, new_cost_cents, changed_by, changed_at
		FROM product_price_history
		WHERE sku = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.ProductPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.ProductPriceHistory
		if err := rows.Scan(&entry.ID, &entry.SKU, &entry.OldPriceCents, &entry.NewPriceCents, &entry.OldCostCents, &entry.NewCostCents, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, active, created_at
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateStockMovement(ctx context.Context, movement domain.StockMovement) error {
	if movement.SKU == "" || movement.DeltaQty == 0 || movement.Reason == "" {
		return store.ErrInvalidInput
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_movements (id, sku, delta_qty, reason, reference, unit_cost_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, movement.ID, movement.SKU, movement.DeltaQty, movement.Reason, nullIfEmpty(movement.Reference), movement.UnitCostCents, movement.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: sku %s", store.ErrNotFound, movement.SKU)
		}
		return err
	}
	return nil
}

func (s *Store) ListStockMovements(ctx context.Context, sku string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, delta_qty, reason, COALESCE(reference,''), unit_cost_cents, created_at
		FROM stock_movements
		WHERE ($1 = '' OR sku = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var movement domain.StockMovement
		if err := rows.Scan(&movement.ID, &movement.SKU, &movement.DeltaQty, &movement.Reason, &movement.Reference, &movement.UnitCostCents, &movement.CreatedAt); err != nil {
			return nil, err
		}
		movement.CreatedAt = movement.CreatedAt.UTC()
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) StockOnHand(ctx context.Context, skus []string) (map[string]int64, error) {
	result := make(map[string]int64, len(skus))
	if len(skus) == 0 {
		return s.stockOnHandAll(ctx)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, COALESCE(SUM(delta_qty), 0)::bigint
		FROM stock_movements
		WHERE sku = ANY($1)
		GROUP BY sku
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sku string
		var qty int64
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sku := range skus {
		if _, ok := result[sku]; !ok {
			result[sku] = 0
		}
	}
	return result, nil
}

func (s *Store) stockOnHandAll(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, COALESCE(SUM(delta_qty), 0)::bigint
		FROM stock_movements
		GROUP BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64, 128)
	for rows.Next() {
		var sku string
		var qty int64
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id
		FROM register_sessions
		WHERE status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open register session", store.ErrInvalidState)
		}
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.RegisterSessionID = sessionID
	sale.Status = domain.SaleStatusDraft
	sale.TotalCents = 0
	sale.Lines = nil
	sale.Payments = nil

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (id, register_session_id, operator_username, status, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.RegisterSessionID, sale.OperatorUsername, sale.Status, sale.TotalCents, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	saved := sale
	saved.Lines = []domain.SaleLine{}
	saved.Payments = []domain.Payment{}
	return &saved, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, saleID)
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, operator string, status string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE created_at >= $1
			AND created_at < $2
			AND ($3 = '' OR operator_username = $3)
			AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, from, to, operator, status, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := loadSale(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func (s *Store) AddOrMergeSaleLine(ctx context.Context, saleID string, line domain.SaleLine) (*domain.Sale, error) {
	if line.SKU == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftSale(ctx, tx, saleID); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sale_lines
		SET qty = qty + $3, subtotal_cents = (qty + $3) * unit_price_cents
		WHERE sale_id = $1 AND sku = $2 AND is_promo = false
	`, saleID, line.SKU, line.Qty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, sku, description, qty, unit_price_cents, unit_cost_cents, subtotal_cents, price_source, promo_group_id, is_promo)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, line.ID, saleID, line.SKU, line.Description, line.Qty, line.UnitPriceCents, line.UnitCostCents,
			line.Qty*line.UnitPriceCents, line.PriceSource, nullIfEmpty(line.PromoGroupID), line.IsPromo)
		if err != nil {
			return nil, err
		}
	}

	if err := recomputeSaleTotal(ctx, tx, saleID); err != nil {
		return nil, err
	}
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) SetLineQuantity(ctx context.Context, saleID string, lineID string, qty int64) (*domain.Sale, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftSale(ctx, tx, saleID); err != nil {
		return nil, err
	}

	var isPromo bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_promo
		FROM sale_lines
		WHERE sale_id = $1 AND id = $2
		FOR UPDATE
	`, saleID, lineID).Scan(&isPromo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
		}
		return nil, err
	}
	if isPromo {
		return nil, fmt.Errorf("%w: promo lines cannot be edited, remove the group", store.ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sale_lines
		SET qty = $3, subtotal_cents = $3 * unit_price_cents
		WHERE sale_id = $1 AND id = $2
	`, saleID, lineID, qty)
	if err != nil {
		return nil, err
	}

	if err := recomputeSaleTotal(ctx, tx, saleID); err != nil {
		return nil, err
	}
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftSale(ctx, tx, saleID); err != nil {
		return nil, err
	}

	var isPromo bool
	var promoGroupID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT is_promo, promo_group_id
		FROM sale_lines
		WHERE sale_id = $1 AND id = $2
		FOR UPDATE
	`, saleID, lineID).Scan(&isPromo, &promoGroupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
		}
		return nil, err
	}

	if isPromo && promoGroupID.Valid && promoGroupID.String != "" {
		// Removing any promo line drops the whole promo group.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM sale_lines
			WHERE sale_id = $1 AND promo_group_id = $2
		`, saleID, promoGroupID.String)
	} else {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM sale_lines
			WHERE sale_id = $1 AND id = $2
		`, saleID, lineID)
	}
	if err != nil {
		return nil, err
	}

	if err := recomputeSaleTotal(ctx, tx, saleID); err != nil {
		return nil, err
	}
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) ApplyPromoCombo(ctx context.Context, saleID string, application store.PromoApplication) (*domain.Sale, error) {
	if application.PromoGroupID == "" || len(application.Consume) == 0 || len(application.AddLines) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftSale(ctx, tx, saleID); err != nil {
		return nil, err
	}

	for _, consume := range application.Consume {
		var lineID string
		var qty int64
		err = tx.QueryRowContext(ctx, `
			SELECT id, qty
			FROM sale_lines
			WHERE sale_id = $1 AND sku = $2 AND is_promo = false
			FOR UPDATE
		`, saleID, consume.SKU).Scan(&lineID, &qty)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: no plain line for %s", store.ErrInsufficientQuantity, consume.SKU)
			}
			return nil, err
		}
		if qty < consume.Qty {
			return nil, fmt.Errorf("%w: line %s has %d of %d required", store.ErrInsufficientQuantity, consume.SKU, qty, consume.Qty)
		}

		if qty == consume.Qty {
			_, err = tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE id = $1`, lineID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE sale_lines
				SET qty = qty - $2, subtotal_cents = (qty - $2) * unit_price_cents
				WHERE id = $1
			`, lineID, consume.Qty)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, line := range application.AddLines {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, sku, description, qty, unit_price_cents, unit_cost_cents, subtotal_cents, price_source, promo_group_id, is_promo)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true)
		`, line.ID, saleID, line.SKU, line.Description, line.Qty, line.UnitPriceCents, line.UnitCostCents,
			line.Qty*line.UnitPriceCents, domain.PriceSourcePromo, application.PromoGroupID)
		if err != nil {
			return nil, err
		}
	}

	if err := recomputeSaleTotal(ctx, tx, saleID); err != nil {
		return nil, err
	}
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) FinalizeSale(ctx context.Context, saleID string, payments []domain.Payment, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftSale(ctx, tx, saleID); err != nil {
		return nil, err
	}

	var openSessions int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM register_sessions
		WHERE status = 'open'
	`).Scan(&openSessions); err != nil {
		return nil, err
	}
	if openSessions == 0 {
		return nil, fmt.Errorf("%w: no open register session", store.ErrInvalidState)
	}

	lines, err := loadSaleLines(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no lines", store.ErrInvalidInput)
	}
	total := int64(0)
	for _, line := range lines {
		total += line.SubtotalCents
	}
	if total < 1 {
		return nil, fmt.Errorf("%w: sale total must be positive", store.ErrInvalidInput)
	}
	if err := validatePayments(payments, total); err != nil {
		return nil, err
	}

	required := make(map[string]int64)
	for _, line := range lines {
		required[line.SKU] += line.Qty
	}
	stock, err := stockForSKUs(ctx, tx, keysOf(required))
	if err != nil {
		return nil, err
	}
	for sku, qty := range required {
		if stock[sku] < qty {
			return nil, fmt.Errorf("%w: %s has %d on hand, sale needs %d", store.ErrInsufficientQuantity, sku, stock[sku], qty)
		}
	}

	for _, line := range lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, sku, delta_qty, reason, reference, unit_cost_cents, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("mov"), line.SKU, -line.Qty, domain.MovementReasonSale, saleID, line.UnitCostCents, at)
		if err != nil {
			return nil, err
		}
	}

	for _, payment := range payments {
		if payment.ID == "" {
			payment.ID = xid.New("pay")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, sale_id, medium, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, payment.ID, saleID, payment.Medium, payment.AmountCents, nullIfEmpty(payment.Reference))
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, total_cents = $3, finalized_at = $4
		WHERE id = $1
	`, saleID, domain.SaleStatusFinalized, total, at)
	if err != nil {
		return nil, err
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusDraft {
		return nil, fmt.Errorf("%w: only draft sales can be voided", store.ErrInvalidState)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, total_cents = 0, void_reason = $3, voided_at = $4
		WHERE id = $1
	`, saleID, domain.SaleStatusVoided, reason, at)
	if err != nil {
		return nil, err
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

// ReopenAndReedit is the admin correction path for a finalized sale. The
// whole edit runs in one serializable transaction: the previous lines
// are deleted, the replacement lines are inserted, stock movements
// compensate the per-SKU difference, payments are replaced, and the
// sale ends up finalized again. A finalized sale is never left in
// draft.
func (s *Store) ReopenAndReedit(ctx context.Context, saleID string, lines []domain.SaleLine, payments []domain.Payment, reason string, at time.Time) (*domain.Sale, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: re-edit cannot drop every line", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusFinalized {
		return nil, fmt.Errorf("%w: only finalized sales can be re-edited", store.ErrInvalidState)
	}

	previous, err := loadSaleLines(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}

	previousQty := make(map[string]int64)
	costBySKU := make(map[string]int64)
	for _, line := range previous {
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
		line.SaleID = saleID
		line.SubtotalCents = line.Qty * line.UnitPriceCents
		replaced = append(replaced, line)
		newTotal += line.SubtotalCents
		newQty[line.SKU] += line.Qty
		costBySKU[line.SKU] = line.UnitCostCents
	}
	if err := validatePayments(payments, newTotal); err != nil {
		return nil, err
	}

	stock, err := stockForSKUs(ctx, tx, keysOf(newQty))
	if err != nil {
		return nil, err
	}
	for sku, qty := range newQty {
		extra := qty - previousQty[sku]
		if extra > 0 && stock[sku] < extra {
			return nil, fmt.Errorf("%w: %s has %d on hand, re-edit needs %d more", store.ErrInsufficientQuantity, sku, stock[sku], extra)
		}
	}

	// Compensate stock by the per-SKU delta only.
	adjust := func(sku string, delta int64) error {
		if delta == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, sku, delta_qty, reason, reference, unit_cost_cents, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("mov"), sku, delta, domain.MovementReasonReedit, saleID, costBySKU[sku], at)
		return err
	}
	for sku, qty := range previousQty {
		if err := adjust(sku, qty-newQty[sku]); err != nil {
			return nil, err
		}
	}
	for sku, qty := range newQty {
		if _, seen := previousQty[sku]; !seen {
			if err := adjust(sku, -qty); err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID); err != nil {
		return nil, err
	}
	for _, line := range replaced {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, sku, description, qty, unit_price_cents, unit_cost_cents, subtotal_cents, price_source, promo_group_id, is_promo)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, line.ID, saleID, line.SKU, line.Description, line.Qty, line.UnitPriceCents, line.UnitCostCents,
			line.SubtotalCents, line.PriceSource, nullIfEmpty(line.PromoGroupID), line.IsPromo)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_payments WHERE sale_id = $1`, saleID); err != nil {
		return nil, err
	}
	for _, payment := range payments {
		if payment.ID == "" {
			payment.ID = xid.New("pay")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, sale_id, medium, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, payment.ID, saleID, payment.Medium, payment.AmountCents, nullIfEmpty(payment.Reference))
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET total_cents = $2, void_reason = $3, finalized_at = $4
		WHERE id = $1
	`, saleID, newTotal, reason, at)
	if err != nil {
		return nil, err
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return sale, nil
}

func (s *Store) OpenRegisterSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM register_sessions
		WHERE status = 'open'
	`).Scan(&open); err != nil {
		return nil, err
	}
	if open > 0 {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_sessions (id, opened_by, opening_float_cents, closing_cash_cents, status, notes, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.OpenedBy, session.OpeningFloatCents, session.ClosingCashCents, session.Status, session.Notes, session.OpenedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	saved := session
	return &saved, nil
}

func (s *Store) CloseRegisterSession(ctx context.Context, closingCashCents int64, notes string, at time.Time) (*domain.RegisterSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var session domain.RegisterSession
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		UPDATE register_sessions
		SET status = 'closed', closing_cash_cents = $1, notes = $2, closed_at = $3
		WHERE status = 'open'
		RETURNING id, opened_by, opening_float_cents, closing_cash_cents, status, notes, opened_at, closed_at
	`, closingCashCents, notes, at).Scan(
		&session.ID,
		&session.OpenedBy,
		&session.OpeningFloatCents,
		&session.ClosingCashCents,
		&session.Status,
		&session.Notes,
		&session.OpenedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		session.ClosedAt = &t
	}
	return &session, nil
}

func (s *Store) GetOpenRegisterSession(ctx context.Context) (*domain.RegisterSession, error) {
	var session domain.RegisterSession
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, opened_by, opening_float_cents, closing_cash_cents, status, notes, opened_at, closed_at
		FROM register_sessions
		WHERE status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`).Scan(
		&session.ID,
		&session.OpenedBy,
		&session.OpeningFloatCents,
		&session.ClosingCashCents,
		&session.Status,
		&session.Notes,
		&session.OpenedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		session.ClosedAt = &t
	}
	return &session, nil
}

func (s *Store) CreateExpenseEntry(ctx context.Context, entry domain.ExpenseEntry) (*domain.ExpenseEntry, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_entries (id, entry_date, category, kind, origin, amount_cents, description, created_by, created_at)
		VALUES ($1,$2::date,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.Date, entry.Category, entry.Kind, entry.Origin, entry.AmountCents, entry.Description, entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := entry
	return &created, nil
}

func (s *Store) ListExpenseEntries(ctx context.Context, fromDate string, toDate string, category string, limit int) ([]domain.ExpenseEntry, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, to_char(entry_date, 'YYYY-MM-DD'), category, kind, origin, amount_cents, description, created_by, created_at
		FROM expense_entries
		WHERE ($1 = '' OR entry_date >= $1::date)
			AND ($2 = '' OR entry_date <= $2::date)
			AND ($3 = '' OR category = $3)
		ORDER BY entry_date DESC, id DESC
		LIMIT $4
	`, fromDate, toDate, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ExpenseEntry, 0, limit)
	for rows.Next() {
		var entry domain.ExpenseEntry
		if err := rows.Scan(&entry.ID, &entry.Date, &entry.Category, &entry.Kind, &entry.Origin, &entry.AmountCents, &entry.Description, &entry.CreatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreatePromoCombo(ctx context.Context, combo domain.PromoCombo) (*domain.PromoCombo, error) {
	if strings.TrimSpace(combo.Name) == "" || combo.PackPriceCents < 1 || combo.MinimumTotalCents < 0 || len(combo.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	for _, item := range combo.Items {
		if item.SKU == "" || item.RequiredQty < 1 {
			return nil, store.ErrInvalidInput
		}
	}
	if combo.ID == "" {
		combo.ID = xid.New("combo")
	}
	if combo.CreatedAt.IsZero() {
		combo.CreatedAt = time.Now().UTC()
	}
	combo.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO promo_combos (id, name, pack_price_cents, minimum_total_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, combo.ID, combo.Name, combo.PackPriceCents, combo.MinimumTotalCents, combo.Active, combo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	for _, item := range combo.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO promo_combo_items (combo_id, sku, required_qty)
			VALUES ($1,$2,$3)
		`, combo.ID, item.SKU, item.RequiredQty)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return nil, fmt.Errorf("%w: sku %s", store.ErrNotFound, item.SKU)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := combo
	return &saved, nil
}

func (s *Store) GetPromoComboByID(ctx context.Context, comboID string) (*domain.PromoCombo, error) {
	var combo domain.PromoCombo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, pack_price_cents, minimum_total_cents, active, created_at
		FROM promo_combos
		WHERE id = $1
	`, comboID).Scan(&combo.ID, &combo.Name, &combo.PackPriceCents, &combo.MinimumTotalCents, &combo.Active, &combo.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	combo.CreatedAt = combo.CreatedAt.UTC()

	items, err := s.comboItems(ctx, []string{combo.ID})
	if err != nil {
		return nil, err
	}
	combo.Items = items[combo.ID]
	return &combo, nil
}

func (s *Store) ListPromoCombos(ctx context.Context, includeInactive bool) ([]domain.PromoCombo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pack_price_cents, minimum_total_cents, active, created_at
		FROM promo_combos
		WHERE ($1 OR active = true)
		ORDER BY created_at ASC, id ASC
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	combos := make([]domain.PromoCombo, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var combo domain.PromoCombo
		if err := rows.Scan(&combo.ID, &combo.Name, &combo.PackPriceCents, &combo.MinimumTotalCents, &combo.Active, &combo.CreatedAt); err != nil {
			return nil, err
		}
		combo.CreatedAt = combo.CreatedAt.UTC()
		combos = append(combos, combo)
		ids = append(ids, combo.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.comboItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range combos {
		combos[i].Items = items[combos[i].ID]
	}
	return combos, nil
}

func (s *Store) comboItems(ctx context.Context, comboIDs []string) (map[string][]domain.PromoComboItem, error) {
	result := make(map[string][]domain.PromoComboItem, len(comboIDs))
	if len(comboIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT combo_id, sku, required_qty
		FROM promo_combo_items
		WHERE combo_id = ANY($1)
		ORDER BY id ASC
	`, comboIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var comboID string
		var item domain.PromoComboItem
		if err := rows.Scan(&comboID, &item.SKU, &item.RequiredQty); err != nil {
			return nil, err
		}
		result[comboID] = append(result[comboID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdatePromoComboActive(ctx context.Context, comboID string, active bool) (*domain.PromoCombo, error) {
	var combo domain.PromoCombo
	err := s.db.QueryRowContext(ctx, `
		UPDATE promo_combos
		SET active = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, name, pack_price_cents, minimum_total_cents, active, created_at
	`, comboID, active).Scan(&combo.ID, &combo.Name, &combo.PackPriceCents, &combo.MinimumTotalCents, &combo.Active, &combo.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	combo.CreatedAt = combo.CreatedAt.UTC()

	items, err := s.comboItems(ctx, []string{combo.ID})
	if err != nil {
		return nil, err
	}
	combo.Items = items[combo.ID]
	return &combo, nil
}

func (s *Store) SalesPeriodRows(ctx context.Context, from time.Time, to time.Time, granularity string, loc *time.Location, operator string, includeUnfinalized bool) ([]domain.SalesPeriodRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(s.finalized_at, s.created_at), s.total_cents, COALESCE(SUM(l.qty * l.unit_cost_cents), 0)::bigint
		FROM sales s
		LEFT JOIN sale_lines l ON l.sale_id = s.id
		WHERE ($3 OR s.status = 'finalized')
			AND ($4 = '' OR s.operator_username = $4)
			AND COALESCE(s.finalized_at, s.created_at) >= $1
			AND COALESCE(s.finalized_at, s.created_at) < $2
		GROUP BY s.id, COALESCE(s.finalized_at, s.created_at), s.total_cents
	`, from, to, includeUnfinalized, operator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPeriod := make(map[string]*domain.SalesPeriodRow)
	keys := make([]string, 0, 32)
	for rows.Next() {
		var finalizedAt time.Time
		var revenue int64
		var cogs int64
		if err := rows.Scan(&finalizedAt, &revenue, &cogs); err != nil {
			return nil, err
		}

		key := report.PeriodKey(finalizedAt.UTC(), granularity, loc)
		row := byPeriod[key]
		if row == nil {
			row = &domain.SalesPeriodRow{PeriodKey: key}
			byPeriod[key] = row
			keys = append(keys, key)
		}
		row.RevenueCents += revenue
		row.COGSCents += cogs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	result := make([]domain.SalesPeriodRow, 0, len(keys))
	for _, key := range keys {
		result = append(result, *byPeriod[key])
	}
	return result, nil
}

// MonthlyExpenseTotals splits each month's ledger into extra income and
// operating expense by entry kind.
func (s *Store) MonthlyExpenseTotals(ctx context.Context, fromDate string, toDate string) ([]domain.MonthlyExpenseTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(entry_date, 'YYYY-MM'),
			COALESCE(SUM(CASE WHEN kind = 'income' THEN amount_cents ELSE 0 END), 0)::bigint,
			COALESCE(SUM(CASE WHEN kind = 'expense' THEN amount_cents ELSE 0 END), 0)::bigint
		FROM expense_entries
		WHERE entry_date >= $1::date
			AND entry_date <= $2::date
		GROUP BY 1
		ORDER BY 1
	`, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make([]domain.MonthlyExpenseTotal, 0, 12)
	for rows.Next() {
		var total domain.MonthlyExpenseTotal
		if err := rows.Scan(&total.Month, &total.IncomeCents, &total.ExpenseCents); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) ExpenseTotalsByCategory(ctx context.Context, fromDate string, toDate string) ([]domain.ExpenseCategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category,
			COALESCE(SUM(CASE WHEN kind = 'income' THEN amount_cents ELSE 0 END), 0)::bigint,
			COALESCE(SUM(CASE WHEN kind = 'expense' THEN amount_cents ELSE 0 END), 0)::bigint
		FROM expense_entries
		WHERE entry_date >= $1::date
			AND entry_date <= $2::date
		GROUP BY category
		ORDER BY category
	`, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make([]domain.ExpenseCategoryTotal, 0, 16)
	for rows.Next() {
		var total domain.ExpenseCategoryTotal
		if err := rows.Scan(&total.Category, &total.IncomeCents, &total.ExpenseCents); err != nil {
			return nil, err
		}
		total.NetCents = total.IncomeCents - total.ExpenseCents
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) RevenueByPaymentMedium(ctx context.Context, from time.Time, to time.Time, operator string, includeUnfinalized bool) ([]domain.PaymentMediumTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.medium, COALESCE(SUM(p.amount_cents), 0)::bigint, COUNT(*)::bigint
		FROM sale_payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE ($3 OR s.status = 'finalized')
			AND ($4 = '' OR s.operator_username = $4)
			AND COALESCE(s.finalized_at, s.created_at) >= $1
			AND COALESCE(s.finalized_at, s.created_at) < $2
		GROUP BY p.medium
		ORDER BY p.medium
	`, from, to, includeUnfinalized, operator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make([]domain.PaymentMediumTotal, 0, 8)
	for rows.Next() {
		var total domain.PaymentMediumTotal
		if err := rows.Scan(&total.Medium, &total.AmountCents, &total.Sales); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSale(ctx context.Context, q querier, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var voidReason sql.NullString
	var finalizedAt sql.NullTime
	var voidedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, register_session_id, operator_username, status, total_cents, void_reason, created_at, finalized_at, voided_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(
		&sale.ID,
		&sale.RegisterSessionID,
		&sale.OperatorUsername,
		&sale.Status,
		&sale.TotalCents,
		&voidReason,
		&sale.CreatedAt,
		&finalizedAt,
		&voidedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		sale.FinalizedAt = &at
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}

	sale.Lines, err = loadSaleLines(ctx, q, saleID)
	if err != nil {
		return nil, err
	}

	payRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, medium, amount_cents, COALESCE(reference, '')
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()

	payments := make([]domain.Payment, 0, 4)
	for payRows.Next() {
		var payment domain.Payment
		if err := payRows.Scan(&payment.ID, &payment.SaleID, &payment.Medium, &payment.AmountCents, &payment.Reference); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	if err := payRows.Err(); err != nil {
		return nil, err
	}
	sale.Payments = payments

	return &sale, nil
}

func loadSaleLines(ctx context.Context, q querier, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, sku, description, qty, unit_price_cents, unit_cost_cents, subtotal_cents, price_source, COALESCE(promo_group_id, ''), is_promo
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.SKU, &line.Description, &line.Qty, &line.UnitPriceCents, &line.UnitCostCents, &line.SubtotalCents, &line.PriceSource, &line.PromoGroupID, &line.IsPromo); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func lockDraftSale(ctx context.Context, tx *sql.Tx, saleID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	if status != domain.SaleStatusDraft {
		return status, fmt.Errorf("%w: sale is %s", store.ErrInvalidState, status)
	}
	return status, nil
}

func recomputeSaleTotal(ctx context.Context, tx *sql.Tx, saleID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET total_cents = (
			SELECT COALESCE(SUM(subtotal_cents), 0)
			FROM sale_lines
			WHERE sale_id = $1
		)
		WHERE id = $1
	`, saleID)
	return err
}

func stockForSKUs(ctx context.Context, tx *sql.Tx, skus []string) (map[string]int64, error) {
	result := make(map[string]int64, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sku, COALESCE(SUM(delta_qty), 0)::bigint
		FROM stock_movements
		WHERE sku = ANY($1)
		GROUP BY sku
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sku string
		var qty int64
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
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

func keysOf(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapTxError translates the postgres codes a serializable commit can
// surface under contention into ErrBusy so callers can retry.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %s", store.ErrBusy, pgErr.Code)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
