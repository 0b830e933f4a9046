package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iurnickita/paycore/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// Схема создается при старте, повторный запуск ничего не меняет
var pgSchema = []string{
	// Заказ. Одна строка на заказ, после чего меняется ее статус
	"CREATE TABLE IF NOT EXISTS purchase_order (" +
		" number VARCHAR (32) PRIMARY KEY," +
		" buyer VARCHAR (64) NOT NULL," +
		" total BIGINT NOT NULL," +
		" status VARCHAR (20) NOT NULL," +
		" fulfillment_pending BOOLEAN NOT NULL DEFAULT FALSE," +
		" fulfillment_failed BOOLEAN NOT NULL DEFAULT FALSE," +
		" fulfillment_error TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" updated_at TIMESTAMPTZ NOT NULL" +
		" );",
	"ALTER TABLE purchase_order ADD COLUMN IF NOT EXISTS fulfillment_pending BOOLEAN NOT NULL DEFAULT FALSE;",
	"CREATE INDEX IF NOT EXISTS purchase_order_pending ON purchase_order (updated_at)" +
		" WHERE fulfillment_pending AND NOT fulfillment_failed;",
	"CREATE TABLE IF NOT EXISTS order_item (" +
		" purchase_order VARCHAR (32) NOT NULL REFERENCES purchase_order (number)," +
		" position INTEGER NOT NULL," +
		" kind VARCHAR (20) NOT NULL," +
		" denomination VARCHAR (64) NOT NULL DEFAULT ''," +
		" quantity INTEGER NOT NULL DEFAULT 0," +
		" amount BIGINT NOT NULL DEFAULT 0," +
		" fulfilled BOOLEAN NOT NULL DEFAULT FALSE," +
		" error TEXT NOT NULL DEFAULT ''," +
		" PRIMARY KEY (purchase_order, position)" +
		" );",
	// Платеж. Не более одного активного на заказ - частичный уникальный индекс
	"CREATE TABLE IF NOT EXISTS payment (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" purchase_order VARCHAR (32) NOT NULL REFERENCES purchase_order (number)," +
		" amount BIGINT NOT NULL," +
		" method VARCHAR (32) NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" external_txn_id VARCHAR (128)," +
		" raw_payload BYTEA," +
		" status_changed_at TIMESTAMPTZ NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE UNIQUE INDEX IF NOT EXISTS payment_external_txn_id ON payment (external_txn_id)" +
		" WHERE external_txn_id IS NOT NULL;",
	"CREATE UNIQUE INDEX IF NOT EXISTS payment_one_active ON payment (purchase_order)" +
		" WHERE status IN ('pending', 'processing');",
	"CREATE INDEX IF NOT EXISTS payment_stale ON payment (status_changed_at)" +
		" WHERE status IN ('pending', 'processing');",
	"CREATE TABLE IF NOT EXISTS denomination (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" product VARCHAR (64) NOT NULL," +
		" label VARCHAR (128) NOT NULL," +
		" low_stock_threshold INTEGER NOT NULL DEFAULT 0" +
		" );",
	// Коды. Остаток не хранится, считается по статусу available
	"CREATE TABLE IF NOT EXISTS redeem_code (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" denomination VARCHAR (64) NOT NULL REFERENCES denomination (id)," +
		" payload TEXT NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" claimed_by VARCHAR (32)," +
		" claimed_at TIMESTAMPTZ," +
		" UNIQUE (denomination, payload)" +
		" );",
	"CREATE INDEX IF NOT EXISTS redeem_code_available ON redeem_code (denomination)" +
		" WHERE status = 'available';",
	"CREATE TABLE IF NOT EXISTS wallet (" +
		" owner VARCHAR (64) PRIMARY KEY," +
		" balance BIGINT NOT NULL CHECK (balance >= 0)," +
		" version BIGINT NOT NULL," +
		" updated_at TIMESTAMPTZ NOT NULL" +
		" );",
	// Журнал кошелька. Записи не редактируются и не удаляются
	"CREATE TABLE IF NOT EXISTS wallet_entry (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" seq BIGSERIAL," +
		" wallet VARCHAR (64) NOT NULL REFERENCES wallet (owner)," +
		" amount BIGINT NOT NULL," +
		" direction VARCHAR (8) NOT NULL," +
		" counterparty VARCHAR (64) NOT NULL," +
		" reason TEXT NOT NULL," +
		" balance BIGINT NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS webhook_event (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" transaction_id VARCHAR (128) NOT NULL," +
		" payment VARCHAR (64) NOT NULL," +
		" signature_valid BOOLEAN NOT NULL," +
		" outcome VARCHAR (32) NOT NULL," +
		" error TEXT NOT NULL," +
		" payload BYTEA," +
		" received_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS job_lease (" +
		" name VARCHAR (64) PRIMARY KEY," +
		" holder VARCHAR (64) NOT NULL," +
		" expires_at TIMESTAMPTZ NOT NULL" +
		" );",
}

func newPgStore(ctx context.Context, dsn string) (*pgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	for _, stmt := range pgSchema {
		if _, err = pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &pgStore{pool: pool}, nil
}

func (store *pgStore) Close() {
	store.pool.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Заказы

func (store *pgStore) OrderCreate(ctx context.Context, order model.Order) error {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		"INSERT INTO purchase_order (number, buyer, total, status, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		order.Number,
		order.Data.Buyer,
		order.Data.Total,
		order.Data.Status,
		order.Data.CreatedAt,
		order.Data.UpdatedAt)
	if err != nil {
		// Проверка: уже существует
		if pgCode(err) == pgUniqueViolation {
			_ = tx.Rollback(ctx)
			var buyer string
			err = store.pool.QueryRow(ctx,
				"SELECT buyer FROM purchase_order WHERE number = $1",
				order.Number).Scan(&buyer)
			if err == nil && buyer != order.Data.Buyer {
				return ErrAlreadyExists
			}
			return ErrDuplicateRequest
		}
		return err
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx,
			"INSERT INTO order_item (purchase_order, position, kind, denomination, quantity, amount)"+
				" VALUES ($1, $2, $3, $4, $5, $6)",
			order.Number,
			item.Position,
			item.Kind,
			item.DenominationID,
			item.Quantity,
			item.Amount)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (store *pgStore) OrderGet(ctx context.Context, number string) (model.Order, error) {
	var order model.Order
	err := store.pool.QueryRow(ctx,
		"SELECT number, buyer, total, status, fulfillment_pending, fulfillment_failed, fulfillment_error, created_at, updated_at"+
			" FROM purchase_order WHERE number = $1",
		number).Scan(&order.Number,
		&order.Data.Buyer,
		&order.Data.Total,
		&order.Data.Status,
		&order.Data.FulfillmentPending,
		&order.Data.FulfillmentFailed,
		&order.Data.FulfillmentError,
		&order.Data.CreatedAt,
		&order.Data.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}

	rows, err := store.pool.Query(ctx,
		"SELECT position, kind, denomination, quantity, amount, fulfilled, error"+
			" FROM order_item WHERE purchase_order = $1 ORDER BY position",
		number)
	if err != nil {
		return model.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item model.LineItem
		err = rows.Scan(&item.Position,
			&item.Kind,
			&item.DenominationID,
			&item.Quantity,
			&item.Amount,
			&item.Fulfilled,
			&item.Error)
		if err != nil {
			return model.Order{}, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

func (store *pgStore) OrderPut(ctx context.Context, order model.Order) error {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		"UPDATE purchase_order"+
			" SET status = $1, fulfillment_pending = fulfillment_pending AND NOT $2, fulfillment_failed = $3, fulfillment_error = $4, updated_at = $5"+
			" WHERE number = $6",
		order.Data.Status,
		settled(order),
		order.Data.FulfillmentFailed,
		order.Data.FulfillmentError,
		order.Data.UpdatedAt,
		order.Number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	for _, item := range order.Items {
		_, err = tx.Exec(ctx,
			"UPDATE order_item SET fulfilled = $1, error = $2"+
				" WHERE purchase_order = $3 AND position = $4",
			item.Fulfilled,
			item.Error,
			order.Number,
			item.Position)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Платежи

const paymentColumns = "id, purchase_order, amount, method, status, external_txn_id, raw_payload, status_changed_at, created_at"

func scanPayment(row pgx.Row) (model.Payment, error) {
	var payment model.Payment
	var txnID *string
	err := row.Scan(&payment.ID,
		&payment.Order,
		&payment.Amount,
		&payment.Method,
		&payment.Status,
		&txnID,
		&payment.RawPayload,
		&payment.StatusChangedAt,
		&payment.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, ErrNoRows
		}
		return model.Payment{}, err
	}
	if txnID != nil {
		payment.ExternalTxnID = *txnID
	}
	return payment, nil
}

func (store *pgStore) PaymentCreate(ctx context.Context, payment model.Payment) error {
	_, err := store.pool.Exec(ctx,
		"INSERT INTO payment ("+paymentColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		payment.ID,
		payment.Order,
		payment.Amount,
		payment.Method,
		payment.Status,
		nullString(payment.ExternalTxnID),
		payment.RawPayload,
		payment.StatusChangedAt,
		payment.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "payment_one_active":
				return ErrActivePayment
			case pgErr.Code == pgUniqueViolation:
				return ErrAlreadyExists
			case pgErr.Code == pgForeignKeyViolation:
				return ErrNoRows
			}
		}
		return err
	}
	return nil
}

func (store *pgStore) PaymentGet(ctx context.Context, id string) (model.Payment, error) {
	return scanPayment(store.pool.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE id = $1", id))
}

func (store *pgStore) PaymentGetByTxn(ctx context.Context, txnID string) (model.Payment, error) {
	return scanPayment(store.pool.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE external_txn_id = $1", txnID))
}

func (store *pgStore) queryPayments(ctx context.Context, sql string, args ...any) ([]model.Payment, error) {
	rows, err := store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []model.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func (store *pgStore) PaymentListByOrder(ctx context.Context, order string) ([]model.Payment, error) {
	return store.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE purchase_order = $1 ORDER BY created_at",
		order)
}

func (store *pgStore) PaymentListStale(ctx context.Context, before time.Time, limit int) ([]model.Payment, error) {
	return store.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payment"+
			" WHERE status IN ('pending', 'processing') AND status_changed_at < $1"+
			" ORDER BY status_changed_at LIMIT $2",
		before, limit)
}

// PaymentUpdate держит блокировку строки платежа (и только ее) на время fn.
func (store *pgStore) PaymentUpdate(ctx context.Context, id string, fn PaymentMutator) (model.Payment, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return model.Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanPayment(tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return model.Payment{}, err
	}

	next, write, err := fn(current)
	if err != nil || !write {
		return current, err
	}
	if err = writeAllowed(current); err != nil {
		return current, err
	}

	_, err = tx.Exec(ctx,
		"UPDATE payment"+
			" SET status = $1, external_txn_id = $2, raw_payload = $3, status_changed_at = $4"+
			" WHERE id = $5 AND status IN ('pending', 'processing')",
		next.Status,
		nullString(next.ExternalTxnID),
		next.RawPayload,
		next.StatusChangedAt,
		id)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return current, ErrAlreadyExists
		}
		return current, err
	}
	// долг по выдаче фиксируется вместе с оплатой
	if next.Status == model.PaymentStatusPaid {
		_, err = tx.Exec(ctx,
			"UPDATE purchase_order SET fulfillment_pending = TRUE, updated_at = $1 WHERE number = $2",
			next.StatusChangedAt,
			current.Order)
		if err != nil {
			return current, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return current, err
	}
	return next, nil
}

func (store *pgStore) OrderListPending(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT number FROM purchase_order"+
			" WHERE fulfillment_pending AND NOT fulfillment_failed AND updated_at < $1"+
			" ORDER BY updated_at LIMIT $2",
		before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var number string
		if err = rows.Scan(&number); err != nil {
			return nil, err
		}
		numbers = append(numbers, number)
	}
	return numbers, rows.Err()
}

// Номиналы и коды

func (store *pgStore) DenominationPut(ctx context.Context, d model.Denomination) error {
	_, err := store.pool.Exec(ctx,
		"INSERT INTO denomination (id, product, label, low_stock_threshold)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (id) DO UPDATE"+
			" SET product = EXCLUDED.product, label = EXCLUDED.label, low_stock_threshold = EXCLUDED.low_stock_threshold",
		d.ID, d.Product, d.Label, d.LowStockThreshold)
	return err
}

func (store *pgStore) DenominationGet(ctx context.Context, id string) (model.Denomination, error) {
	var d model.Denomination
	err := store.pool.QueryRow(ctx,
		"SELECT id, product, label, low_stock_threshold FROM denomination WHERE id = $1",
		id).Scan(&d.ID, &d.Product, &d.Label, &d.LowStockThreshold)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Denomination{}, ErrNoRows
	}
	return d, err
}

func (store *pgStore) CodeAdd(ctx context.Context, denomination string, payloads []string) (int, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	added := 0
	for _, payload := range payloads {
		tag, err := tx.Exec(ctx,
			"INSERT INTO redeem_code (id, denomination, payload, status)"+
				" VALUES ($1, $2, $3, $4)"+
				" ON CONFLICT (denomination, payload) DO NOTHING",
			uuid.NewString(), denomination, payload, model.CodeStatusAvailable)
		if err != nil {
			if pgCode(err) == pgForeignKeyViolation {
				return 0, ErrNoRows
			}
			return 0, err
		}
		added += int(tag.RowsAffected())
	}
	return added, tx.Commit(ctx)
}

// CodeClaim сериализует выдачу по номиналу advisory-блокировкой на время одной транзакции.
func (store *pgStore) CodeClaim(ctx context.Context, denomination string, order string) (model.RedeemCode, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return model.RedeemCode{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('redeem_code:' || $1))", denomination)
	if err != nil {
		return model.RedeemCode{}, err
	}

	var code model.RedeemCode
	var claimedBy *string
	var claimedAt *time.Time
	err = tx.QueryRow(ctx,
		"UPDATE redeem_code SET status = $1, claimed_by = $2, claimed_at = $3"+
			" WHERE id = ("+
			"   SELECT id FROM redeem_code"+
			"   WHERE denomination = $4 AND status = 'available'"+
			"   ORDER BY id LIMIT 1 FOR UPDATE"+
			" ) AND status = 'available'"+
			" RETURNING id, denomination, payload, status, claimed_by, claimed_at",
		model.CodeStatusConsumed, order, time.Now(), denomination).Scan(&code.ID,
		&code.Denomination,
		&code.Payload,
		&code.Status,
		&claimedBy,
		&claimedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RedeemCode{}, ErrStockDepleted
		}
		return model.RedeemCode{}, err
	}
	if claimedBy != nil {
		code.ClaimedBy = *claimedBy
	}
	if claimedAt != nil {
		code.ClaimedAt = *claimedAt
	}
	return code, tx.Commit(ctx)
}

func (store *pgStore) CodeListByOrder(ctx context.Context, order string) ([]model.RedeemCode, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT id, denomination, payload, status, claimed_at"+
			" FROM redeem_code WHERE claimed_by = $1 ORDER BY claimed_at",
		order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []model.RedeemCode
	for rows.Next() {
		code := model.RedeemCode{ClaimedBy: order}
		var claimedAt *time.Time
		if err = rows.Scan(&code.ID, &code.Denomination, &code.Payload, &code.Status, &claimedAt); err != nil {
			return nil, err
		}
		if claimedAt != nil {
			code.ClaimedAt = *claimedAt
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (store *pgStore) StockLevels(ctx context.Context) ([]model.StockLevel, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT d.id, d.product, d.label, d.low_stock_threshold,"+
			" COUNT(c.id) FILTER (WHERE c.status = 'available')"+
			" FROM denomination AS d"+
			" LEFT JOIN redeem_code AS c ON c.denomination = d.id"+
			" GROUP BY d.id, d.product, d.label, d.low_stock_threshold"+
			" ORDER BY d.id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []model.StockLevel
	for rows.Next() {
		var level model.StockLevel
		err = rows.Scan(&level.Denomination.ID,
			&level.Denomination.Product,
			&level.Denomination.Label,
			&level.Denomination.LowStockThreshold,
			&level.Available)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// Кошельки

func (store *pgStore) WalletOpen(ctx context.Context, owner string) (model.Wallet, error) {
	_, err := store.pool.Exec(ctx,
		"INSERT INTO wallet (owner, balance, version, updated_at)"+
			" VALUES ($1, 0, 0, $2)"+
			" ON CONFLICT (owner) DO NOTHING",
		owner, time.Now())
	if err != nil {
		return model.Wallet{}, err
	}
	return store.WalletGet(ctx, owner)
}

func (store *pgStore) WalletGet(ctx context.Context, owner string) (model.Wallet, error) {
	var w model.Wallet
	err := store.pool.QueryRow(ctx,
		"SELECT owner, balance, version, updated_at FROM wallet WHERE owner = $1",
		owner).Scan(&w.Owner, &w.Balance, &w.Version, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Wallet{}, ErrWalletNotFound
	}
	return w, err
}

// WalletApply блокирует все затронутые кошельки в порядке владельцев,
// так что встречные переводы не дают взаимной блокировки.
func (store *pgStore) WalletApply(ctx context.Context, mutations ...model.WalletMutation) ([]model.LedgerEntry, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	owners := make([]string, 0, len(mutations))
	seen := make(map[string]bool)
	for _, m := range mutations {
		if !seen[m.Wallet] {
			seen[m.Wallet] = true
			owners = append(owners, m.Wallet)
		}
	}
	sort.Strings(owners)

	wallets := make(map[string]model.Wallet, len(owners))
	for _, owner := range owners {
		var w model.Wallet
		err = tx.QueryRow(ctx,
			"SELECT owner, balance, version, updated_at FROM wallet WHERE owner = $1 FOR UPDATE",
			owner).Scan(&w.Owner, &w.Balance, &w.Version, &w.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrWalletNotFound
			}
			return nil, err
		}
		wallets[owner] = w
	}
	before := make(map[string]int64, len(wallets))
	for owner, w := range wallets {
		before[owner] = w.Version
	}

	entries, err := planMutations(wallets, mutations, time.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	for _, owner := range owners {
		w := wallets[owner]
		tag, err := tx.Exec(ctx,
			"UPDATE wallet SET balance = $1, version = $2, updated_at = $3"+
				" WHERE owner = $4 AND version = $5",
			w.Balance, w.Version, w.UpdatedAt, owner, before[owner])
		if err != nil {
			if pgCode(err) == pgCheckViolation {
				return nil, ErrInsufficientFunds
			}
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrInvariant
		}
	}
	for _, e := range entries {
		_, err = tx.Exec(ctx,
			"INSERT INTO wallet_entry (id, wallet, amount, direction, counterparty, reason, balance, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			e.ID, e.Wallet, e.Amount, e.Direction, e.Counterparty, e.Reason, e.Balance, e.Timestamp)
		if err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func (store *pgStore) WalletEntries(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT id, wallet, amount, direction, counterparty, reason, balance, created_at"+
			" FROM wallet_entry WHERE wallet = $1 ORDER BY seq",
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err = rows.Scan(&e.ID, &e.Wallet, &e.Amount, &e.Direction, &e.Counterparty, &e.Reason, &e.Balance, &e.Timestamp)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Аудит уведомлений

func (store *pgStore) WebhookEventSave(ctx context.Context, event model.WebhookEvent) error {
	_, err := store.pool.Exec(ctx,
		"INSERT INTO webhook_event (id, transaction_id, payment, signature_valid, outcome, error, payload, received_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		event.ID,
		event.TransactionID,
		event.Payment,
		event.SignatureValid,
		event.Outcome,
		event.Error,
		event.Payload,
		event.ReceivedAt)
	return err
}

func (store *pgStore) WebhookEventListByTxn(ctx context.Context, txnID string) ([]model.WebhookEvent, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT id, transaction_id, payment, signature_valid, outcome, error, payload, received_at"+
			" FROM webhook_event WHERE transaction_id = $1 ORDER BY received_at",
		txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []model.WebhookEvent
	for rows.Next() {
		var e model.WebhookEvent
		err = rows.Scan(&e.ID, &e.TransactionID, &e.Payment, &e.SignatureValid, &e.Outcome, &e.Error, &e.Payload, &e.ReceivedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Аренда фоновых задач

func (store *pgStore) LeaseAcquire(ctx context.Context, name string, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := store.pool.Exec(ctx,
		"INSERT INTO job_lease (name, holder, expires_at) VALUES ($1, $2, $3)"+
			" ON CONFLICT (name) DO UPDATE"+
			" SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at"+
			" WHERE job_lease.expires_at < $4",
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (store *pgStore) LeaseRelease(ctx context.Context, name string, holder string) error {
	_, err := store.pool.Exec(ctx,
		"DELETE FROM job_lease WHERE name = $1 AND holder = $2",
		name, holder)
	return err
}
