package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/library-circulation/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier - общая часть pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. При сбое сериализации или взаимной блокировке
// транзакция повторяется целиком, поэтому fn не должна иметь внешних эффектов.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetRequest возвращает заявку без блокировки.
func (r *PostgresRepository) GetRequest(ctx context.Context, id int64) (*model.BorrowRequest, error) {
	return getRequest(ctx, r.pool, id, "")
}

// ListRequestsByBorrower возвращает заявки читателя, новые первыми.
func (r *PostgresRepository) ListRequestsByBorrower(ctx context.Context, borrowerID int64) ([]model.BorrowRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM borrow_requests
		 WHERE borrower_id = $1
		 ORDER BY requested_at DESC`,
		borrowerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	var res []model.BorrowRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetDue возвращает штраф без блокировки.
func (r *PostgresRepository) GetDue(ctx context.Context, id int64) (*model.Due, error) {
	return getDue(ctx, r.pool, `WHERE id = $1`, id)
}

// ListPaymentsByDue возвращает все попытки оплаты штрафа.
func (r *PostgresRepository) ListPaymentsByDue(ctx context.Context, dueID int64) ([]model.Payment, error) {
	return listPayments(ctx, r.pool, `WHERE due_id = $1 ORDER BY created_at`, dueID)
}

// ListDues возвращает страницу штрафов по возрастанию id. Limit <= 0 снимает ограничение.
func (r *PostgresRepository) ListDues(ctx context.Context, f DueFilter) ([]model.Due, error) {
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+dueColumns+` FROM dues
		 WHERE id > $1 AND (NOT $2 OR NOT is_paid)
		 ORDER BY id
		 LIMIT $3`,
		f.AfterID, f.UnpaidOnly, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select dues: %w", err)
	}
	defer rows.Close()

	var res []model.Due
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListOverdueLoans возвращает страницу выдач на руках, срок которых истёк.
func (r *PostgresRepository) ListOverdueLoans(ctx context.Context, f OverdueFilter) ([]model.BorrowRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM borrow_requests
		 WHERE id > $1 AND status IN ($2, $3) AND due_at < $4
		 ORDER BY id
		 LIMIT $5`,
		f.AfterID, string(model.BorrowStatusApproved), string(model.BorrowStatusPendingReturn), f.Now, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select overdue loans: %w", err)
	}
	defer rows.Close()

	var res []model.BorrowRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListPaymentsAwaitingSettlement возвращает страницу платежей, по которым заказ создан, но подтверждения ещё нет.
func (r *PostgresRepository) ListPaymentsAwaitingSettlement(ctx context.Context, afterID int64, limit int) ([]model.Payment, error) {
	return listPayments(ctx, r.pool, `WHERE id > $1 AND status = $2 ORDER BY id LIMIT $3`,
		afterID, string(model.PaymentStatusCreated), limit)
}

// pgTx реализует Tx поверх pgx.Tx.
type pgTx struct {
	q querier
}

func (t *pgTx) GetBorrower(ctx context.Context, id int64) (*model.Borrower, error) {
	var (
		b    model.Borrower
		role string
	)
	err := t.q.QueryRow(ctx,
		`SELECT id, name, email, role, is_banned, borrow_limit, allowance
		 FROM borrowers WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&b.ID, &b.Name, &b.Email, &role, &b.IsBanned, &b.BorrowLimit, &b.Allowance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("borrower %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get borrower: %w", err)
	}
	b.Role = model.Role(role)
	return &b, nil
}

func (t *pgTx) UpdateBorrowerAllowance(ctx context.Context, id int64, allowance int) error {
	_, err := t.q.Exec(ctx, `UPDATE borrowers SET allowance = $2 WHERE id = $1`, id, allowance)
	if err != nil {
		return fmt.Errorf("update allowance: %w", err)
	}
	return nil
}

func itemTable(kind model.ItemKind) (string, error) {
	switch kind {
	case model.ItemKindBook:
		return "books", nil
	case model.ItemKindJournal:
		return "journals", nil
	default:
		return "", model.ErrInvalidItemRef
	}
}

func (t *pgTx) GetItem(ctx context.Context, ref model.ItemRef) (*model.CatalogItem, error) {
	query := `SELECT title, available_copies, TRUE FROM books WHERE id = $1 FOR UPDATE`
	if ref.Kind == model.ItemKindJournal {
		query = `SELECT title, available_copies, is_approved FROM journals WHERE id = $1 FOR UPDATE`
	} else if ref.Kind != model.ItemKindBook {
		return nil, model.ErrInvalidItemRef
	}

	item := model.CatalogItem{Ref: ref}
	err := t.q.QueryRow(ctx, query, ref.ID).Scan(&item.Title, &item.AvailableCopies, &item.IsApproved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func (t *pgTx) DecrementCopies(ctx context.Context, ref model.ItemRef) error {
	table, err := itemTable(ref.Kind)
	if err != nil {
		return err
	}

	tag, err := t.q.Exec(ctx,
		`UPDATE `+table+` SET available_copies = available_copies - 1 WHERE id = $1 AND available_copies > 0`,
		ref.ID,
	)
	if err != nil {
		return fmt.Errorf("decrement copies: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoCopies
	}
	return nil
}

func (t *pgTx) IncrementCopies(ctx context.Context, ref model.ItemRef) error {
	table, err := itemTable(ref.Kind)
	if err != nil {
		return err
	}

	tag, err := t.q.Exec(ctx, `UPDATE `+table+` SET available_copies = available_copies + 1 WHERE id = $1`, ref.ID)
	if err != nil {
		return fmt.Errorf("increment copies: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", ref, ErrNotFound)
	}
	return nil
}

const requestColumns = `id, borrower_id, book_id, journal_id, status, requested_at, due_at, returned_at, is_overdue, reject_reason`

func scanRequest(row pgx.Row) (*model.BorrowRequest, error) {
	var (
		r         model.BorrowRequest
		bookID    *int64
		journalID *int64
		status    string
	)
	err := row.Scan(&r.ID, &r.BorrowerID, &bookID, &journalID, &status,
		&r.RequestedAt, &r.DueAt, &r.ReturnedAt, &r.IsOverdue, &r.RejectReason)
	if err != nil {
		return nil, err
	}

	r.Status = model.BorrowStatus(status)
	switch {
	case bookID != nil:
		r.Item = model.ItemRef{Kind: model.ItemKindBook, ID: *bookID}
	case journalID != nil:
		r.Item = model.ItemRef{Kind: model.ItemKindJournal, ID: *journalID}
	}
	return &r, nil
}

func getRequest(ctx context.Context, q querier, id int64, lock string) (*model.BorrowRequest, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM borrow_requests WHERE id = $1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("request %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (t *pgTx) GetRequest(ctx context.Context, id int64) (*model.BorrowRequest, error) {
	return getRequest(ctx, t.q, id, "FOR UPDATE")
}

var activeStatuses = []string{
	string(model.BorrowStatusPending),
	string(model.BorrowStatusApproved),
	string(model.BorrowStatusPendingReturn),
}

func (t *pgTx) CountActiveRequests(ctx context.Context, borrowerID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM borrow_requests WHERE borrower_id = $1 AND status = ANY($2)`,
		borrowerID, activeStatuses,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active requests: %w", err)
	}
	return n, nil
}

func itemColumns(ref model.ItemRef) (bookID, journalID *int64) {
	id := ref.ID
	if ref.Kind == model.ItemKindJournal {
		return nil, &id
	}
	return &id, nil
}

func (t *pgTx) HasActiveRequest(ctx context.Context, borrowerID int64, ref model.ItemRef) (bool, error) {
	bookID, journalID := itemColumns(ref)

	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM borrow_requests
			WHERE borrower_id = $1
			  AND book_id IS NOT DISTINCT FROM $2
			  AND journal_id IS NOT DISTINCT FROM $3
			  AND status = ANY($4)
		)`,
		borrowerID, bookID, journalID, activeStatuses,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active request: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateRequest(ctx context.Context, r *model.BorrowRequest) error {
	bookID, journalID := itemColumns(r.Item)

	err := t.q.QueryRow(ctx,
		`INSERT INTO borrow_requests (borrower_id, book_id, journal_id, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.BorrowerID, bookID, journalID, string(r.Status), r.RequestedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *model.BorrowRequest) error {
	_, err := t.q.Exec(ctx,
		`UPDATE borrow_requests
		 SET status = $2, due_at = $3, returned_at = $4, is_overdue = $5, reject_reason = $6
		 WHERE id = $1`,
		r.ID, string(r.Status), r.DueAt, r.ReturnedAt, r.IsOverdue, r.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

const dueColumns = `id, borrow_request_id, amount, is_paid, created_at, updated_at`

func scanDue(row pgx.Row) (*model.Due, error) {
	var d model.Due
	if err := row.Scan(&d.ID, &d.BorrowRequestID, &d.Amount, &d.IsPaid, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func getDue(ctx context.Context, q querier, where string, args ...any) (*model.Due, error) {
	d, err := scanDue(q.QueryRow(ctx, `SELECT `+dueColumns+` FROM dues `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("due: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get due: %w", err)
	}
	return d, nil
}

func (t *pgTx) GetDue(ctx context.Context, id int64) (*model.Due, error) {
	return getDue(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) GetDueByRequest(ctx context.Context, requestID int64) (*model.Due, error) {
	return getDue(ctx, t.q, `WHERE borrow_request_id = $1 FOR UPDATE`, requestID)
}

func (t *pgTx) CreateDue(ctx context.Context, d *model.Due) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO dues (borrow_request_id, amount, is_paid, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		d.BorrowRequestID, d.Amount, d.IsPaid, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("insert due: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateDue(ctx context.Context, d *model.Due) error {
	_, err := t.q.Exec(ctx,
		`UPDATE dues SET amount = $2, is_paid = $3, updated_at = $4 WHERE id = $1`,
		d.ID, d.Amount, d.IsPaid, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update due: %w", err)
	}
	return nil
}

const paymentColumns = `id, due_id, amount_paid, receipt, COALESCE(external_order_ref, ''), external_payment_ref,
	status, is_successful, failure_reason, processed_by, created_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.DueID, &p.AmountPaid, &p.Receipt, &p.ExternalOrderRef, &p.ExternalPaymentRef,
		&status, &p.IsSuccessful, &p.FailureReason, &p.ProcessedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

func listPayments(ctx context.Context, q querier, where string, args ...any) ([]model.Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) getPayment(ctx context.Context, where string, arg any) (*model.Payment, error) {
	p, err := scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments `+where+` FOR UPDATE`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.getPayment(ctx, `WHERE id = $1`, id)
}

func (t *pgTx) GetPaymentByOrderRef(ctx context.Context, orderRef string) (*model.Payment, error) {
	return t.getPayment(ctx, `WHERE external_order_ref = $1`, orderRef)
}

func mapPaymentErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "payments_one_successful_per_due" {
		return ErrDuplicateSuccessfulPayment
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (t *pgTx) CreatePayment(ctx context.Context, p *model.Payment) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO payments (due_id, amount_paid, receipt, external_order_ref, external_payment_ref,
			status, is_successful, failure_reason, processed_by, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10) RETURNING id`,
		p.DueID, p.AmountPaid, p.Receipt, p.ExternalOrderRef, p.ExternalPaymentRef,
		string(p.Status), p.IsSuccessful, p.FailureReason, p.ProcessedBy, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return mapPaymentErr("insert payment", err)
	}
	return nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	_, err := t.q.Exec(ctx,
		`UPDATE payments
		 SET external_order_ref = NULLIF($2, ''), external_payment_ref = $3, status = $4,
		     is_successful = $5, failure_reason = $6
		 WHERE id = $1`,
		p.ID, p.ExternalOrderRef, p.ExternalPaymentRef, string(p.Status), p.IsSuccessful, p.FailureReason,
	)
	if err != nil {
		return mapPaymentErr("update payment", err)
	}
	return nil
}
