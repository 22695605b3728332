package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mmeshcher/library-circulation/internal/model"
)

var (
	_ Tx = (*pgTx)(nil)
	_ Tx = (*memTx)(nil)
)

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются
// строго последовательно над копией состояния, которая заменяет исходное
// только при успешном завершении.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	borrowers map[int64]model.Borrower
	items     map[model.ItemRef]model.CatalogItem
	requests  map[int64]model.BorrowRequest
	dues      map[int64]model.Due
	payments  map[int64]model.Payment

	nextRequestID int64
	nextDueID     int64
	nextPaymentID int64
}

func (s *memState) clone() *memState {
	c := *s
	c.borrowers = maps.Clone(s.borrowers)
	c.items = maps.Clone(s.items)
	c.requests = maps.Clone(s.requests)
	c.dues = maps.Clone(s.dues)
	c.payments = maps.Clone(s.payments)
	return &c
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			borrowers: make(map[int64]model.Borrower),
			items:     make(map[model.ItemRef]model.CatalogItem),
			requests:  make(map[int64]model.BorrowRequest),
			dues:      make(map[int64]model.Due),
			payments:  make(map[int64]model.Payment),
		},
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// PutBorrower добавляет или заменяет читателя.
func (r *MemoryRepository) PutBorrower(b model.Borrower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.borrowers[b.ID] = b
}

// PutItem добавляет или заменяет единицу каталога.
func (r *MemoryRepository) PutItem(item model.CatalogItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.items[item.Ref] = item
}

// Item возвращает текущее состояние единицы каталога.
func (r *MemoryRepository) Item(ref model.ItemRef) (model.CatalogItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.state.items[ref]
	return item, ok
}

// Borrower возвращает текущее состояние читателя.
func (r *MemoryRepository) Borrower(id int64) (model.Borrower, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.state.borrowers[id]
	return b, ok
}

// InTx выполняет fn под общим замком над копией состояния.
func (r *MemoryRepository) InTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	if err := fn(ctx, &memTx{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

// GetRequest возвращает заявку.
func (r *MemoryRepository) GetRequest(_ context.Context, id int64) (*model.BorrowRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memTx{s: r.state}).GetRequest(context.Background(), id)
}

// ListRequestsByBorrower возвращает заявки читателя, новые первыми.
func (r *MemoryRepository) ListRequestsByBorrower(_ context.Context, borrowerID int64) ([]model.BorrowRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.BorrowRequest
	for _, req := range r.state.requests {
		if req.BorrowerID == borrowerID {
			res = append(res, req)
		}
	}
	slices.SortFunc(res, func(a, b model.BorrowRequest) int {
		if c := b.RequestedAt.Compare(a.RequestedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	return res, nil
}

// GetDue возвращает штраф.
func (r *MemoryRepository) GetDue(_ context.Context, id int64) (*model.Due, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memTx{s: r.state}).GetDue(context.Background(), id)
}

// ListPaymentsByDue возвращает все попытки оплаты штрафа.
func (r *MemoryRepository) ListPaymentsByDue(_ context.Context, dueID int64) ([]model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Payment
	for _, p := range r.state.payments {
		if p.DueID == dueID {
			res = append(res, p)
		}
	}
	slices.SortFunc(res, func(a, b model.Payment) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

// ListDues возвращает страницу штрафов по возрастанию id.
func (r *MemoryRepository) ListDues(_ context.Context, f DueFilter) ([]model.Due, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Due
	for _, d := range r.state.dues {
		if d.ID <= f.AfterID || (f.UnpaidOnly && d.IsPaid) {
			continue
		}
		res = append(res, d)
	}
	slices.SortFunc(res, func(a, b model.Due) int { return cmp.Compare(a.ID, b.ID) })
	return truncate(res, f.Limit), nil
}

// ListOverdueLoans возвращает страницу выдач на руках с истёкшим сроком.
func (r *MemoryRepository) ListOverdueLoans(_ context.Context, f OverdueFilter) ([]model.BorrowRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.BorrowRequest
	for _, req := range r.state.requests {
		if req.ID <= f.AfterID {
			continue
		}
		if req.Status != model.BorrowStatusApproved && req.Status != model.BorrowStatusPendingReturn {
			continue
		}
		if req.DueAt != nil && f.Now.After(*req.DueAt) {
			res = append(res, req)
		}
	}
	slices.SortFunc(res, func(a, b model.BorrowRequest) int { return cmp.Compare(a.ID, b.ID) })
	return truncate(res, f.Limit), nil
}

// ListPaymentsAwaitingSettlement возвращает страницу платежей с созданным заказом без подтверждения.
func (r *MemoryRepository) ListPaymentsAwaitingSettlement(_ context.Context, afterID int64, limit int) ([]model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Payment
	for _, p := range r.state.payments {
		if p.ID > afterID && p.Status == model.PaymentStatusCreated {
			res = append(res, p)
		}
	}
	slices.SortFunc(res, func(a, b model.Payment) int { return cmp.Compare(a.ID, b.ID) })
	return truncate(res, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

type memTx struct {
	s *memState
}

func (t *memTx) GetBorrower(_ context.Context, id int64) (*model.Borrower, error) {
	b, ok := t.s.borrowers[id]
	if !ok {
		return nil, fmt.Errorf("borrower %d: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (t *memTx) UpdateBorrowerAllowance(_ context.Context, id int64, allowance int) error {
	b, ok := t.s.borrowers[id]
	if !ok {
		return fmt.Errorf("borrower %d: %w", id, ErrNotFound)
	}
	b.Allowance = allowance
	t.s.borrowers[id] = b
	return nil
}

func (t *memTx) GetItem(_ context.Context, ref model.ItemRef) (*model.CatalogItem, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	item, ok := t.s.items[ref]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", ref, ErrNotFound)
	}
	if ref.Kind == model.ItemKindBook {
		item.IsApproved = true
	}
	return &item, nil
}

func (t *memTx) DecrementCopies(_ context.Context, ref model.ItemRef) error {
	item, ok := t.s.items[ref]
	if !ok {
		return fmt.Errorf("item %s: %w", ref, ErrNotFound)
	}
	if item.AvailableCopies <= 0 {
		return ErrNoCopies
	}
	item.AvailableCopies--
	t.s.items[ref] = item
	return nil
}

func (t *memTx) IncrementCopies(_ context.Context, ref model.ItemRef) error {
	item, ok := t.s.items[ref]
	if !ok {
		return fmt.Errorf("item %s: %w", ref, ErrNotFound)
	}
	item.AvailableCopies++
	t.s.items[ref] = item
	return nil
}

func (t *memTx) GetRequest(_ context.Context, id int64) (*model.BorrowRequest, error) {
	r, ok := t.s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) CountActiveRequests(_ context.Context, borrowerID int64) (int, error) {
	n := 0
	for _, r := range t.s.requests {
		if r.BorrowerID == borrowerID && r.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) HasActiveRequest(_ context.Context, borrowerID int64, ref model.ItemRef) (bool, error) {
	for _, r := range t.s.requests {
		if r.BorrowerID == borrowerID && r.Item == ref && r.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateRequest(_ context.Context, r *model.BorrowRequest) error {
	if _, ok := t.s.borrowers[r.BorrowerID]; !ok {
		return fmt.Errorf("borrower %d: %w", r.BorrowerID, ErrNotFound)
	}
	t.s.nextRequestID++
	r.ID = t.s.nextRequestID
	t.s.requests[r.ID] = *r
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, r *model.BorrowRequest) error {
	if _, ok := t.s.requests[r.ID]; !ok {
		return fmt.Errorf("request %d: %w", r.ID, ErrNotFound)
	}
	t.s.requests[r.ID] = *r
	return nil
}

func (t *memTx) GetDue(_ context.Context, id int64) (*model.Due, error) {
	d, ok := t.s.dues[id]
	if !ok {
		return nil, fmt.Errorf("due %d: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (t *memTx) GetDueByRequest(_ context.Context, requestID int64) (*model.Due, error) {
	for _, d := range t.s.dues {
		if d.BorrowRequestID == requestID {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("due for request %d: %w", requestID, ErrNotFound)
}

func (t *memTx) CreateDue(_ context.Context, d *model.Due) error {
	for _, existing := range t.s.dues {
		if existing.BorrowRequestID == d.BorrowRequestID {
			return fmt.Errorf("due for request %d already exists", d.BorrowRequestID)
		}
	}
	t.s.nextDueID++
	d.ID = t.s.nextDueID
	t.s.dues[d.ID] = *d
	return nil
}

func (t *memTx) UpdateDue(_ context.Context, d *model.Due) error {
	if _, ok := t.s.dues[d.ID]; !ok {
		return fmt.Errorf("due %d: %w", d.ID, ErrNotFound)
	}
	t.s.dues[d.ID] = *d
	return nil
}

func (t *memTx) GetPayment(_ context.Context, id int64) (*model.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) GetPaymentByOrderRef(_ context.Context, orderRef string) (*model.Payment, error) {
	if orderRef != "" {
		for _, p := range t.s.payments {
			if p.ExternalOrderRef == orderRef {
				return &p, nil
			}
		}
	}
	return nil, fmt.Errorf("payment with order %q: %w", orderRef, ErrNotFound)
}

func (t *memTx) checkSingleSuccess(p *model.Payment) error {
	if !p.IsSuccessful {
		return nil
	}
	for _, other := range t.s.payments {
		if other.ID != p.ID && other.DueID == p.DueID && other.IsSuccessful {
			return ErrDuplicateSuccessfulPayment
		}
	}
	return nil
}

func (t *memTx) CreatePayment(_ context.Context, p *model.Payment) error {
	if err := t.checkSingleSuccess(p); err != nil {
		return err
	}
	t.s.nextPaymentID++
	p.ID = t.s.nextPaymentID
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.Payment) error {
	if _, ok := t.s.payments[p.ID]; !ok {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	if err := t.checkSingleSuccess(p); err != nil {
		return err
	}
	t.s.payments[p.ID] = *p
	return nil
}
