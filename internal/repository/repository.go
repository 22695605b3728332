// Package repository содержит реализации хранилища заявок, штрафов и платежей.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/library-circulation/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrNoCopies возвращается при попытке списать экземпляр, которого нет.
	ErrNoCopies = errors.New("no copies left")
	// ErrDuplicateSuccessfulPayment возвращается при попытке сохранить второй успешный платёж по штрафу.
	ErrDuplicateSuccessfulPayment = errors.New("due already has a successful payment")
)

// Tx описывает операции, выполняемые внутри одной транзакции.
// Методы Get* блокируют прочитанную строку до конца транзакции.
type Tx interface {
	GetBorrower(ctx context.Context, id int64) (*model.Borrower, error)
	UpdateBorrowerAllowance(ctx context.Context, id int64, allowance int) error

	GetItem(ctx context.Context, ref model.ItemRef) (*model.CatalogItem, error)
	DecrementCopies(ctx context.Context, ref model.ItemRef) error
	IncrementCopies(ctx context.Context, ref model.ItemRef) error

	GetRequest(ctx context.Context, id int64) (*model.BorrowRequest, error)
	CountActiveRequests(ctx context.Context, borrowerID int64) (int, error)
	HasActiveRequest(ctx context.Context, borrowerID int64, ref model.ItemRef) (bool, error)
	CreateRequest(ctx context.Context, r *model.BorrowRequest) error
	UpdateRequest(ctx context.Context, r *model.BorrowRequest) error

	GetDue(ctx context.Context, id int64) (*model.Due, error)
	GetDueByRequest(ctx context.Context, requestID int64) (*model.Due, error)
	CreateDue(ctx context.Context, d *model.Due) error
	UpdateDue(ctx context.Context, d *model.Due) error

	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetPaymentByOrderRef(ctx context.Context, orderRef string) (*model.Payment, error)
	CreatePayment(ctx context.Context, p *model.Payment) error
	UpdatePayment(ctx context.Context, p *model.Payment) error
}

// TxFunc выполняется внутри транзакции. Возврат ошибки откатывает все изменения.
type TxFunc func(ctx context.Context, tx Tx) error

// DueFilter задаёт выборку штрафов. Штрафы упорядочены по id, AfterID и
// Limit позволяют читать их страницами.
type DueFilter struct {
	UnpaidOnly bool
	AfterID    int64
	Limit      int
}

// OverdueFilter задаёт выборку выдач на руках, срок которых истёк к моменту Now.
type OverdueFilter struct {
	Now     time.Time
	AfterID int64
	Limit   int
}
