// Package circulation реализует переходы состояний заявки на выдачу.
//
// Функции пакета не обращаются к хранилищу: они проверяют предусловия и
// изменяют заявку, единицу каталога и читателя в памяти. Сохранение
// выполняет вызывающая сторона в той же транзакции, в которой прочитано состояние.
package circulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/library-circulation/internal/model"
)

// DefaultLoanPeriod - срок выдачи, отсчитываемый от одобрения.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// ErrTransition оборачивает все ошибки недопустимого перехода.
var ErrTransition = errors.New("transition not allowed")

var (
	// ErrAlreadyProcessed возвращается при повторной обработке уже рассмотренной заявки.
	ErrAlreadyProcessed = fmt.Errorf("%w: request already processed", ErrTransition)
	// ErrAlreadyReturned возвращается при повторном подтверждении возврата.
	ErrAlreadyReturned = fmt.Errorf("%w: request already returned", ErrTransition)
	// ErrInvalidState возвращается, если переход из текущего состояния не предусмотрен.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrTransition)
	// ErrOutOfCopies возвращается при одобрении, если свободных экземпляров не осталось.
	ErrOutOfCopies = errors.New("no copies available")
)

// Policy задаёт настраиваемые параметры жизненного цикла.
type Policy struct {
	LoanPeriod time.Duration
	// AllowDirectReturn разрешает переход APPROVED -> RETURNED без запроса читателя.
	AllowDirectReturn bool
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:        DefaultLoanPeriod,
		AllowDirectReturn: true,
	}
}

// Loan объединяет заявку с единицей каталога и читателем, которых затрагивает переход.
type Loan struct {
	Request  *model.BorrowRequest
	Item     *model.CatalogItem
	Borrower *model.Borrower
}

// NewRequest создаёт заявку в статусе PENDING. Проверка допустимости выполняется заранее.
func NewRequest(borrowerID int64, ref model.ItemRef, now time.Time) (*model.BorrowRequest, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return &model.BorrowRequest{
		BorrowerID:  borrowerID,
		Item:        ref,
		Status:      model.BorrowStatusPending,
		RequestedAt: now,
	}, nil
}

// Approve одобряет заявку: списывает экземпляр, уменьшает остаток лимита и назначает срок возврата.
func (p Policy) Approve(l Loan, now time.Time) error {
	if l.Request.Status != model.BorrowStatusPending {
		return fmt.Errorf("%w: status %s", ErrAlreadyProcessed, l.Request.Status)
	}
	if l.Item.AvailableCopies <= 0 {
		return ErrOutOfCopies
	}

	l.Item.AvailableCopies--
	if l.Borrower.Allowance > 0 {
		l.Borrower.Allowance--
	}

	due := now.Add(p.LoanPeriod)
	l.Request.DueAt = &due
	l.Request.Status = model.BorrowStatusApproved
	return nil
}

// Reject отклоняет заявку. Состояние REJECTED конечное.
func Reject(r *model.BorrowRequest, reason string) error {
	if r.Status != model.BorrowStatusPending {
		return fmt.Errorf("%w: status %s", ErrAlreadyProcessed, r.Status)
	}
	r.Status = model.BorrowStatusRejected
	r.RejectReason = reason
	return nil
}

// RequestReturn фиксирует намерение читателя вернуть единицу.
func RequestReturn(r *model.BorrowRequest) error {
	switch r.Status {
	case model.BorrowStatusApproved:
		r.Status = model.BorrowStatusPendingReturn
		return nil
	case model.BorrowStatusPendingReturn:
		return fmt.Errorf("%w: return already requested", ErrAlreadyProcessed)
	case model.BorrowStatusReturned:
		return ErrAlreadyReturned
	default:
		return fmt.Errorf("%w: cannot request return from %s", ErrInvalidState, r.Status)
	}
}

// ConfirmReturn подтверждает возврат: возвращает экземпляр в каталог и восстанавливает лимит.
func (p Policy) ConfirmReturn(l Loan, now time.Time) error {
	switch l.Request.Status {
	case model.BorrowStatusPendingReturn:
	case model.BorrowStatusApproved:
		if !p.AllowDirectReturn {
			return fmt.Errorf("%w: direct return is disabled", ErrInvalidState)
		}
	case model.BorrowStatusReturned:
		return ErrAlreadyReturned
	default:
		return fmt.Errorf("%w: cannot return from %s", ErrInvalidState, l.Request.Status)
	}

	returned := now
	l.Request.ReturnedAt = &returned
	l.Request.Status = model.BorrowStatusReturned
	l.Request.IsOverdue = l.Request.DueAt != nil && returned.After(*l.Request.DueAt)

	l.Item.AvailableCopies++
	if l.Borrower.Allowance < l.Borrower.BorrowLimit {
		l.Borrower.Allowance++
	}
	return nil
}
