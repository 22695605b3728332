// Package eligibility определяет, может ли читатель подать заявку на выдачу.
package eligibility

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/library-circulation/internal/model"
)

// ErrIneligible оборачивает все причины отказа в подаче заявки.
var ErrIneligible = errors.New("borrower is not eligible")

var (
	// ErrBanned возвращается для заблокированного читателя.
	ErrBanned = fmt.Errorf("%w: borrower is banned", ErrIneligible)
	// ErrDuplicateActive возвращается, если у читателя уже есть активная заявка на ту же единицу.
	ErrDuplicateActive = fmt.Errorf("%w: active request for this item already exists", ErrIneligible)
	// ErrLimitReached возвращается, если исчерпан лимит активных выдач.
	ErrLimitReached = fmt.Errorf("%w: borrow limit reached", ErrIneligible)
	// ErrItemNotApproved возвращается для журнала, не одобренного библиотекарем.
	ErrItemNotApproved = fmt.Errorf("%w: item is not approved for borrowing", ErrIneligible)
	// ErrOutOfCopies возвращается, если свободных экземпляров нет.
	ErrOutOfCopies = fmt.Errorf("%w: no copies available", ErrIneligible)
)

// Input содержит состояние, прочитанное в транзакции создания заявки.
type Input struct {
	Borrower model.Borrower
	Item     model.CatalogItem
	// ActiveCount - число заявок читателя в статусах PENDING, APPROVED, PENDING_RETURN.
	ActiveCount int
	// HasActiveForItem - есть ли среди них заявка на ту же единицу.
	HasActiveForItem bool
}

// Check проверяет правила по порядку и возвращает первую нарушенную.
func Check(in Input) error {
	if in.Borrower.IsBanned {
		return ErrBanned
	}

	if in.HasActiveForItem {
		return ErrDuplicateActive
	}

	if in.ActiveCount >= in.Borrower.BorrowLimit {
		return ErrLimitReached
	}

	if in.Item.Ref.Kind == model.ItemKindJournal && !in.Item.IsApproved {
		return ErrItemNotApproved
	}

	if in.Item.AvailableCopies <= 0 {
		return ErrOutOfCopies
	}

	return nil
}
