package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/eligibility"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/notify"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

const reasonNoCopies = "no copies available"

// CreateRequest создаёт заявку на выдачу после проверки допустимости.
// Экземпляр при этом не списывается: это происходит при одобрении.
func (s *Service) CreateRequest(ctx context.Context, actor model.Actor, borrowerID int64, ref model.ItemRef) (*model.BorrowRequest, error) {
	if err := authorize(actor, borrowerID); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	var req *model.BorrowRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		borrower, err := tx.GetBorrower(ctx, borrowerID)
		if err != nil {
			return err
		}
		item, err := tx.GetItem(ctx, ref)
		if err != nil {
			return err
		}
		active, err := tx.CountActiveRequests(ctx, borrowerID)
		if err != nil {
			return err
		}
		duplicate, err := tx.HasActiveRequest(ctx, borrowerID, ref)
		if err != nil {
			return err
		}

		if err := eligibility.Check(eligibility.Input{
			Borrower:         *borrower,
			Item:             *item,
			ActiveCount:      active,
			HasActiveForItem: duplicate,
		}); err != nil {
			return err
		}

		req, err = circulation.NewRequest(borrowerID, ref, s.now())
		if err != nil {
			return err
		}
		return tx.CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("borrow request created",
		zap.Int64("request_id", req.ID),
		zap.Int64("borrower_id", borrowerID),
		zap.Stringer("item", ref),
	)
	return req, nil
}

// loadLoan загружает заявку, читателя и единицу каталога в фиксированном
// порядке блокировок: заявка, читатель, единица каталога.
func loadLoan(ctx context.Context, tx repository.Tx, requestID int64) (circulation.Loan, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return circulation.Loan{}, err
	}
	borrower, err := tx.GetBorrower(ctx, req.BorrowerID)
	if err != nil {
		return circulation.Loan{}, err
	}
	item, err := tx.GetItem(ctx, req.Item)
	if err != nil {
		return circulation.Loan{}, err
	}
	return circulation.Loan{Request: req, Item: item, Borrower: borrower}, nil
}

// Approve одобряет заявку и списывает экземпляр. Если экземпляров не осталось,
// заявка отклоняется с причиной reasonNoCopies и возвращается circulation.ErrOutOfCopies.
func (s *Service) Approve(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var (
		loan        circulation.Loan
		outOfCopies bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		outOfCopies = false
		loan, err = loadLoan(ctx, tx, requestID)
		if err != nil {
			return err
		}

		err = s.policy.Approve(loan, s.now())
		if err == nil {
			err = tx.DecrementCopies(ctx, loan.Item.Ref)
			if errors.Is(err, repository.ErrNoCopies) {
				err = circulation.ErrOutOfCopies
			}
		}
		if errors.Is(err, circulation.ErrOutOfCopies) {
			outOfCopies = true
			return s.rejectOutOfCopies(ctx, tx, &loan)
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateBorrowerAllowance(ctx, loan.Borrower.ID, loan.Borrower.Allowance); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, loan.Request)
	})
	if err != nil {
		return nil, err
	}

	if outOfCopies {
		s.logger.Info("borrow request rejected, no copies available",
			zap.Int64("request_id", requestID),
			zap.Int64("rejected_by", actor.ID),
		)
		s.notify(notify.Message{
			Subject:   "Borrow request rejected",
			Recipient: loan.Borrower.Email,
			Body:      fmt.Sprintf("Your request for %q has been rejected. Reason: %s", loan.Item.Title, reasonNoCopies),
		})
		return loan.Request, circulation.ErrOutOfCopies
	}

	s.logger.Info("borrow request approved",
		zap.Int64("request_id", requestID),
		zap.Int64("approved_by", actor.ID),
		zap.Int("available_copies", loan.Item.AvailableCopies),
	)
	s.notify(notify.Message{
		Subject:   "Borrow request approved",
		Recipient: loan.Borrower.Email,
		Body: fmt.Sprintf("Your request for %q has been approved. Please return it by %s.",
			loan.Item.Title, loan.Request.DueAt.Format("02 Jan 2006")),
	})
	return loan.Request, nil
}

// rejectOutOfCopies перечитывает заявку, чтобы отбросить изменения политики,
// и сохраняет её отклонённой. Остаток экземпляров и лимит читателя не меняются.
func (s *Service) rejectOutOfCopies(ctx context.Context, tx repository.Tx, loan *circulation.Loan) error {
	req, err := tx.GetRequest(ctx, loan.Request.ID)
	if err != nil {
		return err
	}
	if err := circulation.Reject(req, reasonNoCopies); err != nil {
		return err
	}
	loan.Request = req
	return tx.UpdateRequest(ctx, req)
}

// Reject отклоняет заявку с необязательной причиной.
func (s *Service) Reject(ctx context.Context, actor model.Actor, requestID int64, reason string) (*model.BorrowRequest, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var (
		req      *model.BorrowRequest
		borrower *model.Borrower
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := circulation.Reject(req, reason); err != nil {
			return err
		}
		borrower, err = tx.GetBorrower(ctx, req.BorrowerID)
		if err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("borrow request rejected",
		zap.Int64("request_id", requestID),
		zap.Int64("rejected_by", actor.ID),
		zap.String("reason", reason),
	)

	body := "Your borrow request has been rejected."
	if reason != "" {
		body += " Reason: " + reason
	}
	s.notify(notify.Message{
		Subject:   "Borrow request rejected",
		Recipient: borrower.Email,
		Body:      body,
	})
	return req, nil
}

// RequestReturn переводит выдачу в ожидание подтверждения возврата.
func (s *Service) RequestReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	var req *model.BorrowRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := authorize(actor, req.BorrowerID); err != nil {
			return err
		}
		if err := circulation.RequestReturn(req); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("return requested", zap.Int64("request_id", requestID))
	return req, nil
}

// ConfirmReturn подтверждает возврат, возвращает экземпляр в каталог и
// начисляет штраф, если срок был нарушен.
func (s *Service) ConfirmReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var (
		loan circulation.Loan
		due  *model.Due
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		due = nil
		loan, err = loadLoan(ctx, tx, requestID)
		if err != nil {
			return err
		}

		if err := s.policy.ConfirmReturn(loan, s.now()); err != nil {
			return err
		}

		if err := tx.IncrementCopies(ctx, loan.Item.Ref); err != nil {
			return err
		}
		if err := tx.UpdateBorrowerAllowance(ctx, loan.Borrower.ID, loan.Borrower.Allowance); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, loan.Request); err != nil {
			return err
		}

		if loan.Request.IsOverdue {
			due, _, err = s.updateFine(ctx, tx, loan.Request)
			if err != nil {
				return fmt.Errorf("accrue fine: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("return confirmed",
		zap.Int64("request_id", requestID),
		zap.Int64("confirmed_by", actor.ID),
		zap.Bool("overdue", loan.Request.IsOverdue),
	)

	body := fmt.Sprintf("We have received %q. Thank you!", loan.Item.Title)
	if due != nil {
		body += fmt.Sprintf(" The item was returned late; a fine of %s %s is due.", due.Amount.StringFixed(2), s.currency)
	}
	s.notify(notify.Message{
		Subject:   "Return confirmed",
		Recipient: loan.Borrower.Email,
		Body:      body,
	})
	return loan.Request, nil
}

// GetRequest возвращает заявку, если участник имеет к ней доступ.
func (s *Service) GetRequest(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, req.BorrowerID); err != nil {
		return nil, err
	}
	return req, nil
}

// ListBorrowerRequests возвращает заявки читателя.
func (s *Service) ListBorrowerRequests(ctx context.Context, actor model.Actor, borrowerID int64) ([]model.BorrowRequest, error) {
	if err := authorize(actor, borrowerID); err != nil {
		return nil, err
	}
	return s.store.ListRequestsByBorrower(ctx, borrowerID)
}
