package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/notify"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

// SendDueReminder напоминает читателю о неоплаченном штрафе.
// Для оплаченного штрафа возвращает ErrAlreadyPaid и ничего не отправляет.
func (s *Service) SendDueReminder(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var (
		due   *model.Due
		email string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		due, err = tx.GetDue(ctx, dueID)
		if err != nil {
			return err
		}
		if due.IsPaid {
			return ErrAlreadyPaid
		}
		email, err = borrowerEmail(ctx, tx, due.BorrowRequestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("due reminder sent",
		zap.Int64("due_id", dueID),
		zap.Int64("sent_by", actor.ID),
	)
	s.notify(notify.Message{
		Subject:   "Fine payment reminder",
		Recipient: email,
		Body: fmt.Sprintf("You have an outstanding library fine of %s %s. Please pay it at your earliest convenience.",
			due.Amount.StringFixed(2), s.currency),
	})
	return due, nil
}

// RemindOverdueLoans напоминает о всех выдачах на руках с истёкшим сроком
// и возвращает число отправленных напоминаний.
func (s *Service) RemindOverdueLoans(ctx context.Context) (int, error) {
	now := s.now()
	sent := 0
	var afterID int64
	for {
		loans, err := s.store.ListOverdueLoans(ctx, repository.OverdueFilter{Now: now, AfterID: afterID, Limit: dueBatchSize})
		if err != nil {
			return sent, err
		}
		if len(loans) == 0 {
			return sent, nil
		}
		afterID = loans[len(loans)-1].ID

		for i := range loans {
			if err := s.remindOverdue(ctx, &loans[i], now); err != nil {
				if errors.Is(err, context.Canceled) {
					return sent, err
				}
				s.logger.Warn("overdue reminder failed", zap.Error(err), zap.Int64("request_id", loans[i].ID))
				continue
			}
			sent++
		}
	}
}

func (s *Service) remindOverdue(ctx context.Context, req *model.BorrowRequest, now time.Time) error {
	var borrower *model.Borrower
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		borrower, err = tx.GetBorrower(ctx, req.BorrowerID)
		return err
	})
	if err != nil {
		return err
	}

	s.notify(notify.Message{
		Subject:   "Overdue loan reminder",
		Recipient: borrower.Email,
		Body: fmt.Sprintf("%s was due on %s. The fine accrued so far is %s %s and grows every day until the item is returned.",
			req.Item, req.DueAt.Format("02 Jan 2006"), s.fines.Calculate(req, now).StringFixed(2), s.currency),
	})
	return nil
}
