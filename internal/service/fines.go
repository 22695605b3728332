package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

// dueBatchSize ограничивает размер страницы при обходе штрафов и выдач.
var dueBatchSize = 100

// CurrentFine возвращает штраф на текущий момент без сохранения.
func (s *Service) CurrentFine(ctx context.Context, actor model.Actor, requestID int64) (decimal.Decimal, error) {
	req, err := s.GetRequest(ctx, actor, requestID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.fines.Calculate(req, s.now()), nil
}

// UpdateFine пересчитывает и сохраняет штраф по возвращённой с опозданием выдаче.
// Оплаченный штраф не изменяется. Если выдача не возвращена или возвращена
// вовремя, возвращается ErrNoFine.
func (s *Service) UpdateFine(ctx context.Context, actor model.Actor, requestID int64) (*model.Due, error) {
	var due *model.Due
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := authorize(actor, req.BorrowerID); err != nil {
			return err
		}
		due, _, err = s.updateFine(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// updateFine создаёт штраф при первом обнаружении просрочки и пересчитывает
// его при последующих вызовах. Запись выполняется только при изменении суммы.
func (s *Service) updateFine(ctx context.Context, tx repository.Tx, req *model.BorrowRequest) (*model.Due, bool, error) {
	if req.Status != model.BorrowStatusReturned || !req.IsOverdue {
		return nil, false, ErrNoFine
	}

	now := s.now()
	amount := s.fines.Calculate(req, now)

	due, err := tx.GetDueByRequest(ctx, req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		due = &model.Due{
			BorrowRequestID: req.ID,
			Amount:          amount,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.CreateDue(ctx, due); err != nil {
			return nil, false, err
		}
		return due, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if due.IsPaid || due.Amount.Equal(amount) {
		return due, false, nil
	}

	due.Amount = amount
	due.UpdatedAt = now
	if err := tx.UpdateDue(ctx, due); err != nil {
		return nil, false, err
	}
	return due, true, nil
}

// RefreshUnpaidDues пересчитывает все неоплаченные штрафы и возвращает число изменённых.
// Штрафы обходятся страницами по возрастанию id.
func (s *Service) RefreshUnpaidDues(ctx context.Context) (int, error) {
	updated := 0
	var afterID int64
	for {
		dues, err := s.store.ListDues(ctx, repository.DueFilter{UnpaidOnly: true, AfterID: afterID, Limit: dueBatchSize})
		if err != nil {
			return updated, err
		}
		if len(dues) == 0 {
			return updated, nil
		}
		afterID = dues[len(dues)-1].ID

		for _, d := range dues {
			changed, err := s.refreshDue(ctx, d.BorrowRequestID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return updated, err
				}
				s.logger.Warn("refresh due failed", zap.Error(err), zap.Int64("due_id", d.ID))
				continue
			}
			if changed {
				updated++
			}
		}
	}
}

func (s *Service) refreshDue(ctx context.Context, requestID int64) (bool, error) {
	var changed bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		_, changed, err = s.updateFine(ctx, tx, req)
		return err
	})
	return changed, err
}

// ListDues возвращает штрафы для сотрудников библиотеки, при unpaidOnly только неоплаченные.
func (s *Service) ListDues(ctx context.Context, actor model.Actor, unpaidOnly bool) ([]model.Due, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var (
		res     []model.Due
		afterID int64
	)
	for {
		page, err := s.store.ListDues(ctx, repository.DueFilter{UnpaidOnly: unpaidOnly, AfterID: afterID, Limit: dueBatchSize})
		if err != nil {
			return nil, err
		}
		res = append(res, page...)
		if len(page) < dueBatchSize {
			return res, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// GetDue возвращает штраф, если участник имеет к нему доступ.
func (s *Service) GetDue(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error) {
	due, err := s.store.GetDue(ctx, dueID)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, due.BorrowRequestID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, req.BorrowerID); err != nil {
		return nil, err
	}
	return due, nil
}

// ListPayments возвращает попытки оплаты штрафа.
func (s *Service) ListPayments(ctx context.Context, actor model.Actor, dueID int64) ([]model.Payment, error) {
	if _, err := s.GetDue(ctx, actor, dueID); err != nil {
		return nil, err
	}
	return s.store.ListPaymentsByDue(ctx, dueID)
}
