package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/gateway"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/notify"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

const (
	paymentBatchSize   = 100
	bookkeepingTimeout = 5 * time.Second

	reasonSignatureInvalid = "signature verification failed"
	reasonDueSettled       = "due already settled by another payment"
	reasonOrderExpired     = "gateway order expired"
)

var hundred = decimal.NewFromInt(100)

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func strPtr(s string) *string {
	return &s
}

// settlement описывает проведённую оплату для квитанции.
type settlement struct {
	payment *model.Payment
	due     *model.Due
	email   string
}

func (s *Service) sendReceipt(st *settlement) {
	s.logger.Info("due settled",
		zap.Int64("due_id", st.due.ID),
		zap.Int64("payment_id", st.payment.ID),
		zap.String("amount", st.payment.AmountPaid.StringFixed(2)),
	)
	s.notify(notify.Message{
		Subject:   "Fine payment receipt",
		Recipient: st.email,
		Body: fmt.Sprintf("We received your payment of %s %s (receipt %s). Thank you!",
			st.payment.AmountPaid.StringFixed(2), s.currency, st.payment.Receipt),
	})
}

func borrowerEmail(ctx context.Context, tx repository.Tx, requestID int64) (string, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	b, err := tx.GetBorrower(ctx, req.BorrowerID)
	if err != nil {
		return "", err
	}
	return b.Email, nil
}

// RecordManualPayment фиксирует оплату, принятую библиотекарем вне шлюза.
// Запись платежа и отметка об оплате штрафа сохраняются в одной транзакции.
func (s *Service) RecordManualPayment(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var st *settlement
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		due, err := tx.GetDue(ctx, dueID)
		if err != nil {
			return err
		}
		if due.IsPaid {
			return ErrAlreadyPaid
		}

		req, err := tx.GetRequest(ctx, due.BorrowRequestID)
		if err != nil {
			return err
		}
		if refreshed, _, err := s.updateFine(ctx, tx, req); err == nil {
			due = refreshed
		} else if !errors.Is(err, ErrNoFine) {
			return err
		}

		processedBy := actor.ID
		p := &model.Payment{
			DueID:        due.ID,
			AmountPaid:   due.Amount,
			Receipt:      uuid.NewString(),
			Status:       model.PaymentStatusSuccessful,
			IsSuccessful: true,
			ProcessedBy:  &processedBy,
			CreatedAt:    s.now(),
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			if errors.Is(err, repository.ErrDuplicateSuccessfulPayment) {
				return ErrAlreadyPaid
			}
			return err
		}

		due.IsPaid = true
		due.UpdatedAt = s.now()
		if err := tx.UpdateDue(ctx, due); err != nil {
			return err
		}

		email, err := borrowerEmail(ctx, tx, due.BorrowRequestID)
		if err != nil {
			return err
		}
		st = &settlement{payment: p, due: due, email: email}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sendReceipt(st)
	return st.payment, nil
}

// CreatePaymentAttempt создаёт попытку оплаты через шлюз. Для оплаченного
// штрафа сразу возвращает ErrAlreadyPaid, не обращаясь к шлюзу.
// Если шлюз недоступен, попытка сохраняется в статусе FAILED и возвращается
// ErrGatewayUnavailable: оплату можно повторить новой попыткой.
func (s *Service) CreatePaymentAttempt(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error) {
	if !s.gatewayConfigured() {
		return nil, ErrGatewayNotConfigured
	}

	var payment *model.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		due, err := tx.GetDue(ctx, dueID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, due.BorrowRequestID)
		if err != nil {
			return err
		}
		if err := authorize(actor, req.BorrowerID); err != nil {
			return err
		}
		if due.IsPaid {
			return ErrAlreadyPaid
		}

		if refreshed, _, err := s.updateFine(ctx, tx, req); err == nil {
			due = refreshed
		} else if !errors.Is(err, ErrNoFine) {
			return err
		}

		payment = &model.Payment{
			DueID:      due.ID,
			AmountPaid: due.Amount,
			Receipt:    uuid.NewString(),
			Status:     model.PaymentStatusPending,
			CreatedAt:  s.now(),
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	order, orderErr := s.gateway.CreateOrder(ctx, toMinorUnits(payment.AmountPaid), s.currency, payment.Receipt,
		map[string]string{"due_id": strconv.FormatInt(dueID, 10)})

	// Итог обращения к шлюзу сохраняется и после отмены запроса вызывающей стороной,
	// иначе попытка навсегда останется в PENDING.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	err = s.store.InTx(bookCtx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if orderErr != nil {
			p.Status = model.PaymentStatusFailed
			p.FailureReason = strPtr(orderErr.Error())
		} else {
			p.Status = model.PaymentStatusCreated
			p.ExternalOrderRef = order.ID
		}
		payment = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	if orderErr != nil {
		s.logger.Warn("create gateway order failed", zap.Error(orderErr), zap.Int64("due_id", dueID))
		return payment, fmt.Errorf("%w: %v", ErrGatewayUnavailable, orderErr)
	}

	s.logger.Info("payment attempt created",
		zap.Int64("due_id", dueID),
		zap.Int64("payment_id", payment.ID),
		zap.String("order_ref", payment.ExternalOrderRef),
	)
	return payment, nil
}

// settle помечает платёж успешным, а штраф оплаченным. Если штраф уже
// оплачен другим способом, попытка закрывается как FAILED и возвращается ErrAlreadyPaid.
func (s *Service) settle(ctx context.Context, tx repository.Tx, p *model.Payment, paymentRef string) (*settlement, error) {
	due, err := tx.GetDue(ctx, p.DueID)
	if err != nil {
		return nil, err
	}

	p.ExternalPaymentRef = strPtr(paymentRef)

	if due.IsPaid {
		p.Status = model.PaymentStatusFailed
		p.FailureReason = strPtr(reasonDueSettled)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyPaid
	}

	p.Status = model.PaymentStatusSuccessful
	p.IsSuccessful = true
	p.FailureReason = nil
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}

	due.IsPaid = true
	due.UpdatedAt = s.now()
	if err := tx.UpdateDue(ctx, due); err != nil {
		return nil, err
	}

	email, err := borrowerEmail(ctx, tx, due.BorrowRequestID)
	if err != nil {
		return nil, err
	}
	return &settlement{payment: p, due: due, email: email}, nil
}

// CompletePayment обрабатывает callback шлюза. Повторный вызов для уже
// успешного платежа возвращает true без повторной обработки. При неверной
// подписи попытка закрывается как FAILED и возвращается ErrSignatureInvalid.
func (s *Service) CompletePayment(ctx context.Context, orderRef, paymentRef, signature string) (bool, error) {
	if !s.gatewayConfigured() {
		return false, ErrGatewayNotConfigured
	}

	var (
		st       *settlement
		already  bool
		outcome  error
		received *model.Payment
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		st, already, outcome = nil, false, nil

		p, err := tx.GetPaymentByOrderRef(ctx, orderRef)
		if err != nil {
			return err
		}
		received = p

		if p.IsSuccessful {
			already = true
			return nil
		}
		if p.Status.IsFinal() {
			return fmt.Errorf("%w: payment %d is %s", ErrPaymentClosed, p.ID, p.Status)
		}

		valid, err := s.gateway.VerifySignature(orderRef, paymentRef, signature)
		if err != nil {
			return err
		}
		if !valid {
			p.Status = model.PaymentStatusFailed
			p.FailureReason = strPtr(reasonSignatureInvalid)
			p.ExternalPaymentRef = strPtr(paymentRef)
			outcome = ErrSignatureInvalid
			return tx.UpdatePayment(ctx, p)
		}

		st, err = s.settle(ctx, tx, p, paymentRef)
		if errors.Is(err, ErrAlreadyPaid) {
			outcome = ErrAlreadyPaid
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}

	switch {
	case already:
		return true, nil
	case outcome != nil:
		s.logger.Warn("gateway payment not settled",
			zap.Error(outcome),
			zap.String("order_ref", orderRef),
			zap.Int64("payment_id", received.ID),
		)
		return false, outcome
	}

	s.sendReceipt(st)
	return true, nil
}

// VerifyPaymentStatus запрашивает состояние заказа в шлюзе и проводит оплату,
// если callback был пропущен. Проверку может запросить владелец штрафа или сотрудник.
// Недоступность шлюза не меняет попытку: она будет проверена повторно.
func (s *Service) VerifyPaymentStatus(ctx context.Context, actor model.Actor, paymentID int64) (bool, error) {
	if !s.gatewayConfigured() {
		return false, ErrGatewayNotConfigured
	}

	var current *model.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		current, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		due, err := tx.GetDue(ctx, current.DueID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, due.BorrowRequestID)
		if err != nil {
			return err
		}
		return authorize(actor, req.BorrowerID)
	})
	if err != nil {
		return false, err
	}

	return s.verifyPayment(ctx, current)
}

func (s *Service) verifyPayment(ctx context.Context, current *model.Payment) (bool, error) {
	paymentID := current.ID

	if current.IsSuccessful {
		return true, nil
	}
	if current.Status != model.PaymentStatusCreated || current.ExternalOrderRef == "" {
		return false, nil
	}

	state, err := s.gateway.FetchOrder(ctx, current.ExternalOrderRef)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return false, ErrGatewayNotConfigured
		}
		return false, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	captured, ok := state.CapturedPayment()
	expired := state.Status == gateway.OrderStatusExpired
	if !ok && !expired {
		return false, nil
	}

	var (
		st      *settlement
		already bool
		outcome error
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		st, already, outcome = nil, false, nil

		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.IsSuccessful {
			already = true
			return nil
		}
		if p.Status.IsFinal() {
			outcome = fmt.Errorf("%w: payment %d is %s", ErrPaymentClosed, p.ID, p.Status)
			return nil
		}

		if !ok {
			p.Status = model.PaymentStatusFailed
			p.FailureReason = strPtr(reasonOrderExpired)
			outcome = ErrOrderExpired
			return tx.UpdatePayment(ctx, p)
		}

		st, err = s.settle(ctx, tx, p, captured.ID)
		if errors.Is(err, ErrAlreadyPaid) {
			outcome = ErrAlreadyPaid
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}

	switch {
	case already:
		return true, nil
	case outcome != nil:
		return false, outcome
	}

	s.sendReceipt(st)
	return true, nil
}

// ReconcilePendingPayments опрашивает шлюз по попыткам без подтверждения и
// возвращает число проведённых оплат.
func (s *Service) ReconcilePendingPayments(ctx context.Context) (int, error) {
	if !s.gatewayConfigured() {
		return 0, nil
	}

	settled := 0
	var afterID int64
	for {
		payments, err := s.store.ListPaymentsAwaitingSettlement(ctx, afterID, paymentBatchSize)
		if err != nil {
			return settled, err
		}
		if len(payments) == 0 {
			return settled, nil
		}
		afterID = payments[len(payments)-1].ID

		for _, p := range payments {
			ok, err := s.verifyPayment(ctx, &p)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return settled, err
				}
				s.logger.Warn("payment reconciliation failed",
					zap.Error(err),
					zap.Int64("payment_id", p.ID),
					zap.String("order_ref", p.ExternalOrderRef),
				)
				continue
			}
			if ok {
				settled++
			}
		}
	}
}
