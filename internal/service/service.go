// Package service реализует бизнес-логику выдачи литературы, начисления штрафов и приёма оплаты.
//
// Каждая команда выполняется в одной транзакции хранилища: состояние
// перечитывается с блокировкой, проверяются предусловия, изменения
// сохраняются целиком или не сохраняются вовсе. Уведомления отправляются
// только после фиксации транзакции.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/fine"
	"github.com/mmeshcher/library-circulation/internal/gateway"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/notify"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

// Store описывает контракт хранилища, используемый сервисом.
type Store interface {
	Close() error
	InTx(ctx context.Context, fn repository.TxFunc) error
	GetRequest(ctx context.Context, id int64) (*model.BorrowRequest, error)
	ListRequestsByBorrower(ctx context.Context, borrowerID int64) ([]model.BorrowRequest, error)
	GetDue(ctx context.Context, id int64) (*model.Due, error)
	ListPaymentsByDue(ctx context.Context, dueID int64) ([]model.Payment, error)
	ListDues(ctx context.Context, f repository.DueFilter) ([]model.Due, error)
	ListOverdueLoans(ctx context.Context, f repository.OverdueFilter) ([]model.BorrowRequest, error)
	ListPaymentsAwaitingSettlement(ctx context.Context, afterID int64, limit int) ([]model.Payment, error)
}

// Gateway описывает обращения к платёжному шлюзу.
type Gateway interface {
	Configured() bool
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	FetchOrder(ctx context.Context, orderID string) (*gateway.OrderState, error)
	VerifySignature(orderID, paymentID, signature string) (bool, error)
}

// Notifier принимает уведомления к отправке без ожидания результата.
type Notifier interface {
	Notify(msg notify.Message)
}

// Options задаёт параметры сервиса.
type Options struct {
	Policy    circulation.Policy
	DailyRate decimal.Decimal
	Currency  string
	// Now подменяется в тестах.
	Now func() time.Time
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		Policy:    circulation.DefaultPolicy(),
		DailyRate: fine.DefaultDailyRate,
		Currency:  "INR",
		Now:       time.Now,
	}
}

// Service содержит бизнес-логику жизненного цикла выдачи.
type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	logger   *zap.Logger

	policy   circulation.Policy
	fines    *fine.Calculator
	currency string
	now      func() time.Time
}

// NewService создаёт сервис. gw и n могут быть nil: оплата через шлюз
// тогда недоступна, а уведомления не отправляются.
func NewService(store Store, gw Gateway, n Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	if opts.Policy.LoanPeriod <= 0 {
		opts.Policy.LoanPeriod = circulation.DefaultLoanPeriod
	}

	return &Service{
		store:    store,
		gateway:  gw,
		notifier: n,
		logger:   logger,
		policy:   opts.Policy,
		fines:    fine.NewCalculator(opts.DailyRate),
		currency: opts.Currency,
		now:      opts.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) notify(msg notify.Message) {
	if s.notifier == nil || msg.Recipient == "" {
		return
	}
	s.notifier.Notify(msg)
}

func (s *Service) gatewayConfigured() bool {
	return s.gateway != nil && s.gateway.Configured()
}

func authorize(actor model.Actor, ownerID int64) error {
	if actor.Role.IsStaff() || actor.ID == ownerID {
		return nil
	}
	return ErrForbidden
}

func requireStaff(actor model.Actor) error {
	if actor.Role.IsStaff() {
		return nil
	}
	return ErrForbidden
}
