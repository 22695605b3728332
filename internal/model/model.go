// Package model содержит доменные сущности сервиса выдачи литературы.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль участника системы.
type Role string

const (
	RoleStudent   Role = "student"
	RoleLibrarian Role = "librarian"
	RoleAdmin     Role = "admin"
)

// ParseRole преобразует строковое представление роли.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleStudent, RoleLibrarian, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// IsStaff сообщает, может ли роль обрабатывать заявки и принимать оплату.
func (r Role) IsStaff() bool {
	return r == RoleLibrarian || r == RoleAdmin
}

// Actor описывает участника, от имени которого выполняется операция.
type Actor struct {
	ID   int64
	Role Role
}

// Borrower описывает читателя и его лимиты.
type Borrower struct {
	ID          int64
	Name        string
	Email       string
	Role        Role
	IsBanned    bool
	BorrowLimit int
	Allowance   int
}

// ItemKind описывает тип единицы каталога.
type ItemKind string

const (
	ItemKindBook    ItemKind = "book"
	ItemKindJournal ItemKind = "journal"
)

// ErrInvalidItemRef возвращается для ссылки, не указывающей ровно на одну книгу или журнал.
var ErrInvalidItemRef = errors.New("item reference must point to exactly one book or journal")

// ItemRef ссылается ровно на одну книгу или журнал.
type ItemRef struct {
	Kind ItemKind
	ID   int64
}

// Validate проверяет корректность ссылки.
func (r ItemRef) Validate() error {
	if r.Kind != ItemKindBook && r.Kind != ItemKindJournal {
		return fmt.Errorf("%w: kind %q", ErrInvalidItemRef, r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidItemRef, r.ID)
	}
	return nil
}

func (r ItemRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// CatalogItem описывает книгу или журнал с количеством доступных экземпляров.
type CatalogItem struct {
	Ref             ItemRef
	Title           string
	AvailableCopies int
	// IsApproved учитывается только для журналов: книги всегда видимы в каталоге.
	IsApproved bool
}

// BorrowStatus описывает состояние заявки на выдачу.
type BorrowStatus string

const (
	BorrowStatusPending       BorrowStatus = "PENDING"
	BorrowStatusApproved      BorrowStatus = "APPROVED"
	BorrowStatusRejected      BorrowStatus = "REJECTED"
	BorrowStatusPendingReturn BorrowStatus = "PENDING_RETURN"
	BorrowStatusReturned      BorrowStatus = "RETURNED"
)

// IsActive сообщает, занимает ли заявка место в лимите читателя.
func (s BorrowStatus) IsActive() bool {
	return s == BorrowStatusPending || s == BorrowStatusApproved || s == BorrowStatusPendingReturn
}

// IsTerminal сообщает, что из состояния нет переходов.
func (s BorrowStatus) IsTerminal() bool {
	return s == BorrowStatusRejected || s == BorrowStatusReturned
}

// BorrowRequest описывает одну выдачу единицы каталога читателю.
type BorrowRequest struct {
	ID           int64
	BorrowerID   int64
	Item         ItemRef
	Status       BorrowStatus
	RequestedAt  time.Time
	DueAt        *time.Time
	ReturnedAt   *time.Time
	IsOverdue    bool
	RejectReason string
}

// OverdueAt вычисляет признак просрочки: зафиксированный при возврате или текущий.
func (r *BorrowRequest) OverdueAt(now time.Time) bool {
	if r.Status == BorrowStatusReturned {
		return r.IsOverdue
	}
	if r.DueAt == nil {
		return false
	}
	return now.After(*r.DueAt)
}

// Due описывает штраф по просроченной выдаче.
type Due struct {
	ID              int64
	BorrowRequestID int64
	Amount          decimal.Decimal
	IsPaid          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentStatus описывает статус попытки оплаты.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusCreated    PaymentStatus = "CREATED"
	PaymentStatusSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// IsFinal сообщает, что строка платежа больше не изменяется.
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusSuccessful || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// Payment описывает попытку погашения штрафа.
type Payment struct {
	ID                 int64
	DueID              int64
	AmountPaid         decimal.Decimal
	Receipt            string
	ExternalOrderRef   string
	ExternalPaymentRef *string
	Status             PaymentStatus
	IsSuccessful       bool
	FailureReason      *string
	// ProcessedBy заполняется для ручной оплаты, принятой библиотекарем.
	ProcessedBy *int64
	CreatedAt   time.Time
}
