package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/library-circulation/internal/gateway"
)

// ErrForbidden возвращается, если роль участника не допускает операцию.
var ErrForbidden = errors.New("operation not permitted for this actor")

// ErrNoFine возвращается, если по заявке штраф не начисляется.
var ErrNoFine = errors.New("no fine for this request")

// ErrPayment оборачивает все ошибки приёма оплаты.
var ErrPayment = errors.New("payment error")

var (
	// ErrAlreadyPaid возвращается для уже оплаченного штрафа. Для идемпотентных
	// вызовов это равносильно успеху.
	ErrAlreadyPaid = fmt.Errorf("%w: due already paid", ErrPayment)
	// ErrSignatureInvalid возвращается, если подпись callback не прошла проверку.
	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrPayment)
	// ErrGatewayUnavailable возвращается при недоступности шлюза или таймауте.
	ErrGatewayUnavailable = fmt.Errorf("%w: gateway unavailable", ErrPayment)
	// ErrOrderExpired возвращается, если заказ в шлюзе истёк без оплаты.
	ErrOrderExpired = fmt.Errorf("%w: order expired", ErrPayment)
	// ErrPaymentClosed возвращается при попытке завершить уже отклонённую попытку.
	ErrPaymentClosed = fmt.Errorf("%w: payment attempt is closed", ErrPayment)
	// ErrGatewayNotConfigured - ошибка конфигурации, возникает до обращения к шлюзу и изменения данных.
	ErrGatewayNotConfigured = fmt.Errorf("%w: %w", ErrPayment, gateway.ErrNotConfigured)
)

// IsRetryable сообщает, можно ли повторить оплату новой попыткой.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrGatewayUnavailable)
}
