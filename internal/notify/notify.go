// Package notify доставляет уведомления читателям и библиотекарям.
//
// Доставка не влияет на результат операций выдачи: ошибки отправителя
// логируются и не возвращаются вызывающей стороне.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message описывает одно уведомление.
type Message struct {
	Subject   string
	Recipient string
	Body      string
}

// Sink отправляет уведомление получателю.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// LogSink записывает уведомления в лог вместо отправки.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт отправитель, пишущий в лог.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send записывает уведомление в лог.
func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification",
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// SMTPSink отправляет уведомления по почте.
type SMTPSink struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSink создаёт почтовый отправитель. auth может быть nil для relay без авторизации.
func NewSMTPSink(addr, from string, auth smtp.Auth) *SMTPSink {
	return &SMTPSink{
		addr: addr,
		from: from,
		auth: auth,
		send: smtp.SendMail,
	}
}

// Send отправляет письмо.
func (s *SMTPSink) Send(_ context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("empty recipient")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)

	if err := s.send(s.addr, s.auth, s.from, []string{msg.Recipient}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// Dispatcher отправляет уведомления в фоне, не блокируя вызывающую сторону.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher создаёт диспетчер поверх отправителя.
func NewDispatcher(sink Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Notify ставит уведомление в отправку и сразу возвращает управление.
func (d *Dispatcher) Notify(msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("notification sink panicked",
					zap.Any("panic", r),
					zap.String("subject", msg.Subject),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Send(ctx, msg); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Error(err),
				zap.String("recipient", msg.Recipient),
				zap.String("subject", msg.Subject),
			)
		}
	}()
}

// Wait дожидается завершения всех начатых отправок.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
