// Package fine рассчитывает штрафы за просроченные выдачи.
package fine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/model"
)

const day = 24 * time.Hour

// DefaultDailyRate - штраф за сутки просрочки по умолчанию.
var DefaultDailyRate = decimal.RequireFromString("20.00")

// Calculator вычисляет сумму штрафа по заявке.
type Calculator struct {
	DailyRate decimal.Decimal
}

// NewCalculator создаёт калькулятор с указанной ставкой.
func NewCalculator(dailyRate decimal.Decimal) *Calculator {
	return &Calculator{DailyRate: dailyRate}
}

// Calculate возвращает штраф на момент now. Для возвращённой выдачи сумма
// считается до даты возврата и дальше не растёт.
func (c *Calculator) Calculate(r *model.BorrowRequest, now time.Time) decimal.Decimal {
	if r.DueAt == nil || !r.OverdueAt(now) {
		return decimal.Zero
	}

	end := now
	if r.Status == model.BorrowStatusReturned {
		if r.ReturnedAt == nil {
			return decimal.Zero
		}
		end = *r.ReturnedAt
	}

	days := CeilDays(end.Sub(*r.DueAt))
	return c.DailyRate.Mul(decimal.NewFromInt(days)).Round(2)
}

// CeilDays округляет длительность вверх до целых суток. Неположительная длительность даёт 0.
func CeilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	days := int64(d / day)
	if d%day != 0 {
		days++
	}
	return days
}
