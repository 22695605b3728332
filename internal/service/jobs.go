package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules задаёт расписания фоновых задач в формате cron. Пустое расписание отключает задачу.
type Schedules struct {
	RefreshDues       string
	ReconcilePayments string
	RemindOverdue     string
}

// StartBackgroundJobs запускает пересчёт неоплаченных штрафов, сверку платежей
// со шлюзом и напоминания о просроченных выдачах. Блокируется до отмены
// контекста и дожидается завершения начатых задач.
func (s *Service) StartBackgroundJobs(ctx context.Context, schedules Schedules) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name     string
		spec     string
		enabled  bool
		run      func(context.Context) (int, error)
		countKey string
	}{
		{name: "dues refresh", spec: schedules.RefreshDues, enabled: true, run: s.RefreshUnpaidDues, countKey: "updated"},
		{name: "payment reconciliation", spec: schedules.ReconcilePayments, enabled: s.gatewayConfigured(), run: s.ReconcilePendingPayments, countKey: "settled"},
		{name: "overdue reminders", spec: schedules.RemindOverdue, enabled: true, run: s.RemindOverdueLoans, countKey: "sent"},
	}

	for _, job := range jobs {
		if job.spec == "" || !job.enabled {
			continue
		}
		if _, err := c.AddFunc(job.spec, func() {
			n, err := job.run(ctx)
			if err != nil {
				s.logger.Error(job.name+" job failed", zap.Error(err))
				return
			}
			if n > 0 {
				s.logger.Info(job.name+" job finished", zap.Int(job.countKey, n))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
