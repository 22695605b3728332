// Package main запускает HTTP-сервер сервиса выдачи литературы.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/config"
	"github.com/mmeshcher/library-circulation/internal/gateway"
	"github.com/mmeshcher/library-circulation/internal/handler"
	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/notify"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/service"
)

func main() {
	os.Exit(run())
}

// run возвращает код завершения. os.Exit вызывается только в main, чтобы
// отложенные Wait, Close и Sync успели выполниться.
func run() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Errorw("configuration error", "error", err.Error())
		return 1
	}

	store, err := newStore(cfg, sugar)
	if err != nil {
		sugar.Errorw("storage initialization error", "error", err.Error())
		return 1
	}

	gw := gateway.NewClient(cfg.GatewayAddress, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout)
	if !gw.Configured() {
		sugar.Warn("payment gateway is not configured, only manual payments are accepted")
	}

	dispatcher := notify.NewDispatcher(newSink(cfg, logger), logger)
	defer dispatcher.Wait()

	svc := service.NewService(store, gw, dispatcher, logger, service.Options{
		Policy: circulation.Policy{
			LoanPeriod:        cfg.LoanPeriod,
			AllowDirectReturn: cfg.AllowDirectReturn,
		},
		DailyRate: cfg.DailyFineRate,
		Currency:  cfg.Currency,
		Now:       time.Now,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, identity cookies issued by other processes will be rejected")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.Currency)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Пересчёт штрафов, сверка платежей со шлюзом и напоминания о просрочке
	g.Go(func() error {
		return svc.StartBackgroundJobs(ctx, service.Schedules{
			RefreshDues:       cfg.FineSchedule,
			ReconcilePayments: cfg.ReconcileSchedule,
			RemindOverdue:     cfg.ReminderSchedule,
		})
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting circulation server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
		return 1
	}
	return 0
}

func newStore(cfg *config.Config, sugar *zap.SugaredLogger) (service.Store, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}

	sugar.Warn("DATABASE_URI is empty, using in-memory storage")
	mem := repository.NewMemoryRepository()
	if cfg.SeedFile == "" {
		return mem, nil
	}

	f, err := os.Open(cfg.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()

	n, err := mem.LoadSeed(f)
	if err != nil {
		return nil, err
	}
	sugar.Infow("in-memory storage seeded", "records", n)
	return mem, nil
}

func newSink(cfg *config.Config, logger *zap.Logger) notify.Sink {
	if cfg.SMTPAddress == "" {
		return notify.NewLogSink(logger)
	}

	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		host, _, err := net.SplitHostPort(cfg.SMTPAddress)
		if err != nil {
			host = cfg.SMTPAddress
		}
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, host)
	}
	return notify.NewSMTPSink(cfg.SMTPAddress, cfg.MailFrom, auth)
}
