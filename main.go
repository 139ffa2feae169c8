package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	logger := config.NewLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.OpenDatabase(settings, 10)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Panic(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.Migrate(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	redisDB, err := config.NewRedis(sigCtx, settings.RedisAddr, settings.RedisPassword)
	if err != nil {
		// Caching and leader election degrade; posting stays correct.
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable, continuing without cache: " + err.Error())
		redisDB = nil
	}
	defer redisDB.Close()

	alerts, err := config.NewAlertPublisher(sigCtx, settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("alert publisher unavailable: " + err.Error())
		alerts = nil
	}
	defer alerts.Close()

	ruleStore := workflow.NewRuleStore(db, redisDB, logger, settings.CacheLifespan)
	sequence := models.NewJournalNumberSeries(redisDB)
	engine := workflow.NewPostingEngine(db, logger, ruleStore, sequence)
	dispatcher := workflow.NewOutboxDispatcher(db, logger, engine, redisDB, alerts, settings)
	checker := workflow.NewReconciliationChecker(db, logger, alerts)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go dispatcher.Run(workerCtx)
	if settings.ReconcileInterval > 0 {
		go checker.Run(workerCtx, settings.ReconcileInterval)
	}

	r := newRouter(logger, db, dispatcher, checker, ruleStore, engine)
	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"field": "http",
		"port":  settings.Port,
	}).Info("ledger posting service started")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't claim new events while
	// we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
