package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dispatchLeaderLockKey = "outbox:dispatch:leader"

// WorkerStatus is the operational snapshot exposed over the ops API.
type WorkerStatus struct {
	IsRunning    bool          `json:"is_running"`
	DispatcherID string        `json:"dispatcher_id"`
	StartedAt    *time.Time    `json:"started_at"`
	LastPollAt   *time.Time    `json:"last_poll_at"`
	PollInterval time.Duration `json:"poll_interval"`
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	Dead         int64         `json:"dead"`
	Skipped      int64         `json:"skipped"` // AlreadyPosted resolutions
}

// OutboxDispatcher polls outbox_events and drives the posting engine.
// Multiple instances are safe: claiming uses row locks (SKIP LOCKED) plus
// lock columns, and the engine's unique constraint bounds duplicates. The
// Redis leader lock only reduces duplicate polling; correctness never
// depends on it.
type OutboxDispatcher struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Engine *PostingEngine
	Redis  *config.Redis
	Alerts *config.AlertPublisher

	DispatcherID   string
	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PerItemTimeout time.Duration

	mu         sync.Mutex
	running    bool
	startedAt  *time.Time
	lastPollAt *time.Time
	processed  int64
	failed     int64
	dead       int64
	skipped    int64
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, engine *PostingEngine, redis *config.Redis, alerts *config.AlertPublisher, settings config.Settings) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Engine:         engine,
		Redis:          redis,
		Alerts:         alerts,
		DispatcherID:   uuid.NewString(),
		BatchSize:      settings.BatchSize,
		PollInterval:   settings.PollInterval,
		LockTimeout:    settings.LockTimeout,
		MaxRetries:     settings.MaxRetries,
		BaseBackoff:    settings.BaseBackoff,
		MaxBackoff:     settings.MaxBackoff,
		PerItemTimeout: settings.PerItemTimeout,
	}
}

// Run is the polling loop. On cancellation it finishes the in-flight batch
// (each posting is transactional and safe to let complete) and returns.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	d.mu.Lock()
	d.running = true
	d.startedAt = &now
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// pollOnce runs one tick behind the best-effort leader lock.
func (d *OutboxDispatcher) pollOnce(ctx context.Context) {
	lock, err := d.Redis.ObtainLock(ctx, dispatchLeaderLockKey, d.PollInterval+d.PerItemTimeout)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return // another instance is polling this tick
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{"field": "OutboxDispatcher"}).
				Warn("leader lock error, polling anyway: " + err.Error())
		}
	}
	if lock != nil {
		defer lock.Release(context.WithoutCancel(ctx))
	}

	now := time.Now().UTC()
	d.mu.Lock()
	d.lastPollAt = &now
	d.mu.Unlock()

	d.dispatchOnce(ctx, d.BatchSize)
}

// ProcessOutbox is the manual operational trigger. forceRetry resets
// FAILED/DEAD rows to PENDING first so poison events can be replayed after
// a fix ships.
func (d *OutboxDispatcher) ProcessOutbox(ctx context.Context, batchSize int, forceRetry bool) (processed int, failed int, err error) {
	if batchSize <= 0 {
		batchSize = d.BatchSize
	}
	if forceRetry {
		res := d.DB.WithContext(ctx).
			Model(&models.OutboxEvent{}).
			Where("status IN ?", []string{models.OutboxStatusFailed, models.OutboxStatusDead}).
			Updates(map[string]interface{}{
				"status":          models.OutboxStatusPending,
				"attempt_count":   0,
				"next_attempt_at": nil,
				"locked_at":       nil,
				"locked_by":       nil,
				"last_error":      nil,
			})
		if res.Error != nil {
			return 0, 0, utils.NewTransientError("force retry reset", res.Error)
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":        "OutboxDispatcher",
				"reset_events": res.RowsAffected,
			}).Info("force retry: failed/dead events reset to pending")
		}
	}
	processed, failed = d.dispatchOnce(ctx, batchSize)
	return processed, failed, nil
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context, batchSize int) (processed int, failed int) {
	claimed, err := d.claimBatch(ctx, batchSize)
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "dispatchOnce", "claiming batch", nil, err)
		return 0, 0
	}

	for i := range claimed {
		rec := &claimed[i]
		// Rows marked DEAD inside the claim transaction are terminal.
		if rec.Status == models.OutboxStatusDead {
			continue
		}
		if d.processEvent(ctx, rec) {
			processed++
		} else {
			failed++
		}
	}
	return processed, failed
}

// claimBatch atomically selects and claims eligible events:
//   - PENDING / FAILED and ready to retry
//   - PROCESSING with a stale lock (a dispatcher crashed mid-batch)
//
// Events past MaxRetries go terminal DEAD inside the same transaction.
func (d *OutboxDispatcher) claimBatch(ctx context.Context, batchSize int) ([]models.OutboxEvent, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.OutboxEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxStatusPending, models.OutboxStatusFailed}, now, models.OutboxStatusProcessing, staleBefore).
			Order("created_at ASC, id ASC").
			Limit(batchSize)
		// SQLite (tests/dev) has no row locks; it is single-writer anyway.
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			if d.MaxRetries > 0 && claimed[i].AttemptCount >= d.MaxRetries {
				msg := fmt.Sprintf("max retries exceeded (%d)", d.MaxRetries)
				claimed[i].Status = models.OutboxStatusDead
				if err := tx.Model(&models.OutboxEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.OutboxStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				d.countDead()
				d.publishDeadAlert(ctx, &claimed[i], msg)
				continue
			}

			claimed[i].Status = models.OutboxStatusProcessing
			claimed[i].AttemptCount = claimed[i].AttemptCount + 1
			if err := tx.Model(&models.OutboxEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          models.OutboxStatusProcessing,
				"locked_at":       &now,
				"locked_by":       d.DispatcherID,
				"attempt_count":   gorm.Expr("attempt_count + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// processEvent posts one claimed event, isolating its failure from the rest
// of the batch. A per-item timeout bounds worst-case batch duration.
func (d *OutboxDispatcher) processEvent(ctx context.Context, rec *models.OutboxEvent) bool {
	itemCtx := ctx
	if d.PerItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, d.PerItemTimeout)
		defer cancel()
	}
	itemCtx = utils.SetBusinessIdInContext(itemCtx, rec.BusinessId)
	itemCtx = utils.SetCorrelationIdInContext(itemCtx, rec.CorrelationId)

	result, err := d.Engine.Post(itemCtx, rec)
	if err != nil {
		if utils.IsValidationError(err) {
			d.markDead(ctx, rec, err)
			return false
		}
		d.markFailed(ctx, rec, err)
		return false
	}

	d.markSucceeded(ctx, rec)
	if result.AlreadyPosted {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
	}
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":          "OutboxDispatcher",
			"business_id":    rec.BusinessId,
			"event_type":     rec.EventType,
			"record_id":      rec.ID,
			"journal_id":     result.JournalId,
			"already_posted": result.AlreadyPosted,
		}).Info("outbox event processed")
	}
	return true
}

func (d *OutboxDispatcher) markSucceeded(ctx context.Context, rec *models.OutboxEvent) {
	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusSucceeded,
			"processed_at":    &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
			"last_error":      nil,
		}).Error
}

// markFailed schedules a retry with exponential backoff, or goes terminal
// DEAD once attempts are exhausted.
func (d *OutboxDispatcher) markFailed(ctx context.Context, rec *models.OutboxEvent, cause error) {
	if d.MaxRetries > 0 && rec.AttemptCount >= d.MaxRetries {
		d.markDead(ctx, rec, cause)
		return
	}

	now := time.Now().UTC()
	msg := cause.Error()
	next := now.Add(backoffDuration(rec.AttemptCount, d.BaseBackoff, d.MaxBackoff))
	_ = d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusFailed,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	d.mu.Lock()
	d.failed++
	d.mu.Unlock()

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"business_id":     rec.BusinessId,
			"event_type":      rec.EventType,
			"record_id":       rec.ID,
			"attempt":         rec.AttemptCount,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("outbox processing failed: " + msg)
	}
}

// markDead is terminal: validation failures land here immediately, and
// transient failures after MaxRetries.
func (d *OutboxDispatcher) markDead(ctx context.Context, rec *models.OutboxEvent, cause error) {
	msg := cause.Error()
	_ = d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusDead,
			"last_error":      &msg,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	d.countDead()
	d.mu.Lock()
	d.failed++
	d.mu.Unlock()

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":       "OutboxDispatcher",
			"business_id": rec.BusinessId,
			"event_type":  rec.EventType,
			"record_id":   rec.ID,
			"attempt":     rec.AttemptCount,
		}).Error("outbox event moved to DEAD: " + msg)
	}
	d.publishDeadAlert(ctx, rec, msg)
}

func (d *OutboxDispatcher) publishDeadAlert(ctx context.Context, rec *models.OutboxEvent, msg string) {
	_, err := d.Alerts.Publish(ctx, config.Alert{
		Kind:          "OUTBOX_DEAD",
		BusinessId:    rec.BusinessId,
		CorrelationId: rec.CorrelationId,
		Details: map[string]string{
			"record_id":  fmt.Sprint(rec.ID),
			"event_type": string(rec.EventType),
			"error":      msg,
		},
	})
	if err != nil && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":     "OutboxDispatcher",
			"record_id": rec.ID,
		}).Warn("dead-letter alert publish failed: " + err.Error())
	}
}

func (d *OutboxDispatcher) countDead() {
	d.mu.Lock()
	d.dead++
	d.mu.Unlock()
}

func (d *OutboxDispatcher) Status() WorkerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return WorkerStatus{
		IsRunning:    d.running,
		DispatcherID: d.DispatcherID,
		StartedAt:    d.startedAt,
		LastPollAt:   d.lastPollAt,
		PollInterval: d.PollInterval,
		Processed:    d.processed,
		Failed:       d.failed,
		Dead:         d.dead,
		Skipped:      d.skipped,
	}
}

// Healthy pings the storage dependencies. Redis being down degrades caching
// and leader election but not correctness, so it is reported, not fatal.
func (d *OutboxDispatcher) Healthy(ctx context.Context) (bool, map[string]string) {
	details := map[string]string{"db": "ok", "redis": "ok"}
	ok := true

	sqlDB, err := d.DB.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		details["db"] = "unreachable"
		ok = false
	}
	if d.Redis != nil && d.Redis.Client != nil {
		if err := d.Redis.Client.Ping(ctx).Err(); err != nil {
			details["redis"] = "unreachable"
		}
	} else {
		details["redis"] = "not configured"
	}
	return ok, details
}

// backoffDuration is base * 2^attempt, capped.
func backoffDuration(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	return backoff
}
