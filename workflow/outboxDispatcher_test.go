package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
)

func newTestDispatcher(t *testing.T) (*OutboxDispatcher, *PostingEngine) {
	t.Helper()
	engine, db := newTestEngine(t)
	return &OutboxDispatcher{
		DB:             db,
		Engine:         engine,
		DispatcherID:   "test-dispatcher",
		BatchSize:      10,
		PollInterval:   time.Second,
		LockTimeout:    time.Minute,
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
		PerItemTimeout: 5 * time.Second,
	}, engine
}

func fetchEvent(t *testing.T, d *OutboxDispatcher, id int) *models.OutboxEvent {
	t.Helper()
	event, err := models.GetOutboxEvent(context.Background(), d.DB, id)
	if err != nil {
		t.Fatalf("fetch event %d: %v", id, err)
	}
	return event
}

func TestProcessOutbox_PendingEvent_Succeeds(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	event := saleEvent(t, "biz-1", "pos-001", 750000, "cash")
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}

	processed, failed, err := d.ProcessOutbox(ctx, 10, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 1 || failed != 0 {
		t.Fatalf("expected 1 processed / 0 failed, got %d / %d", processed, failed)
	}

	after := fetchEvent(t, d, event.ID)
	if after.Status != models.OutboxStatusSucceeded {
		t.Fatalf("status %s, expected SUCCEEDED", after.Status)
	}
	if after.ProcessedAt == nil {
		t.Fatal("processed_at must be set")
	}
	if after.LockedBy != nil {
		t.Fatal("lock must be released after success")
	}

	if _, err := models.GetJournalBySourceId(ctx, d.DB, "biz-1", "pos-001"); err != nil {
		t.Fatalf("expected a posted journal: %v", err)
	}
}

func TestProcessOutbox_ValidationFailure_GoesDeadWithoutRetry(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	event := &models.OutboxEvent{
		BusinessId: "biz-1",
		EventType:  models.EventTypeSaleCompleted,
		Payload:    []byte(`{"total_amount": 100, "payment_method": "cash"}`), // no source_id
		Status:     models.OutboxStatusPending,
	}
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}

	if _, _, err := d.ProcessOutbox(ctx, 10, false); err != nil {
		t.Fatalf("process: %v", err)
	}

	after := fetchEvent(t, d, event.ID)
	if after.Status != models.OutboxStatusDead {
		t.Fatalf("status %s, expected DEAD", after.Status)
	}
	if after.LastError == nil || *after.LastError == "" {
		t.Fatal("dead event must record its error")
	}
	if after.AttemptCount != 1 {
		t.Fatalf("validation failure must not be retried, attempt_count=%d", after.AttemptCount)
	}
}

func TestProcessOutbox_DuplicateEvents_PostOnce(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	// The same business event enqueued twice (at-least-once delivery).
	first := saleEvent(t, "biz-1", "pos-dup", 50000, "cash")
	second := saleEvent(t, "biz-1", "pos-dup", 50000, "cash")
	if err := d.DB.Create(first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DB.Create(second).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	processed, failed, err := d.ProcessOutbox(ctx, 10, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 2 || failed != 0 {
		t.Fatalf("expected both events to succeed, got %d / %d", processed, failed)
	}

	var count int64
	if err := d.DB.Model(&models.JournalEntry{}).
		Where("business_id = ? AND source_id = ?", "biz-1", "pos-dup").
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one journal entry, got %d", count)
	}
	if got := d.Status().Skipped; got != 1 {
		t.Fatalf("expected 1 skipped (already posted), got %d", got)
	}
}

func TestClaimBatch_RespectsBackoffSchedule(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	event := saleEvent(t, "biz-1", "pos-wait", 100, "cash")
	event.Status = models.OutboxStatusFailed
	event.NextAttemptAt = &future
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := d.claimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("an event waiting on backoff must not be claimed, got %d", len(claimed))
	}
}

func TestClaimBatch_ReclaimsStaleProcessingLock(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-2 * d.LockTimeout)
	crashed := "crashed-dispatcher"
	event := saleEvent(t, "biz-1", "pos-stale", 100, "cash")
	event.Status = models.OutboxStatusProcessing
	event.LockedAt = &stale
	event.LockedBy = &crashed
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := d.claimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected the stale event to be reclaimed, got %d", len(claimed))
	}

	after := fetchEvent(t, d, event.ID)
	if after.LockedBy == nil || *after.LockedBy != d.DispatcherID {
		t.Fatal("reclaimed event must carry the new dispatcher's lock")
	}
}

func TestClaimBatch_ExhaustedAttempts_GoDead(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	event := saleEvent(t, "biz-1", "pos-exhausted", 100, "cash")
	event.Status = models.OutboxStatusFailed
	event.AttemptCount = d.MaxRetries
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := d.ProcessOutbox(ctx, 10, false); err != nil {
		t.Fatalf("process: %v", err)
	}

	after := fetchEvent(t, d, event.ID)
	if after.Status != models.OutboxStatusDead {
		t.Fatalf("status %s, expected DEAD after max retries", after.Status)
	}
	if got := d.Status().Dead; got != 1 {
		t.Fatalf("expected dead counter 1, got %d", got)
	}
}

func TestProcessOutbox_ForceRetry_ReplaysDeadEvents(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	msg := "poison"
	event := saleEvent(t, "biz-1", "pos-replay", 60000, "cash")
	event.Status = models.OutboxStatusDead
	event.AttemptCount = d.MaxRetries
	event.LastError = &msg
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	// Without force, DEAD is terminal.
	if _, _, err := d.ProcessOutbox(ctx, 10, false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if after := fetchEvent(t, d, event.ID); after.Status != models.OutboxStatusDead {
		t.Fatalf("DEAD event must stay DEAD without force, got %s", after.Status)
	}

	processed, _, err := d.ProcessOutbox(ctx, 10, true)
	if err != nil {
		t.Fatalf("force process: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected the replayed event to process, got %d", processed)
	}

	after := fetchEvent(t, d, event.ID)
	if after.Status != models.OutboxStatusSucceeded {
		t.Fatalf("status %s, expected SUCCEEDED after force retry", after.Status)
	}
	if after.LastError != nil {
		t.Fatal("last_error must be cleared on success")
	}
}

func TestProcessOutbox_SucceededEventsAreNeverReclaimed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	event := saleEvent(t, "biz-1", "pos-done", 100, "cash")
	if err := d.DB.Create(event).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := d.ProcessOutbox(ctx, 10, false); err != nil {
		t.Fatalf("process: %v", err)
	}

	// A second pass, even with force, must not touch the succeeded event.
	processed, failed, err := d.ProcessOutbox(ctx, 10, true)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Fatalf("expected nothing to process, got %d / %d", processed, failed)
	}
}

func TestBackoffDuration_DoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	max := 10 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{10, 10 * time.Minute}, // capped
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt, base, max); got != tc.want {
			t.Errorf("backoffDuration(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDispatcherStatus_TracksCounters(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	good := saleEvent(t, "biz-1", "pos-ok", 100, "cash")
	bad := &models.OutboxEvent{
		BusinessId: "biz-1",
		EventType:  models.EventTypeSaleCompleted,
		Payload:    []byte(`not json`),
		Status:     models.OutboxStatusPending,
	}
	if err := d.DB.Create(good).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DB.Create(bad).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := d.ProcessOutbox(ctx, 10, false); err != nil {
		t.Fatalf("process: %v", err)
	}

	status := d.Status()
	if status.Processed != 1 {
		t.Errorf("processed = %d, want 1", status.Processed)
	}
	if status.Failed != 1 {
		t.Errorf("failed = %d, want 1", status.Failed)
	}
	if status.Dead != 1 {
		t.Errorf("dead = %d, want 1", status.Dead)
	}
	if status.DispatcherID != "test-dispatcher" {
		t.Errorf("dispatcher id = %q", status.DispatcherID)
	}
}
