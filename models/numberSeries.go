package models

import (
	"context"
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"gorm.io/gorm"
)

// JournalNumberSeries issues per-tenant sequential journal numbers.
// The Redis counter is a fast path seeded from the DB max; uniqueness is
// re-checked against the table before handing a number out, so a stale or
// absent counter can never produce a duplicate.
type JournalNumberSeries struct {
	Redis *config.Redis

	mu sync.Mutex
}

func NewJournalNumberSeries(r *config.Redis) *JournalNumberSeries {
	return &JournalNumberSeries{Redis: r}
}

// Next returns the next sequence number and its formatted journal number.
// Must be called inside the posting transaction so an aborted posting does
// not burn a visible gap in the ledger itself (the Redis counter may skip).
func (s *JournalNumberSeries) Next(ctx context.Context, tx *gorm.DB, businessId string) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := businessId + "-journal_seq"
	for {
		seqNo, err := s.Redis.Counter(ctx, cacheKey)
		if err != nil {
			return 0, "", err
		}
		// Counter missing (fresh Redis or no Redis at all): seed from DB.
		if seqNo <= 1 {
			var dbSeq *int64
			if err := tx.WithContext(ctx).Model(&JournalEntry{}).
				Select("max(sequence_no)").
				Where("business_id = ?", businessId).
				Scan(&dbSeq).Error; err != nil {
				return 0, "", err
			}
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			seqNo++
			if err := s.Redis.SetCounter(ctx, cacheKey, seqNo); err != nil {
				return 0, "", err
			}
		}

		var count int64
		if err := tx.WithContext(ctx).Model(&JournalEntry{}).
			Where("business_id = ? AND sequence_no = ?", businessId, seqNo).
			Count(&count).Error; err != nil {
			return 0, "", err
		}
		if count == 0 {
			return seqNo, FormatJournalNumber(seqNo), nil
		}
		// Collision with an existing row (counter behind): advance and retry.
		if _, err := s.Redis.Counter(ctx, cacheKey); err != nil {
			return 0, "", err
		}
	}
}

func FormatJournalNumber(seqNo int64) string {
	return fmt.Sprintf("JRN-%06d", seqNo)
}
