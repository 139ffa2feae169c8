package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReverseJournalEntry corrects a posted journal without breaking ledger
// immutability: instead of editing lines, it inserts a mirror-image entry
// (debits and credits swapped), links the two, and voids the original's
// status. The net balance effect of the pair is zero.
func (e *PostingEngine) ReverseJournalEntry(ctx context.Context, businessId string, journalId int, reason string) (*models.JournalEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if businessId == "" {
		return nil, &utils.ValidationError{Field: "business_id", Message: "business id is required"}
	}
	if reason == "" {
		return nil, &utils.ValidationError{Field: "reason", Message: "reversal reason is required"}
	}

	original, err := models.GetJournalByID(ctx, e.DB, businessId, journalId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &utils.ValidationError{Field: "journal_id", Message: fmt.Sprintf("journal %d not found", journalId)}
		}
		return nil, utils.NewTransientError("load journal for reversal", err)
	}
	if original.IsReversal {
		return nil, &utils.ValidationError{Field: "journal_id", Message: "a reversal entry cannot itself be reversed"}
	}
	if original.ReversedByJournalId != nil {
		return nil, &utils.ValidationError{Field: "journal_id", Message: fmt.Sprintf("journal %d is already reversed by journal %d", journalId, *original.ReversedByJournalId)}
	}
	if original.Status != models.JournalStatusPosted {
		return nil, &utils.ValidationError{Field: "journal_id", Message: fmt.Sprintf("journal %d is %s, only posted journals can be reversed", journalId, original.Status)}
	}

	now := time.Now().UTC()
	var reversal *models.JournalEntry
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireBusinessPostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleaseBusinessPostingLock(tx, businessId)

		seqNo, journalNumber, err := e.Sequence.Next(ctx, tx, businessId)
		if err != nil {
			return err
		}

		lines := make([]models.JournalLine, 0, len(original.Lines))
		for _, line := range original.Lines {
			lines = append(lines, models.JournalLine{
				BusinessId:  businessId,
				AccountId:   line.AccountId,
				Debit:       line.Credit,
				Credit:      line.Debit,
				Description: "Reversal: " + line.Description,
			})
		}

		entry := models.JournalEntry{
			BusinessId:    businessId,
			JournalNumber: journalNumber,
			SequenceNo:    seqNo,
			// Distinct source id keeps the idempotency index satisfied
			// while still pointing back at the original event.
			SourceId:          fmt.Sprintf("%s:reversal:%d", original.SourceId, original.ID),
			TraceId:           traceIdFromContext(ctx, original.TraceId),
			Status:            models.JournalStatusPosted,
			Description:       fmt.Sprintf("Reversal of %s: %s", original.JournalNumber, reason),
			TotalDebit:        original.TotalCredit,
			TotalCredit:       original.TotalDebit,
			Lines:             lines,
			IsReversal:        true,
			ReversesJournalId: &original.ID,
			ReversalReason:    &reason,
			PostedAt:          &now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if utils.IsDuplicateKeyErr(err) {
				return &utils.ConflictError{BusinessId: businessId, SourceId: entry.SourceId}
			}
			return err
		}

		if err := tx.Model(&models.JournalEntry{}).
			Where("id = ? AND business_id = ?", original.ID, businessId).
			Updates(map[string]interface{}{
				"status":                 models.JournalStatusVoided,
				"reversed_by_journal_id": entry.ID,
				"reversal_reason":        reason,
				"reversed_at":            now,
			}).Error; err != nil {
			return err
		}

		reversal = &entry
		return nil
	})
	if err != nil {
		if utils.IsValidationError(err) || utils.IsConflictError(err) {
			return nil, err
		}
		return nil, utils.NewTransientError("reverse journal", err)
	}

	if e.Logger != nil {
		actor, _ := utils.GetActorNameFromContext(ctx)
		if actor == "" {
			actor = "system"
		}
		e.Logger.WithFields(logrus.Fields{
			"field":          "PostingEngine",
			"business_id":    businessId,
			"journal_id":     original.ID,
			"reversal_id":    reversal.ID,
			"journal_number": reversal.JournalNumber,
			"actor":          actor,
		}).Info("journal entry reversed")
	}
	return reversal, nil
}
