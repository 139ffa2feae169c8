package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// JournalEntry is the double-entry record of one business event.
// Created exactly once per distinct (business_id, source_id) pair; the
// unique index is the storage-level backstop for the idempotency check.
type JournalEntry struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"size:64;not null;index;index:uniq_journal_source,unique" json:"business_id"`
	JournalNumber string          `gorm:"size:40;not null;index" json:"journal_number"`
	SequenceNo    int64           `gorm:"not null;index" json:"sequence_no"`
	SourceId      string          `gorm:"size:128;not null;index:uniq_journal_source,unique" json:"source_id"`
	TraceId       string          `gorm:"size:64" json:"trace_id"`
	Status        JournalStatus   `gorm:"size:10;not null;default:'POSTED';index" json:"status"`
	Description   string          `gorm:"size:255" json:"description"`
	TotalDebit    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_debit"`
	TotalCredit   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_credit"`
	Lines         []JournalLine   `gorm:"foreignKey:JournalId" json:"lines"`
	// Ledger immutability & reversals:
	// - Posted journals are never deleted; corrections insert a reversal journal.
	// - For a given source_id there is at most one active journal where
	//   is_reversal = false AND reversed_by_journal_id IS NULL.
	IsReversal          bool       `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesJournalId   *int       `gorm:"index" json:"reverses_journal_id"`
	ReversedByJournalId *int       `gorm:"index" json:"reversed_by_journal_id"`
	ReversalReason      *string    `gorm:"type:text" json:"reversal_reason"`
	ReversedAt          *time.Time `gorm:"index" json:"reversed_at"`
	PostedAt            *time.Time `gorm:"index" json:"posted_at"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// JournalLine carries exactly one non-zero side. Owned by its entry.
type JournalLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;not null;index;index:idx_jl_biz_acct,priority:1" json:"business_id"`
	JournalId   int             `gorm:"index;not null" json:"journal_id"`
	AccountId   int             `gorm:"index;not null;index:idx_jl_biz_acct,priority:2" json:"account_id"`
	Debit       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
	Description string          `gorm:"size:255" json:"description"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Ledger immutability guardrails:
// - journal_lines are append-only (no updates/deletes).
// - journal_entries must never be deleted; limited updates are allowed only
//   for status and reversal linkage fields.

func (l *JournalLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_lines cannot be updated")
}

func (l *JournalLine) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_lines cannot be deleted")
}

func (j *JournalEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entries cannot be deleted")
}

func (j *JournalEntry) BeforeUpdate(tx *gorm.DB) error {
	allowed := map[string]bool{
		"Status":              true,
		"IsReversal":          true,
		"ReversesJournalId":   true,
		"ReversedByJournalId": true,
		"ReversalReason":      true,
		"ReversedAt":          true,
		"UpdatedAt":           true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("immutable ledger: only status and reversal linkage fields may be updated on journal_entries")
		}
	}
	return nil
}

// GetJournalBySourceId is the idempotency read path.
func GetJournalBySourceId(ctx context.Context, tx *gorm.DB, businessId, sourceId string) (*JournalEntry, error) {
	var entry JournalEntry
	err := tx.WithContext(ctx).
		Where("business_id = ? AND source_id = ?", businessId, sourceId).
		Preload("Lines").
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func GetJournalByID(ctx context.Context, tx *gorm.DB, businessId string, id int) (*JournalEntry, error) {
	var entry JournalEntry
	err := tx.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		Preload("Lines").
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AccountBalance returns sum(credit - debit) over posted, non-reversed
// journal lines for one account. Positive for credit-normal accounts (AP).
func AccountBalance(ctx context.Context, db *gorm.DB, businessId string, accountId int) (decimal.Decimal, error) {
	var raw *string
	err := db.WithContext(ctx).Raw(`
		SELECT CAST(COALESCE(SUM(jl.credit - jl.debit), 0) AS CHAR)
		FROM journal_lines jl
		JOIN journal_entries je ON je.id = jl.journal_id
		WHERE jl.business_id = ?
		  AND jl.account_id = ?
		  AND je.status = ?
		  AND je.is_reversal = ?
		  AND je.reversed_by_journal_id IS NULL
	`, businessId, accountId, JournalStatusPosted, false).Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil || *raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}
