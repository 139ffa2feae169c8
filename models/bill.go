package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bill is the outstanding-bills subledger row. Written by the upstream
// purchasing service (same transaction as its outbox event); the pipeline
// only reads it, except for the APRecord linkage created at posting time.
type Bill struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	BillNumber   string          `gorm:"size:100;not null" json:"bill_number"`
	SupplierName string          `gorm:"size:255" json:"supplier_name"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Status       BillStatus      `gorm:"size:20;not null;default:'Outstanding';index" json:"status"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// APRecord is the accounts-payable subledger row, linked to both its bill
// and the journal that posted it. The reconciliation checker compares the
// sum of open records against the GL AP balance.
type APRecord struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	BillId     int             `gorm:"index" json:"bill_id"`
	JournalId  int             `gorm:"index" json:"journal_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status     APRecordStatus  `gorm:"size:20;not null;default:'Open';index" json:"status"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
