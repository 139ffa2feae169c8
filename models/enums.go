package models

type EventType string

const (
	EventTypeSaleCompleted     EventType = "sale.completed"
	EventTypePurchaseCompleted EventType = "purchase.completed"
	EventTypeExpenseRecorded   EventType = "expense.recorded"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeSaleCompleted, EventTypePurchaseCompleted, EventTypeExpenseRecorded:
		return true
	}
	return false
}

// Outbox processing statuses. Keep these as strings (DB values).
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSucceeded  = "SUCCEEDED"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

type JournalStatus string

const (
	JournalStatusDraft  JournalStatus = "DRAFT"
	JournalStatusPosted JournalStatus = "POSTED"
	JournalStatusVoided JournalStatus = "VOIDED"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

// System account codes resolved by the posting engine when no tenant rule
// maps an account explicitly.
const (
	SystemAccountCash       = "CASH"
	SystemAccountAR         = "AR"
	SystemAccountAP         = "AP"
	SystemAccountSales      = "SALES"
	SystemAccountCOGS       = "COGS"
	SystemAccountInventory  = "INV"
	SystemAccountTaxPayable = "TAX"
	SystemAccountDiscount   = "DSC"
	SystemAccountExpense    = "EXP"
)

type RuleType string

const (
	RuleTypeProductMapping      RuleType = "product_mapping"
	RuleTypeTaxCalculation      RuleType = "tax_calculation"
	RuleTypeDiscountCalculation RuleType = "discount_calculation"
	RuleTypeInventoryAlert      RuleType = "inventory_alert"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeProductMapping, RuleTypeTaxCalculation, RuleTypeDiscountCalculation, RuleTypeInventoryAlert:
		return true
	}
	return false
}

type BillStatus string

const (
	BillStatusOutstanding BillStatus = "Outstanding"
	BillStatusPaid        BillStatus = "Paid"
	BillStatusVoid        BillStatus = "Void"
)

type APRecordStatus string

const (
	APRecordStatusOpen    APRecordStatus = "Open"
	APRecordStatusSettled APRecordStatus = "Settled"
)
