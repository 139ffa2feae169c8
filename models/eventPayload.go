package models

import (
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Payment methods accepted by the posting payloads.
const (
	PaymentMethodCash   = "cash"
	PaymentMethodCredit = "credit"
	PaymentMethodBank   = "bank"
)

// SaleCompletedPayload is the sale.completed outbox payload.
type SaleCompletedPayload struct {
	SourceId         string          `json:"source_id" validate:"required"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaymentMethod    string          `json:"payment_method" validate:"required,oneof=cash credit bank"`
	CounterpartyName string          `json:"counterparty_name"`
	Description      string          `json:"description"`
	Quantity         float64         `json:"quantity"`
	ProductType      string          `json:"product_type"`
}

// PurchaseCompletedPayload is the purchase.completed outbox payload.
// BillId links the posted journal back to the bills/AP subledgers.
type PurchaseCompletedPayload struct {
	SourceId         string          `json:"source_id" validate:"required"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaymentMethod    string          `json:"payment_method" validate:"required,oneof=cash credit bank"`
	CounterpartyName string          `json:"counterparty_name"`
	Description      string          `json:"description"`
	BillId           int             `json:"bill_id"`
}

// ExpenseRecordedPayload is the expense.recorded outbox payload.
// ExpenseAccount optionally names a chart-of-accounts code.
type ExpenseRecordedPayload struct {
	SourceId         string          `json:"source_id" validate:"required"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaymentMethod    string          `json:"payment_method" validate:"required,oneof=cash credit bank"`
	CounterpartyName string          `json:"counterparty_name"`
	Description      string          `json:"description"`
	ExpenseAccount   string          `json:"expense_account"`
}

// EventPayload is the tagged union decoded from an outbox event's raw
// payload. Exactly one variant is set; Raw keeps the original fields for
// rule-context evaluation.
type EventPayload struct {
	Sale     *SaleCompletedPayload
	Purchase *PurchaseCompletedPayload
	Expense  *ExpenseRecordedPayload

	Raw map[string]interface{}
}

// ParseEventPayload decodes and validates the payload for its event type.
// Schema problems return a ValidationError (permanent, never retried).
func ParseEventPayload(eventType EventType, raw []byte) (*EventPayload, error) {
	if !eventType.Valid() {
		return nil, utils.NewValidationError("event_type", fmt.Sprintf("unknown event type %q", eventType))
	}
	if len(raw) == 0 {
		return nil, utils.NewValidationError("payload", "empty payload")
	}

	var rawMap map[string]interface{}
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return nil, utils.NewValidationError("payload", "not valid JSON: "+err.Error())
	}

	payload := &EventPayload{Raw: rawMap}
	var target interface{}
	switch eventType {
	case EventTypeSaleCompleted:
		payload.Sale = &SaleCompletedPayload{}
		target = payload.Sale
	case EventTypePurchaseCompleted:
		payload.Purchase = &PurchaseCompletedPayload{}
		target = payload.Purchase
	case EventTypeExpenseRecorded:
		payload.Expense = &ExpenseRecordedPayload{}
		target = payload.Expense
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, utils.NewValidationError("payload", "schema mismatch: "+err.Error())
	}
	if err := validate.Struct(target); err != nil {
		return nil, utils.NewValidationError("payload", err.Error())
	}
	if payload.TotalAmount().LessThanOrEqual(decimal.Zero) {
		return nil, utils.NewValidationError("total_amount", "must be greater than zero")
	}
	return payload, nil
}

func (p *EventPayload) SourceId() string {
	switch {
	case p.Sale != nil:
		return p.Sale.SourceId
	case p.Purchase != nil:
		return p.Purchase.SourceId
	case p.Expense != nil:
		return p.Expense.SourceId
	}
	return ""
}

func (p *EventPayload) TotalAmount() decimal.Decimal {
	switch {
	case p.Sale != nil:
		return p.Sale.TotalAmount
	case p.Purchase != nil:
		return p.Purchase.TotalAmount
	case p.Expense != nil:
		return p.Expense.TotalAmount
	}
	return decimal.Zero
}

func (p *EventPayload) PaymentMethod() string {
	switch {
	case p.Sale != nil:
		return p.Sale.PaymentMethod
	case p.Purchase != nil:
		return p.Purchase.PaymentMethod
	case p.Expense != nil:
		return p.Expense.PaymentMethod
	}
	return ""
}

func (p *EventPayload) Description() string {
	switch {
	case p.Sale != nil:
		return p.Sale.Description
	case p.Purchase != nil:
		return p.Purchase.Description
	case p.Expense != nil:
		return p.Expense.Description
	}
	return ""
}
