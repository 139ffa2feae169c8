package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// PostingResult reports the journal for an event. AlreadyPosted means the
// (business_id, source_id) pair had been posted before and nothing changed.
type PostingResult struct {
	JournalId     int
	JournalNumber string
	AlreadyPosted bool
}

// PostingEngine turns business events into balanced, idempotent journal
// entries. Safe for concurrent use: the (business_id, source_id) unique
// index is the backstop for the check-then-insert race.
type PostingEngine struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Rules    *RuleStore
	Sequence *models.JournalNumberSeries
}

func NewPostingEngine(db *gorm.DB, logger *logrus.Logger, rules *RuleStore, sequence *models.JournalNumberSeries) *PostingEngine {
	return &PostingEngine{DB: db, Logger: logger, Rules: rules, Sequence: sequence}
}

// Post posts one outbox event. Validation failures are permanent
// (ValidationError); storage trouble is retryable (TransientError); a
// concurrent duplicate resolves to the existing entry, never an error.
func (e *PostingEngine) Post(ctx context.Context, event *models.OutboxEvent) (*PostingResult, error) {
	payload, err := models.ParseEventPayload(event.EventType, event.Payload)
	if err != nil {
		return nil, err
	}
	businessId := event.BusinessId
	sourceId := payload.SourceId()
	ctx = utils.SetBusinessIdInContext(ctx, businessId)

	// Idempotency read path: a retry of an already-posted event is a no-op.
	if existing, err := models.GetJournalBySourceId(ctx, e.DB, businessId, sourceId); err == nil {
		return &PostingResult{
			JournalId:     existing.ID,
			JournalNumber: existing.JournalNumber,
			AlreadyPosted: true,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewTransientError("idempotency lookup", err)
	}

	var result PostingResult
	txErr := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireBusinessPostingLock(tx, businessId); err != nil {
			return utils.NewTransientError("posting lock", err)
		}
		defer ReleaseBusinessPostingLock(tx, businessId)

		if err := models.SeedDefaultAccounts(ctx, tx, businessId); err != nil {
			return utils.NewTransientError("seed accounts", err)
		}

		lines, description, err := e.buildLines(ctx, tx, event, payload)
		if err != nil {
			return err
		}
		totalDebit, totalCredit, err := journalTotals(lines)
		if err != nil {
			return err
		}

		seqNo, journalNumber, err := e.Sequence.Next(ctx, tx, businessId)
		if err != nil {
			return utils.NewTransientError("journal number", err)
		}

		now := time.Now().UTC()
		entry := models.JournalEntry{
			BusinessId:    businessId,
			JournalNumber: journalNumber,
			SequenceNo:    seqNo,
			SourceId:      sourceId,
			TraceId:       traceIdFromContext(ctx, event.CorrelationId),
			Status:        models.JournalStatusPosted,
			Description:   description,
			TotalDebit:    totalDebit,
			TotalCredit:   totalCredit,
			Lines:         lines,
			PostedAt:      &now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if utils.IsDuplicateKeyErr(err) {
				return &utils.ConflictError{BusinessId: businessId, SourceId: sourceId}
			}
			return utils.NewTransientError("persist journal", err)
		}

		// Purchases on credit keep the AP subledger linked to the journal.
		if payload.Purchase != nil && payload.Purchase.PaymentMethod == models.PaymentMethodCredit && payload.Purchase.BillId > 0 {
			record := models.APRecord{
				BusinessId: businessId,
				BillId:     payload.Purchase.BillId,
				JournalId:  entry.ID,
				Amount:     payload.Purchase.TotalAmount,
				Status:     models.APRecordStatusOpen,
			}
			if err := tx.Create(&record).Error; err != nil {
				return utils.NewTransientError("persist ap record", err)
			}
		}

		result = PostingResult{JournalId: entry.ID, JournalNumber: entry.JournalNumber}
		return nil
	})

	if txErr != nil {
		// Constraint violation means a concurrent worker won the insert:
		// re-fetch and return its entry rather than erroring.
		if utils.IsConflictError(txErr) {
			existing, err := models.GetJournalBySourceId(ctx, e.DB, businessId, sourceId)
			if err != nil {
				return nil, utils.NewTransientError("conflict re-fetch", err)
			}
			if e.Logger != nil {
				e.Logger.WithFields(logrus.Fields{
					"field":       "PostingEngine",
					"business_id": businessId,
					"source_id":   sourceId,
					"journal_id":  existing.ID,
				}).Info("duplicate posting resolved to existing journal")
			}
			return &PostingResult{
				JournalId:     existing.ID,
				JournalNumber: existing.JournalNumber,
				AlreadyPosted: true,
			}, nil
		}
		return nil, txErr
	}

	if e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"field":          "PostingEngine",
			"business_id":    businessId,
			"source_id":      sourceId,
			"event_type":     event.EventType,
			"journal_id":     result.JournalId,
			"journal_number": result.JournalNumber,
		}).Info("journal posted")
	}
	return &result, nil
}

// buildLines resolves accounts through the rule engine and constructs the
// balanced debit/credit lines for the event type.
func (e *PostingEngine) buildLines(ctx context.Context, tx *gorm.DB, event *models.OutboxEvent, payload *models.EventPayload) ([]models.JournalLine, string, error) {
	switch event.EventType {
	case models.EventTypeSaleCompleted:
		return e.buildSaleLines(ctx, tx, event.BusinessId, payload)
	case models.EventTypePurchaseCompleted:
		return e.buildPurchaseLines(ctx, tx, event.BusinessId, payload)
	case models.EventTypeExpenseRecorded:
		return e.buildExpenseLines(ctx, tx, event.BusinessId, payload)
	}
	return nil, "", utils.NewValidationError("event_type", fmt.Sprintf("unknown event type %q", event.EventType))
}

func (e *PostingEngine) buildSaleLines(ctx context.Context, tx *gorm.DB, businessId string, payload *models.EventPayload) ([]models.JournalLine, string, error) {
	total := payload.TotalAmount()

	receivableRole := models.SystemAccountAR
	if isImmediatePayment(payload.PaymentMethod()) {
		receivableRole = models.SystemAccountCash
	}
	debitAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "receivable", receivableRole)
	if err != nil {
		return nil, "", err
	}
	revenueAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "revenue", models.SystemAccountSales)
	if err != nil {
		return nil, "", err
	}

	taxAmount, err := e.resolveTaxAmount(ctx, businessId, payload, total)
	if err != nil {
		return nil, "", err
	}
	discountAmount, err := e.resolveDiscountAmount(ctx, businessId, payload, total)
	if err != nil {
		return nil, "", err
	}

	description := payload.Description()
	if description == "" {
		description = "Sale " + payload.SourceId()
	}

	lines := []models.JournalLine{
		{BusinessId: businessId, AccountId: debitAccount.ID, Debit: total, Description: description},
	}
	if discountAmount.GreaterThan(decimal.Zero) {
		discountAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "discount", models.SystemAccountDiscount)
		if err != nil {
			return nil, "", err
		}
		lines = append(lines, models.JournalLine{
			BusinessId: businessId, AccountId: discountAccount.ID, Debit: discountAmount, Description: "Sales discount",
		})
	}
	if taxAmount.GreaterThan(decimal.Zero) {
		taxAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "tax", models.SystemAccountTaxPayable)
		if err != nil {
			return nil, "", err
		}
		lines = append(lines, models.JournalLine{
			BusinessId: businessId, AccountId: taxAccount.ID, Credit: taxAmount, Description: "Output tax",
		})
	}
	revenue := total.Sub(taxAmount).Add(discountAmount)
	lines = append(lines, models.JournalLine{
		BusinessId: businessId, AccountId: revenueAccount.ID, Credit: revenue, Description: description,
	})
	return lines, description, nil
}

func (e *PostingEngine) buildPurchaseLines(ctx context.Context, tx *gorm.DB, businessId string, payload *models.EventPayload) ([]models.JournalLine, string, error) {
	total := payload.TotalAmount()

	inventoryAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "inventory", models.SystemAccountInventory)
	if err != nil {
		return nil, "", err
	}
	creditRole := models.SystemAccountAP
	if isImmediatePayment(payload.PaymentMethod()) {
		creditRole = models.SystemAccountCash
	}
	creditAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "payable", creditRole)
	if err != nil {
		return nil, "", err
	}

	description := payload.Description()
	if description == "" {
		description = "Purchase " + payload.SourceId()
	}
	lines := []models.JournalLine{
		{BusinessId: businessId, AccountId: inventoryAccount.ID, Debit: total, Description: description},
		{BusinessId: businessId, AccountId: creditAccount.ID, Credit: total, Description: description},
	}
	return lines, description, nil
}

func (e *PostingEngine) buildExpenseLines(ctx context.Context, tx *gorm.DB, businessId string, payload *models.EventPayload) ([]models.JournalLine, string, error) {
	total := payload.TotalAmount()

	var expenseAccount *models.Account
	var err error
	if code := payload.Expense.ExpenseAccount; code != "" {
		expenseAccount, err = models.GetAccountByCode(ctx, tx, businessId, code)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", utils.NewValidationError("expense_account", fmt.Sprintf("no active account with code %q", code))
		}
		if err != nil {
			return nil, "", utils.NewTransientError("expense account lookup", err)
		}
	} else {
		expenseAccount, err = e.resolveAccount(ctx, tx, businessId, payload, "expense", models.SystemAccountExpense)
		if err != nil {
			return nil, "", err
		}
	}

	creditRole := models.SystemAccountAP
	if isImmediatePayment(payload.PaymentMethod()) {
		creditRole = models.SystemAccountCash
	}
	creditAccount, err := e.resolveAccount(ctx, tx, businessId, payload, "payable", creditRole)
	if err != nil {
		return nil, "", err
	}

	description := payload.Description()
	if description == "" {
		description = "Expense " + payload.SourceId()
	}
	lines := []models.JournalLine{
		{BusinessId: businessId, AccountId: expenseAccount.ID, Debit: total, Description: description},
		{BusinessId: businessId, AccountId: creditAccount.ID, Credit: total, Description: description},
	}
	return lines, description, nil
}

// resolveAccount consults product_mapping rules (context = payload fields
// plus the posting role), falling back to the tenant's default account for
// the role's system code.
func (e *PostingEngine) resolveAccount(ctx context.Context, tx *gorm.DB, businessId string, payload *models.EventPayload, role, fallbackSystemCode string) (*models.Account, error) {
	rules, err := e.Rules.GetRules(ctx, businessId, models.RuleTypeProductMapping)
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		match := EvaluateRules(rules, ruleContext(payload, role))
		if match.Matched {
			if code, ok := match.Action["account_code"].(string); ok && code != "" {
				account, err := models.GetAccountByCode(ctx, tx, businessId, code)
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, utils.NewValidationError("account_code", fmt.Sprintf("rule %s maps to unknown account code %q", match.RuleId, code))
				}
				if err != nil {
					return nil, utils.NewTransientError("mapped account lookup", err)
				}
				return account, nil
			}
		}
	}

	account, err := models.GetAccountBySystemCode(ctx, tx, businessId, fallbackSystemCode)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewValidationError("account", fmt.Sprintf("no default account for role %s (%s)", role, fallbackSystemCode))
	}
	if err != nil {
		return nil, utils.NewTransientError("default account lookup", err)
	}
	return account, nil
}

func (e *PostingEngine) resolveTaxAmount(ctx context.Context, businessId string, payload *models.EventPayload, total decimal.Decimal) (decimal.Decimal, error) {
	rules, err := e.Rules.GetRules(ctx, businessId, models.RuleTypeTaxCalculation)
	if err != nil {
		return decimal.Zero, err
	}
	match := EvaluateRules(rules, ruleContext(payload, "tax"))
	if !match.Matched {
		return decimal.Zero, nil
	}
	rate, ok := actionDecimal(match.Action, "tax_rate")
	if !ok {
		return decimal.Zero, utils.NewValidationError("tax_rate", fmt.Sprintf("rule %s action has no numeric tax_rate", match.RuleId))
	}
	// Rates are whole percentages; totals are tax-inclusive.
	return utils.CalculateInclusiveTaxAmount(total, rate), nil
}

func (e *PostingEngine) resolveDiscountAmount(ctx context.Context, businessId string, payload *models.EventPayload, total decimal.Decimal) (decimal.Decimal, error) {
	rules, err := e.Rules.GetRules(ctx, businessId, models.RuleTypeDiscountCalculation)
	if err != nil {
		return decimal.Zero, err
	}
	match := EvaluateRules(rules, ruleContext(payload, "discount"))
	if !match.Matched {
		return decimal.Zero, nil
	}
	rate, ok := actionDecimal(match.Action, "discount_rate")
	if !ok {
		return decimal.Zero, utils.NewValidationError("discount_rate", fmt.Sprintf("rule %s action has no numeric discount_rate", match.RuleId))
	}
	return utils.CalculateDiscountAmount(total, rate), nil
}

// ruleContext copies the raw payload fields and adds the posting role so
// tenant rules can discriminate by role without the engine guessing.
func ruleContext(payload *models.EventPayload, role string) map[string]interface{} {
	ctx := make(map[string]interface{}, len(payload.Raw)+1)
	for k, v := range payload.Raw {
		ctx[k] = v
	}
	ctx["role"] = role
	return ctx
}

func actionDecimal(action map[string]interface{}, key string) (decimal.Decimal, bool) {
	switch v := action[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func isImmediatePayment(method string) bool {
	return method == models.PaymentMethodCash || method == models.PaymentMethodBank
}

// journalTotals verifies each line carries exactly one non-zero side and
// that debits equal credits. An unbalanced journal is rejected, never
// silently forced to balance.
func journalTotals(lines []models.JournalLine) (decimal.Decimal, decimal.Decimal, error) {
	if len(lines) < 2 {
		return decimal.Zero, decimal.Zero, utils.NewValidationError("lines", "journal requires at least two lines")
	}
	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for i, line := range lines {
		debitSet := line.Debit.GreaterThan(decimal.Zero)
		creditSet := line.Credit.GreaterThan(decimal.Zero)
		if debitSet == creditSet {
			return decimal.Zero, decimal.Zero, utils.NewValidationError("lines",
				fmt.Sprintf("line %d must have exactly one non-zero side (debit=%s credit=%s)", i, line.Debit, line.Credit))
		}
		totalDebit = totalDebit.Add(line.Debit)
		totalCredit = totalCredit.Add(line.Credit)
	}
	if !totalDebit.Equal(totalCredit) {
		return decimal.Zero, decimal.Zero, utils.NewValidationError("lines",
			fmt.Sprintf("journal does not balance: debit=%s credit=%s", totalDebit, totalCredit))
	}
	return totalDebit, totalCredit, nil
}

func traceIdFromContext(ctx context.Context, fallback string) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return fallback
}
