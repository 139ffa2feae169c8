package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T) (*PostingEngine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	ruleStore := NewRuleStore(db, nil, nil, 0)
	sequence := models.NewJournalNumberSeries(nil)
	return NewPostingEngine(db, nil, ruleStore, sequence), db
}

func saleEvent(t *testing.T, businessId, sourceId string, amount int64, paymentMethod string) *models.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"source_id":      sourceId,
		"total_amount":   amount,
		"payment_method": paymentMethod,
		"description":    "POS sale",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.OutboxEvent{
		BusinessId: businessId,
		EventType:  models.EventTypeSaleCompleted,
		Payload:    payload,
		Status:     models.OutboxStatusPending,
	}
}

func accountBySystemCode(t *testing.T, db *gorm.DB, businessId, systemCode string) *models.Account {
	t.Helper()
	account, err := models.GetAccountBySystemCode(context.Background(), db, businessId, systemCode)
	if err != nil {
		t.Fatalf("account %s: %v", systemCode, err)
	}
	return account
}

func TestPost_CashSale_DebitsCashCreditsRevenue(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	event := saleEvent(t, "biz-1", "pos-001", 750000, "cash")
	result, err := engine.Post(ctx, event)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.AlreadyPosted {
		t.Fatal("first posting must not report AlreadyPosted")
	}
	if result.JournalNumber == "" {
		t.Fatal("expected a journal number")
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "pos-001")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	if len(entry.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entry.Lines))
	}
	if !entry.TotalDebit.Equal(entry.TotalCredit) {
		t.Fatalf("journal not balanced: debit=%s credit=%s", entry.TotalDebit, entry.TotalCredit)
	}
	if !entry.TotalDebit.Equal(decimal.NewFromInt(750000)) {
		t.Fatalf("expected total 750000, got %s", entry.TotalDebit)
	}

	cash := accountBySystemCode(t, db, "biz-1", models.SystemAccountCash)
	sales := accountBySystemCode(t, db, "biz-1", models.SystemAccountSales)
	var gotDebit, gotCredit bool
	for _, line := range entry.Lines {
		if line.AccountId == cash.ID && line.Debit.Equal(decimal.NewFromInt(750000)) {
			gotDebit = true
		}
		if line.AccountId == sales.ID && line.Credit.Equal(decimal.NewFromInt(750000)) {
			gotCredit = true
		}
	}
	if !gotDebit {
		t.Error("expected a 750000 debit to the cash account")
	}
	if !gotCredit {
		t.Error("expected a 750000 credit to the sales revenue account")
	}
}

func TestPost_CreditSale_DebitsReceivable(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "inv-001", 120000, "credit")); err != nil {
		t.Fatalf("post: %v", err)
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "inv-001")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	ar := accountBySystemCode(t, db, "biz-1", models.SystemAccountAR)
	found := false
	for _, line := range entry.Lines {
		if line.AccountId == ar.ID && line.Debit.Equal(decimal.NewFromInt(120000)) {
			found = true
		}
	}
	if !found {
		t.Fatal("credit sale must debit accounts receivable, not cash")
	}
}

func TestPost_SameSourceTwice_IsIdempotent(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-dup", 50000, "cash"))
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-dup", 50000, "cash"))
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if !second.AlreadyPosted {
		t.Fatal("second posting must report AlreadyPosted")
	}
	if second.JournalId != first.JournalId {
		t.Fatalf("expected journal %d, got %d", first.JournalId, second.JournalId)
	}

	var count int64
	if err := db.Model(&models.JournalEntry{}).
		Where("business_id = ? AND source_id = ?", "biz-1", "pos-dup").
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one journal entry, got %d", count)
	}
}

func TestPost_LosingTheInsertRace_ResolvesToExistingJournal(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	// Simulate a concurrent worker: after Post's idempotency read comes
	// back empty, commit a journal for the same (business_id, source_id)
	// so Post's own insert hits the unique index.
	raced := false
	err := db.Callback().Query().After("gorm:query").Register("race_competitor", func(tx *gorm.DB) {
		if raced || tx.Statement.Schema == nil || tx.Statement.Schema.Table != "journal_entries" {
			return
		}
		raced = true
		now := time.Now().UTC()
		// Session copies tx.Error (ErrRecordNotFound from the idempotency
		// read), which would silently skip the Exec; clear it first.
		competitor := tx.Session(&gorm.Session{NewDB: true})
		competitor.Error = nil
		if err := competitor.Exec(`
			INSERT INTO journal_entries
				(business_id, journal_number, sequence_no, source_id, status,
				 is_reversal, total_debit, total_credit, posted_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			"biz-1", "JRN-009999", 9999, "pos-raced", models.JournalStatusPosted,
			false, 750, 750, now, now, now).Error; err != nil {
			t.Errorf("competing insert: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	result, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-raced", 750, "cash"))
	if err != nil {
		t.Fatalf("post after lost race: %v", err)
	}
	if !result.AlreadyPosted {
		t.Fatal("losing the insert race must resolve to AlreadyPosted")
	}
	if result.JournalNumber != "JRN-009999" {
		t.Fatalf("journal number %q, expected the winner's JRN-009999", result.JournalNumber)
	}

	var count int64
	if err := db.Model(&models.JournalEntry{}).
		Where("business_id = ? AND source_id = ?", "biz-1", "pos-raced").
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one journal for the pair, got %d", count)
	}
}

func TestJournalUniqueIndex_BackstopsTheIdempotencyRace(t *testing.T) {
	_, db := newTestEngine(t)

	first := models.JournalEntry{
		BusinessId:    "biz-1",
		JournalNumber: "JRN-000001",
		SequenceNo:    1,
		SourceId:      "pos-race",
		Status:        models.JournalStatusPosted,
	}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// A concurrent worker that passed the idempotency read and inserts the
	// same pair must hit the unique index, and the failure must be
	// recognizable as a duplicate-key violation.
	second := models.JournalEntry{
		BusinessId:    "biz-1",
		JournalNumber: "JRN-000002",
		SequenceNo:    2,
		SourceId:      "pos-race",
		Status:        models.JournalStatusPosted,
	}
	err := db.Create(&second).Error
	if err == nil {
		t.Fatal("duplicate (business_id, source_id) insert must fail")
	}
	if !utils.IsDuplicateKeyErr(err) {
		t.Fatalf("expected a duplicate-key violation, got %v", err)
	}
}

func TestPost_SameSourceDifferentBusinesses_BothPost(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := engine.Post(ctx, saleEvent(t, "biz-a", "pos-001", 1000, "cash"))
	if err != nil {
		t.Fatalf("post biz-a: %v", err)
	}
	b, err := engine.Post(ctx, saleEvent(t, "biz-b", "pos-001", 2000, "cash"))
	if err != nil {
		t.Fatalf("post biz-b: %v", err)
	}
	if a.AlreadyPosted || b.AlreadyPosted {
		t.Fatal("same source id under different businesses must post independently")
	}
}

func TestPost_InvalidPayload_IsValidationError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"source_id": `},
		{"missing source_id", `{"total_amount": 100, "payment_method": "cash"}`},
		{"non-positive amount", `{"source_id": "x", "total_amount": 0, "payment_method": "cash"}`},
		{"bad payment method", `{"source_id": "x", "total_amount": 100, "payment_method": "barter"}`},
	}
	for _, tc := range cases {
		event := &models.OutboxEvent{
			BusinessId: "biz-1",
			EventType:  models.EventTypeSaleCompleted,
			Payload:    []byte(tc.payload),
		}
		_, err := engine.Post(ctx, event)
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !utils.IsValidationError(err) {
			t.Errorf("%s: expected ValidationError, got %T: %v", tc.name, err, err)
		}
	}
}

func TestPost_CreditPurchase_CreatesAPRecord(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	if err := db.Create(&models.Bill{
		BusinessId:  "biz-1",
		BillNumber:  "BILL-001",
		TotalAmount: decimal.NewFromInt(300000),
		Status:      models.BillStatusOutstanding,
	}).Error; err != nil {
		t.Fatalf("create bill: %v", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"source_id":      "po-001",
		"total_amount":   300000,
		"payment_method": "credit",
		"bill_id":        1,
	})
	event := &models.OutboxEvent{
		BusinessId: "biz-1",
		EventType:  models.EventTypePurchaseCompleted,
		Payload:    payload,
	}
	result, err := engine.Post(ctx, event)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	var record models.APRecord
	if err := db.Where("business_id = ? AND bill_id = ?", "biz-1", 1).First(&record).Error; err != nil {
		t.Fatalf("ap record: %v", err)
	}
	if record.JournalId != result.JournalId {
		t.Fatalf("ap record journal %d, expected %d", record.JournalId, result.JournalId)
	}
	if !record.Amount.Equal(decimal.NewFromInt(300000)) {
		t.Fatalf("ap record amount %s, expected 300000", record.Amount)
	}
	if record.Status != models.APRecordStatusOpen {
		t.Fatalf("ap record status %s, expected Open", record.Status)
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "po-001")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	ap := accountBySystemCode(t, db, "biz-1", models.SystemAccountAP)
	found := false
	for _, line := range entry.Lines {
		if line.AccountId == ap.ID && line.Credit.Equal(decimal.NewFromInt(300000)) {
			found = true
		}
	}
	if !found {
		t.Fatal("credit purchase must credit accounts payable")
	}
}

func TestPost_ProductMappingRule_OverridesRevenueAccount(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	// Seed the default chart first, then add a tenant-specific revenue
	// account and a rule routing cash sales to it.
	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "seed", 100, "cash")); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	active := true
	if err := db.Create(&models.Account{
		BusinessId: "biz-1",
		Code:       "4100",
		Name:       "Walk-in Sales",
		MainType:   models.AccountMainTypeIncome,
		IsActive:   &active,
	}).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	rule, err := models.NewRule("walk-in", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{
			"condition_type": "AND",
			"conditions": []interface{}{
				map[string]interface{}{"role": "revenue"},
				map[string]interface{}{"payment_method": "cash"},
			},
		},
		map[string]interface{}{"account_code": "4100"}, 10, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if _, err := engine.Rules.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-map", 9000, "cash")); err != nil {
		t.Fatalf("post: %v", err)
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "pos-map")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	mapped, err := models.GetAccountByCode(ctx, db, "biz-1", "4100")
	if err != nil {
		t.Fatalf("mapped account: %v", err)
	}
	found := false
	for _, line := range entry.Lines {
		if line.AccountId == mapped.ID && line.Credit.Equal(decimal.NewFromInt(9000)) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected revenue credited to the rule-mapped account")
	}
}

func TestPost_RuleMappingToUnknownAccount_IsValidationError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	rule, err := models.NewRule("broken", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "9999"}, 10, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if _, err := engine.Rules.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	_, err = engine.Post(ctx, saleEvent(t, "biz-1", "pos-bad-map", 100, "cash"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !utils.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestPost_TaxRule_SplitsOutputTax(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	rule, err := models.NewRule("vat-5", "biz-1", models.RuleTypeTaxCalculation,
		map[string]interface{}{"payment_method": "in cash, credit, bank"},
		map[string]interface{}{"tax_rate": 5}, 10, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if _, err := engine.Rules.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-tax", 105000, "cash")); err != nil {
		t.Fatalf("post: %v", err)
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "pos-tax")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	if !entry.TotalDebit.Equal(entry.TotalCredit) {
		t.Fatalf("journal not balanced: debit=%s credit=%s", entry.TotalDebit, entry.TotalCredit)
	}

	// 105000 inclusive of 5% tax: 5000 tax, 100000 revenue.
	tax := accountBySystemCode(t, db, "biz-1", models.SystemAccountTaxPayable)
	sales := accountBySystemCode(t, db, "biz-1", models.SystemAccountSales)
	var taxCredit, revenueCredit decimal.Decimal
	for _, line := range entry.Lines {
		switch line.AccountId {
		case tax.ID:
			taxCredit = line.Credit
		case sales.ID:
			revenueCredit = line.Credit
		}
	}
	if !taxCredit.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected 5000 output tax, got %s", taxCredit)
	}
	if !revenueCredit.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("expected 100000 revenue, got %s", revenueCredit)
	}
}

func TestPost_Expense_WithExplicitAccount(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	// Seed the chart first by posting once, then add a dedicated account.
	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "seed", 100, "cash")); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	active := true
	if err := db.Create(&models.Account{
		BusinessId: "biz-1",
		Code:       "6100",
		Name:       "Rent Expense",
		MainType:   models.AccountMainTypeExpense,
		IsActive:   &active,
	}).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"source_id":       "exp-001",
		"total_amount":    250000,
		"payment_method":  "bank",
		"expense_account": "6100",
		"description":     "Office rent",
	})
	event := &models.OutboxEvent{
		BusinessId: "biz-1",
		EventType:  models.EventTypeExpenseRecorded,
		Payload:    payload,
	}
	if _, err := engine.Post(ctx, event); err != nil {
		t.Fatalf("post: %v", err)
	}

	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "exp-001")
	if err != nil {
		t.Fatalf("fetch journal: %v", err)
	}
	rent, _ := models.GetAccountByCode(ctx, db, "biz-1", "6100")
	found := false
	for _, line := range entry.Lines {
		if line.AccountId == rent.ID && line.Debit.Equal(decimal.NewFromInt(250000)) {
			found = true
		}
	}
	if !found {
		t.Fatal("expense must debit the explicitly named account")
	}
}

func TestPost_Expense_UnknownExplicitAccount_IsValidationError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]interface{}{
		"source_id":       "exp-bad",
		"total_amount":    100,
		"payment_method":  "cash",
		"expense_account": "no-such-code",
	})
	event := &models.OutboxEvent{
		BusinessId: "biz-1",
		EventType:  models.EventTypeExpenseRecorded,
		Payload:    payload,
	}
	_, err := engine.Post(ctx, event)
	if !utils.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestReverseJournalEntry_SwapsSidesAndVoidsOriginal(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	posted, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-rev", 80000, "cash"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	reversal, err := engine.ReverseJournalEntry(ctx, "biz-1", posted.JournalId, "double scan at register")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if !reversal.IsReversal {
		t.Fatal("reversal entry must be flagged as a reversal")
	}
	if reversal.ReversesJournalId == nil || *reversal.ReversesJournalId != posted.JournalId {
		t.Fatal("reversal must link back to the original journal")
	}

	original, err := models.GetJournalByID(ctx, db, "biz-1", posted.JournalId)
	if err != nil {
		t.Fatalf("fetch original: %v", err)
	}
	if original.Status != models.JournalStatusVoided {
		t.Fatalf("original status %s, expected VOIDED", original.Status)
	}
	if original.ReversedByJournalId == nil || *original.ReversedByJournalId != reversal.ID {
		t.Fatal("original must link forward to its reversal")
	}

	cash := accountBySystemCode(t, db, "biz-1", models.SystemAccountCash)
	for _, line := range reversal.Lines {
		if line.AccountId == cash.ID && !line.Credit.Equal(decimal.NewFromInt(80000)) {
			t.Fatalf("reversal must credit cash 80000, got credit=%s", line.Credit)
		}
	}

	// The voided original and its reversal both drop out of the balance,
	// so the pair nets to zero.
	balance, err := models.AccountBalance(ctx, db, "biz-1", cash.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero cash balance after the reversal pair, got %s", balance)
	}

	// An unreversed sale still counts toward the balance.
	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-rev-2", 30000, "cash")); err != nil {
		t.Fatalf("post second sale: %v", err)
	}
	balance, err = models.AccountBalance(ctx, db, "biz-1", cash.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(-30000)) {
		t.Fatalf("expected cash balance -30000 from the live sale, got %s", balance)
	}

	// A second reversal of the same journal is rejected.
	if _, err := engine.ReverseJournalEntry(ctx, "biz-1", posted.JournalId, "again"); !utils.IsValidationError(err) {
		t.Fatalf("expected ValidationError on double reversal, got %v", err)
	}
}

func TestJournalImmutability_LinesRejectUpdateAndDelete(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Post(ctx, saleEvent(t, "biz-1", "pos-hooks", 1000, "cash")); err != nil {
		t.Fatalf("post: %v", err)
	}
	entry, err := models.GetJournalBySourceId(ctx, db, "biz-1", "pos-hooks")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	line := entry.Lines[0]
	if err := db.Model(&line).Update("debit", decimal.NewFromInt(999)).Error; err == nil {
		t.Fatal("updating a journal line must be rejected")
	}
	if err := db.Delete(&line).Error; err == nil {
		t.Fatal("deleting a journal line must be rejected")
	}
	if err := db.Delete(entry).Error; err == nil {
		t.Fatal("deleting a journal entry must be rejected")
	}
	if err := db.Model(entry).Update("total_debit", decimal.NewFromInt(1)).Error; err == nil {
		t.Fatal("amount fields on a journal entry must be immutable")
	}
}
