package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// reconciliationTolerance absorbs sub-cent rounding between sources.
var reconciliationTolerance = decimal.NewFromFloat(0.01)

// ReconciliationIssue is one itemized discrepancy found during a run.
type ReconciliationIssue struct {
	Category   string `json:"category"` // BILL_MISSING_AP | BILL_MISSING_JOURNAL | AP_MISSING_BILL | AMOUNT_MISMATCH
	EntityType string `json:"entity_type"`
	EntityId   int    `json:"entity_id"`
	Details    string `json:"details"`
}

// ReconciliationResult summarizes one run over the three AP sources:
// outstanding bills, the AP subledger, and the GL AP account balance.
type ReconciliationResult struct {
	BusinessId       string                `json:"business_id"`
	CorrelationId    string                `json:"correlation_id"`
	RanAt            time.Time             `json:"ran_at"`
	BillsOutstanding decimal.Decimal       `json:"bills_outstanding"`
	APSubledgerTotal decimal.Decimal       `json:"ap_subledger_total"`
	GLAPBalance      decimal.Decimal       `json:"gl_ap_balance"`
	VarianceBillsAP  decimal.Decimal       `json:"variance_bills_ap"`
	VarianceAPGL     decimal.Decimal       `json:"variance_ap_gl"`
	IsInSync         bool                  `json:"is_in_sync"`
	Issues           []ReconciliationIssue `json:"issues"`
}

// ReconciliationChecker compares the three AP sources for a business and
// records what it finds. It never mutates bills, AP records, or journals:
// corrections are an operator decision, made from the persisted reports.
type ReconciliationChecker struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Alerts *config.AlertPublisher
}

func NewReconciliationChecker(db *gorm.DB, logger *logrus.Logger, alerts *config.AlertPublisher) *ReconciliationChecker {
	return &ReconciliationChecker{DB: db, Logger: logger, Alerts: alerts}
}

// Check runs one reconciliation pass for a business. Mismatch rows are
// persisted to reconciliation_reports and a divergence alert is published
// when the sources disagree beyond tolerance.
func (c *ReconciliationChecker) Check(ctx context.Context, businessId string) (*ReconciliationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if businessId == "" {
		return nil, &utils.ValidationError{Field: "business_id", Message: "business id is required"}
	}

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	now := time.Now().UTC()

	result := &ReconciliationResult{
		BusinessId:    businessId,
		CorrelationId: cid,
		RanAt:         now,
		Issues:        []ReconciliationIssue{},
	}

	billsTotal, err := c.sumDecimal(ctx, `
		SELECT CAST(COALESCE(SUM(total_amount), 0) AS CHAR)
		FROM bills
		WHERE business_id = ? AND status = ?
	`, businessId, models.BillStatusOutstanding)
	if err != nil {
		return nil, utils.NewTransientError("sum outstanding bills", err)
	}
	result.BillsOutstanding = billsTotal

	apTotal, err := c.sumDecimal(ctx, `
		SELECT CAST(COALESCE(SUM(amount), 0) AS CHAR)
		FROM ap_records
		WHERE business_id = ? AND status = ?
	`, businessId, models.APRecordStatusOpen)
	if err != nil {
		return nil, utils.NewTransientError("sum ap subledger", err)
	}
	result.APSubledgerTotal = apTotal

	glBalance, err := c.glAPBalance(ctx, businessId)
	if err != nil {
		return nil, err
	}
	result.GLAPBalance = glBalance

	result.VarianceBillsAP = billsTotal.Sub(apTotal).Abs()
	result.VarianceAPGL = apTotal.Sub(glBalance).Abs()
	result.IsInSync = result.VarianceBillsAP.LessThan(reconciliationTolerance) &&
		result.VarianceAPGL.LessThan(reconciliationTolerance)

	if err := c.itemizeBillIssues(ctx, businessId, result); err != nil {
		return nil, err
	}
	if err := c.itemizeOrphanAPRecords(ctx, businessId, result); err != nil {
		return nil, err
	}
	if !result.VarianceBillsAP.LessThan(reconciliationTolerance) {
		result.Issues = append(result.Issues, ReconciliationIssue{
			Category:   "AMOUNT_MISMATCH",
			EntityType: "Business",
			Details: fmt.Sprintf("outstanding bills %s != open AP subledger %s (variance %s)",
				billsTotal.StringFixed(2), apTotal.StringFixed(2), result.VarianceBillsAP.StringFixed(2)),
		})
	}
	if !result.VarianceAPGL.LessThan(reconciliationTolerance) {
		result.Issues = append(result.Issues, ReconciliationIssue{
			Category:   "AMOUNT_MISMATCH",
			EntityType: "Business",
			Details: fmt.Sprintf("open AP subledger %s != GL AP balance %s (variance %s)",
				apTotal.StringFixed(2), glBalance.StringFixed(2), result.VarianceAPGL.StringFixed(2)),
		})
	}

	c.persistIssues(ctx, result, now)

	if !result.IsInSync {
		c.publishDivergenceAlert(ctx, result)
		if c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field":              "ReconciliationChecker",
				"business_id":        businessId,
				"correlation_id":     cid,
				"bills_outstanding":  billsTotal.StringFixed(2),
				"ap_subledger_total": apTotal.StringFixed(2),
				"gl_ap_balance":      glBalance.StringFixed(2),
				"issues":             len(result.Issues),
			}).Warn("reconciliation divergence detected")
		}
	}
	return result, nil
}

// Run executes Check on an interval for every business that has bills or
// AP records, until the context is cancelled.
func (c *ReconciliationChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		// The business listing spans tenants on purpose.
		sweepCtx := utils.SetSkipTenantScopeInContext(ctx)
		var businessIds []string
		if err := c.DB.WithContext(sweepCtx).Raw(`
			SELECT DISTINCT business_id FROM bills
			UNION
			SELECT DISTINCT business_id FROM ap_records
		`).Scan(&businessIds).Error; err != nil {
			if c.Logger != nil {
				c.Logger.WithFields(logrus.Fields{"field": "ReconciliationChecker"}).
					Error("listing businesses failed: " + err.Error())
			}
			continue
		}
		for _, id := range businessIds {
			if _, err := c.Check(ctx, id); err != nil && c.Logger != nil {
				c.Logger.WithFields(logrus.Fields{
					"field":       "ReconciliationChecker",
					"business_id": id,
				}).Error("reconciliation run failed: " + err.Error())
			}
		}
	}
}

// itemizeBillIssues flags outstanding bills with no AP record, bills whose
// AP record has no journal, and per-bill amount mismatches.
func (c *ReconciliationChecker) itemizeBillIssues(ctx context.Context, businessId string, result *ReconciliationResult) error {
	// Column tags pin the aliases from the raw query; gorm's naming
	// strategy would not map APId/APAmount on its own.
	type billRow struct {
		ID          int
		BillNumber  string
		TotalAmount string  `gorm:"column:total_amount"`
		APId        *int    `gorm:"column:ap_id"`
		APAmount    *string `gorm:"column:ap_amount"`
		JournalId   *int    `gorm:"column:journal_id"`
	}
	var rows []billRow
	err := c.DB.WithContext(ctx).Raw(`
		SELECT
			b.id,
			b.bill_number,
			CAST(b.total_amount AS CHAR) AS total_amount,
			ap.id AS ap_id,
			CAST(ap.amount AS CHAR) AS ap_amount,
			ap.journal_id
		FROM bills b
		LEFT JOIN ap_records ap
		  ON ap.business_id = b.business_id AND ap.bill_id = b.id
		WHERE b.business_id = ? AND b.status = ?
	`, businessId, models.BillStatusOutstanding).Scan(&rows).Error
	if err != nil {
		return utils.NewTransientError("itemize bills", err)
	}

	for _, row := range rows {
		if row.APId == nil {
			result.Issues = append(result.Issues, ReconciliationIssue{
				Category:   "BILL_MISSING_AP",
				EntityType: "Bill",
				EntityId:   row.ID,
				Details:    fmt.Sprintf("bill %s has no AP subledger record", row.BillNumber),
			})
			continue
		}
		if row.JournalId == nil || *row.JournalId == 0 {
			result.Issues = append(result.Issues, ReconciliationIssue{
				Category:   "BILL_MISSING_JOURNAL",
				EntityType: "Bill",
				EntityId:   row.ID,
				Details:    fmt.Sprintf("bill %s has an AP record but no posted journal", row.BillNumber),
			})
		}
		if row.APAmount != nil {
			billAmount, err1 := decimal.NewFromString(row.TotalAmount)
			apAmount, err2 := decimal.NewFromString(*row.APAmount)
			if err1 == nil && err2 == nil && !billAmount.Sub(apAmount).Abs().LessThan(reconciliationTolerance) {
				result.Issues = append(result.Issues, ReconciliationIssue{
					Category:   "AMOUNT_MISMATCH",
					EntityType: "Bill",
					EntityId:   row.ID,
					Details: fmt.Sprintf("bill %s amount %s != AP record amount %s",
						row.BillNumber, billAmount.StringFixed(2), apAmount.StringFixed(2)),
				})
			}
		}
	}
	return nil
}

// itemizeOrphanAPRecords flags open AP records whose bill is gone or voided.
func (c *ReconciliationChecker) itemizeOrphanAPRecords(ctx context.Context, businessId string, result *ReconciliationResult) error {
	type apRow struct {
		ID     int
		BillId int
	}
	var rows []apRow
	err := c.DB.WithContext(ctx).Raw(`
		SELECT ap.id, ap.bill_id
		FROM ap_records ap
		LEFT JOIN bills b
		  ON b.business_id = ap.business_id AND b.id = ap.bill_id AND b.status = ?
		WHERE ap.business_id = ? AND ap.status = ? AND b.id IS NULL
	`, models.BillStatusOutstanding, businessId, models.APRecordStatusOpen).Scan(&rows).Error
	if err != nil {
		return utils.NewTransientError("itemize orphan ap records", err)
	}
	for _, row := range rows {
		result.Issues = append(result.Issues, ReconciliationIssue{
			Category:   "AP_MISSING_BILL",
			EntityType: "APRecord",
			EntityId:   row.ID,
			Details:    fmt.Sprintf("open AP record references missing or non-outstanding bill %d", row.BillId),
		})
	}
	return nil
}

func (c *ReconciliationChecker) persistIssues(ctx context.Context, result *ReconciliationResult, now time.Time) {
	for _, issue := range result.Issues {
		if err := c.DB.WithContext(ctx).Create(&models.ReconciliationReport{
			BusinessId:    result.BusinessId,
			CheckType:     issue.Category,
			EntityType:    issue.EntityType,
			EntityId:      issue.EntityId,
			Details:       issue.Details,
			CorrelationId: result.CorrelationId,
			CreatedAt:     now,
		}).Error; err != nil && c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field":       "ReconciliationChecker",
				"business_id": result.BusinessId,
			}).Error("persisting reconciliation report failed: " + err.Error())
		}
	}
}

func (c *ReconciliationChecker) publishDivergenceAlert(ctx context.Context, result *ReconciliationResult) {
	_, err := c.Alerts.Publish(ctx, config.Alert{
		Kind:          "RECONCILIATION_DIVERGENCE",
		BusinessId:    result.BusinessId,
		CorrelationId: result.CorrelationId,
		Details: map[string]string{
			"bills_outstanding":  result.BillsOutstanding.StringFixed(2),
			"ap_subledger_total": result.APSubledgerTotal.StringFixed(2),
			"gl_ap_balance":      result.GLAPBalance.StringFixed(2),
			"variance_bills_ap":  result.VarianceBillsAP.StringFixed(2),
			"variance_ap_gl":     result.VarianceAPGL.StringFixed(2),
			"issues":             fmt.Sprint(len(result.Issues)),
		},
	})
	if err != nil && c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":       "ReconciliationChecker",
			"business_id": result.BusinessId,
		}).Warn("divergence alert publish failed: " + err.Error())
	}
}

// glAPBalance is the AP control account's posted GL balance. A business
// with no AP account yet reconciles against zero.
func (c *ReconciliationChecker) glAPBalance(ctx context.Context, businessId string) (decimal.Decimal, error) {
	account, err := models.GetAccountBySystemCode(ctx, c.DB, businessId, models.SystemAccountAP)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, utils.NewTransientError("lookup ap account", err)
	}
	balance, err := models.AccountBalance(ctx, c.DB, businessId, account.ID)
	if err != nil {
		return decimal.Zero, utils.NewTransientError("gl ap balance", err)
	}
	return balance, nil
}

func (c *ReconciliationChecker) sumDecimal(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, error) {
	var raw *string
	if err := c.DB.WithContext(ctx).Raw(query, args...).Scan(&raw).Error; err != nil {
		return decimal.Zero, err
	}
	if raw == nil || *raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}
