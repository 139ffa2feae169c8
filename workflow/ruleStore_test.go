package workflow

import (
	"context"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

func TestValidateRule_CollectsEveryProblem(t *testing.T) {
	err := ValidateRule(&models.Rule{
		RuleId:     "",
		BusinessId: "",
		RuleType:   "mystery",
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	msg := err.Error()
	for _, want := range []string{"missing rule_id", "missing business_id", "unknown rule_type", "missing condition", "missing action"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}
}

func TestValidateRule_RejectsNonNumericOperandForNumericOperator(t *testing.T) {
	rule, err := models.NewRule("r1", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"amount": ">= lots"},
		map[string]interface{}{"account_code": "4000"}, 0, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	verr := ValidateRule(rule)
	if !utils.IsValidationError(verr) {
		t.Fatalf("expected ValidationError, got %v", verr)
	}
	if !strings.Contains(verr.Error(), "numeric operand") {
		t.Fatalf("error should name the operand problem, got %q", verr.Error())
	}
}

func TestValidateRule_RejectsBadCompoundShape(t *testing.T) {
	cases := []map[string]interface{}{
		{"condition_type": "XOR", "conditions": []interface{}{map[string]interface{}{"a": 1}}},
		{"condition_type": "AND"},
		{"condition_type": "AND", "conditions": []interface{}{}},
		{"condition_type": "OR", "conditions": []interface{}{"not-an-object"}},
	}
	for i, cond := range cases {
		rule, err := models.NewRule("r1", "biz-1", models.RuleTypeProductMapping,
			cond, map[string]interface{}{"k": "v"}, 0, nil)
		if err != nil {
			t.Fatalf("case %d: new rule: %v", i, err)
		}
		if verr := ValidateRule(rule); !utils.IsValidationError(verr) {
			t.Errorf("case %d: expected ValidationError, got %v", i, verr)
		}
	}
}

func TestValidateRule_AcceptsWellFormedRule(t *testing.T) {
	rule, err := models.NewRule("r1", "biz-1", models.RuleTypeTaxCalculation,
		map[string]interface{}{
			"condition_type": "OR",
			"conditions": []interface{}{
				map[string]interface{}{"amount": ">= 1000"},
				map[string]interface{}{"payment_method": "in cash, bank"},
			},
		},
		map[string]interface{}{"tax_rate": 5}, 10, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if verr := ValidateRule(rule); verr != nil {
		t.Fatalf("expected valid, got %v", verr)
	}
}

func TestUpsertRule_RejectsInvalidBeforeTouchingStorage(t *testing.T) {
	db := newTestDB(t)
	store := NewRuleStore(db, nil, nil, 0)

	_, err := store.UpsertRule(context.Background(), &models.Rule{RuleId: "r1"})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	var count int64
	if err := db.Model(&models.Rule{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("an invalid rule must never be persisted")
	}
}

func TestUpsertRule_CreateThenUpdateSameRuleId(t *testing.T) {
	db := newTestDB(t)
	store := NewRuleStore(db, nil, nil, 0)
	ctx := context.Background()

	first, err := models.NewRule("r1", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "4000"}, 1, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if _, err := store.UpsertRule(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := models.NewRule("r1", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "4100"}, 9, nil)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if _, err := store.UpsertRule(ctx, second); err != nil {
		t.Fatalf("update: %v", err)
	}

	rules, err := store.GetRules(ctx, "biz-1", models.RuleTypeProductMapping)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected one rule after upsert, got %d", len(rules))
	}
	if rules[0].Priority != 9 {
		t.Fatalf("priority %d, expected the updated value 9", rules[0].Priority)
	}
	action, err := rules[0].DecodeAction()
	if err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if action["account_code"] != "4100" {
		t.Fatalf("action %v, expected updated account_code", action)
	}
	// An update that omits is_active must leave the rule active, not
	// write NULL into the column.
	if rules[0].IsActive == nil || !*rules[0].IsActive {
		t.Fatal("rule updated without is_active must stay active")
	}
}

func TestGetRules_ReturnsOnlyActiveRulesOfRequestedType(t *testing.T) {
	db := newTestDB(t)
	store := NewRuleStore(db, nil, nil, 0)
	ctx := context.Background()

	active, _ := models.NewRule("on", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "4000"}, 1, nil)
	off := false
	inactive, _ := models.NewRule("off", "biz-1", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "4100"}, 2, &off)
	otherType, _ := models.NewRule("tax", "biz-1", models.RuleTypeTaxCalculation,
		map[string]interface{}{"role": "tax"},
		map[string]interface{}{"tax_rate": 5}, 3, nil)
	otherTenant, _ := models.NewRule("on", "biz-2", models.RuleTypeProductMapping,
		map[string]interface{}{"role": "revenue"},
		map[string]interface{}{"account_code": "4000"}, 4, nil)

	for _, rule := range []*models.Rule{active, inactive, otherType, otherTenant} {
		if _, err := store.UpsertRule(ctx, rule); err != nil {
			t.Fatalf("upsert %s: %v", rule.RuleId, err)
		}
	}

	rules, err := store.GetRules(ctx, "biz-1", models.RuleTypeProductMapping)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected only the active product_mapping rule for biz-1, got %d", len(rules))
	}
	if rules[0].RuleId != "on" {
		t.Fatalf("got rule %q", rules[0].RuleId)
	}
}
