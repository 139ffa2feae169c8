package models

import (
	"encoding/json"
	"time"
)

// Rule is a tenant-configured condition/action pair. The condition grammar
// is evaluated by workflow.EvaluateRules; the action payload is opaque to
// storage and interpreted by the caller (account mapping, tax rate, ...).
type Rule struct {
	ID         int      `gorm:"primary_key" json:"id"`
	RuleId     string   `gorm:"size:100;not null;index:uniq_rule,unique" json:"rule_id" binding:"required"`
	BusinessId string   `gorm:"size:64;not null;index;index:uniq_rule,unique" json:"business_id"`
	RuleType   RuleType `gorm:"size:30;not null;index" json:"rule_type" binding:"required"`
	Condition  []byte   `gorm:"type:blob" json:"condition"`
	Action     []byte   `gorm:"type:blob" json:"action"`
	Priority   int      `gorm:"not null;default:0" json:"priority"`
	IsActive   *bool    `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewRule encodes the condition and action documents for storage.
func NewRule(ruleId, businessId string, ruleType RuleType, condition, action map[string]interface{}, priority int, isActive *bool) (*Rule, error) {
	rule := &Rule{
		RuleId:     ruleId,
		BusinessId: businessId,
		RuleType:   ruleType,
		Priority:   priority,
		IsActive:   isActive,
	}
	if condition != nil {
		data, err := json.Marshal(condition)
		if err != nil {
			return nil, err
		}
		rule.Condition = data
	}
	if action != nil {
		data, err := json.Marshal(action)
		if err != nil {
			return nil, err
		}
		rule.Action = data
	}
	return rule, nil
}

// DecodeCondition parses the stored condition JSON into the evaluator's
// input shape (flat map or {condition_type, conditions} compound form).
func (r *Rule) DecodeCondition() (map[string]interface{}, error) {
	if len(r.Condition) == 0 {
		return nil, nil
	}
	var cond map[string]interface{}
	if err := json.Unmarshal(r.Condition, &cond); err != nil {
		return nil, err
	}
	return cond, nil
}

func (r *Rule) DecodeAction() (map[string]interface{}, error) {
	if len(r.Action) == 0 {
		return nil, nil
	}
	var action map[string]interface{}
	if err := json.Unmarshal(r.Action, &action); err != nil {
		return nil, err
	}
	return action, nil
}
