package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleStore persists tenant rules with a Redis read-through cache keyed by
// (business_id, rule_type). Writes invalidate the key immediately; the TTL
// bounds staleness for instances that miss the invalidation.
type RuleStore struct {
	DB       *gorm.DB
	Redis    *config.Redis
	Logger   *logrus.Logger
	CacheTTL time.Duration
}

func NewRuleStore(db *gorm.DB, redis *config.Redis, logger *logrus.Logger, cacheTTL time.Duration) *RuleStore {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &RuleStore{DB: db, Redis: redis, Logger: logger, CacheTTL: cacheTTL}
}

func ruleCacheKey(businessId string, ruleType models.RuleType) string {
	return "RuleList:" + businessId + ":" + string(ruleType)
}

// GetRules returns the tenant's active rules of one type, cached.
func (s *RuleStore) GetRules(ctx context.Context, businessId string, ruleType models.RuleType) ([]models.Rule, error) {
	key := ruleCacheKey(businessId, ruleType)

	var cached []models.Rule
	hit, err := s.Redis.GetObject(ctx, key, &cached)
	if err != nil && s.Logger != nil {
		// Cache trouble is never fatal; fall through to the DB.
		s.Logger.WithFields(logrus.Fields{
			"field":       "RuleStore",
			"business_id": businessId,
			"rule_type":   ruleType,
		}).Warn("rule cache read failed: " + err.Error())
	}
	if hit {
		return cached, nil
	}

	var rules []models.Rule
	if err := s.DB.WithContext(ctx).
		Where("business_id = ? AND rule_type = ? AND is_active = ?", businessId, ruleType, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, utils.NewTransientError("rule store query", err)
	}

	if err := s.Redis.SetObject(ctx, key, rules, s.CacheTTL); err != nil && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":       "RuleStore",
			"business_id": businessId,
			"rule_type":   ruleType,
		}).Warn("rule cache write failed: " + err.Error())
	}
	return rules, nil
}

// UpsertRule validates and writes a rule definition, then invalidates the
// cache key so the change is visible to all dispatcher instances.
func (s *RuleStore) UpsertRule(ctx context.Context, input *models.Rule) (*models.Rule, error) {
	if err := ValidateRule(input); err != nil {
		return nil, err
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Rule
		err := tx.Where("business_id = ? AND rule_id = ?", input.BusinessId, input.RuleId).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(input).Error
		}
		if err != nil {
			return err
		}
		input.ID = existing.ID
		input.CreatedAt = existing.CreatedAt
		// An omitted is_active means active, matching the column default
		// on create; writing the nil pointer would violate NOT NULL.
		active := true
		if input.IsActive != nil {
			active = *input.IsActive
		}
		input.IsActive = &active
		return tx.Model(&existing).Updates(map[string]interface{}{
			"rule_type": input.RuleType,
			"condition": input.Condition,
			"action":    input.Action,
			"priority":  input.Priority,
			"is_active": active,
		}).Error
	})
	if err != nil {
		return nil, utils.NewTransientError("rule store upsert", err)
	}

	if err := s.Redis.RemoveKey(ctx, ruleCacheKey(input.BusinessId, input.RuleType)); err != nil && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":       "RuleStore",
			"business_id": input.BusinessId,
			"rule_id":     input.RuleId,
		}).Warn("rule cache invalidation failed: " + err.Error())
	}
	return input, nil
}

// ValidateRule rejects malformed definitions at write time with a
// ValidationError naming each specific problem. Rules are never silently
// accepted and fixed up later.
func ValidateRule(rule *models.Rule) error {
	var problems []string

	if rule == nil {
		return utils.NewValidationError("rule", "missing rule")
	}
	if strings.TrimSpace(rule.RuleId) == "" {
		problems = append(problems, "missing rule_id")
	}
	if strings.TrimSpace(rule.BusinessId) == "" {
		problems = append(problems, "missing business_id")
	}
	if !rule.RuleType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown rule_type %q", rule.RuleType))
	}

	if len(rule.Condition) == 0 {
		problems = append(problems, "missing condition")
	} else {
		var cond map[string]interface{}
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			problems = append(problems, "condition is not a JSON object")
		} else if err := validateConditionShape(cond); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(rule.Action) == 0 {
		problems = append(problems, "missing action")
	} else {
		var action map[string]interface{}
		if err := json.Unmarshal(rule.Action, &action); err != nil {
			problems = append(problems, "action is not a JSON object")
		} else if len(action) == 0 {
			problems = append(problems, "action is empty")
		}
	}

	if len(problems) > 0 {
		return utils.NewValidationError("rule", strings.Join(problems, "; "))
	}
	return nil
}

func validateConditionShape(cond map[string]interface{}) error {
	if rawType, ok := cond[conditionTypeKey]; ok {
		condType := strings.ToUpper(strings.TrimSpace(toString(rawType)))
		if condType != "AND" && condType != "OR" {
			return fmt.Errorf("condition_type must be AND or OR, got %q", condType)
		}
		subs, ok := cond[conditionsKey].([]interface{})
		if !ok || len(subs) == 0 {
			return errors.New("compound condition requires a non-empty conditions list")
		}
		for i, sub := range subs {
			m, ok := sub.(map[string]interface{})
			if !ok {
				return fmt.Errorf("conditions[%d] is not an object", i)
			}
			if err := validateFlatCondition(m); err != nil {
				return err
			}
		}
		return nil
	}
	return validateFlatCondition(cond)
}

func validateFlatCondition(cond map[string]interface{}) error {
	if len(cond) == 0 {
		return errors.New("condition is empty")
	}
	for field, expected := range cond {
		s, ok := expected.(string)
		if !ok {
			continue
		}
		op, operand, found := parseOperator(s)
		if !found {
			continue
		}
		switch op {
		case ">=", "<=", ">", "<":
			if _, ok := parseFloat(operand); !ok {
				return fmt.Errorf("condition %q: operator %q requires a numeric operand, got %q", field, op, operand)
			}
		case "contains", "in", "==", "!=":
			if operand == "" {
				return fmt.Errorf("condition %q: operator %q requires an operand", field, op)
			}
		}
	}
	return nil
}
