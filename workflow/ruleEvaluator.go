package workflow

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
)

// RuleMatch is the outcome of evaluating a rule set against a context.
type RuleMatch struct {
	Matched bool
	RuleId  string
	Action  map[string]interface{}
}

const (
	conditionTypeKey = "condition_type"
	conditionsKey    = "conditions"
)

// Comparison operators recognized as a prefix of an expected string value.
// Two-character tokens must be checked before their one-character prefixes.
var comparisonOperators = []string{">=", "<=", "!=", "==", ">", "<", "contains", "in"}

// EvaluateRules evaluates prioritized rules against a context map and
// returns the first (highest-priority) match. Pure: no I/O, no mutation of
// inputs, safe for concurrent use against the same rule slice.
//
// A rule whose condition references a field absent from the context simply
// does not match; this is never an error. An empty rule set never matches.
func EvaluateRules(rules []models.Rule, context map[string]interface{}) RuleMatch {
	if len(rules) == 0 {
		return RuleMatch{}
	}

	ordered := make([]models.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for i := range ordered {
		rule := &ordered[i]
		if rule.IsActive != nil && !*rule.IsActive {
			continue
		}
		cond, err := rule.DecodeCondition()
		if err != nil || cond == nil {
			// Malformed conditions are rejected at write time; anything that
			// slipped through fails closed.
			continue
		}
		if evaluateCondition(cond, context) {
			action, err := rule.DecodeAction()
			if err != nil {
				continue
			}
			return RuleMatch{Matched: true, RuleId: rule.RuleId, Action: action}
		}
	}
	return RuleMatch{}
}

// evaluateCondition handles both the flat form (implicit AND over field
// comparisons) and the compound {condition_type, conditions} form.
func evaluateCondition(cond map[string]interface{}, context map[string]interface{}) bool {
	if rawType, ok := cond[conditionTypeKey]; ok {
		condType := strings.ToUpper(strings.TrimSpace(toString(rawType)))
		subs, _ := cond[conditionsKey].([]interface{})
		if len(subs) == 0 {
			return false
		}
		switch condType {
		case "OR":
			for _, sub := range subs {
				m, ok := sub.(map[string]interface{})
				if ok && evaluateFlat(m, context) {
					return true
				}
			}
			return false
		default: // AND
			for _, sub := range subs {
				m, ok := sub.(map[string]interface{})
				if !ok || !evaluateFlat(m, context) {
					return false
				}
			}
			return true
		}
	}
	return evaluateFlat(cond, context)
}

// evaluateFlat is an implicit AND over field -> expected comparisons,
// short-circuiting on the first false.
func evaluateFlat(cond map[string]interface{}, context map[string]interface{}) bool {
	if len(cond) == 0 {
		return false
	}
	for field, expected := range cond {
		actual, found := LookupPath(context, field)
		if !found {
			return false
		}
		if !compareValue(actual, expected) {
			return false
		}
	}
	return true
}

// LookupPath resolves a dot-path into nested maps and list indices, e.g.
// "items.0.price". The bool reports whether the full path resolved.
func LookupPath(context map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = context
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func compareValue(actual, expected interface{}) bool {
	// Operator-prefixed string: ">= 10", "!= cash", "contains abc", "in a,b".
	if s, ok := expected.(string); ok {
		if op, operand, found := parseOperator(s); found {
			return applyOperator(actual, op, operand)
		}
	}

	// Expected list: membership.
	if list, ok := expected.([]interface{}); ok {
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	}

	return looseEqual(actual, expected)
}

// parseOperator splits an expected string like ">= 10" into operator and
// operand. Word operators require a following space so plain values such
// as "invoice" are not parsed as "in voice".
func parseOperator(s string) (op string, operand string, found bool) {
	trimmed := strings.TrimSpace(s)
	for _, candidate := range comparisonOperators {
		if !strings.HasPrefix(trimmed, candidate) {
			continue
		}
		rest := trimmed[len(candidate):]
		isWordOp := candidate == "contains" || candidate == "in"
		if isWordOp && !strings.HasPrefix(rest, " ") {
			continue
		}
		return candidate, strings.TrimSpace(rest), true
	}
	return "", "", false
}

func applyOperator(actual interface{}, op, operand string) bool {
	switch op {
	case ">=", "<=", ">", "<":
		// Numeric operators fail closed on non-numeric values.
		a, aOK := toFloat(actual)
		b, bOK := parseFloat(operand)
		if !aOK || !bOK {
			return false
		}
		switch op {
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		case ">":
			return a > b
		default:
			return a < b
		}
	case "==":
		if b, ok := parseFloat(operand); ok {
			if a, ok := toFloat(actual); ok {
				return a == b
			}
			return false
		}
		return strings.EqualFold(toString(actual), operand)
	case "!=":
		if b, ok := parseFloat(operand); ok {
			if a, ok := toFloat(actual); ok {
				return a != b
			}
			return true
		}
		return !strings.EqualFold(toString(actual), operand)
	case "contains":
		switch node := actual.(type) {
		case []interface{}:
			for _, item := range node {
				if strings.EqualFold(toString(item), operand) {
					return true
				}
			}
			return false
		default:
			return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(operand))
		}
	case "in":
		for _, item := range strings.Split(operand, ",") {
			item = strings.TrimSpace(item)
			if b, ok := parseFloat(item); ok {
				if a, ok := toFloat(actual); ok && a == b {
					return true
				}
				continue
			}
			if strings.EqualFold(toString(actual), item) {
				return true
			}
		}
		return false
	}
	return false
}

// looseEqual compares with numeric coercion when both sides parse as
// numbers, otherwise case-insensitive string equality.
func looseEqual(actual, expected interface{}) bool {
	if a, aOK := toFloat(actual); aOK {
		if b, bOK := toFloat(expected); bOK {
			return a == b
		}
	}
	if ab, ok := actual.(bool); ok {
		if eb, ok := expected.(bool); ok {
			return ab == eb
		}
	}
	return strings.EqualFold(toString(actual), toString(expected))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseFloat(n)
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}
