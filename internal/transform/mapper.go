package transform

import (
	"fmt"
	"strings"
)

// MappingRule populates one field of a transformed output. Expression is a
// template evaluated against the event context; Target is a dot-path in the
// output structure.
type MappingRule struct {
	Expression string `json:"expression"`
	Target     string `json:"target"`
}

// RuleError attributes an evaluation failure to the rule that raised it.
type RuleError struct {
	Index  int
	Target string
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("mapping rule %d (target %q): %v", e.Index, e.Target, e.Err)
}

func (e RuleError) Unwrap() error {
	return e.Err
}

// Transform applies an ordered list of mapping rules against data and returns
// the assembled output. Rules are applied in order and later rules overwrite
// earlier ones at the same target (last-write-wins). A failing rule is skipped
// and reported; the remaining rules still apply.
func (e *Evaluator) Transform(data map[string]interface{}, rules []MappingRule) (map[string]interface{}, []RuleError) {
	output := make(map[string]interface{})
	var ruleErrors []RuleError

	for i, rule := range rules {
		if rule.Target == "" {
			ruleErrors = append(ruleErrors, RuleError{
				Index:  i,
				Target: rule.Target,
				Err:    fmt.Errorf("empty target path"),
			})
			continue
		}

		value, err := e.Evaluate(rule.Expression, data)
		if err != nil {
			ruleErrors = append(ruleErrors, RuleError{Index: i, Target: rule.Target, Err: err})
			continue
		}

		setPath(output, rule.Target, value)
	}

	return output, ruleErrors
}

// setPath writes value at a dot-path, creating intermediate maps as needed.
// A non-map intermediate is replaced, consistent with last-write-wins.
func setPath(output map[string]interface{}, path string, value interface{}) {
	keys := strings.Split(path, ".")
	current := output

	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
}
