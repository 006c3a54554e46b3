package params

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"agent-kernel/kernel_go/pkg/tools"
)

// validateArgs runs every declared parameter validator plus the required
// check, returning one problem string per failure. Validators only run on
// present values; required-but-missing is its own problem.
func validateArgs(t *tools.Tool, args map[string]interface{}) []string {
	var problems []string
	for _, name := range t.RequiredParams() {
		if !hasValue(args, name) {
			problems = append(problems, fmt.Sprintf("required parameter %q is missing", name))
		}
	}
	for _, pv := range t.ParameterValidators {
		value, ok := args[pv.Param]
		if !ok || value == nil {
			continue
		}
		if reason := checkValidator(t, pv, value); reason != "" {
			problems = append(problems, fmt.Sprintf("parameter %q: %s", pv.Param, reason))
		}
	}
	return problems
}

// checkValidator returns "" on pass.
func checkValidator(t *tools.Tool, pv tools.ParameterValidator, value interface{}) string {
	switch pv.Kind {
	case tools.ValidatorRegex:
		re, err := regexp.Compile(pv.Rule)
		if err != nil {
			return fmt.Sprintf("invalid regex rule %q: %v", pv.Rule, err)
		}
		if !re.MatchString(stringify(value)) {
			return failureMessage(pv, fmt.Sprintf("value %q does not match %q", stringify(value), pv.Rule))
		}
	case tools.ValidatorRange:
		min, max, err := parseRange(pv.Rule)
		if err != nil {
			return err.Error()
		}
		n, ok := numberOf(value)
		if !ok {
			return failureMessage(pv, fmt.Sprintf("value %v is not a number", value))
		}
		if n < min || n > max {
			return failureMessage(pv, fmt.Sprintf("value %v outside range %s", value, pv.Rule))
		}
	case tools.ValidatorEnum:
		got := strings.TrimSpace(stringify(value))
		for _, allowed := range strings.Split(pv.Rule, ",") {
			if got == strings.TrimSpace(allowed) {
				return ""
			}
		}
		return failureMessage(pv, fmt.Sprintf("value %q not in [%s]", got, pv.Rule))
	case tools.ValidatorCustom:
		if t.ValidateParam == nil {
			return ""
		}
		if ok, reason := t.ValidateParam(pv.Param, value); !ok {
			return failureMessage(pv, reason)
		}
	}
	return ""
}

func failureMessage(pv tools.ParameterValidator, fallback string) string {
	if pv.Message != "" {
		return pv.Message
	}
	if fallback == "" {
		return "rejected by validator"
	}
	return fallback
}

// parseRange reads "min,max"; an empty side is unbounded.
func parseRange(rule string) (float64, float64, error) {
	parts := strings.SplitN(rule, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range rule %q, want \"min,max\"", rule)
	}
	min, max := math.Inf(-1), math.Inf(1)
	if s := strings.TrimSpace(parts[0]); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range minimum %q", s)
		}
		min = v
	}
	if s := strings.TrimSpace(parts[1]); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range maximum %q", s)
		}
		max = v
	}
	return min, max, nil
}

func numberOf(v interface{}) (float64, bool) {
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
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func hasValue(args map[string]interface{}, name string) bool {
	v, ok := args[name]
	return ok && v != nil
}
