package config

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// coerce converts v into the canonical Go type for kind:
// string, int64, float64, bool or time.Duration.
// Durations accept time.Duration, strings like "5m", and numbers as seconds.
func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindString:
		switch t := v.(type) {
		case string:
			return t, nil
		case fmt.Stringer:
			return t.String(), nil
		}
	case KindInt:
		switch t := v.(type) {
		case int:
			return int64(t), nil
		case int32:
			return int64(t), nil
		case int64:
			return t, nil
		case uint:
			return int64(t), nil
		case uint32:
			return int64(t), nil
		case uint64:
			if t > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows int", t)
			}
			return int64(t), nil
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("value %v is not an integer", t)
			}
			return int64(t), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer", t)
			}
			return n, nil
		}
	case KindFloat:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a number", t)
			}
			return f, nil
		}
	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "1", "yes", "on":
				return true, nil
			case "false", "0", "no", "off":
				return false, nil
			}
			return nil, fmt.Errorf("value %q is not a boolean", t)
		}
	case KindDuration:
		switch t := v.(type) {
		case time.Duration:
			return t, nil
		case string:
			d, err := time.ParseDuration(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("value %q is not a duration", t)
			}
			return d, nil
		case int:
			return time.Duration(t) * time.Second, nil
		case int64:
			return time.Duration(t) * time.Second, nil
		case float64:
			return time.Duration(t * float64(time.Second)), nil
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

// format renders a canonical value so that coerce(kind, format(kind, v)) == v.
func format(kind Kind, v any) string {
	switch kind {
	case KindInt:
		return strconv.FormatInt(v.(int64), 10)
	case KindFloat:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.(bool))
	case KindDuration:
		return v.(time.Duration).String()
	default:
		return fmt.Sprint(v)
	}
}

// orderedThresholds must hold medium <= high <= critical.
var orderedThresholds = []string{KeyMemoryMediumPercent, KeyMemoryHighPercent, KeyMemoryCriticalPercent}

// thresholdProblem returns why the memory thresholds in values are out of
// order, or "" when they are fine.
func thresholdProblem(values map[string]Value) string {
	prevKey, prev := "", 0.0
	for _, k := range orderedThresholds {
		v, ok := values[k].Value.(float64)
		if !ok {
			continue
		}
		if prevKey != "" && v < prev {
			return fmt.Sprintf("%s (%g) is below %s (%g)", k, v, prevKey, prev)
		}
		prevKey, prev = k, v
	}
	return ""
}

// check applies rule to an already-coerced value and returns every problem found.
func check(rule Rule, v any) []string {
	var problems []string
	var num float64
	numeric := true
	switch t := v.(type) {
	case int64:
		num = float64(t)
	case float64:
		num = t
	case time.Duration:
		num = float64(t)
	default:
		numeric = false
	}
	if numeric {
		if rule.Min != nil && num < *rule.Min {
			problems = append(problems, fmt.Sprintf("must be >= %s", boundString(rule.Kind, *rule.Min)))
		}
		if rule.Max != nil && num > *rule.Max {
			problems = append(problems, fmt.Sprintf("must be <= %s", boundString(rule.Kind, *rule.Max)))
		}
	}
	if s, ok := v.(string); ok {
		if len(rule.Enum) > 0 && !slices.Contains(rule.Enum, s) {
			problems = append(problems, fmt.Sprintf("must be one of [%s]", strings.Join(rule.Enum, ", ")))
		}
		if rule.MinLength > 0 && len(s) < rule.MinLength {
			problems = append(problems, fmt.Sprintf("length must be >= %d", rule.MinLength))
		}
		if rule.MaxLength > 0 && len(s) > rule.MaxLength {
			problems = append(problems, fmt.Sprintf("length must be <= %d", rule.MaxLength))
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("invalid pattern %q", rule.Pattern))
			} else if !re.MatchString(s) {
				problems = append(problems, fmt.Sprintf("must match %q", rule.Pattern))
			}
		}
	}
	return problems
}

func boundString(kind Kind, b float64) string {
	if kind == KindDuration {
		return time.Duration(b).String()
	}
	return strconv.FormatFloat(b, 'g', -1, 64)
}
