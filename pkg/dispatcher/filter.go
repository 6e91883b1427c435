package dispatcher

import (
	"fmt"
	"log/slog"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
)

// Match evaluates filter against doc: equality plus
// $eq $ne $gt $gte $lt $lte $in $nin $regex $exists. A nil or empty filter
// always matches. Unknown operators are logged and treated as mismatches.
func Match(logger *slog.Logger, doc bson.M, filter bson.M) bool {
	if len(filter) == 0 {
		return true
	}
	for field, expected := range filter {
		actual, exists := lookupPath(doc, field)
		if !matchField(logger, actual, exists, expected) {
			return false
		}
	}
	return true
}

func matchField(logger *slog.Logger, actual any, exists bool, expected any) bool {
	ops, isOps := expected.(bson.M)
	if !isOps {
		return exists && equal(actual, expected)
	}

	for op, arg := range ops {
		if !matchOperator(logger, op, actual, exists, arg) {
			return false
		}
	}
	return true
}

func matchOperator(logger *slog.Logger, op string, actual any, exists bool, arg any) bool {
	switch op {
	case "$eq":
		return exists && equal(actual, arg)
	case "$ne":
		return !exists || !equal(actual, arg)
	case "$exists":
		want, _ := arg.(bool)
		return exists == want
	case "$gt":
		return exists && compare(actual, arg) > 0
	case "$gte":
		return exists && compare(actual, arg) >= 0
	case "$lt":
		return exists && compare(actual, arg) < 0
	case "$lte":
		return exists && compare(actual, arg) <= 0
	case "$in":
		return exists && containsAny(actual, arg)
	case "$nin":
		return !exists || !containsAny(actual, arg)
	case "$regex":
		return exists && matchRegex(actual, arg)
	default:
		logger.Warn("dispatcher: unknown filter operator, treating as mismatch", "operator", op)
		return false
	}
}

// lookupPath resolves a dot-path (e.g. "address.city") against doc.
func lookupPath(doc bson.M, path string) (any, bool) {
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(bson.M)
			if !ok {
				if mm, ok2 := cur.(map[string]any); ok2 {
					m = bson.M(mm)
				} else {
					return nil, false
				}
			}
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsAny(actual any, arg any) bool {
	list, ok := arg.(bson.A)
	if !ok {
		if lst, ok2 := arg.([]any); ok2 {
			for _, v := range lst {
				if equal(actual, v) {
					return true
				}
			}
		}
		return false
	}
	for _, v := range list {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

func matchRegex(actual, arg any) bool {
	pattern, ok := arg.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprint(actual))
}
