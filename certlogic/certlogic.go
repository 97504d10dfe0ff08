// Package certlogic evaluates CertLogic expressions, the JSON-based rule
// language of the EU Digital COVID Certificate business rules.
//
// Expressions and data documents are plain JSON-decoded values
// (map[string]interface{}, []interface{}, string, float64, bool, nil), plus
// the DateTime value type produced by the plusTime operation.
//
// See https://github.com/ehn-dcc-development/dgc-business-rules/tree/main/certlogic
// for the language definition.
package certlogic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IsFalsy reports whether the value is falsy: false or null. Values that are
// neither falsy nor truthy (numbers, strings, empty arrays) may not be used
// where a boolean is required.
func IsFalsy(v interface{}) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	return ok && !b
}

// IsTruthy reports whether the value is truthy: true, a non-empty array, or
// an object.
func IsTruthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return true
	default:
		return false
	}
}

// asInt converts a rule-language integer. JSON decoding yields float64;
// integral values count as integers, anything fractional does not.
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	}
	return 0, false
}

func isInt(v interface{}) bool {
	_, ok := asInt(v)
	return ok
}

// deepEqual is the structural equality of the === operator. Numbers compare
// by value regardless of their Go representation, dates by instant.
func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ad, ok := a.(DateTime); ok {
		bd, ok := b.(DateTime)
		return ok && ad.Equal(bd)
	}
	switch at := a.(type) {
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case float64, int, int64:
		an, _ := toFloat(a)
		bn, ok := toFloat(b)
		return ok && an == bn
	case []interface{}:
		bt, ok := b.([]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !deepEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bt, ok := b.(map[string]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Evaluate evaluates a CertLogic expression against a data document. A
// malformed or type-mismatched expression yields an error, never a panic.
func Evaluate(expr, data interface{}) (interface{}, error) {
	switch t := expr.(type) {
	case string, bool, nil, float64, int, int64:
		return t, nil
	case []interface{}:
		evaluated := make([]interface{}, len(t))
		for i, e := range t {
			v, err := Evaluate(e, data)
			if err != nil {
				return nil, err
			}
			evaluated[i] = v
		}
		return evaluated, nil
	case map[string]interface{}:
		if len(t) != 1 {
			return nil, fmt.Errorf("unrecognised expression object encountered")
		}
		var operator string
		var args interface{}
		for k, v := range t {
			operator, args = k, v
		}
		if operator == "var" {
			return evaluateVar(args, data)
		}
		argList, ok := args.([]interface{})
		if !ok || len(argList) == 0 {
			return nil, fmt.Errorf("operation not of the form { %q: [ <args...> ] }", operator)
		}
		switch operator {
		case "if":
			if len(argList) != 3 {
				return nil, fmt.Errorf("an \"if\" operation must have 3 operands")
			}
			return evaluateIf(argList[0], argList[1], argList[2], data)
		case "===", "and", ">", "<", ">=", "<=", "in", "+":
			return evaluateBinOp(operator, argList, data)
		case "!":
			return evaluateNot(argList[0], data)
		case "plusTime":
			if len(argList) != 3 {
				return nil, fmt.Errorf("a \"plusTime\" operation must have 3 operands")
			}
			return evaluatePlusTime(argList[0], argList[1], argList[2], data)
		case "reduce":
			if len(argList) != 3 {
				return nil, fmt.Errorf("a \"reduce\" operation must have 3 operands")
			}
			return evaluateReduce(argList[0], argList[1], argList[2], data)
		default:
			return nil, fmt.Errorf("unrecognised operator: %q", operator)
		}
	default:
		return nil, fmt.Errorf("invalid CertLogic expression: %v", expr)
	}
}

// evaluateVar walks a dot-separated path through the data document. A missing
// segment or a null along the way yields null, never an error.
func evaluateVar(args, data interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	path, ok := args.(string)
	if !ok {
		return nil, fmt.Errorf("not of the form { \"var\": \"<path>\" }")
	}
	if path == "" { // "it"
		return data, nil
	}
	current := data
	for _, fragment := range strings.Split(path, ".") {
		if current == nil {
			return nil, nil
		}
		if index, err := strconv.Atoi(fragment); err == nil {
			arr, ok := current.([]interface{})
			if !ok || index < 0 || index >= len(arr) {
				current = nil
				continue
			}
			current = arr[index]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			current = nil
			continue
		}
		current = obj[fragment]
	}
	return current, nil
}

func evaluateIf(guard, then, else_ interface{}, data interface{}) (interface{}, error) {
	evalGuard, err := Evaluate(guard, data)
	if err != nil {
		return nil, err
	}
	if IsTruthy(evalGuard) {
		return Evaluate(then, data)
	}
	if IsFalsy(evalGuard) {
		return Evaluate(else_, data)
	}
	return nil, fmt.Errorf("if-guard evaluates to something neither truthy, nor falsy: %v", evalGuard)
}

func intCompare(operator string, l, r int) (bool, error) {
	switch operator {
	case "<":
		return l < r, nil
	case ">":
		return l > r, nil
	case "<=":
		return l <= r, nil
	case ">=":
		return l >= r, nil
	default:
		return false, fmt.Errorf("unhandled binary comparison operator %q", operator)
	}
}

// compare chains the comparison over 2 or 3 operands; compareTo maps a pair
// of operand indices to a three-way comparison result.
func compare(operator string, n int, compareTo func(i, j int) int) (bool, error) {
	switch n {
	case 2:
		return intCompare(operator, compareTo(0, 1), 0)
	case 3:
		first, err := intCompare(operator, compareTo(0, 1), 0)
		if err != nil || !first {
			return first, err
		}
		return intCompare(operator, compareTo(1, 2), 0)
	default:
		return false, fmt.Errorf("invalid number of operands to a %q operation", operator)
	}
}

func evaluateBinOp(operator string, args []interface{}, data interface{}) (interface{}, error) {
	switch operator {
	case "and":
		if len(args) < 2 {
			return nil, fmt.Errorf("an \"and\" operation must have at least 2 operands")
		}
	case "<", ">", "<=", ">=":
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("an operation with operator %q must have 2 or 3 operands", operator)
		}
	default:
		if len(args) != 2 {
			return nil, fmt.Errorf("an operation with operator %q must have 2 operands", operator)
		}
	}

	if operator == "and" {
		// Left-to-right short-circuit: operands after the first falsy one are
		// never evaluated.
		result := interface{}(true)
		for _, arg := range args {
			if IsFalsy(result) {
				return result, nil
			}
			var err error
			result, err = Evaluate(arg, data)
			if err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	evalArgs := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := Evaluate(arg, data)
		if err != nil {
			return nil, err
		}
		evalArgs[i] = v
	}

	switch operator {
	case "===":
		return deepEqual(evalArgs[0], evalArgs[1]), nil
	case "in":
		haystack, ok := evalArgs[1].([]interface{})
		if !ok {
			return nil, fmt.Errorf("right-hand side of an \"in\" operation must be an array")
		}
		for _, candidate := range haystack {
			if deepEqual(evalArgs[0], candidate) {
				return true, nil
			}
		}
		return false, nil
	case "+":
		l, lok := asInt(evalArgs[0])
		r, rok := asInt(evalArgs[1])
		if !lok || !rok {
			return nil, fmt.Errorf("operands of a \"+\" operator must both be integers")
		}
		return l + r, nil
	case "<", ">", "<=", ">=":
		switch {
		case isInt(evalArgs[0]):
			ints := make([]int64, len(evalArgs))
			for i, v := range evalArgs {
				n, ok := asInt(v)
				if !ok {
					return nil, fmt.Errorf("all operands of a %q operation must have the same type", operator)
				}
				ints[i] = n
			}
			return compare(operator, len(ints), func(i, j int) int {
				switch {
				case ints[i] < ints[j]:
					return -1
				case ints[i] > ints[j]:
					return 1
				default:
					return 0
				}
			})
		default:
			if _, ok := evalArgs[0].(DateTime); !ok {
				return nil, fmt.Errorf("can't handle the operand type of a %q operation: %T", operator, evalArgs[0])
			}
			dates := make([]DateTime, len(evalArgs))
			for i, v := range evalArgs {
				d, ok := v.(DateTime)
				if !ok {
					return nil, fmt.Errorf("all operands of a %q operation must have the same type", operator)
				}
				dates[i] = d
			}
			return compare(operator, len(dates), func(i, j int) int {
				return dates[i].Compare(dates[j])
			})
		}
	default:
		return nil, fmt.Errorf("unhandled binary operator %q", operator)
	}
}

func evaluateNot(operandExpr, data interface{}) (interface{}, error) {
	operand, err := Evaluate(operandExpr, data)
	if err != nil {
		return nil, err
	}
	if IsFalsy(operand) {
		return true, nil
	}
	if IsTruthy(operand) {
		return false, nil
	}
	return nil, fmt.Errorf("operand of ! evaluates to something neither truthy, nor falsy: %v", operand)
}

func evaluatePlusTime(dateOperand, amount, unit interface{}, data interface{}) (interface{}, error) {
	// amount and unit are literals, not sub-expressions.
	n, ok := asInt(amount)
	if !ok {
		return nil, fmt.Errorf("\"amount\" argument (#2) of \"plusTime\" must be an integer")
	}
	unitStr, ok := unit.(string)
	if !ok || !validTimeUnit(unitStr) {
		return nil, fmt.Errorf("\"unit\" argument (#3) of \"plusTime\" must be a string 'day' or 'hour'")
	}
	dateValue, err := Evaluate(dateOperand, data)
	if err != nil {
		return nil, err
	}
	dateStr, ok := dateValue.(string)
	if !ok {
		return nil, fmt.Errorf("date argument of \"plusTime\" must be a string")
	}
	date, err := ParseDateTime(dateStr)
	if err != nil {
		return nil, err
	}
	return date.Plus(n, TimeUnit(unitStr)), nil
}

func evaluateReduce(operand, lambda, initial interface{}, data interface{}) (interface{}, error) {
	evalOperand, err := Evaluate(operand, data)
	if err != nil {
		return nil, err
	}
	evalInitial, err := Evaluate(initial, data)
	if err != nil {
		return nil, err
	}
	if evalOperand == nil {
		return evalInitial, nil
	}
	arr, ok := evalOperand.([]interface{})
	if !ok {
		return nil, fmt.Errorf("operand of reduce evaluated to a non-null non-array")
	}
	accumulator := evalInitial
	for _, current := range arr {
		accumulator, err = Evaluate(lambda, map[string]interface{}{
			"accumulator": accumulator,
			"current":     current,
		})
		if err != nil {
			return nil, err
		}
	}
	return accumulator, nil
}
