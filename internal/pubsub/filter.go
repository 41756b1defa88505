package pubsub

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Filters 对消息 payload 做字段过滤：每个 key 必须存在于 payload；
// 切片值表示可接受集合，标量值要求相等。
type Filters map[string]any

// Matches 判断 payload 是否满足全部过滤条件；空过滤器总是匹配。
func (f Filters) Matches(payload map[string]any) bool {
	for key, want := range f {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if set, isSet := asSet(want); isSet {
			if !containsValue(set, got) {
				return false
			}
			continue
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

func asSet(v any) ([]any, bool) {
	switch typed := v.(type) {
	case []any:
		return typed, true
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}
		return out, true
	case []byte, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsValue(set []any, v any) bool {
	for _, candidate := range set {
		if valuesEqual(candidate, v) {
			return true
		}
	}
	return false
}

// valuesEqual 先做深度相等比较；不相等时只在一侧为数值类型、另一侧为数值或数字字符串时
// 按数值比较，使 JSON 解码出的 float64(5) 与过滤器中的 "5" 视为相等。
// "true" 与 true 这类其他类型不做字符串化比较。
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	an, aIsNumber, aOK := numericValue(a)
	bn, bIsNumber, bOK := numericValue(b)
	if !aOK || !bOK || (!aIsNumber && !bIsNumber) {
		return false
	}
	return an == bn
}

// numericValue 将数值类型或可解析为数字的字符串转换为 float64。
// isNumber 表示 v 本身是数值类型而非字符串。
func numericValue(v any) (value float64, isNumber bool, ok bool) {
	switch typed := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false, false
		}
		return parsed, false, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, true, err == nil
	case bool, nil:
		return 0, false, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true, true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true, true
	}
	return 0, false, false
}
