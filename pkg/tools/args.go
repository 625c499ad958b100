package tools

import (
	"encoding/json"
	"fmt"
	"time"
)

func stringArg(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

// optionalString distinguishes an absent key from an empty string
func optionalString(params map[string]interface{}, key string) *string {
	v, ok := params[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func intArg(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func boolArg(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func stringSliceArg(params map[string]interface{}, key string) ([]string, bool) {
	switch v := params[key].(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func objectSliceArg(params map[string]interface{}, key string) []map[string]interface{} {
	raw, _ := params[key].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// timeArg parses an RFC 3339 timestamp. Absent keys return the zero time.
func timeArg(params map[string]interface{}, key string) (time.Time, error) {
	s := stringArg(params, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return t, nil
}
