package pipeline

// params provides typed access into a deployment's
// new-state.tyranitar.deployment-params bag, which after populate-defaults
// always carries string, bool, int, or []interface{} values.

func paramInt(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func paramBool(params map[string]interface{}, key string, def bool) bool {
	v, ok := params[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func paramString(params map[string]interface{}, key string, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// paramStringSlice coerces a value to a []string: a bare string becomes
// a one-element slice, nil/missing becomes empty, and an existing
// slice is converted element-wise (spec §4.3 step 7's
// selected-load-balancers coercion, reused generically here).
func paramStringSlice(params map[string]interface{}, key string) []string {
	v, ok := params[key]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func setParam(params map[string]interface{}, key string, value interface{}) {
	params[key] = value
}
