package effect

// strParam reads a string-valued param, defaulting to "" if absent or of
// the wrong dynamic type (a malformed param is a caller programming
// error the handler reports as InvalidInput rather than panicking on).
func strParam(params map[string]any, name string) string {
	v, ok := params[name]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func bytesParam(params map[string]any, name string) []byte {
	v, ok := params[name]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}

func intParam(params map[string]any, name string, def int) int {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

func anyParamsList(params map[string]any, name string) []any {
	v, ok := params[name]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}
