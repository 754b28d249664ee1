package index

import "strings"

// evalPath resolves a registry element path against node. Alternatives are
// separated by '|'; every segment navigates one field and arrays are
// flattened so the result is the collection of leaf elements.
func evalPath(node interface{}, path, resourceType string) []interface{} {
	if path == "" {
		return []interface{}{node}
	}
	var out []interface{}
	for _, alt := range strings.Split(path, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		segs := strings.Split(alt, ".")
		if resourceType != "" && segs[0] == resourceType {
			segs = segs[1:]
		}
		out = append(out, walk([]interface{}{node}, segs)...)
	}
	return out
}

func walk(items []interface{}, segs []string) []interface{} {
	for _, seg := range segs {
		var next []interface{}
		for _, item := range items {
			next = append(next, navigateField(item, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		items = next
	}
	return items
}

// navigateField returns the values of field on a JSON object, flattening
// an array value.
func navigateField(item interface{}, field string) []interface{} {
	m, ok := asObject(item)
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok || val == nil {
		return nil
	}
	if arr, isArr := val.([]interface{}); isArr {
		out := make([]interface{}, 0, len(arr))
		for _, v := range arr {
			if v != nil {
				out = append(out, v)
			}
		}
		return out
	}
	return []interface{}{val}
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
