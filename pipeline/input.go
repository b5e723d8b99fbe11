package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
)

// collect gathers the upstream outputs of type T in task id order. Outputs
// that crossed a serialization boundary arrive as maps and are decoded when
// their kind field matches.
func collect[T any](inputs map[string]any, kind string) ([]T, error) {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []T
	for _, id := range ids {
		switch v := inputs[id].(type) {
		case T:
			out = append(out, v)
		case *T:
			if v != nil {
				out = append(out, *v)
			}
		case map[string]any:
			if k, _ := v["kind"].(string); k != kind {
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("decode %s output of %s: %w", kind, id, err)
			}
			var t T
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("decode %s output of %s: %w", kind, id, err)
			}
			out = append(out, t)
		}
	}

	return out, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
