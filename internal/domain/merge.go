package domain

import (
	"dario.cat/mergo"
)

// MergeOutputs folds src into dst with mergo. Keys present in both are taken
// from src; nested maps are merged key by key.
func MergeOutputs(dst map[string]interface{}, src map[string]interface{}) (map[string]interface{}, error) {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	if len(src) == 0 {
		return dst, nil
	}
	if err := mergo.Merge(&dst, copyMap(src), mergo.WithOverride); err != nil {
		return nil, err
	}
	return dst, nil
}

// MergeAll merges outputs in the order given into a fresh map; later
// entries win on collisions. The inputs are never modified.
func MergeAll(outputs ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, out := range outputs {
		next, err := MergeOutputs(merged, out)
		if err != nil {
			for k, v := range copyMap(out) {
				merged[k] = v
			}
			continue
		}
		merged = next
	}
	return merged
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			cp[k] = copyMap(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}
