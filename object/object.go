package object

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// NestedFieldNoCopy returns the nested field from a given object tree. The
// second returned value is true if the field is found, else false.
func NestedFieldNoCopy(obj map[string]interface{}, fields ...string) (interface{}, bool, error) {
	var val interface{} = obj

	for i, field := range fields {
		if m, ok := val.(map[string]interface{}); ok {
			val, ok = m[field]
			if !ok {
				return nil, false, nil
			}
		} else {
			return nil, false, fmt.Errorf("%v accessor error: %v is of the type %T, expected map[string]interface{}", strings.Join(fields[:i+1], "."), val, val)
		}
	}
	return val, true, nil
}

// NestedStringMap returns a copy of the string map at the given path. A
// missing field returns an empty map. Non-string values in the map are
// skipped.
func NestedStringMap(obj map[string]interface{}, fields ...string) map[string]string {
	val, found, err := NestedFieldNoCopy(obj, fields...)
	if err != nil || !found {
		return map[string]string{}
	}

	m, ok := val.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}

	result := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// EnsureMap returns the map at the given path, creating any missing
// intermediate maps. A non-map value found on the path is replaced by a map.
// The returned map is live, writes to it modify the object tree.
func EnsureMap(obj map[string]interface{}, fields ...string) map[string]interface{} {
	m := obj
	for _, field := range fields {
		next, ok := m[field].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[field] = next
		}
		m = next
	}
	return m
}

// Labels returns a copy of the object's metadata labels.
func Labels(u *unstructured.Unstructured) map[string]string {
	if u == nil {
		return map[string]string{}
	}
	return NestedStringMap(u.Object, "metadata", "labels")
}

// Annotations returns a copy of the object's metadata annotations.
func Annotations(u *unstructured.Unstructured) map[string]string {
	if u == nil {
		return map[string]string{}
	}
	return NestedStringMap(u.Object, "metadata", "annotations")
}
