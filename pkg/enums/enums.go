package enums

import (
	"fmt"
	"slices"
)

func known[T ~string](v T, set []T) bool {
	return slices.Contains(set, v)
}

// parse matches raw exactly against set; label names the enum in the error.
func parse[T ~string](label, raw string, set []T) (T, error) {
	if v := T(raw); slices.Contains(set, v) {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", label, raw)
}
