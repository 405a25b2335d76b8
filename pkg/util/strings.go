// Package util contains helpers shared by the logging paths.
package util

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// MaxStringLen caps the length of the strings Stringify returns.
var MaxStringLen = 256

// Map applies f to every element of s.
func Map[T, U any](f func(T) U, s []T) []U {
	result := make([]U, len(s))
	for i, v := range s {
		result[i] = f(v)
	}
	return result
}

// Stringify renders v for log output: as JSON if possible, with a Go-syntax fallback. Values
// implementing fmt.Stringer are rendered with String. Long renderings are truncated.
func Stringify(v any) string {
	var ret string
	if s, ok := v.(fmt.Stringer); ok {
		ret = s.String()
	} else if b, err := json.Marshal(v); err == nil {
		ret = string(b)
	} else {
		ret = fmt.Sprintf("%#v", v)
	}
	return Truncate(ret, MaxStringLen)
}

// Truncate cuts s to at most n bytes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
