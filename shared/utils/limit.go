package utils

import (
	"cmp"
	"log/slog"
)

// FindLimit returns the smaller of two limits, treating the zero value as unset.
func FindLimit[T cmp.Ordered](x, y T) T {
	var zero T
	if x == zero {
		return y
	}
	if y == zero {
		return x
	}
	return min(x, y)
}

// FindMemoryLimit parses two memory limits and returns the smaller one in bytes.
// Limits that fail to parse are treated as unset.
func FindMemoryLimit(x, y string) int64 {
	return FindLimit(parseOrZero(x, "first"), parseOrZero(y, "second"))
}

func parseOrZero(limit, which string) int64 {
	if limit == "" {
		return 0
	}
	bytes, err := ParseMemoryLimit(limit)
	if err != nil {
		slog.Error("Failed to parse memory limit", "error", err, "limit", limit, "which", which)
		return 0
	}
	return bytes
}
