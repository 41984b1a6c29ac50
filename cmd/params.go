package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseParam splits key=value. Numbers and true/false are passed on typed,
// anything else as a string.
func parseParam(p string) (string, any, error) {
	key, raw, ok := strings.Cut(p, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("parameter %q is not key=value", p)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return key, f, nil
	}
	switch raw {
	case "true":
		return key, true, nil
	case "false":
		return key, false, nil
	}
	return key, raw, nil
}
