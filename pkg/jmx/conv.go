package jmx

import (
	"encoding/json"
	"fmt"
	"time"
)

// Named conversions applicable to managed-bean values. Configuration refers
// to these by key; arbitrary expressions are not evaluated.
const (
	ConvIdentity        = ""
	ConvPercent         = "percent"           // fraction to percent
	ConvMillisToSeconds = "millis-to-seconds" // milliseconds to seconds
	ConvJavaTimestamp   = "java-timestamp"    // ms since epoch to time.Time
)

// JavaTimestamp converts a JVM milliseconds-since-epoch value.
func JavaTimestamp(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Convert applies a named conversion to a raw agent value. Unknown names are
// rejected; non-numeric values pass through the identity conversion only.
func Convert(name string, v any) (any, error) {
	if name == ConvIdentity || v == nil {
		return v, nil
	}

	f, ok := asFloat(v)
	if !ok {
		return nil, fmt.Errorf("conversion %q needs a numeric value, got %T", name, v)
	}

	switch name {
	case ConvPercent:
		return f * 100.0, nil
	case ConvMillisToSeconds:
		return f / 1000.0, nil
	case ConvJavaTimestamp:
		return JavaTimestamp(f), nil
	}
	return nil, fmt.Errorf("unknown conversion %q", name)
}

// KnownConversion reports whether name refers to a registered conversion.
func KnownConversion(name string) bool {
	switch name {
	case ConvIdentity, ConvPercent, ConvMillisToSeconds, ConvJavaTimestamp:
		return true
	}
	return false
}
