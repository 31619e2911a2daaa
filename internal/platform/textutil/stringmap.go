package textutil

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// MetadataLimits bounds the metadata forwarded to external gateways. Zero fields disable the bound.
type MetadataLimits struct {
	MaxEntries  int
	MaxKeyLen   int
	MaxValueLen int
}

// GatewayMetadataLimits matches the strictest payment gateway we integrate with.
var GatewayMetadataLimits = MetadataLimits{MaxEntries: 50, MaxKeyLen: 40, MaxValueLen: 500}

// NormalizeMetadata trims keys and values, drops empty keys and applies limits. When MaxEntries
// is exceeded the lexically smallest keys are kept so the result is stable across calls.
func NormalizeMetadata(values map[string]string, limits MetadataLimits) map[string]string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	trimmed := make(map[string]string, len(values))
	for key, value := range values {
		k := truncateRunes(strings.TrimSpace(key), limits.MaxKeyLen)
		if k == "" {
			continue
		}
		if _, seen := trimmed[k]; !seen {
			keys = append(keys, k)
		}
		trimmed[k] = truncateRunes(strings.TrimSpace(value), limits.MaxValueLen)
	}
	if len(keys) == 0 {
		return nil
	}
	if limits.MaxEntries > 0 && len(keys) > limits.MaxEntries {
		sort.Strings(keys)
		keys = keys[:limits.MaxEntries]
	}
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		result[k] = trimmed[k]
	}
	return result
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
