package observability

import (
	"net/url"
	"sort"
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sensitiveParams are query parameters whose values never reach the logs.
var sensitiveParams = map[string]struct{}{
	"signature":         {},
	"token":             {},
	"payment_id":        {},
	"email":             {},
	"phone":             {},
	"x-goog-signature":  {},
	"x-amz-signature":   {},
	"x-amz-credential":  {},
	"x-goog-credential": {},
}

func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute strips control characters from a route pattern.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}

// SanitizeURL returns path and query with sensitive parameter values redacted. Verification
// hashes in the path are masked.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	path := maskVerifyPath(u.EscapedPath())
	query := u.Query()
	if len(query) == 0 {
		return sanitizeString(path, 512)
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, secret := sensitiveParams[strings.ToLower(k)]; secret {
			parts = append(parts, url.QueryEscape(k)+"=REDACTED")
			continue
		}
		for _, v := range query[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return sanitizeString(path+"?"+strings.Join(parts, "&"), 512)
}

// MaskHash keeps the first six characters of a verification hash.
func MaskHash(hash string) string {
	hash = strings.TrimSpace(hash)
	if len(hash) <= 6 {
		return strings.Repeat("*", len(hash))
	}
	return hash[:6] + strings.Repeat("*", len(hash)-6)
}

func maskVerifyPath(path string) string {
	const marker = "/verify/"
	idx := strings.LastIndex(path, marker)
	if idx < 0 {
		return path
	}
	rest := path[idx+len(marker):]
	if rest == "" || strings.Contains(rest, "/") {
		return path
	}
	return path[:idx+len(marker)] + MaskHash(rest)
}
