package obs

import (
	"regexp"
	"strings"
)

// secretKeyNames are field names whose values are always redacted
// regardless of content, matching the spec's redactor key list.
var secretKeyNames = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"refresh_token": true,
	"access_token":  true,
	"csrf":          true,
	"session":       true,
}

// secretContentPatterns catch secret-shaped values even under an
// innocuous-looking key (e.g. "note": "<jwt>").
var secretContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`),             // JWT
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),                          // PEM private key
	regexp.MustCompile(`^dp_[A-Za-z0-9]{10}_[A-Za-z0-9]+$`),                            // API key plaintext
}

const redactedPlaceholder = "[REDACTED]"

// Redact returns value unchanged unless key names a known secret field or
// value's content matches a known secret shape, in which case it returns
// a fixed placeholder.
func Redact(key, value string) string {
	if secretKeyNames[strings.ToLower(key)] {
		return redactedPlaceholder
	}
	for _, pat := range secretContentPatterns {
		if pat.MatchString(value) {
			return redactedPlaceholder
		}
	}
	return value
}

// ScrubMeta implements the audit log's meta-scrubbing rule: free text over
// 200 chars collapses to a length marker, and any key that looks like a
// filesystem path is replaced by a count rather than its value.
func ScrubMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		s, isStr := v.(string)
		switch {
		case looksLikePathKey(k):
			out[k] = map[string]any{"count": 1}
		case secretKeyNames[strings.ToLower(k)]:
			out[k] = redactedPlaceholder
		case isStr && len(s) > 200:
			out[k] = map[string]any{"redacted": true, "len": len(s)}
		case isStr:
			out[k] = Redact(k, s)
		default:
			out[k] = v
		}
	}
	return out
}

func looksLikePathKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_paths") || k == "path" || k == "paths"
}
