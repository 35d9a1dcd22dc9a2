package ingest

import (
	"context"
	"regexp"
	"strings"

	"basegraph.app/ingest/internal/model"
)

const filteredValue = "[Filtered]"

var defaultSensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"api_key",
	"apikey",
	"auth",
	"credentials",
	"mysql_pwd",
	"privatekey",
	"private_key",
	"token",
	"bearer",
}

var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	homeDirRe    = regexp.MustCompile(`(?i)([/\\](?:users|home)[/\\])([^/\\]+)`)
)

// DefaultScrubber filters values stored under sensitive keys, values that look
// like card numbers, and user names inside home directory paths.
type DefaultScrubber struct {
	// ExtraFields are matched like the built-in sensitive fields.
	ExtraFields []string
}

func (s *DefaultScrubber) Scrub(_ context.Context, _ *model.Project, data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	fields := append(append([]string{}, defaultSensitiveFields...), s.ExtraFields...)
	out, _ := scrubValue(data, fields).(map[string]any)
	return out
}

func scrubValue(v any, fields []string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k, fields) {
				if val == nil {
					out[k] = nil
				} else {
					out[k] = filteredValue
				}
				continue
			}
			out[k] = scrubValue(val, fields)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = scrubValue(e, fields)
		}
		return out
	case string:
		if creditCardRe.MatchString(t) {
			return filteredValue
		}
		return homeDirRe.ReplaceAllString(t, "${1}[user]")
	default:
		return v
	}
}

func isSensitive(key string, fields []string) bool {
	k := strings.ToLower(key)
	for _, f := range fields {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}
