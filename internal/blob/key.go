package blob

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Match: starts with one or more / OR contains \ OR contains a .. path segment
var regexForbiddenPatterns = regexp.MustCompile(`^/+|\\+|(^|/)\.\.(/|$)`)

// ValidateKey reports whether key is usable both as an S3 key and as a relative file path
func ValidateKey(key string) bool {
	// S3 keys must be between 1 and 1024 bytes long
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if regexForbiddenPatterns.MatchString(key) {
		return false
	}

	// S3 keys must be valid UTF-8 strings
	return utf8.ValidString(key)
}

// JoinKey joins key segments with "/", dropping empty segments and stray separators
func JoinKey(parts ...string) string {
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, "/")
}
