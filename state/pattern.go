package state

import (
	"regexp"
	"strings"
)

// CompilePattern translates a subscription pattern into an anchored
// regular expression: * becomes [^.]+ (one segment), ** becomes .*
// (zero or more segments), every other character is literal.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')

	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^.]+")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// MatchPattern reports whether path matches pattern. Intended for
// one-off checks; hot paths compile once with CompilePattern.
func MatchPattern(path, pattern string) bool {
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}
