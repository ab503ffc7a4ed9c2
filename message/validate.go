package message

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Length bounds for identifiers.
const (
	MaxNamespaceLength = 128
	MaxPathLength      = 256
)

var (
	// Namespaces start with a letter; later segments admit the
	// underscores that client-name sanitization produces.
	namespaceRegex   = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)
	pathSegmentRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ValidateNamespace checks a namespace against the charset and length
// constraints. Namespaces designate logical participants and never
// contain wildcards.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace is empty")
	}
	if len(ns) > MaxNamespaceLength {
		return fmt.Errorf("namespace exceeds %d characters", MaxNamespaceLength)
	}
	if !namespaceRegex.MatchString(ns) {
		return fmt.Errorf("namespace %q does not match required form", ns)
	}
	return nil
}

// ValidatePath checks a concrete (wildcard-free) state path.
func ValidatePath(path string) error {
	return validateDotted(path, false)
}

// ValidatePattern checks a subscription pattern: a path whose segments
// may additionally be the wildcards * (one segment) or ** (zero or
// more segments).
func ValidatePattern(pattern string) error {
	return validateDotted(pattern, true)
}

func validateDotted(path string, wildcards bool) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("path exceeds %d characters", MaxPathLength)
	}
	for _, seg := range strings.Split(path, ".") {
		if wildcards && (seg == "*" || seg == "**") {
			continue
		}
		if !pathSegmentRegex.MatchString(seg) {
			return fmt.Errorf("invalid path segment %q", seg)
		}
	}
	return nil
}

// validID reports whether s parses as a canonical UUID.
func validID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
