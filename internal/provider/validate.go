package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vnmchuo/chatstream/internal/apierr"
)

// DefaultKeyPattern matches bearer keys of the "sk-..." family.
const DefaultKeyPattern = `^sk-[A-Za-z0-9_-]{16,}$`

// CompileKeyPattern compiles pattern, falling back to DefaultKeyPattern when
// it is empty.
func CompileKeyPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = DefaultKeyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile key pattern %q: %w", pattern, err)
	}
	return re, nil
}

// ValidRole reports whether r is one of the chat roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// NormalizeMessages drops messages whose content is blank and rejects unknown
// roles. The input slice is not modified.
func NormalizeMessages(messages []Message) ([]Message, error) {
	out := make([]Message, 0, len(messages))
	for i, m := range messages {
		if !ValidRole(m.Role) {
			return nil, apierr.Validation("invalid_message", "message %d has invalid role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, apierr.Validation("invalid_message", "at least one non-empty message is required")
	}
	return out, nil
}

// ValidateKey checks key against re before any network call.
func ValidateKey(re *regexp.Regexp, key string) error {
	if key == "" {
		return apierr.Validation("invalid_api_key", "api key is required")
	}
	if !re.MatchString(key) {
		return apierr.Validation("invalid_api_key", "api key has an invalid format")
	}
	return nil
}
