package queue

import (
	"fmt"
	"unicode"
)

const maxScopeLen = 128

// ValidateScope checks that scope can be embedded in backend key prefixes.
func ValidateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("%w: empty", ErrInvalidScope)
	}
	if len(scope) > maxScopeLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidScope, maxScopeLen)
	}
	for _, r := range scope {
		if r == '/' || r == ':' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidScope, scope, r)
		}
	}
	return nil
}
