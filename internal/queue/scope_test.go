package queue

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateScope(t *testing.T) {
	cases := []struct {
		scope string
		ok    bool
	}{
		{"default", true},
		{"reports-eu_1", true},
		{"", false},
		{"a/b", false},
		{"a:b", false},
		{"has space", false},
		{strings.Repeat("s", 129), false},
	}
	for _, tc := range cases {
		err := ValidateScope(tc.scope)
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tc.scope, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidScope) {
			t.Errorf("%q: want ErrInvalidScope, got %v", tc.scope, err)
		}
	}
}
