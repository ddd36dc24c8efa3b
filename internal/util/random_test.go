package util

import (
	"strings"
	"testing"
)

func TestGenerateReference(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		wantPrefix string
		wantLength int
	}{
		{"incident reference", "INC", "INC-", 4 + ReferenceLength},
		{"custom prefix", "Q", "Q-", 2 + ReferenceLength},
		{"bare code", "", "", ReferenceLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateReference(tt.prefix)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateReference() = %v, want prefix %v", got, tt.wantPrefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateReference() length = %v, want %v", len(got), tt.wantLength)
			}
			for _, c := range strings.TrimPrefix(got, tt.wantPrefix) {
				if !strings.ContainsRune(referenceChars, c) {
					t.Errorf("GenerateReference() contains ambiguous character %q", c)
				}
			}
		})
	}
}

func TestRandomString(t *testing.T) {
	if got := randomString("ab", 0); got != "" {
		t.Errorf("randomString(0) = %q, want empty", got)
	}
	if got := randomString("ab", -3); got != "" {
		t.Errorf("randomString(-3) = %q, want empty", got)
	}
	got := randomString("x", 5)
	if got != "xxxxx" {
		t.Errorf("randomString single letter alphabet = %q", got)
	}
}
