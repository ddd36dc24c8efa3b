package util

import "testing"

func TestTokenize(t *testing.T) {
	tests := map[string]string{
		"  stamp ":       "STAMP",
		"Sign   up":      "SIGN UP",
		"ＳＴＡＭＰ":          "STAMP",
		"cancel\n":       "CANCEL",
		"":               "",
		"R150.50":        "R150.50",
		"straße":         "STRASSE",
	}
	for in, want := range tests {
		if got := Tokenize(in); got != want {
			t.Errorf("Tokenize(%q) = %q, want %q", in, got, want)
		}
	}
}
