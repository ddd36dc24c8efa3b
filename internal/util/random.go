// Package util provides small helpers shared across StampPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// referenceChars omits characters that are easy to misread (0/O, 1/I).
const referenceChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ReferenceLength is the number of random characters in a reference code.
const ReferenceLength = 6

// GenerateReference returns a short human-friendly code such as "INC-7K3QZP" that a
// user can quote back to support. It is not guaranteed unique.
func GenerateReference(prefix string) string {
	code := randomString(referenceChars, ReferenceLength)
	if prefix == "" {
		return code
	}
	return prefix + "-" + code
}

func randomString(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}
