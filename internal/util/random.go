// Package util holds small helpers shared across Empathibot packages:
// random identifiers and environment variable parsing.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex characters.
// Not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string of the given length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return builder.String()
}

// GenerateUserID returns a new internal user id ("u_" + 32 hex).
func GenerateUserID() string {
	return GenerateRandomID("u_", 32)
}

// GenerateRequestID returns an id used to correlate the log lines of one HTTP request.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 16)
}
