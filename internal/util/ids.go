// Package util provides identifier and environment helpers shared across ChatSync components.
package util

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// ServerIDPrefix marks ids assigned by a remote source rather than locally.
const ServerIDPrefix = "srv_"

// NewMessageID returns a locally generated, time-ordered message id (UUIDv7).
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewServerID returns a random server-side message id.
func NewServerID() string {
	return GenerateRandomID(ServerIDPrefix, 24)
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}
