package api

import (
	"crypto/rand"
	"strings"
)

const (
	correlationIDPrefix = "call_"
	correlationIDRandom = 24

	base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	maxCorrelationIDLength = 128
)

// NewCorrelationID returns "call_" followed by 24 random base62 characters.
// It is used when the caller does not supply an id.
func NewCorrelationID() string {
	var b strings.Builder
	b.Grow(len(correlationIDPrefix) + correlationIDRandom)
	b.WriteString(correlationIDPrefix)

	buf := make([]byte, 32)
	for n := 0; n < correlationIDRandom; {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		for _, c := range buf {
			// 248 is the largest multiple of 62 below 256; rejecting the rest
			// keeps the distribution uniform.
			if c >= 248 || n == correlationIDRandom {
				continue
			}
			b.WriteByte(base62[c%62])
			n++
		}
	}
	return b.String()
}

// ValidateCorrelationID reports whether id has the form NewCorrelationID
// produces.
func ValidateCorrelationID(id string) bool {
	rest, ok := strings.CutPrefix(id, correlationIDPrefix)
	if !ok || len(rest) != correlationIDRandom {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if strings.IndexByte(base62, rest[i]) < 0 {
			return false
		}
	}
	return true
}

// ValidCallerCorrelationID reports whether a caller-supplied id is usable.
// Ids appear in URL paths and progress tokens, so they are limited to 128
// characters from [A-Za-z0-9._:-].
func ValidCallerCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if strings.IndexByte(base62, c) < 0 && c != '_' && c != '-' && c != '.' && c != ':' {
			return false
		}
	}
	return true
}
