package domain

import (
	"fmt"
	"regexp"
)

// identRe matches every identifier used in storage lookups. Validation runs at
// the API edge; text values are always parameter-bound below this layer.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// MaxPayloadBytes caps awakeable payloads and journal inputs/outputs. Oversized
// payloads are rejected outright, never truncated.
const MaxPayloadBytes = 64 << 10

// ValidateIdentifier checks that value is non-empty and matches the identifier
// alphabet. Failure is a programmer error surfaced as ErrInvalidArgument.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, field)
	}
	if !identRe.MatchString(value) {
		return fmt.Errorf("%w: %s %q contains characters outside [A-Za-z0-9_.-]", ErrInvalidArgument, field, value)
	}
	return nil
}

// ValidatePayload enforces the payload size bound.
func ValidatePayload(field string, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArgument, field, MaxPayloadBytes)
	}
	return nil
}
