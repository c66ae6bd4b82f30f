package storage

import (
	"errors"
	"fmt"
)

// ErrObjectExists is returned when a write would overwrite an existing
// object. Evidence objects are write-once.
var ErrObjectExists = errors.New("object already exists")

// ErrPayloadTooLarge is returned when an upload exceeds the configured cap.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrSlotExpired is returned when a signed write URL is past its deadline or
// its signature does not verify.
var ErrSlotExpired = errors.New("upload slot expired or invalid")

// InvalidPayloadError rejects uploads that are not acceptable image evidence.
type InvalidPayloadError struct {
	Reason string
}

func (e InvalidPayloadError) Error() string {
	return "invalid evidence payload: " + e.Reason
}

// UnavailableError wraps backing-store failures so callers can map them to a
// service-unavailable response without losing the cause.
type UnavailableError struct {
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("evidence store unavailable: %v", e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}
