package session

import "fmt"

// TransportError represents a network or HTTP failure talking to the API
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("transport error (status %d): %s: %v", e.Status, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("transport error (status %d): %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transport error: %s: %v", e.Message, e.Err)
	}
	return "transport error: " + e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError describes a stream payload that could not be parsed.
// It is never returned to callers; the payload is recovered as plain text.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream payload %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StorageError represents a durable store read or write failure
type StorageError struct {
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationError represents caller input rejected before any network call
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
