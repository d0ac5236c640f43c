package registry

import "errors"

var (
	ErrValidation = errors.New("Invalid upload session request")
	ErrNotFound   = errors.New("Upload session not found")
	ErrConflict   = errors.New("Upload session already completed")
	ErrOutOfRange = errors.New("Chunk index out of range")
	ErrIncomplete = errors.New("Upload session is missing chunks")
)

// IsDomainError tells a caller-caused failure apart from a store failure.
// Only store failures may engage the fallback mirror or trip the breaker.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrIncomplete)
}
