package models

import "errors"

// Error taxonomy shared by the ingestion and query paths. Callers wrap these
// with fmt.Errorf("%w: ...") and inspect them with errors.Is.
var (
	// ErrValidation indicates bad or empty caller input.
	ErrValidation = errors.New("validation error")

	// ErrFetch indicates a network failure or timeout while retrieving a page.
	ErrFetch = errors.New("fetch error")

	// ErrProvider indicates an embedding or generation call failed or timed out.
	ErrProvider = errors.New("provider error")

	// ErrParse indicates a malformed structured provider response.
	ErrParse = errors.New("parse error")

	// ErrNotFound indicates the requested document or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional status transition found the
	// document in a different state than expected.
	ErrConflict = errors.New("status conflict")
)
