package storage

import "errors"

var (
	// All leases are in use and none freed up within the acquire timeout
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// Establishing a connection kept failing past the retry ceiling.
	// Transient, the caller should degrade instead of crashing.
	ErrConnectionUnavailable = errors.New("database connection unavailable")
)
