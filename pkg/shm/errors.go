package shm

import "errors"

var (
	ErrInvalidSize      = errors.New("shm: segment size must be positive")
	ErrUnknownType      = errors.New("shm: unknown segment type")
	ErrDeallocated      = errors.New("shm: segment already deallocated")
	ErrMissingHandle    = errors.New("shm: descriptor handle missing from message")
	ErrUnknownSegment   = errors.New("shm: unknown segment id")
	ErrSendFailed       = errors.New("shm: channel refused the message")
	ErrSegmentRevoked   = errors.New("shm: segment rights already revoked")
	ErrDuplicateSegment = errors.New("shm: segment id already in use")

	// Raised with panic: the peer or the caller broke the protocol.
	ErrSegmentCorrupted = errors.New("shm: segment header corrupted")
	ErrWrongMessage     = errors.New("shm: not a shmem message")
)
