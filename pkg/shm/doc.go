// Package shm implements shared-memory segments and the hand-off protocol
// that moves them between the two ends of a channel.
//
// A Segment is allocated locally with Alloc, or opened from a received
// ShmemCreated message with OpenExisting. Ownership moves by convention:
// the sender calls RevokeRights after sharing, so any later touch faults
// instead of racing with the new owner. Segments are released with
// Dealloc once the ShmemDestroyed bookkeeping is done; Manager does that
// bookkeeping for one channel.
//
// Two layouts exist. Guarded brackets the user bytes with inaccessible
// guard pages and keeps a size+magic header in the front guard. Minimal
// stores only the size, in the last eight bytes of the mapping. Builds
// with -tags shmrelease default to Minimal.
//
// The package is instrumented with OpenTelemetry metrics and tracing.
package shm
