//go:build !shmrelease

package shm

// DefaultLayout is used by Alloc and OpenExisting.
var DefaultLayout Layout = Guarded{}
