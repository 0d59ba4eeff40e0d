//go:build !linux

package shm

func CreateFd(size int) (*Region, error) { return nil, ErrNotSupported }

func MapFd(fd, size int) (*Region, error) { return nil, ErrNotSupported }

func CreateSysV(size int) (*Region, error) { return nil, ErrNotSupported }

func AttachSysV(id, size int) (*Region, error) { return nil, ErrNotSupported }

func (r *Region) Protect(off, n int, prot Prot) error { return ErrNotSupported }

func (r *Region) DupHandle() (int, error) { return -1, ErrNotSupported }

func (r *Region) Close() error { return ErrNotSupported }

func CloseHandle(fd int) error { return ErrNotSupported }
