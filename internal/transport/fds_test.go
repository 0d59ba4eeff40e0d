//go:build unix

package transport

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRightsRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	oob := Rights([]int{int(r.Fd()), int(w.Fd())})
	require.NotNil(t, oob)
	assert.LessOrEqual(t, len(oob), RightsSpace(2))

	fds, err := ParseRights(oob)
	require.NoError(t, err)
	assert.Equal(t, []int{int(r.Fd()), int(w.Fd())}, fds)

	assert.Nil(t, Rights(nil))
	fds, err = ParseRights(nil)
	assert.NoError(t, err)
	assert.Nil(t, fds)
}

func TestDup(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd, err := Dup(int(w.Fd()))
	require.NoError(t, err)
	assert.NotEqual(t, int(w.Fd()), fd)

	_, err = unix.Write(fd, []byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
	CloseFds([]int{fd, -1})

	_, err = Dup(-1)
	assert.Error(t, err)
}

func TestFdQueue(t *testing.T) {
	var q FdQueue
	q.Push(-1, -1, -1)
	assert.Equal(t, 3, q.Len())

	got, ok := q.Pop(2)
	assert.True(t, ok)
	assert.Len(t, got, 2)

	_, ok = q.Pop(2)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	got, ok = q.Pop(0)
	assert.True(t, ok)
	assert.Nil(t, got)

	q.Drain()
	assert.Equal(t, 0, q.Len())
}
