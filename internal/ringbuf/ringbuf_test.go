package ringbuf

import (
	"path/filepath"
	"testing"

	"daqcore/internal/halerr"

	"github.com/stretchr/testify/require"
)

func TestRing_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ring")
	r, err := Create(path, 4096, []byte("schema-v1"))
	require.NoError(t, err)
	defer r.Close()

	off1, err := r.Write([]byte("first record"))
	require.NoError(t, err)
	off2, err := r.Write([]byte("second record, a bit longer"))
	require.NoError(t, err)

	got1, err := r.Read(off1)
	require.NoError(t, err)
	require.Equal(t, "first record", string(got1))

	got2, err := r.Read(off2)
	require.NoError(t, err)
	require.Equal(t, "second record, a bit longer", string(got2))

	require.Equal(t, "schema-v1", string(r.Schema()))
}

func TestRing_OverrunWhenReaderFallsBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.ring")
	r, err := Create(path, 64, nil)
	require.NoError(t, err)
	defer r.Close()

	firstOff, err := r.Write(make([]byte, 16))
	require.NoError(t, err)

	// Write enough additional records to wrap past firstOff's slot several
	// times over the 64-byte capacity.
	for i := 0; i < 20; i++ {
		_, err := r.Write(make([]byte, 16))
		require.NoError(t, err)
	}

	_, err = r.Read(firstOff)
	require.Error(t, err)
	require.True(t, halerr.Is(err, halerr.Overrun))
}

func TestRing_ReadBeforeWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ring")
	r, err := Create(path, 1024, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Read(0)
	require.Error(t, err)
	require.False(t, halerr.Is(err, halerr.Overrun))
}

func TestRing_OpenExistingReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.ring")
	w, err := Create(path, 1024, []byte("s"))
	require.NoError(t, err)
	off, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reader, err := Open(path, false)
	require.NoError(t, err)
	defer reader.Close()

	got, err := reader.Read(off)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestRing_WrapsAroundCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrap.ring")
	r, err := Create(path, 32, nil)
	require.NoError(t, err)
	defer r.Close()

	off, err := r.Write([]byte("abcdefgh")) // 8 + 4 prefix = 12 bytes, fits twice with room
	require.NoError(t, err)
	off2, err := r.Write([]byte("ijklmnop"))
	require.NoError(t, err)

	got, err := r.Read(off)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(got))

	got2, err := r.Read(off2)
	require.NoError(t, err)
	require.Equal(t, "ijklmnop", string(got2))

	// A third 12-byte record starts at offset 24 and wraps past the end of
	// the 32-byte data region.
	off3, err := r.Write([]byte("qrstuvwx"))
	require.NoError(t, err)
	require.Equal(t, uint64(24), off3)
	got3, err := r.Read(off3)
	require.NoError(t, err)
	require.Equal(t, "qrstuvwx", string(got3))
}
