package iostore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T) (*Handle, context.CancelFunc) {
	t.Helper()
	w, err := New(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return NewHandle(w), cancel
}

func TestHandle_OpenWriteReadClose(t *testing.T) {
	h, cancel := startWorker(t)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, h.Open(ctx, "video.m4s"))
	require.NoError(t, h.Open(ctx, "video.m4s")) // already-open is a no-op, not an error

	require.NoError(t, h.Write(ctx, "video.m4s", []byte("hello ")))
	require.NoError(t, h.Write(ctx, "video.m4s", []byte("world")))

	data, err := h.Read(ctx, "video.m4s", 0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = h.Read(ctx, "video.m4s", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	// reading past EOF returns an empty, not an error
	data, err = h.Read(ctx, "video.m4s", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, h.Close(ctx, "video.m4s"))

	exists, size, err := h.Check(ctx, "video.m4s")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.EqualValues(t, 11, size)
}

func TestHandle_ReadDoesNotMoveWriteCursor(t *testing.T) {
	h, cancel := startWorker(t)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, h.Open(ctx, "a.bin"))
	require.NoError(t, h.Write(ctx, "a.bin", []byte("AAAA")))

	_, err := h.Read(ctx, "a.bin", 0, 4)
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, "a.bin", []byte("BBBB")))

	data, err := h.Read(ctx, "a.bin", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(data))
}

func TestHandle_DeleteAndCheck(t *testing.T) {
	h, cancel := startWorker(t)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, h.Open(ctx, "tmp.part"))
	require.NoError(t, h.Write(ctx, "tmp.part", []byte("x")))
	require.NoError(t, h.Delete(ctx, "tmp.part"))

	exists, _, err := h.Check(ctx, "tmp.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandle_WriteWithoutOpenFails(t *testing.T) {
	h, cancel := startWorker(t)
	defer cancel()
	ctx := context.Background()

	err := h.Write(ctx, "nope.bin", []byte("x"))
	require.Error(t, err)
}

func TestHandle_PathEscapeRejected(t *testing.T) {
	h, cancel := startWorker(t)
	defer cancel()
	ctx := context.Background()

	err := h.Open(ctx, filepath.Join("..", "escape.bin"))
	require.Error(t, err)
}
