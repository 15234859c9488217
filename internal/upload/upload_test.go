package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"dubproc/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := New(st, t.TempDir())
	require.NoError(t, err)
	return svc
}

func sha(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestInitRejectsBadFilenames(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Init("u1", "../evil.mp4", 10, 5)
	require.ErrorIs(t, err, ErrInvalidFilename)
}

func TestPutChunkAndCompleteHappyPath(t *testing.T) {
	svc := newTestService(t)
	chunkA := bytes.Repeat([]byte("a"), 4)
	chunkB := bytes.Repeat([]byte("b"), 2)

	u, err := svc.Init("u1", "clip.mp4", int64(len(chunkA)+len(chunkB)), int64(len(chunkA)))
	require.NoError(t, err)

	_, err = svc.PutChunk(u.ID, 0, 0, sha(chunkA), bytes.NewReader(chunkA))
	require.NoError(t, err)
	_, err = svc.PutChunk(u.ID, 1, int64(len(chunkA)), sha(chunkB), bytes.NewReader(chunkB))
	require.NoError(t, err)

	done, err := svc.Complete(u.ID)
	require.NoError(t, err)
	require.True(t, done.Completed)

	content, err := os.ReadFile(done.FinalPath)
	require.NoError(t, err)
	require.Equal(t, "aaaabb", string(content))
}

func TestPutChunkRejectsChecksumMismatch(t *testing.T) {
	svc := newTestService(t)
	chunk := bytes.Repeat([]byte("x"), 4)
	u, err := svc.Init("u1", "clip.mp4", 4, 4)
	require.NoError(t, err)

	_, err = svc.PutChunk(u.ID, 0, 0, "deadbeef", bytes.NewReader(chunk))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestPutChunkRejectsOutOfOrderOffset(t *testing.T) {
	svc := newTestService(t)
	chunk := bytes.Repeat([]byte("x"), 4)
	u, err := svc.Init("u1", "clip.mp4", 8, 4)
	require.NoError(t, err)

	_, err = svc.PutChunk(u.ID, 1, 0, sha(chunk), bytes.NewReader(chunk))
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestPutChunkRetryIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	chunk := bytes.Repeat([]byte("x"), 4)
	u, err := svc.Init("u1", "clip.mp4", 4, 4)
	require.NoError(t, err)

	_, err = svc.PutChunk(u.ID, 0, 0, sha(chunk), bytes.NewReader(chunk))
	require.NoError(t, err)

	// Client retries after assuming the first response was dropped.
	got, err := svc.PutChunk(u.ID, 0, 0, sha(chunk), bytes.NewReader(chunk))
	require.NoError(t, err)
	require.Equal(t, int64(4), got.ReceivedBytes)
}

func TestCompleteFailsWhenChunksMissing(t *testing.T) {
	svc := newTestService(t)
	u, err := svc.Init("u1", "clip.mp4", 8, 4)
	require.NoError(t, err)

	_, err = svc.Complete(u.ID)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestInitRejectsHiddenAndDotDotNames(t *testing.T) {
	svc := newTestService(t)
	for _, name := range []string{".bashrc", "my..txt", "..", ""} {
		_, err := svc.Init("u1", name, 10, 5)
		require.ErrorIs(t, err, ErrInvalidFilename, "filename %q should be rejected", name)
	}
}

func TestPutChunkRejectsWrongSize(t *testing.T) {
	svc := newTestService(t)
	u, err := svc.Init("u1", "clip.mp4", 10, 4)
	require.NoError(t, err)

	// Non-final chunk shorter than chunk_bytes.
	short := bytes.Repeat([]byte("x"), 3)
	_, err = svc.PutChunk(u.ID, 0, 0, sha(short), bytes.NewReader(short))
	require.ErrorIs(t, err, ErrChunkSize)

	full := bytes.Repeat([]byte("x"), 4)
	_, err = svc.PutChunk(u.ID, 0, 0, sha(full), bytes.NewReader(full))
	require.NoError(t, err)
	_, err = svc.PutChunk(u.ID, 1, 4, sha(full), bytes.NewReader(full))
	require.NoError(t, err)

	// Final chunk must be exactly the remainder (2 bytes), not a full chunk.
	_, err = svc.PutChunk(u.ID, 2, 8, sha(full), bytes.NewReader(full))
	require.ErrorIs(t, err, ErrChunkSize)

	rem := bytes.Repeat([]byte("y"), 2)
	_, err = svc.PutChunk(u.ID, 2, 8, sha(rem), bytes.NewReader(rem))
	require.NoError(t, err)

	done, err := svc.Complete(u.ID)
	require.NoError(t, err)
	require.True(t, done.Completed)
	require.Equal(t, int64(10), done.ReceivedBytes)
}

func TestPutChunkRejectsIndexBeyondFinal(t *testing.T) {
	svc := newTestService(t)
	u, err := svc.Init("u1", "clip.mp4", 8, 4)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("x"), 4)
	_, err = svc.PutChunk(u.ID, 2, 8, sha(chunk), bytes.NewReader(chunk))
	require.ErrorIs(t, err, ErrOutOfOrder)
}
