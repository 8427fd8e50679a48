package writecache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFlusher applies flushed ranges to an in-memory value the way the
// backend's write statement splices a byte range into a column.
type memFlusher struct {
	content  []byte
	flushes  int
	truncs   int
	failNext error
}

func (m *memFlusher) FlushRange(ctx context.Context, offset int64, data []byte) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.flushes++
	end := offset + int64(len(data))
	if end > int64(len(m.content)) {
		grown := make([]byte, end)
		copy(grown, m.content)
		m.content = grown
	}
	copy(m.content[offset:], data)
	return nil
}

func (m *memFlusher) TruncateTo(ctx context.Context, size int64) error {
	m.truncs++
	if size < int64(len(m.content)) {
		m.content = m.content[:size]
	}
	return nil
}

func TestSequentialWritesCoalesce(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	for i, chunk := range [][]byte{[]byte("hel"), []byte("lo "), []byte("world")} {
		n, err := b.Write(ctx, int64(i*3), chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, StateDirty, b.State())
	assert.Zero(t, f.flushes)

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, []byte("hello world"), f.content)
	assert.Equal(t, StateClean, b.State())
	assert.Equal(t, int64(11), b.HighWater())
}

func TestOverlappingWriteLastWins(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("aaaaaa"))
	require.NoError(t, err)
	_, err = b.Write(ctx, 2, []byte("bb"))
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, []byte("aabbaa"), f.content)
	assert.Equal(t, 1, f.flushes)
}

func TestGapTriggersFlushThenRestart(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("head"))
	require.NoError(t, err)

	// Offset 10 is past the run's end with zero slack: exactly one
	// flush of the prior data, then a fresh run.
	_, err = b.Write(ctx, 10, []byte("tail"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, []byte("head"), f.content)

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("head\x00\x00\x00\x00\x00\x00tail"), f.content)
}

func TestGapWithinSlackZeroFills(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 8)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("head"))
	require.NoError(t, err)
	_, err = b.Write(ctx, 7, []byte("tail"))
	require.NoError(t, err)

	// Merged into a single run, no intermediate flush.
	assert.Zero(t, f.flushes)
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, []byte("head\x00\x00\x00tail"), f.content)
}

func TestBackwardWriteFlushesFirst(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 10, []byte("tail"))
	require.NoError(t, err)
	_, err = b.Write(ctx, 0, []byte("head"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.flushes)

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("head"), f.content[:4])
	assert.Equal(t, []byte("tail"), f.content[10:14])
}

func TestCapForcesFlushBeforeBuffering(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 8, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("12345678"))
	require.NoError(t, err)
	assert.Zero(t, f.flushes)

	// Appending past the cap flushes the full run first.
	_, err = b.Write(ctx, 8, []byte("9"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, []byte("12345678"), f.content)
	assert.Equal(t, StateDirty, b.State())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("123456789"), f.content)
}

func TestWriteLargerThanCapSlicesThrough(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 4, 0)
	ctx := context.Background()

	n, err := b.Write(ctx, 0, []byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Two full slices flushed, the trailing partial slice buffered.
	assert.Equal(t, 2, f.flushes)
	assert.Equal(t, []byte("abcdefgh"), f.content)
	assert.Equal(t, StateDirty, b.State())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("abcdefghij"), f.content)
}

func TestFailedFlushRetainsBuffer(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()
	boom := errors.New("database is locked")

	_, err := b.Write(ctx, 0, []byte("keep me"))
	require.NoError(t, err)

	f.failNext = boom
	err = b.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, StateError, b.State())

	// Retry succeeds with the retained data intact.
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("keep me"), f.content)
	assert.Equal(t, StateClean, b.State())
}

func TestWriteAfterFailedFlushRetriesFirst(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("one"))
	require.NoError(t, err)
	f.failNext = errors.New("connection lost")
	require.Error(t, b.Flush(ctx))

	// The retry flush drains the retained run before the new data is
	// accepted, preserving write order.
	_, err = b.Write(ctx, 3, []byte("two"))
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("onetwo"), f.content)
}

func TestCloseAlwaysFlushes(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("pending"))
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, []byte("pending"), f.content)
}

func TestCloseReportsFlushErrorOnceAndAbandons(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("doomed"))
	require.NoError(t, err)

	f.failNext = errors.New("connection lost")
	require.Error(t, b.Close(ctx))

	// The buffer is gone: a second close is a no-op and reports
	// nothing further.
	require.NoError(t, b.Close(ctx))
	assert.Zero(t, f.flushes)
}

func TestTruncateFlushesPendingFirst(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, b.Truncate(ctx, 4))

	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, 1, f.truncs)
	assert.Equal(t, []byte("0123"), f.content)
	assert.Equal(t, int64(4), b.HighWater())

	// Nothing pending resurfaces after the cut.
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []byte("0123"), f.content)
}

func TestDiscardDropsWithoutFlushing(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)
	ctx := context.Background()

	_, err := b.Write(ctx, 0, []byte("victim"))
	require.NoError(t, err)
	b.Discard()

	require.NoError(t, b.Close(ctx))
	assert.Zero(t, f.flushes)
	assert.Empty(t, f.content)
}

func TestZeroLengthWriteIsNoop(t *testing.T) {
	t.Parallel()
	f := &memFlusher{}
	b := NewBuffer(f, 64, 0)

	n, err := b.Write(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateClean, b.State())
}
