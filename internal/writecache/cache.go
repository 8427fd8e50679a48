// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package writecache coalesces the small, offset-tagged writes a
// filesystem layer produces into few, larger backend updates. Each open
// writable handle owns one Buffer holding a single contiguous run; the
// buffer flushes on a forward gap, on reaching the size cap, and
// unconditionally on close.
package writecache

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Flusher is how a buffer persists data. Implementations run exactly
// one backend statement per call.
type Flusher interface {
	// FlushRange writes data at the byte offset.
	FlushRange(ctx context.Context, offset int64, data []byte) error
	// TruncateTo cuts the value to its first size bytes.
	TruncateTo(ctx context.Context, size int64) error
}

// State is the per-handle buffer lifecycle.
type State int

const (
	StateClean State = iota // nothing pending
	StateDirty              // pending bytes awaiting flush
	StateError              // last flush failed, buffer retained
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Buffer accumulates one contiguous byte run for one open file.
//
// Merge rules for Write(offset, data), with the buffered run covering
// [base, base+len(buf)):
//   - offset within or just past the run (up to gapSlack beyond its
//     end) merges in place, last write wins, small gaps zero-filled;
//   - anything else flushes the run first and starts a new one;
//   - a merge that would exceed maxSize flushes first;
//   - a single write larger than maxSize is pushed through in
//     maxSize slices, with only the final partial slice retained.
//
// A failed flush retains the buffer and latches StateError; the next
// write or explicit flush retries.
type Buffer struct {
	flusher  Flusher
	maxSize  int64
	gapSlack int64

	base  int64
	data  []byte
	state State
	err   error

	// highWater is the end of the furthest flushed run, used by the
	// caller to report a size no smaller than what it acknowledged.
	highWater int64
}

// NewBuffer creates a clean buffer over the flusher. maxSize must be
// positive; gapSlack of zero means only exactly-contiguous writes merge.
func NewBuffer(flusher Flusher, maxSize, gapSlack int64) *Buffer {
	return &Buffer{
		flusher:  flusher,
		maxSize:  maxSize,
		gapSlack: gapSlack,
	}
}

// State returns the buffer's lifecycle state.
func (b *Buffer) State() State {
	return b.state
}

// HighWater returns the end offset of the furthest flushed run.
func (b *Buffer) HighWater() int64 {
	return b.highWater
}

// PendingEnd returns the end offset of buffered-but-unflushed data, or
// zero when the buffer is clean.
func (b *Buffer) PendingEnd() int64 {
	if len(b.data) == 0 {
		return 0
	}
	return b.base + int64(len(b.data))
}

// Write merges data at offset into the buffer, flushing as the merge
// rules demand. Returns len(data) on success; on a flush failure no
// part of data is acknowledged and the pre-existing buffer is retained.
func (b *Buffer) Write(ctx context.Context, offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	// A latched error blocks new data until a retry flush succeeds.
	if b.state == StateError {
		if err := b.Flush(ctx); err != nil {
			return 0, err
		}
	}

	if int64(len(data)) > b.maxSize {
		return b.writeThrough(ctx, offset, data)
	}

	if len(b.data) > 0 {
		end := b.base + int64(len(b.data))
		contiguous := offset >= b.base && offset <= end+b.gapSlack
		merged := offset + int64(len(data))
		if merged < end {
			merged = end
		}
		if !contiguous || merged-b.base > b.maxSize {
			if err := b.Flush(ctx); err != nil {
				return 0, err
			}
		}
	}

	if len(b.data) == 0 {
		b.base = offset
		b.data = append(b.data[:0], data...)
		b.state = StateDirty
		return len(data), nil
	}

	// Merge in place; a gap inside the slack becomes zeros, which is
	// what the byte range semantically holds.
	end := b.base + int64(len(b.data))
	if offset > end {
		b.data = append(b.data, make([]byte, offset-end)...)
	}
	rel := offset - b.base
	need := rel + int64(len(data))
	if need > int64(len(b.data)) {
		b.data = append(b.data, make([]byte, need-int64(len(b.data)))...)
	}
	copy(b.data[rel:], data)
	b.state = StateDirty
	return len(data), nil
}

// writeThrough handles a single write larger than the buffer cap: the
// pending run goes first (ordering), then full-size slices are flushed
// directly and the final partial slice stays buffered.
func (b *Buffer) writeThrough(ctx context.Context, offset int64, data []byte) (int, error) {
	if err := b.Flush(ctx); err != nil {
		return 0, err
	}
	written := 0
	for int64(len(data)) > b.maxSize {
		slice := data[:b.maxSize]
		if err := b.flushRange(ctx, offset, slice); err != nil {
			// Retain the failed slice for retry; earlier slices are
			// already durable.
			b.base = offset
			b.data = append(b.data[:0], slice...)
			return written, err
		}
		written += len(slice)
		offset += int64(len(slice))
		data = data[len(slice):]
	}
	if len(data) > 0 {
		b.base = offset
		b.data = append(b.data[:0], data...)
		b.state = StateDirty
		written += len(data)
	}
	return written, nil
}

// Flush persists the pending run with a single statement. Success
// clears the buffer and advances the high-water mark; failure keeps the
// buffer intact and latches the error state.
func (b *Buffer) Flush(ctx context.Context) error {
	if len(b.data) == 0 {
		b.state = StateClean
		b.err = nil
		return nil
	}
	if err := b.flushRange(ctx, b.base, b.data); err != nil {
		return err
	}
	b.data = b.data[:0]
	b.state = StateClean
	b.err = nil
	return nil
}

func (b *Buffer) flushRange(ctx context.Context, offset int64, data []byte) error {
	if err := b.flusher.FlushRange(ctx, offset, data); err != nil {
		b.state = StateError
		b.err = err
		log.WithFields(log.Fields{
			"offset": offset,
			"bytes":  len(data),
		}).WithError(err).Warn("flush failed, buffer retained")
		return fmt.Errorf("flush %d bytes at %d: %w", len(data), offset, err)
	}
	if end := offset + int64(len(data)); end > b.highWater {
		b.highWater = end
	}
	return nil
}

// Truncate flushes pending data, then cuts the value to size. The
// flush-first ordering keeps a pending run beyond size from
// resurfacing after the cut.
func (b *Buffer) Truncate(ctx context.Context, size int64) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	if err := b.flusher.TruncateTo(ctx, size); err != nil {
		return err
	}
	if b.highWater > size {
		b.highWater = size
	}
	return nil
}

// Close flushes any pending run and releases the buffer. A non-empty
// buffer is never silently dropped: the flush error, if any, is
// returned here exactly once and the buffer is then abandoned.
func (b *Buffer) Close(ctx context.Context) error {
	err := b.Flush(ctx)
	b.data = nil
	b.state = StateClean
	b.err = nil
	return err
}

// Discard drops the buffer without flushing. Only valid once the
// backing row is gone, after a successful delete statement.
func (b *Buffer) Discard() {
	b.data = nil
	b.state = StateClean
	b.err = nil
}
