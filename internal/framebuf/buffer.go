// Package framebuf holds the most recent video frame received from the drone.
//
// The buffer is a single overwrite slot with no history. Writes replace the
// whole frame with one atomic pointer swap, so a reader sees either the old or
// the new frame and never a partially written payload.
package framebuf

import (
	"sync/atomic"
	"time"
)

// Frame is one encoded image as received from the drone.
type Frame struct {
	Payload   []byte
	Timestamp time.Time
	// Seq counts stored frames starting at 1.
	Seq uint64
}

// Buffer is a last-write-wins frame slot with one writer and many readers.
type Buffer struct {
	current atomic.Pointer[Frame]
	seq     atomic.Uint64
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Store replaces the current frame with payload. The buffer takes ownership of
// payload; callers must not modify it afterwards.
func (b *Buffer) Store(payload []byte, ts time.Time) *Frame {
	f := &Frame{
		Payload:   payload,
		Timestamp: ts,
		Seq:       b.seq.Add(1),
	}
	b.current.Store(f)
	return f
}

// Load returns the current frame, or nil before the first Store.
func (b *Buffer) Load() *Frame {
	return b.current.Load()
}

// Seq returns the sequence number of the latest stored frame (0 when empty).
func (b *Buffer) Seq() uint64 {
	return b.seq.Load()
}
