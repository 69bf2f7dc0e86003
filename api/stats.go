// File: api/stats.go
// Package api defines the shared types and collaborator interfaces of the
// wsendpoint library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// DirectionStatistics counts traffic in one direction. Counters are
// monotonic wrapping 64-bit values mutated only on the endpoint's executor.
type DirectionStatistics struct {
	ControlFrames uint64

	TextMessages   uint64
	TextBytes      uint64
	BinaryMessages uint64
	BinaryBytes    uint64

	CompressedMessages uint64
	// CompressedBytes is the number of compressed bytes transferred on
	// the wire for compressed messages.
	CompressedBytes uint64
	// BytesSaved is the decompressed-minus-wire delta; incompressible
	// payloads can drive it negative.
	BytesSaved int64
}

// Statistics is a per-endpoint snapshot with separate input and output
// counters.
type Statistics struct {
	Input  DirectionStatistics
	Output DirectionStatistics
}

// CountMessage records one data message of size plain, transferred as wire
// bytes (equal to plain when uncompressed).
func (d *DirectionStatistics) CountMessage(text bool, plain, wire uint64, compressed bool) {
	if text {
		d.TextMessages++
		d.TextBytes += plain
	} else {
		d.BinaryMessages++
		d.BinaryBytes += plain
	}
	if compressed {
		d.CompressedMessages++
		d.CompressedBytes += wire
		d.BytesSaved += int64(plain) - int64(wire)
	}
}
