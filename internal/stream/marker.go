package stream

import "bytes"

// MarkerSize is the width of every in-band boundary marker.
const MarkerSize = 4

// Marker identifies the boundary a trailing 4-byte sentinel signals.
type Marker int

const (
	MarkerNone Marker = iota
	// MarkerChunkEnd closes one synthesized segment; the session continues.
	MarkerChunkEnd
	// MarkerSessionEnd closes the reply; the device ends the dialog.
	MarkerSessionEnd
	// MarkerSessionEndAligned closes the reply; the device keeps listening.
	MarkerSessionEndAligned
)

// markerTable holds the byte values agreed with the device firmware.
var markerTable = []struct {
	kind  Marker
	value [MarkerSize]byte
	name  string
}{
	{kind: MarkerSessionEndAligned, value: [MarkerSize]byte{'2', '0', '0', '0'}, name: "session_end_aligned"},
	{kind: MarkerSessionEnd, value: [MarkerSize]byte{'2', '0', '0', '1'}, name: "session_end"},
	{kind: MarkerChunkEnd, value: [MarkerSize]byte{'2', '0', '0', '2'}, name: "chunk_end"},
}

// Bytes returns a fresh copy of the marker value, or nil for MarkerNone.
func (m Marker) Bytes() []byte {
	for _, entry := range markerTable {
		if entry.kind == m {
			out := make([]byte, MarkerSize)
			copy(out, entry.value[:])
			return out
		}
	}
	return nil
}

// Terminal reports whether the marker ends the session.
func (m Marker) Terminal() bool {
	return m == MarkerSessionEnd || m == MarkerSessionEndAligned
}

func (m Marker) String() string {
	for _, entry := range markerTable {
		if entry.kind == m {
			return entry.name
		}
	}
	return "none"
}

// ParseMarkerName maps a marker name such as "session_end" to its kind.
func ParseMarkerName(name string) (Marker, bool) {
	for _, entry := range markerTable {
		if entry.name == name {
			return entry.kind, true
		}
	}
	return MarkerNone, false
}

// MarkerOf classifies exactly MarkerSize bytes.
func MarkerOf(value []byte) Marker {
	if len(value) != MarkerSize {
		return MarkerNone
	}
	for _, entry := range markerTable {
		if bytes.Equal(value, entry.value[:]) {
			return entry.kind
		}
	}
	return MarkerNone
}

// SplitMarker inspects the trailing MarkerSize bytes of chunk. When they hold
// a known marker the chunk is split into payload and marker; otherwise the
// whole chunk is payload. Only the tail is inspected.
func SplitMarker(chunk []byte) (payload []byte, marker []byte, kind Marker) {
	if len(chunk) < MarkerSize {
		return chunk, nil, MarkerNone
	}
	tail := chunk[len(chunk)-MarkerSize:]
	kind = MarkerOf(tail)
	if kind == MarkerNone {
		return chunk, nil, MarkerNone
	}
	return chunk[:len(chunk)-MarkerSize], tail, kind
}

// ChunkLen returns how many bytes to take from a buffer holding buffered
// bytes. A remainder of 1 to MarkerSize-1 bytes past maxChunk is folded into
// the current chunk so a marker is never left straddling two chunks.
func ChunkLen(buffered, maxChunk int) int {
	if buffered <= 0 {
		return 0
	}
	if maxChunk <= 0 {
		return buffered
	}
	remain := buffered - maxChunk
	if remain > 0 && remain < MarkerSize {
		return buffered
	}
	return min(buffered, maxChunk)
}
