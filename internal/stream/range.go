package stream

import (
	"strconv"
	"strings"

	"github.com/streamvault/streamvault/internal/fetch"
)

// ByteRange is the inclusive byte span a request asked for.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ParseRange interprets an HTTP Range header against the file size.
// Supported forms are "bytes=start-" and "bytes=start-end". An absent,
// malformed, or otherwise unsupported header falls back to the full file; a
// bad header must never produce a server error. The single hard failure is
// start >= size, reported via ok=false so the caller can answer 416.
func ParseRange(header string, size int64) (r ByteRange, ok bool) {
	full := ByteRange{Start: 0, End: size - 1}
	if header == "" {
		return full, true
	}
	unit, rest, found := strings.Cut(header, "=")
	if !found || unit != "bytes" {
		return full, true
	}
	startStr, endStr, found := strings.Cut(rest, "-")
	if !found {
		return full, true
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		// Includes suffix ranges ("bytes=-N"), which are not supported.
		return full, true
	}
	if start >= size {
		return ByteRange{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return full, true
		}
		if end >= size {
			end = size - 1
		}
	}
	return ByteRange{Start: start, End: end}, true
}

// ChunkWindow is the chunk-aligned fetch plan derived from a byte position:
// which 1 MiB chunk to start at, how many chunks cover the remaining bytes,
// and how many bytes of the first chunk precede the wanted position.
type ChunkWindow struct {
	ChunkOffset int64
	Chunks      int64
	LeadingSkip int64
}

// PlanWindow computes the window for bytesLeft bytes starting at offset.
func PlanWindow(offset, bytesLeft int64) ChunkWindow {
	skip := offset % fetch.ChunkSize
	return ChunkWindow{
		ChunkOffset: offset / fetch.ChunkSize,
		Chunks:      (bytesLeft + skip + fetch.ChunkSize - 1) / fetch.ChunkSize,
		LeadingSkip: skip,
	}
}
