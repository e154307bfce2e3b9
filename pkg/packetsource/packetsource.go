/*
Copyright 2024 Bud Studio.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package packetsource implements the packet-event consumer (component D):
// decoding the kernel filter's fixed wire format and dispatching activity
// updates and scale-up requests.
package packetsource

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind distinguishes a plain traffic observation from a scale-up request.
type Kind int32

const (
	KindTraffic Kind = 0
	KindScaleUp Kind = 1
)

// wireSize is the packed little-endian size of a PacketEvent on the wire:
// one uint32 plus one int32, matching the kernel filter's own struct
// layout byte for byte (§6.2).
const wireSize = 8

// PacketEvent is a single notification read from the kernel filter.
type PacketEvent struct {
	IPU32 uint32
	Kind  Kind
}

// Decode reads exactly one wire-format PacketEvent from r. Returns
// io.EOF (unwrapped) when the source is cleanly exhausted between events.
func Decode(r io.Reader) (PacketEvent, error) {
	var buf [wireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return PacketEvent{}, fmt.Errorf("packetsource: truncated event: %w", err)
		}
		return PacketEvent{}, err
	}
	return PacketEvent{
		IPU32: binary.LittleEndian.Uint32(buf[0:4]),
		Kind:  Kind(int32(binary.LittleEndian.Uint32(buf[4:8]))),
	}, nil
}

// Encode writes ev in wire format, used by tests and by loopback sources.
func Encode(ev PacketEvent) []byte {
	buf := make([]byte, wireSize)
	binary.LittleEndian.PutUint32(buf[0:4], ev.IPU32)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(ev.Kind)))
	return buf
}

// Source is a single-producer reader of packet events, one per CPU per
// §6.2; per-producer order is preserved by construction (each Source is
// read by exactly one goroutine).
type Source interface {
	// Next blocks until the next event is available, ctx is cancelled, or
	// the source is exhausted (io.EOF).
	Next(ctx context.Context) (PacketEvent, error)
}

// ReaderSource adapts an io.Reader (e.g. a pinned ring-buffer file handle)
// into a Source, decoding events with Decode.
type ReaderSource struct {
	r io.Reader
}

// NewReaderSource wraps r as a packet-event Source.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Next decodes and returns the next event. ctx cancellation is not
// observed mid-read since io.Reader has no cancellable read primitive;
// callers should use a reader that itself respects context cancellation
// (e.g. a pipe closed on shutdown) for prompt teardown.
func (s *ReaderSource) Next(ctx context.Context) (PacketEvent, error) {
	return Decode(s.r)
}
