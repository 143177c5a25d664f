// Package dmx defines the protocol-agnostic DMX frame model and the wire
// codecs for the two supported transport protocols, ArtNet (ArtDMX) and
// sACN (ANSI E1.31).
//
// Both listeners decode datagrams into the same Frame shape so the mapper
// never needs to know which wire protocol a universe arrived on.
package dmx

import "time"

// UniverseSize is the number of channels in a DMX universe.
const UniverseSize = 512

// SourceProtocol identifies the wire protocol a frame arrived on.
type SourceProtocol string

const (
	// SourceArtNet marks frames decoded from ArtDMX datagrams.
	SourceArtNet SourceProtocol = "artnet"

	// SourceSACN marks frames decoded from E1.31 datagrams.
	SourceSACN SourceProtocol = "sacn"
)

// Frame is one decoded DMX universe snapshot.
//
// Data always holds exactly 512 bytes; short wire payloads are zero-padded
// by the codecs before the frame is emitted.
type Frame struct {
	// Universe is the DMX universe number. ArtNet packs net/subnet/universe
	// into 15 bits; sACN uses a plain 1..63999 number.
	Universe uint16

	// Data is the full channel block, 1-indexed externally (channel 1 is
	// Data[0]).
	Data [UniverseSize]byte

	// Sequence is the wire sequence number, 0 when the sender disables it.
	Sequence uint8

	// Priority drives multi-source mixing. ArtNet carries no priority on
	// the wire, so the listener stamps its configured value; sACN carries
	// 1..200 (100 default). Priority 0 means a terminated sACN stream.
	Priority uint8

	// Source identifies the protocol the frame arrived on.
	Source SourceProtocol

	// SourceID is a stable per-listener identity used by the mixer to
	// distinguish competing senders.
	SourceID string

	// Received is the monotonic-ish arrival timestamp.
	Received time.Time
}
