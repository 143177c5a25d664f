package dmx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ArtNet wire constants.
const (
	// ArtNetPort is the standard ArtNet UDP port.
	ArtNetPort = 6454

	// OpDMX is the ArtNet opcode for ArtDMX channel data.
	OpDMX = 0x5000

	// artNetProtocolVersion is the protocol revision carried in every packet.
	artNetProtocolVersion = 14

	// artNetHeaderLen is the fixed portion before channel data:
	// 8 id + 2 opcode + 2 version + 1 sequence + 1 physical + 2 universe + 2 length.
	artNetHeaderLen = 18
)

// artNetID is the 8-byte packet identifier "Art-Net\0".
var artNetID = [8]byte{'A', 'r', 't', '-', 'N', 'e', 't', 0x00}

// ArtNet decode errors.
var (
	ErrArtNetTooShort   = errors.New("dmx: artnet packet too short")
	ErrArtNetBadHeader  = errors.New("dmx: artnet header mismatch")
	ErrArtNetBadOpcode  = errors.New("dmx: artnet opcode is not ArtDMX")
	ErrArtNetBadLength  = errors.New("dmx: artnet data length invalid")
	ErrArtNetTruncated  = errors.New("dmx: artnet data truncated")
)

// ArtDMXPacket is a decoded ArtDMX (opcode 0x5000) packet.
type ArtDMXPacket struct {
	ProtocolVersion uint16
	Sequence        uint8
	Physical        uint8
	Universe        uint16
	Length          uint16
	Data            [UniverseSize]byte
}

// ParseArtDMX decodes an ArtDMX datagram.
//
// Wire layout:
//
//	[0:8]   "Art-Net\0"
//	[8:10]  opcode, little-endian, must be 0x5000
//	[10:12] protocol version, big-endian
//	[12]    sequence
//	[13]    physical input port
//	[14:16] universe, little-endian
//	[16:18] data length, big-endian, 1..512
//	[18:]   channel data, exactly length bytes
//
// The returned packet's Data is zero-padded to 512 bytes.
//
// Returns:
//   - *ArtDMXPacket: Decoded packet
//   - error: One of the ErrArtNet* sentinels on a malformed datagram
func ParseArtDMX(raw []byte) (*ArtDMXPacket, error) {
	if len(raw) < artNetHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrArtNetTooShort, len(raw))
	}

	if !bytes.Equal(raw[0:8], artNetID[:]) {
		return nil, ErrArtNetBadHeader
	}

	opcode := binary.LittleEndian.Uint16(raw[8:10])
	if opcode != OpDMX {
		return nil, fmt.Errorf("%w: 0x%04x", ErrArtNetBadOpcode, opcode)
	}

	pkt := &ArtDMXPacket{
		ProtocolVersion: binary.BigEndian.Uint16(raw[10:12]),
		Sequence:        raw[12],
		Physical:        raw[13],
		Universe:        binary.LittleEndian.Uint16(raw[14:16]),
		Length:          binary.BigEndian.Uint16(raw[16:18]),
	}

	if pkt.Length == 0 || pkt.Length > UniverseSize {
		return nil, fmt.Errorf("%w: %d", ErrArtNetBadLength, pkt.Length)
	}

	if len(raw)-artNetHeaderLen != int(pkt.Length) {
		return nil, fmt.Errorf("%w: declared %d, carried %d",
			ErrArtNetTruncated, pkt.Length, len(raw)-artNetHeaderLen)
	}

	copy(pkt.Data[:], raw[artNetHeaderLen:artNetHeaderLen+int(pkt.Length)])
	return pkt, nil
}

// Serialize encodes the packet back to wire bytes. Length selects how many
// data bytes are carried; a zero Length emits the full universe.
func (p *ArtDMXPacket) Serialize() []byte {
	length := int(p.Length)
	if length == 0 || length > UniverseSize {
		length = UniverseSize
	}

	buf := make([]byte, artNetHeaderLen+length)
	copy(buf[0:8], artNetID[:])
	binary.LittleEndian.PutUint16(buf[8:10], OpDMX)

	version := p.ProtocolVersion
	if version == 0 {
		version = artNetProtocolVersion
	}
	binary.BigEndian.PutUint16(buf[10:12], version)

	buf[12] = p.Sequence
	buf[13] = p.Physical
	binary.LittleEndian.PutUint16(buf[14:16], p.Universe)
	binary.BigEndian.PutUint16(buf[16:18], uint16(length))
	copy(buf[artNetHeaderLen:], p.Data[:length])

	return buf
}

// Frame converts the packet into the protocol-agnostic form. priority is
// the listener-configured ArtNet priority; sourceID identifies the
// listener instance.
func (p *ArtDMXPacket) Frame(priority uint8, sourceID string) Frame {
	return Frame{
		Universe: p.Universe,
		Data:     p.Data,
		Sequence: p.Sequence,
		Priority: priority,
		Source:   SourceArtNet,
		SourceID: sourceID,
	}
}
