package dmx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// sACN (ANSI E1.31-2018) wire constants.
const (
	// SACNPort is the standard E1.31 UDP port.
	SACNPort = 5568

	// sacnRootVector is the root-layer vector for E1.31 data packets.
	sacnRootVector = 0x00000004

	// sacnFramingVector is the framing-layer vector for DMX data.
	sacnFramingVector = 0x00000002

	// sacnDMPVector is the DMP layer vector.
	sacnDMPVector = 0x02

	// sacnAddressDataType is the fixed DMP address & data type byte.
	sacnAddressDataType = 0xa1

	// sacnHeaderLen is the byte offset where channel data begins
	// (root 38 + framing 77 + DMP 10 + start code 1).
	sacnHeaderLen = 126

	// sacnOptStreamTerminated is the options bit a source sets on its
	// final packets for a universe.
	sacnOptStreamTerminated = 0x40

	// sacnMaxPriority is the highest legal framing-layer priority.
	sacnMaxPriority = 200

	// sacnDefaultPriority is used by sources that do not set one.
	sacnDefaultPriority = 100
)

// sacnACNID is the 12-byte ACN packet identifier "ASC-E1.17" plus padding.
var sacnACNID = [12]byte{
	0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00,
}

// sACN decode errors.
var (
	ErrSACNTooShort      = errors.New("dmx: sacn packet too short")
	ErrSACNBadACNID      = errors.New("dmx: sacn ACN identifier mismatch")
	ErrSACNBadVector     = errors.New("dmx: sacn layer vector mismatch")
	ErrSACNBadUniverse   = errors.New("dmx: sacn universe zero")
	ErrSACNBadPriority   = errors.New("dmx: sacn priority out of range")
	ErrSACNBadPropCount  = errors.New("dmx: sacn property count inconsistent")
	ErrSACNBadStartCode  = errors.New("dmx: sacn start code not null")
)

// SACNPacket is a decoded E1.31 data packet.
type SACNPacket struct {
	CID        [16]byte
	SourceName string
	Priority   uint8
	Sequence   uint8
	Options    uint8
	Universe   uint16
	Length     uint16
	Data       [UniverseSize]byte
}

// StreamTerminated reports whether the source flagged this packet as the
// end of its stream for the universe.
func (p *SACNPacket) StreamTerminated() bool {
	return p.Options&sacnOptStreamTerminated != 0
}

// ParseSACN decodes an E1.31 data datagram.
//
// Layer layout (offsets into the datagram):
//
//	root:    [0:2] preamble 0x0010, [2:4] postamble, [4:16] ACN id,
//	         [16:18] flags+length, [18:22] vector 0x00000004, [22:38] CID
//	framing: [38:40] flags+length, [40:44] vector 0x00000002,
//	         [44:108] source name, [108] priority 0..200, [109:111] sync,
//	         [111] sequence, [112] options, [113:115] universe BE
//	DMP:     [115:117] flags+length, [117] vector 0x02, [118] type 0xa1,
//	         [119:121] first address, [121:123] increment,
//	         [123:125] property count BE = 1 + data length,
//	         [125] start code 0x00, [126:] channel data
//
// The returned packet's Data is zero-padded to 512 bytes.
func ParseSACN(raw []byte) (*SACNPacket, error) {
	if len(raw) < sacnHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrSACNTooShort, len(raw))
	}

	if !bytes.Equal(raw[4:16], sacnACNID[:]) {
		return nil, ErrSACNBadACNID
	}

	if v := binary.BigEndian.Uint32(raw[18:22]); v != sacnRootVector {
		return nil, fmt.Errorf("%w: root 0x%08x", ErrSACNBadVector, v)
	}
	if v := binary.BigEndian.Uint32(raw[40:44]); v != sacnFramingVector {
		return nil, fmt.Errorf("%w: framing 0x%08x", ErrSACNBadVector, v)
	}
	if raw[117] != sacnDMPVector {
		return nil, fmt.Errorf("%w: dmp 0x%02x", ErrSACNBadVector, raw[117])
	}
	if raw[118] != sacnAddressDataType {
		return nil, fmt.Errorf("%w: address type 0x%02x", ErrSACNBadVector, raw[118])
	}

	pkt := &SACNPacket{
		SourceName: trimNul(raw[44:108]),
		Priority:   raw[108],
		Sequence:   raw[111],
		Options:    raw[112],
		Universe:   binary.BigEndian.Uint16(raw[113:115]),
	}
	copy(pkt.CID[:], raw[22:38])

	if pkt.Universe == 0 {
		return nil, ErrSACNBadUniverse
	}
	if pkt.Priority > sacnMaxPriority {
		return nil, fmt.Errorf("%w: %d", ErrSACNBadPriority, pkt.Priority)
	}

	propCount := int(binary.BigEndian.Uint16(raw[123:125]))
	dataLen := propCount - 1 // first property is the start code
	if dataLen < 0 || dataLen > UniverseSize {
		return nil, fmt.Errorf("%w: %d properties", ErrSACNBadPropCount, propCount)
	}
	if len(raw)-sacnHeaderLen < dataLen {
		return nil, fmt.Errorf("%w: declared %d, carried %d",
			ErrSACNBadPropCount, dataLen, len(raw)-sacnHeaderLen)
	}

	if raw[125] != 0x00 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrSACNBadStartCode, raw[125])
	}

	pkt.Length = uint16(dataLen)
	copy(pkt.Data[:], raw[sacnHeaderLen:sacnHeaderLen+dataLen])
	return pkt, nil
}

// Serialize encodes the packet to wire bytes. Used by tests and by any
// future sACN transmitter. Length selects the carried data bytes; zero
// emits the full universe.
func (p *SACNPacket) Serialize() []byte {
	dataLen := int(p.Length)
	if dataLen == 0 || dataLen > UniverseSize {
		dataLen = UniverseSize
	}

	total := sacnHeaderLen + dataLen
	buf := make([]byte, total)

	// Root layer
	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], sacnACNID[:])
	putFlagsLength(buf[16:18], total-16)
	binary.BigEndian.PutUint32(buf[18:22], sacnRootVector)
	copy(buf[22:38], p.CID[:])

	// Framing layer
	putFlagsLength(buf[38:40], total-38)
	binary.BigEndian.PutUint32(buf[40:44], sacnFramingVector)
	copy(buf[44:108], p.SourceName)
	priority := p.Priority
	if priority == 0 && !p.StreamTerminated() {
		priority = sacnDefaultPriority
	}
	buf[108] = priority
	buf[111] = p.Sequence
	buf[112] = p.Options
	binary.BigEndian.PutUint16(buf[113:115], p.Universe)

	// DMP layer
	putFlagsLength(buf[115:117], total-115)
	buf[117] = sacnDMPVector
	buf[118] = sacnAddressDataType
	binary.BigEndian.PutUint16(buf[119:121], 0x0000)
	binary.BigEndian.PutUint16(buf[121:123], 0x0001)
	binary.BigEndian.PutUint16(buf[123:125], uint16(1+dataLen))
	buf[125] = 0x00
	copy(buf[sacnHeaderLen:], p.Data[:dataLen])

	return buf
}

// Frame converts the packet into the protocol-agnostic form. A terminated
// stream is represented as priority 0 so the mixer drops it and releases
// the universe claim.
func (p *SACNPacket) Frame(sourceID string) Frame {
	priority := p.Priority
	if p.StreamTerminated() {
		priority = 0
	}
	return Frame{
		Universe: p.Universe,
		Data:     p.Data,
		Sequence: p.Sequence,
		Priority: priority,
		Source:   SourceSACN,
		SourceID: sourceID,
	}
}

// putFlagsLength writes a 12-bit PDU length with the 0x7 flags nibble.
func putFlagsLength(dst []byte, length int) {
	binary.BigEndian.PutUint16(dst, 0x7000|uint16(length&0x0fff))
}

// trimNul returns the string up to the first NUL byte.
func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// MulticastGroup returns the E1.31 multicast address for a universe:
// 239.255.<high byte>.<low byte>.
func MulticastGroup(universe uint16) string {
	return fmt.Sprintf("239.255.%d.%d", universe>>8, universe&0xff)
}
