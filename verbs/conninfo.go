package verbs

import (
	"encoding/binary"
	"fmt"
)

// ConnInfoSize is the length of a marshalled ConnInfo.
const ConnInfoSize = 26

// ConnInfo is the out-of-band blob peers exchange before connecting their
// queue pairs. It is marshalled in network byte order.
type ConnInfo struct {
	QPN uint32
	LID uint16
	PSN uint32
	GID [16]byte
}

// MarshalBinary encodes the info as qpn, lid, psn, gid.
func (c ConnInfo) MarshalBinary() ([]byte, error) {
	out := make([]byte, ConnInfoSize)
	binary.NativeEndian.PutUint32(out[0:], HostToNet32(c.QPN))
	binary.NativeEndian.PutUint16(out[4:], HostToNet16(c.LID))
	binary.NativeEndian.PutUint32(out[6:], HostToNet32(c.PSN))
	copy(out[10:], c.GID[:])
	return out, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (c *ConnInfo) UnmarshalBinary(data []byte) error {
	if len(data) != ConnInfoSize {
		return fmt.Errorf("verbs: connection info must be %d bytes, got %d", ConnInfoSize, len(data))
	}
	c.QPN = NetToHost32(binary.NativeEndian.Uint32(data[0:]))
	c.LID = NetToHost16(binary.NativeEndian.Uint16(data[4:]))
	c.PSN = NetToHost32(binary.NativeEndian.Uint32(data[6:]))
	copy(c.GID[:], data[10:])
	return nil
}

func (c ConnInfo) String() string {
	return fmt.Sprintf("qpn=%#06x lid=%d psn=%#06x", c.QPN, c.LID, c.PSN)
}
