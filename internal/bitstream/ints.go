// Fixed-endian integer readers, per spec §4.1: 1/2/3/4-byte big-endian,
// plus the one little-endian 4-byte field RTMP uses (the message stream
// id, see internal/rtmp).
package bitstream

func ReadUint24BE(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func PutUint24BE(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func ReadUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func PutUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ReadInt24BE reads a signed 24-bit big-endian integer (FLV CTS field).
func ReadInt24BE(b []byte) int32 {
	u := ReadUint24BE(b)
	if u&0x800000 != 0 {
		return int32(u) - 0x1000000
	}
	return int32(u)
}

func PutInt24BE(b []byte, v int32) {
	PutUint24BE(b, uint32(v)&0xFFFFFF)
}
