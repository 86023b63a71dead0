// Bit-level reader, generalized from the teacher's bitop.go (Bitop /
// ReadGolomb). The teacher's methods use a value receiver, so bufpos never
// actually advances across calls on the same variable — a latent bug we do
// not carry forward; BitReader here uses a pointer receiver so sequential
// reads behave the way the SPS/AudioSpecificConfig parsers (internal/codec)
// require.
package bitstream

// BitReader reads arbitrary bit-widths (up to 32) big-endian from a byte
// slice, plus Exp-Golomb codes for H.264/H.265 SPS parsing.
type BitReader struct {
	buffer []byte
	buflen uint32
	bufpos uint32
	bufoff uint32
	err    bool
}

func NewBitReader(buffer []byte) *BitReader {
	return &BitReader{buffer: buffer, buflen: uint32(len(buffer))}
}

// Read returns the next n bits (n <= 32) as an unsigned integer. On
// exhaustion it sets the sticky error flag and returns 0; callers check
// Err() once at the end rather than per-call, matching the teacher's
// permissive style for best-effort sequence header parsing.
func (b *BitReader) Read(n uint32) uint32 {
	var v uint32
	for n > 0 {
		if b.bufpos >= b.buflen {
			b.err = true
			return 0
		}

		var d uint32
		if b.bufoff+n > 8 {
			d = 8 - b.bufoff
		} else {
			d = n
		}

		v <<= d
		v += uint32((b.buffer[b.bufpos] >> byte(8-b.bufoff-d)) & (0xff >> byte(8-d)))

		b.bufoff += d
		n -= d

		if b.bufoff == 8 {
			b.bufpos++
			b.bufoff = 0
		}
	}
	return v
}

// Look reads n bits without consuming them.
func (b *BitReader) Look(n uint32) uint32 {
	savedPos, savedOff, savedErr := b.bufpos, b.bufoff, b.err
	v := b.Read(n)
	b.bufpos, b.bufoff, b.err = savedPos, savedOff, savedErr
	return v
}

// ReadGolomb reads an unsigned Exp-Golomb code.
func (b *BitReader) ReadGolomb() uint32 {
	var n uint32
	for b.Read(1) == 0 && !b.err {
		n++
		if n > 32 {
			b.err = true
			return 0
		}
	}
	return (1 << n) + b.Read(n) - 1
}

func (b *BitReader) Err() bool { return b.err }
