// AMF3 value codec, ported from the teacher's amf3.go.
package bitstream

import (
	"encoding/binary"
	"math"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

const (
	AMF3TypeUndefined = 0x00
	AMF3TypeNull      = 0x01
	AMF3TypeFalse     = 0x02
	AMF3TypeTrue      = 0x03
	AMF3TypeInteger   = 0x04
	AMF3TypeDouble    = 0x05
	AMF3TypeString    = 0x06
	AMF3TypeXMLDoc    = 0x07
	AMF3TypeDate      = 0x08
	AMF3TypeArray     = 0x09
	AMF3TypeObject    = 0x0A
	AMF3TypeXML       = 0x0B
	AMF3TypeByteArray = 0x0C
)

// AMF3Value mirrors the teacher's AMF3Value tagged struct.
type AMF3Value struct {
	Type     byte
	IntVal   int32
	FloatVal float64
	StrVal   string
	BytesVal []byte
}

func NewAMF3Value(t byte) AMF3Value {
	return AMF3Value{Type: t, BytesVal: make([]byte, 0)}
}

func (v *AMF3Value) GetBool() bool { return v.Type == AMF3TypeTrue }

/* Encoding */

func amf3EncUI29(num uint32) []byte {
	var buf []byte
	switch {
	case num < 0x80:
		buf = []byte{byte(num)}
	case num < 0x4000:
		buf = []byte{byte(num & 0x7F), byte((num >> 7) | 0x80)}
	case num < 0x200000:
		buf = []byte{byte(num & 0x7F), byte((num >> 7) & 0x7F), byte((num >> 14) | 0x80)}
	default:
		buf = []byte{byte(num & 0xFF), byte((num >> 8) & 0x7F), byte((num >> 15) | 0x7F), byte((num >> 22) | 0x7F)}
	}
	return buf
}

// AMF3EncodeOne encodes a single AMF3 value, discriminator byte included.
func AMF3EncodeOne(val AMF3Value) []byte {
	result := []byte{val.Type}

	switch val.Type {
	case AMF3TypeInteger:
		result = append(result, amf3EncodeInteger(val.IntVal)...)
	case AMF3TypeDouble:
		result = append(result, amf3EncodeDouble(val.FloatVal)...)
	case AMF3TypeString, AMF3TypeXML, AMF3TypeXMLDoc:
		result = append(result, amf3EncodeString(val.StrVal)...)
	case AMF3TypeDate:
		result = append(result, amf3EncodeDate(val.FloatVal)...)
	case AMF3TypeByteArray:
		result = append(result, amf3EncodeByteArray(val.BytesVal)...)
	}

	return result
}

func amf3EncodeString(str string) []byte {
	b := []byte(str)
	sLen := amf3EncUI29(uint32(len(b)) << 1)
	return append(sLen, b...)
}

func amf3EncodeInteger(i int32) []byte {
	return amf3EncUI29(uint32(i) & 0x3FFFFFFF)
}

func amf3EncodeDouble(d float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(d))
	return b
}

func amf3EncodeDate(ts float64) []byte {
	prefix := amf3EncUI29(1)
	return append(prefix, amf3EncodeDouble(ts)...)
}

func amf3EncodeByteArray(b []byte) []byte {
	sLen := amf3EncUI29(uint32(len(b)) << 1)
	return append(sLen, b...)
}

/* Decoding */

func (s *AMFDecodingStream) amf3decUI29() (uint32, error) {
	var val uint32
	var length uint32 = 1
	var b byte

	for {
		buf, err := s.read(1)
		if err != nil {
			return 0, err
		}
		b = buf[0]
		length++
		val = (val << 7) + uint32(b&0x7F)

		if length < 5 || b > 0x7F {
			break
		}
	}

	if length == 5 {
		val |= uint32(b)
	}

	return val, nil
}

// ReadAMF3 decodes a single AMF3 value from the stream.
func (s *AMFDecodingStream) ReadAMF3() (AMF3Value, error) {
	typeByte, err := s.read(1)
	if err != nil {
		return AMF3Value{}, err
	}
	amfType := typeByte[0]
	r := NewAMF3Value(amfType)

	switch amfType {
	case AMF3TypeInteger:
		n, err := s.amf3decUI29()
		if err != nil {
			return r, err
		}
		r.IntVal = int32(n)
	case AMF3TypeDouble:
		n, err := s.readNumber()
		if err != nil {
			return r, err
		}
		r.FloatVal = n
	case AMF3TypeDate:
		n, err := s.amf3decUI29()
		if err != nil {
			return r, err
		}
		r.IntVal = int32(n)
		f, err := s.readNumber()
		if err != nil {
			return r, err
		}
		r.FloatVal = f
	case AMF3TypeString, AMF3TypeXML, AMF3TypeXMLDoc:
		str, err := s.readAMF3String()
		if err != nil {
			return r, err
		}
		r.StrVal = str
	case AMF3TypeByteArray:
		b, err := s.readAMF3ByteArray()
		if err != nil {
			return r, err
		}
		r.BytesVal = b
	case AMF3TypeUndefined, AMF3TypeNull, AMF3TypeFalse, AMF3TypeTrue:
		// no payload
	default:
		return r, errorsx.Malformed(errorsx.CodeBadAmf, "unknown amf3 marker")
	}
	return r, nil
}

func (s *AMFDecodingStream) readAMF3String() (string, error) {
	l, err := s.amf3decUI29()
	if err != nil {
		return "", err
	}
	b, err := s.read(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *AMFDecodingStream) readAMF3ByteArray() ([]byte, error) {
	l, err := s.amf3decUI29()
	if err != nil {
		return nil, err
	}
	return s.read(int(l))
}
