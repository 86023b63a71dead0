// AMF0 value codec, ported from the teacher's amf0.go. The decode side is
// hardened to return errorsx.Malformed(CodeBadAmf, ...) instead of
// panicking on truncated input or a missing object end marker, per spec
// §4.1 ("Decoding fails with MalformedAmf on unknown marker, truncated
// input, or object missing end marker").
package bitstream

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

const (
	AMF0TypeNumber      = 0x00
	AMF0TypeBool        = 0x01
	AMF0TypeString      = 0x02
	AMF0TypeObject      = 0x03
	AMF0TypeNull        = 0x05
	AMF0TypeUndefined   = 0x06
	AMF0TypeRef         = 0x07
	AMF0TypeArray       = 0x08
	AMF0TypeStrictArray = 0x0A
	AMF0TypeDate        = 0x0B
	AMF0TypeLongString  = 0x0C
	AMF0TypeXMLDoc      = 0x0F
	AMF0TypeTypedObj    = 0x10
	AMF0TypeSwitchAMF3  = 0x11

	amf0ObjectTermCode = 0x09
)

// AMF0Value is a tagged variant over every AMF0/AMF3 discriminator.
type AMF0Value struct {
	Type     byte
	BoolVal  bool
	StrVal   string
	IntVal   int64
	FloatVal float64
	ObjVal   map[string]*AMF0Value
	ArrayVal []*AMF0Value
	AMF3Val  *AMF3Value
}

func NewAMF0Value(t byte) AMF0Value {
	return AMF0Value{Type: t, ObjVal: make(map[string]*AMF0Value), ArrayVal: make([]*AMF0Value, 0)}
}

func AMF0String(s string) AMF0Value {
	v := NewAMF0Value(AMF0TypeString)
	v.StrVal = s
	return v
}

func AMF0Number(n float64) AMF0Value {
	v := NewAMF0Value(AMF0TypeNumber)
	v.FloatVal = n
	v.IntVal = int64(n)
	return v
}

func AMF0Bool(b bool) AMF0Value {
	v := NewAMF0Value(AMF0TypeBool)
	v.BoolVal = b
	return v
}

func AMF0Null() AMF0Value      { return NewAMF0Value(AMF0TypeNull) }
func AMF0Undefined() AMF0Value { return NewAMF0Value(AMF0TypeUndefined) }

func AMF0Object(props map[string]*AMF0Value) AMF0Value {
	v := NewAMF0Value(AMF0TypeObject)
	v.ObjVal = props
	return v
}

func (v *AMF0Value) IsAMF3() bool { return v.Type == AMF0TypeSwitchAMF3 && v.AMF3Val != nil }

func (v *AMF0Value) IsUndefined() bool {
	if v.IsAMF3() {
		return v.AMF3Val.Type == AMF3TypeUndefined
	}
	return v.Type == AMF0TypeUndefined
}

func (v *AMF0Value) IsNull() bool {
	if v.IsAMF3() {
		return v.AMF3Val.Type == AMF3TypeNull
	}
	return v.Type == AMF0TypeNull
}

func (v *AMF0Value) GetBool() bool {
	switch {
	case v.IsAMF3():
		return v.AMF3Val.GetBool()
	case v.Type == AMF0TypeBool:
		return v.BoolVal
	case v.Type == AMF0TypeNumber:
		return v.FloatVal != 0
	default:
		return false
	}
}

func (v *AMF0Value) GetString() string {
	if v.IsAMF3() {
		return v.AMF3Val.StrVal
	}
	return v.StrVal
}

func (v *AMF0Value) GetDouble() float64 {
	if v.IsAMF3() {
		return v.AMF3Val.FloatVal
	}
	return v.FloatVal
}

func (v *AMF0Value) GetObject() map[string]*AMF0Value {
	if v.IsAMF3() {
		return make(map[string]*AMF0Value)
	}
	return v.ObjVal
}

func (v *AMF0Value) GetProperty(name string) *AMF0Value {
	if p, ok := v.GetObject()[name]; ok && p != nil {
		return p
	}
	n := NewAMF0Value(AMF0TypeUndefined)
	return &n
}

/* Encoding */

func AMF0EncodeOne(val AMF0Value) []byte {
	result := []byte{val.Type}

	switch val.Type {
	case AMF0TypeNumber:
		result = append(result, amf0EncodeNumber(val.FloatVal)...)
	case AMF0TypeBool:
		result = append(result, amf0EncodeBool(val.BoolVal)...)
	case AMF0TypeDate:
		result = append(result, amf0EncodeDate(val.FloatVal)...)
	case AMF0TypeString, AMF0TypeXMLDoc:
		result = append(result, amf0EncodeString(val.StrVal)...)
	case AMF0TypeLongString:
		result = append(result, amf0EncodeLongString(val.StrVal)...)
	case AMF0TypeObject:
		result = append(result, amf0EncodeObject(val.ObjVal)...)
	case AMF0TypeRef:
		result = append(result, amf0EncodeRef(uint16(val.IntVal))...)
	case AMF0TypeArray:
		result = append(result, amf0EncodeArray(val.ObjVal)...)
	case AMF0TypeStrictArray:
		result = append(result, amf0EncodeStrictArray(val.ArrayVal)...)
	case AMF0TypeTypedObj:
		result = append(result, amf0EncodeTypedObject(val.StrVal, val.ObjVal)...)
	case AMF0TypeSwitchAMF3:
		result = append(result, AMF3EncodeOne(*val.AMF3Val)...)
	}

	return result
}

func amf0EncodeNumber(num float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(num))
	return b
}

func amf0EncodeBool(b bool) []byte {
	if b {
		return []byte{0x01}
	}
	return []byte{0x00}
}

func amf0EncodeDate(date float64) []byte {
	return append([]byte{0x00, 0x00}, amf0EncodeNumber(date)...)
}

func amf0EncodeString(str string) []byte {
	b := []byte(str)
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(b)))
	return append(l, b...)
}

func amf0EncodeLongString(str string) []byte {
	b := []byte(str)
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(b)))
	return append(l, b...)
}

func amf0EncodeObject(o map[string]*AMF0Value) []byte {
	r := make([]byte, 0)

	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		r = append(r, amf0EncodeString(key)...)
		r = append(r, AMF0EncodeOne(*o[key])...)
	}

	r = append(r, amf0EncodeString("")...)
	r = append(r, byte(amf0ObjectTermCode))

	return r
}

func amf0EncodeArray(o map[string]*AMF0Value) []byte {
	r := make([]byte, 4)
	binary.BigEndian.PutUint32(r, uint32(len(o)))
	return append(r, amf0EncodeObject(o)...)
}

func amf0EncodeStrictArray(array []*AMF0Value) []byte {
	r := make([]byte, 4)
	binary.BigEndian.PutUint32(r, uint32(len(array)))
	for _, v := range array {
		r = append(r, AMF0EncodeOne(*v)...)
	}
	return r
}

func amf0EncodeRef(index uint16) []byte {
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, index)
	return l
}

func amf0EncodeTypedObject(className string, o map[string]*AMF0Value) []byte {
	r := amf0EncodeString(className)
	return append(r, amf0EncodeObject(o)...)
}

/* Decoding */

// AMFDecodingStream reads AMF0/AMF3 values from a buffer, failing with a
// *errorsx.Error (ProtocolMalformed/CodeBadAmf) rather than panicking when
// the buffer is shorter than a value claims.
type AMFDecodingStream struct {
	buffer []byte
	pos    int
}

func NewAMFDecodingStream(buf []byte) *AMFDecodingStream {
	return &AMFDecodingStream{buffer: buf}
}

func (s *AMFDecodingStream) require(n int) error {
	if n < 0 || s.pos+n > len(s.buffer) {
		return errorsx.Malformed(errorsx.CodeBadAmf, "truncated amf value")
	}
	return nil
}

func (s *AMFDecodingStream) read(n int) ([]byte, error) {
	if err := s.require(n); err != nil {
		return nil, err
	}
	r := s.buffer[s.pos : s.pos+n]
	s.pos += n
	return r, nil
}

func (s *AMFDecodingStream) look(n int) ([]byte, error) {
	if err := s.require(n); err != nil {
		return nil, err
	}
	return s.buffer[s.pos : s.pos+n], nil
}

func (s *AMFDecodingStream) skip(n int) error {
	if err := s.require(n); err != nil {
		return err
	}
	s.pos += n
	return nil
}

func (s *AMFDecodingStream) IsEnded() bool { return s.pos >= len(s.buffer) }

// ReadOne decodes the next AMF0 value.
func (s *AMFDecodingStream) ReadOne() (AMF0Value, error) {
	typeByte, err := s.read(1)
	if err != nil {
		return AMF0Value{}, err
	}
	amfType := typeByte[0]
	r := NewAMF0Value(amfType)

	switch amfType {
	case AMF0TypeNumber:
		n, err := s.readNumber()
		if err != nil {
			return r, err
		}
		r.FloatVal = n
		r.IntVal = int64(n)
	case AMF0TypeBool:
		b, err := s.read(1)
		if err != nil {
			return r, err
		}
		r.BoolVal = b[0] != 0x00
	case AMF0TypeDate:
		if err := s.skip(2); err != nil {
			return r, err
		}
		n, err := s.readNumber()
		if err != nil {
			return r, err
		}
		r.FloatVal = n
	case AMF0TypeString, AMF0TypeXMLDoc:
		str, err := s.readString()
		if err != nil {
			return r, err
		}
		r.StrVal = str
	case AMF0TypeLongString:
		str, err := s.readLongString()
		if err != nil {
			return r, err
		}
		r.StrVal = str
	case AMF0TypeObject:
		obj, err := s.readObject()
		if err != nil {
			return r, err
		}
		r.ObjVal = obj
	case AMF0TypeTypedObj:
		name, obj, err := s.readTypedObject()
		if err != nil {
			return r, err
		}
		r.StrVal = name
		r.ObjVal = obj
	case AMF0TypeRef:
		if err := s.skip(2); err != nil {
			return r, err
		}
	case AMF0TypeArray:
		obj, err := s.readArray()
		if err != nil {
			return r, err
		}
		r.ObjVal = obj
	case AMF0TypeStrictArray:
		arr, err := s.readStrictArray()
		if err != nil {
			return r, err
		}
		r.ArrayVal = arr
	case AMF0TypeSwitchAMF3:
		o3, err := s.ReadAMF3()
		if err != nil {
			return r, err
		}
		r.AMF3Val = &o3
	case AMF0TypeNull, AMF0TypeUndefined:
		// no payload
	default:
		return r, errorsx.Malformed(errorsx.CodeBadAmf, "unknown amf0 marker")
	}
	return r, nil
}

func (s *AMFDecodingStream) readNumber() (float64, error) {
	buf, err := s.read(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
}

func (s *AMFDecodingStream) readString() (string, error) {
	lb, err := s.read(2)
	if err != nil {
		return "", err
	}
	l := binary.BigEndian.Uint16(lb)
	b, err := s.read(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *AMFDecodingStream) readLongString() (string, error) {
	lb, err := s.read(4)
	if err != nil {
		return "", err
	}
	l := binary.BigEndian.Uint32(lb)
	b, err := s.read(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *AMFDecodingStream) readObject() (map[string]*AMF0Value, error) {
	o := make(map[string]*AMF0Value)

	for {
		if s.IsEnded() {
			return nil, errorsx.Malformed(errorsx.CodeBadAmf, "object missing end marker")
		}
		peek, err := s.look(1)
		if err != nil {
			return nil, err
		}
		if peek[0] == amf0ObjectTermCode {
			if err := s.skip(1); err != nil {
				return nil, err
			}
			return o, nil
		}

		propName, err := s.readString()
		if err != nil {
			return nil, err
		}

		peek, err = s.look(1)
		if err != nil {
			return nil, err
		}
		if peek[0] == amf0ObjectTermCode {
			if err := s.skip(1); err != nil {
				return nil, err
			}
			return o, nil
		}

		propVal, err := s.ReadOne()
		if err != nil {
			return nil, err
		}
		o[propName] = &propVal
	}
}

func (s *AMFDecodingStream) readArray() (map[string]*AMF0Value, error) {
	if err := s.skip(4); err != nil {
		return nil, err
	}
	return s.readObject()
}

func (s *AMFDecodingStream) readStrictArray() ([]*AMF0Value, error) {
	r := make([]*AMF0Value, 0)

	lb, err := s.read(4)
	if err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(lb)

	for i := uint32(0); i < l; i++ {
		if s.IsEnded() {
			return nil, errorsx.Malformed(errorsx.CodeBadAmf, "truncated strict array")
		}
		v, err := s.ReadOne()
		if err != nil {
			return nil, err
		}
		r = append(r, &v)
	}

	return r, nil
}

func (s *AMFDecodingStream) readTypedObject() (string, map[string]*AMF0Value, error) {
	className, err := s.readString()
	if err != nil {
		return "", nil, err
	}
	o, err := s.readObject()
	if err != nil {
		return "", nil, err
	}
	return className, o, nil
}
