package rtmp

import (
	"fmt"

	"github.com/AgustinSRG/live-media-core/internal/bitstream"
	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

// Command is an AMF0 invoke message: a command name, transaction id and
// an ordered argument list, matching the teacher's RTMPCommand.
type Command struct {
	Name string
	Args []bitstream.AMF0Value
}

func (c *Command) String() string {
	return fmt.Sprintf("%s (%d args)", c.Name, len(c.Args))
}

// Arg returns the i-th argument, or an AMF0 undefined if out of range.
func (c *Command) Arg(i int) bitstream.AMF0Value {
	if i < 0 || i >= len(c.Args) {
		return bitstream.AMF0Undefined()
	}
	return c.Args[i]
}

// Encode serializes the command name, then each argument in order.
func (c *Command) Encode() []byte {
	out := bitstream.AMF0EncodeOne(bitstream.AMF0String(c.Name))
	for _, a := range c.Args {
		out = append(out, bitstream.AMF0EncodeOne(a)...)
	}
	return out
}

// DecodeCommand reads a command name followed by however many AMF0 values
// remain in buf (an invoke message has no argument count prefix).
func DecodeCommand(buf []byte) (*Command, error) {
	s := bitstream.NewAMFDecodingStream(buf)
	nameVal, err := s.ReadOne()
	if err != nil {
		return nil, err
	}
	if nameVal.Type != bitstream.AMF0TypeString {
		return nil, errorsx.Malformed(errorsx.CodeBadAmf, "command name not a string")
	}

	cmd := &Command{Name: nameVal.StrVal}
	for !s.IsEnded() {
		v, err := s.ReadOne()
		if err != nil {
			return nil, err
		}
		cmd.Args = append(cmd.Args, v)
	}
	return cmd, nil
}

// Data is an AMF0 "data message" (e.g. @setDataFrame/onMetaData), a tag
// name followed by a flat list of values, matching the teacher's RTMPData.
type Data struct {
	Tag  string
	Args []bitstream.AMF0Value
}

func (d *Data) Encode() []byte {
	out := bitstream.AMF0EncodeOne(bitstream.AMF0String(d.Tag))
	for _, a := range d.Args {
		out = append(out, bitstream.AMF0EncodeOne(a)...)
	}
	return out
}

func DecodeData(buf []byte) (*Data, error) {
	s := bitstream.NewAMFDecodingStream(buf)
	tagVal, err := s.ReadOne()
	if err != nil {
		return nil, err
	}
	if tagVal.Type != bitstream.AMF0TypeString {
		return nil, errorsx.Malformed(errorsx.CodeBadAmf, "data tag not a string")
	}

	d := &Data{Tag: tagVal.StrVal}
	for !s.IsEnded() {
		v, err := s.ReadOne()
		if err != nil {
			return nil, err
		}
		d.Args = append(d.Args, v)
	}
	return d, nil
}

func numberArg(n float64) bitstream.AMF0Value  { return bitstream.AMF0Number(n) }
func stringArg(s string) bitstream.AMF0Value   { return bitstream.AMF0String(s) }
func boolArg(b bool) bitstream.AMF0Value       { return bitstream.AMF0Bool(b) }

func objectArg(props map[string]bitstream.AMF0Value) bitstream.AMF0Value {
	m := make(map[string]*bitstream.AMF0Value, len(props))
	for k, v := range props {
		vv := v
		m[k] = &vv
	}
	return bitstream.AMF0Object(m)
}
