// Package rtmp implements the small slice of RTMP a live publisher
// needs: client handshake, chunk framing, AMF0 command encoding, FLV
// audio/video tags, and a keyframe-preserving send queue.
package rtmp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AMF0 type markers.
const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0Object    = 0x03
	amf0Null      = 0x05
	amf0ECMAArray = 0x08
	amf0ObjectEnd = 0x09
)

// amf0Prop is one named object field; order matters on the wire, so
// objects are encoded from slices rather than maps.
type amf0Prop struct {
	name  string
	value any
}

func amf0EncodeValue(buf []byte, v any) []byte {
	switch v := v.(type) {
	case float64:
		buf = append(buf, amf0Number)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	case int:
		return amf0EncodeValue(buf, float64(v))
	case bool:
		b := byte(0)
		if v {
			b = 1
		}
		buf = append(buf, amf0Boolean, b)
	case string:
		buf = append(buf, amf0String)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	case nil:
		buf = append(buf, amf0Null)
	case []amf0Prop:
		buf = append(buf, amf0Object)
		buf = amf0EncodeProps(buf, v)
	default:
		panic(fmt.Sprintf("amf0: unsupported type %T", v))
	}
	return buf
}

func amf0EncodeProps(buf []byte, props []amf0Prop) []byte {
	for _, p := range props {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.name)))
		buf = append(buf, p.name...)
		buf = amf0EncodeValue(buf, p.value)
	}
	return append(buf, 0x00, 0x00, amf0ObjectEnd)
}

// amf0EncodeECMA writes an ECMA array, used by onMetaData.
func amf0EncodeECMA(buf []byte, props []amf0Prop) []byte {
	buf = append(buf, amf0ECMAArray)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(props)))
	return amf0EncodeProps(buf, props)
}

// amf0DecodeValue reads one value, returning it and the remaining bytes.
// Objects and ECMA arrays decode to map[string]any.
func amf0DecodeValue(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("amf0: empty input")
	}
	marker := data[0]
	data = data[1:]

	switch marker {
	case amf0Number:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("amf0: short number")
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(data))
		return v, data[8:], nil

	case amf0Boolean:
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("amf0: short boolean")
		}
		return data[0] != 0, data[1:], nil

	case amf0String:
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("amf0: short string length")
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return nil, nil, fmt.Errorf("amf0: short string")
		}
		return string(data[:n]), data[n:], nil

	case amf0Null:
		return nil, data, nil

	case amf0ECMAArray:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("amf0: short ecma array")
		}
		return amf0DecodeProps(data[4:])

	case amf0Object:
		return amf0DecodeProps(data)

	default:
		return nil, nil, fmt.Errorf("amf0: unsupported marker 0x%02X", marker)
	}
}

func amf0DecodeProps(data []byte) (map[string]any, []byte, error) {
	obj := make(map[string]any)
	for {
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("amf0: truncated object")
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if n == 0 {
			if len(data) < 1 || data[0] != amf0ObjectEnd {
				return nil, nil, fmt.Errorf("amf0: missing object end")
			}
			return obj, data[1:], nil
		}
		if len(data) < n {
			return nil, nil, fmt.Errorf("amf0: truncated property name")
		}
		name := string(data[:n])
		data = data[n:]

		v, rest, err := amf0DecodeValue(data)
		if err != nil {
			return nil, nil, err
		}
		obj[name] = v
		data = rest
	}
}

// encodeCommand builds the AMF0 payload of a command message: name,
// transaction ID, then the arguments.
func encodeCommand(name string, txID float64, args ...any) []byte {
	buf := amf0EncodeValue(nil, name)
	buf = amf0EncodeValue(buf, txID)
	for _, a := range args {
		buf = amf0EncodeValue(buf, a)
	}
	return buf
}

// decodeCommand parses a command message payload into its name,
// transaction ID, and remaining values.
func decodeCommand(payload []byte) (name string, txID float64, args []any, err error) {
	v, rest, err := amf0DecodeValue(payload)
	if err != nil {
		return "", 0, nil, err
	}
	name, ok := v.(string)
	if !ok {
		return "", 0, nil, fmt.Errorf("amf0: command name is %T", v)
	}

	v, rest, err = amf0DecodeValue(rest)
	if err != nil {
		return "", 0, nil, err
	}
	txID, ok = v.(float64)
	if !ok {
		return "", 0, nil, fmt.Errorf("amf0: transaction id is %T", v)
	}

	for len(rest) > 0 {
		v, rest, err = amf0DecodeValue(rest)
		if err != nil {
			return "", 0, nil, err
		}
		args = append(args, v)
	}
	return name, txID, args, nil
}
