package mcu

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hybridpwm/protocol"
)

var ErrUnknownMessage = errors.New("message not in dictionary")

// Dictionary is the parsed MCU data dictionary.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// ParseDictionary parses the dictionary JSON the firmware sends uncompressed.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	return &d, nil
}

// Param is one name=%fmt argument of a message.
type Param struct {
	Name string
	Type string // c, u, hu, i, hi, s
}

// Format describes one command or response.
type Format struct {
	Name   string
	ID     uint16
	Params []Param
}

// ParseFormat splits a signature such as "set_hybrid_pwm oid=%c value=%hu".
func ParseFormat(signature string) (Format, error) {
	fields := strings.Fields(signature)
	if len(fields) == 0 {
		return Format{}, errors.New("empty signature")
	}
	f := Format{Name: fields[0]}
	for _, field := range fields[1:] {
		name, typ, ok := strings.Cut(field, "=%")
		if !ok {
			return Format{}, fmt.Errorf("bad parameter %q in %q", field, signature)
		}
		switch typ {
		case "c", "u", "hu", "i", "hi":
		case "s", "*s", ".*s":
			typ = "s"
		default:
			return Format{}, fmt.Errorf("unsupported type %%%s in %q", typ, signature)
		}
		f.Params = append(f.Params, Param{Name: name, Type: typ})
	}
	return f, nil
}

func lookup(msgs map[string]int, name string) (Format, error) {
	for sig, id := range msgs {
		if sig == name || strings.HasPrefix(sig, name+" ") {
			f, err := ParseFormat(sig)
			if err != nil {
				return Format{}, err
			}
			f.ID = uint16(id)
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%s: %w", name, ErrUnknownMessage)
}

// Command returns the format of the named command.
func (d *Dictionary) Command(name string) (Format, error) { return lookup(d.Commands, name) }

// Response returns the format of the named response.
func (d *Dictionary) Response(name string) (Format, error) { return lookup(d.Responses, name) }

// Constant returns a numeric dictionary constant.
func (d *Dictionary) Constant(name string) (uint32, bool) {
	s, ok := d.Config[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Enum returns the value of name in enumeration enum.
func (d *Dictionary) Enum(enum, name string) (int, bool) {
	v, ok := d.Enumerations[enum][name]
	return v, ok
}

// EnumName is the reverse of Enum.
func (d *Dictionary) EnumName(enum string, value int) (string, bool) {
	for name, v := range d.Enumerations[enum] {
		if v == value {
			return name, true
		}
	}
	return "", false
}

// Encode returns the payload of the command with args in the order of f's
// parameters. Integer parameters take any Go integer; %s takes []byte or
// string.
func (f Format) Encode(args ...any) ([]byte, error) {
	if len(args) != len(f.Params) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", f.Name, len(f.Params), len(args))
	}
	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, uint32(f.ID))
	for i, p := range f.Params {
		if p.Type == "s" {
			switch v := args[i].(type) {
			case []byte:
				protocol.EncodeVLQBytes(output, v)
			case string:
				protocol.EncodeVLQString(output, v)
			default:
				return nil, fmt.Errorf("%s: %s wants bytes, got %T", f.Name, p.Name, args[i])
			}
			continue
		}
		n, err := toInt64(args[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", f.Name, p.Name, err)
		}
		if p.Type == "i" || p.Type == "hi" {
			protocol.EncodeVLQInt(output, int32(n))
		} else {
			protocol.EncodeVLQUint(output, uint32(n))
		}
	}
	return output.Result(), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

// Fields holds decoded response parameters: uint32 for unsigned types,
// int32 for signed ones, []byte for strings.
type Fields map[string]any

func (f Fields) Uint(name string) uint32 {
	v, _ := f[name].(uint32)
	return v
}

func (f Fields) Int(name string) int32 {
	v, _ := f[name].(int32)
	return v
}

func (f Fields) Bytes(name string) []byte {
	v, _ := f[name].([]byte)
	return v
}

// Decode parses the arguments of a response, the message ID already removed.
func (f Format) Decode(args []byte) (Fields, error) {
	out := make(Fields, len(f.Params))
	for _, p := range f.Params {
		var err error
		switch p.Type {
		case "s":
			var b []byte
			b, err = protocol.DecodeVLQBytes(&args)
			out[p.Name] = append([]byte(nil), b...)
		case "i", "hi":
			out[p.Name], err = protocol.DecodeVLQInt(&args)
		default:
			out[p.Name], err = protocol.DecodeVLQUint(&args)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", f.Name, p.Name, err)
		}
	}
	return out, nil
}
