package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EncodeProps serializes property values as a JSON object keyed by the
// hexadecimal tag. The tag type drives the value encoding so that decoding
// restores the original Go types.
func EncodeProps(p PropValues) ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(p))
	for tag, v := range p {
		raw, err := EncodeValue(tag.Type(), v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		obj[strconv.FormatUint(uint64(tag), 16)] = raw
	}
	return json.Marshal(obj)
}

// DecodeProps is the inverse of EncodeProps.
func DecodeProps(data []byte) (PropValues, error) {
	if len(data) == 0 {
		return PropValues{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	p := make(PropValues, len(obj))
	for k, raw := range obj {
		n, err := strconv.ParseUint(k, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("decode props: bad tag %q", k)
		}
		tag := PropTag(n)
		v, err := DecodeValue(tag.Type(), raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		p[tag] = v
	}
	return p, nil
}

// EncodePropList serializes a list of property sets (recipients, attachments, rules).
func EncodePropList(list []PropValues) ([]byte, error) {
	items := make([]json.RawMessage, 0, len(list))
	for _, p := range list {
		raw, err := EncodeProps(p)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

// DecodePropList is the inverse of EncodePropList.
func DecodePropList(data []byte) ([]PropValues, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode prop list: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	list := make([]PropValues, 0, len(items))
	for _, raw := range items {
		p, err := DecodeProps(raw)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

// EncodeValue encodes a single value of type t.
func EncodeValue(t PropType, v any) (json.RawMessage, error) {
	if t.IsMulti() {
		vals := Values(v)
		items := make([]json.RawMessage, 0, len(vals))
		for _, e := range vals {
			raw, err := EncodeValue(t.Base(), e)
			if err != nil {
				return nil, err
			}
			items = append(items, raw)
		}
		return json.Marshal(items)
	}
	var out any
	switch t.Base() {
	case TypeInt16, TypeInt32, TypeInt64:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: want integer, got %T", ErrInvalidValue, v)
		}
		out = n
	case TypeFloat64:
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%w: want float, got %T", ErrInvalidValue, v)
		}
		out = f
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: want bool, got %T", ErrInvalidValue, v)
		}
		out = b
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want string, got %T", ErrInvalidValue, v)
		}
		out = s
	case TypeTime:
		tm, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: want time, got %T", ErrInvalidValue, v)
		}
		out = tm.UTC().Format(time.RFC3339Nano)
	case TypeGUID:
		g, ok := toGUID(v)
		if !ok {
			return nil, fmt.Errorf("%w: want guid, got %T", ErrInvalidValue, v)
		}
		out = g.String()
	case TypeBinary:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: want binary, got %T", ErrInvalidValue, v)
		}
		out = b
	default:
		return nil, fmt.Errorf("%w: unsupported type 0x%04x", ErrInvalidValue, uint16(t))
	}
	return json.Marshal(out)
}

// DecodeValue decodes a single value of type t produced by EncodeValue.
func DecodeValue(t PropType, raw json.RawMessage) (any, error) {
	if t.IsMulti() {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		vals := make([]any, 0, len(items))
		for _, item := range items {
			v, err := DecodeValue(t.Base(), item)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	}
	switch t.Base() {
	case TypeInt16:
		var n int16
		err := json.Unmarshal(raw, &n)
		return n, err
	case TypeInt32:
		var n int32
		err := json.Unmarshal(raw, &n)
		return n, err
	case TypeInt64:
		var n int64
		err := json.Unmarshal(raw, &n)
		return n, err
	case TypeFloat64:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	case TypeBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case TypeString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case TypeTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case TypeGUID:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		g, ok := toGUID(s)
		if !ok {
			return nil, fmt.Errorf("%w: bad guid %q", ErrInvalidValue, s)
		}
		return g, nil
	case TypeBinary:
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	default:
		return nil, fmt.Errorf("%w: unsupported type 0x%04x", ErrInvalidValue, uint16(t))
	}
}
