package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DriverValue converts v into a value accepted by database/sql drivers.
// Nested values are encoded as JSON text and timestamps are normalised to UTC.
func (v Value) DriverValue() (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindTime:
		return v.t.UTC(), nil
	case KindList, KindMap:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s column: %w", v.kind, err)
		}
		return string(data), nil
	default:
		return v.Any(), nil
	}
}

// ValueFromDriver converts a scanned database/sql value into a Value of the
// declared column kind. A nil source always yields Null.
//
//nolint:gocyclo // one branch per column kind keeps the conversion table flat.
func ValueFromDriver(kind Kind, src any) (Value, error) {
	if src == nil {
		return Null(), nil
	}
	switch kind {
	case KindBool:
		switch t := src.(type) {
		case bool:
			return Bool(t), nil
		case int64:
			return Bool(t != 0), nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return Value{}, fmt.Errorf("decode bool %q: %w", t, err)
			}
			return Bool(b), nil
		}
	case KindInt:
		switch t := src.(type) {
		case int64:
			return Int(t), nil
		case int32:
			return Int(int64(t)), nil
		case float64:
			return Int(int64(t)), nil
		case []byte:
			return parseIntText(string(t))
		case string:
			return parseIntText(t)
		}
	case KindFloat:
		switch t := src.(type) {
		case float64:
			return Float(t), nil
		case float32:
			return Float(float64(t)), nil
		case int64:
			return Float(float64(t)), nil
		case []byte:
			return parseFloatText(string(t))
		case string:
			return parseFloatText(t)
		}
	case KindString:
		switch t := src.(type) {
		case string:
			return String(t), nil
		case []byte:
			return String(string(t)), nil
		}
	case KindTime:
		switch t := src.(type) {
		case time.Time:
			return Time(t.UTC()), nil
		case string:
			return parseTimeText(t)
		case []byte:
			return parseTimeText(string(t))
		case int64:
			return Time(time.UnixMilli(t).UTC()), nil
		}
	case KindBytes:
		switch t := src.(type) {
		case []byte:
			return Bytes(t), nil
		case string:
			return Bytes([]byte(t)), nil
		}
	case KindList, KindMap:
		var data []byte
		switch t := src.(type) {
		case []byte:
			data = t
		case string:
			data = []byte(t)
		default:
			// Drivers that decode JSON columns themselves hand back maps and slices.
			v, err := ValueOf(src)
			if err != nil {
				return Value{}, fmt.Errorf("decode %s column: %w", kind, err)
			}
			if v.Kind() != kind {
				return Value{}, fmt.Errorf("decode %s column: got %s", kind, v.Kind())
			}
			return v, nil
		}
		parsed, err := ParseJSONValue(data)
		if err != nil {
			return Value{}, err
		}
		if parsed.Kind() != kind && !parsed.IsNull() {
			return Value{}, fmt.Errorf("decode %s column: got %s", kind, parsed.Kind())
		}
		return parsed, nil
	case KindNull:
		return ValueOf(src)
	}
	return Value{}, fmt.Errorf("decode %s column: unexpected %T", kind, src)
}

func parseIntText(s string) (Value, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("decode int %q: %w", s, err)
	}
	return Int(i), nil
}

func parseFloatText(s string) (Value, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("decode float %q: %w", s, err)
	}
	return Float(f), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimeText(s string) (Value, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Time(t.UTC()), nil
		}
	}
	return Value{}, fmt.Errorf("decode time %q: unsupported layout", s)
}
