package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PrimaryKey identifies a row within a table. Single-column keys are scalar,
// multi-column keys are composite and keep their column order.
type PrimaryKey struct {
	parts     []Value
	composite bool
}

// ScalarKey builds a single-column key.
func ScalarKey(v Value) PrimaryKey {
	return PrimaryKey{parts: []Value{v.Clone()}}
}

// CompositeKey builds a multi-column key in column order.
func CompositeKey(parts ...Value) PrimaryKey {
	cp := make([]Value, len(parts))
	for i, p := range parts {
		cp[i] = p.Clone()
	}
	return PrimaryKey{parts: cp, composite: true}
}

// IsComposite reports whether the key spans several columns.
func (k PrimaryKey) IsComposite() bool { return k.composite }

// Parts returns the key values in column order.
func (k PrimaryKey) Parts() []Value {
	out := make([]Value, len(k.parts))
	for i, p := range k.parts {
		out[i] = p.Clone()
	}
	return out
}

// Scalar returns the value of a single-column key.
func (k PrimaryKey) Scalar() Value {
	if len(k.parts) == 0 {
		return Null()
	}
	return k.parts[0]
}

// Validate rejects empty keys and keys with null parts.
func (k PrimaryKey) Validate() error {
	if len(k.parts) == 0 {
		return fmt.Errorf("%w: empty primary key", ErrInvalidKey)
	}
	for i, p := range k.parts {
		if p.IsNull() {
			return fmt.Errorf("%w: part %d is null", ErrInvalidKey, i)
		}
		if p.Kind() == KindList || p.Kind() == KindMap {
			return fmt.Errorf("%w: part %d is a %s value", ErrInvalidKey, i, p.Kind())
		}
	}
	return nil
}

// String serializes the key for map lookups: scalar keys use their textual
// form, composite keys a JSON array. Keys that are Equal serialize alike.
func (k PrimaryKey) String() string {
	if !k.composite {
		return canonicalPart(k.Scalar()).String()
	}
	parts := make([]Value, len(k.parts))
	for i, p := range k.parts {
		parts[i] = canonicalPart(p)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprintf("%v", parts)
	}
	return string(data)
}

// canonicalPart truncates times to the millisecond precision Equal compares at.
func canonicalPart(v Value) Value {
	if t, ok := v.AsTime(); ok {
		return Time(time.UnixMilli(t.UnixMilli()).UTC())
	}
	return v
}

// Equal reports whether both keys hold the same parts.
func (k PrimaryKey) Equal(other PrimaryKey) bool {
	if k.composite != other.composite || len(k.parts) != len(other.parts) {
		return false
	}
	for i := range k.parts {
		if !k.parts[i].Equal(other.parts[i]) {
			return false
		}
	}
	return true
}
