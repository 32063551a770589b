package analytics

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Value is a float that may be missing. The zero value is Missing.
// It serialises as a JSON number, or null when missing.
type Value struct {
	v  float64
	ok bool
}

// Missing is the absent Value.
var Missing = Value{}

// Present wraps f. Non-finite numbers are treated as missing.
func Present(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Missing
	}
	return Value{v: f, ok: true}
}

// Get returns the wrapped float and whether it is present.
func (v Value) Get() (float64, bool) {
	return v.v, v.ok
}

// IsMissing reports whether v carries no value.
func (v Value) IsMissing() bool {
	return !v.ok
}

// Or returns the wrapped float, or def when missing.
func (v Value) Or(def float64) float64 {
	if !v.ok {
		return def
	}
	return v.v
}

// Sub returns v - o, or Missing when either side is missing.
func (v Value) Sub(o Value) Value {
	if !v.ok || !o.ok {
		return Missing
	}
	return Present(v.v - o.v)
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if !v.ok {
		return "missing"
	}
	return strconv.FormatFloat(v.v, 'g', -1, 64)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Missing
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Present(f)
	return nil
}
