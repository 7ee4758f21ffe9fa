// Package secret holds a redacting wrapper for sensitive configuration
// values (signing keys, storage credentials, ip-hash salts) so that they
// never leak into logs, error messages, or %v formatting by accident.
package secret

import (
	"encoding/json"
	"log/slog"
)

// Value wraps a sensitive string. Its zero value is an empty secret.
// The only way to recover the underlying bytes is Reveal — every other
// formatting path returns a fixed redaction marker.
type Value struct {
	inner string
}

const redacted = "[REDACTED]"

// New wraps s as a secret value.
func New(s string) Value {
	return Value{inner: s}
}

// Reveal returns the underlying value. Callers must not log or format
// the result.
func (v Value) Reveal() string {
	return v.inner
}

// Empty reports whether the secret holds no value.
func (v Value) Empty() bool {
	return v.inner == ""
}

// String implements fmt.Stringer, returning the redaction marker.
func (v Value) String() string {
	return redacted
}

// GoString implements fmt.GoStringer, returning the redaction marker.
func (v Value) GoString() string {
	return redacted
}

// LogValue implements slog.LogValuer, returning the redaction marker.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalJSON always marshals to the redaction marker so secrets never
// round-trip through config dumps or API responses.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// UnmarshalJSON accepts a plain JSON string as the secret's value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v.inner = s
	return nil
}

// MarshalYAML always marshals to the redaction marker.
func (v Value) MarshalYAML() (interface{}, error) {
	return redacted, nil
}

// UnmarshalYAML accepts a plain YAML string as the secret's value.
func (v *Value) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v.inner = s
	return nil
}
