// Package securemem stores the bearer credential in memory protected by
// memguard so the token cannot be recovered from a core dump or swap.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

func init() {
	memguard.CatchInterrupt()
}

// Purge wipes all secure memory. Call on shutdown.
func Purge() {
	memguard.Purge()
}

// String is a secure string wrapper that stores sensitive data in encrypted memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a new secure string from the given plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// NewStringFromBytes creates a new secure string from the given bytes.
// NOTE: memguard may wipe the input slice for security.
func NewStringFromBytes(data []byte) *String {
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

// String returns the plaintext string value.
// WARNING: the returned string is a copy living in regular memory.
func (s *String) String() string {
	if s == nil || s.invalid || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or invalid.
func (s *String) IsEmpty() bool {
	if s == nil || s.invalid || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Len returns the length of the string.
func (s *String) Len() int {
	if s == nil || s.invalid || s.buf == nil {
		return 0
	}
	return len(s.buf.Bytes())
}

// Equal returns true if the secure string equals the given plaintext string.
// The comparison is done in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.invalid || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy securely wipes the string from memory.
// After calling this, the string should not be used.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// WithValue executes a function with access to the plaintext value.
// The function must not retain references to the value.
func (s *String) WithValue(fn func(string)) {
	if s == nil || s.invalid || s.buf == nil {
		return
	}
	fn(string(s.buf.Bytes()))
}
