package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
)

const (
	hashLength    = 32
	addressLength = 20
)

// ZeroAddress is the all-zero 20-byte address.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// Sentinel errors returned by hex validation.
var (
	ErrNoLeading0x   = errors.New("missing 0x prefix")
	ErrInvalidHex    = errors.New("invalid hex")
	ErrInvalidLength = errors.New("invalid length")
)

// UsageError describes an invalid user supplied value.
type UsageError struct {
	Field  string
	Value  string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("the %s option (%s) must %s", e.Field, e.Value, e.Reason)
}

// Hash is a 32-byte hex string such as a block or transaction hash.
type Hash string

// Address is a 20-byte hex account address, always lower-case.
type Address string

// NewHash validates and normalizes s into a Hash.
func NewHash(s string) (Hash, error) {
	if _, err := IsValidHex("hash", s, hashLength); err != nil {
		return "", err
	}

	return Hash(strings.ToLower(s)), nil
}

// NewAddress validates and normalizes s into an Address.
func NewAddress(s string) (Address, error) {
	if _, err := IsValidHex("address", s, addressLength); err != nil {
		return "", err
	}

	return Address(strings.ToLower(s)), nil
}

func (h Hash) String() string {
	return string(h)
}

func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is all zeros. The empty address is not
// zero.
func (a Address) IsZero() bool {
	return IsZeroAddress(string(a))
}

// UnmarshalJSON lower-cases the address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*a = Address(strings.ToLower(s))

	return nil
}

// UnmarshalJSON lower-cases the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*h = Hash(strings.ToLower(s))

	return nil
}

func validHex(val string, nBytes int) error {
	if !strings.HasPrefix(val, "0x") && !strings.HasPrefix(val, "0X") {
		return ErrNoLeading0x
	}

	if _, err := hexutil.Decode("0x" + val[2:]); err != nil {
		// hexutil rejects odd length input with its own error, report it as length.
		if errors.Is(err, hexutil.ErrOddLength) {
			return ErrInvalidLength
		}

		return ErrInvalidHex
	}

	if len(val) != 2+2*nBytes {
		return ErrInvalidLength
	}

	return nil
}

// IsValidHex checks that val is 0x-prefixed hex of exactly nBytes bytes. The
// returned error is a *UsageError naming typ.
func IsValidHex(typ, val string, nBytes int) (bool, error) {
	err := validHex(val, nBytes)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrInvalidLength):
		return false, &UsageError{Field: typ, Value: val, Reason: fmt.Sprintf("be %d bytes long", nBytes)}
	case errors.Is(err, ErrInvalidHex):
		return false, &UsageError{Field: typ, Value: val, Reason: "be hex"}
	case errors.Is(err, ErrNoLeading0x):
		return false, &UsageError{Field: typ, Value: val, Reason: "start with '0x'"}
	}

	return false, err
}

// IsValidHash reports whether val is a well formed 32-byte hash.
func IsValidHash(val string) bool {
	ok, err := IsValidHex("hash", val, hashLength)

	return ok && err == nil
}

// IsValidAddress reports whether val is a well formed 20-byte address.
func IsValidAddress(val string) bool {
	ok, err := IsValidHex("address", val, addressLength)

	return ok && err == nil
}

// IsZeroAddress reports whether val contains nothing but zeros after its prefix.
func IsZeroAddress(val string) bool {
	v := strings.ReplaceAll(val, "0", "")

	return v == "x" || v == "X"
}

// ValidateAddresses returns a usage error for the first invalid address.
func ValidateAddresses(field string, addrs []Address) error {
	for _, addr := range addrs {
		if !IsValidAddress(string(addr)) {
			return &UsageError{Field: field, Value: string(addr), Reason: "be a valid address"}
		}
	}

	return nil
}
