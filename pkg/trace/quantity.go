package trace

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
)

// Quantity is an unsigned integer that decodes from a JSON number, a decimal
// string or a 0x-prefixed hex string. Nodes disagree on which one they send.
type Quantity uint64

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var num uint64
	if err := json.Unmarshal(data, &num); err == nil {
		*q = Quantity(num)

		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		num, err := hexutil.DecodeUint64(str)
		if err != nil {
			return err
		}

		*q = Quantity(num)

		return nil
	}

	num, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}

	*q = Quantity(num)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(q))
}

// Uint64 returns the value as uint64.
func (q Quantity) Uint64() uint64 {
	return uint64(q)
}

// Hex renders the value as a JSON-RPC quantity.
func (q Quantity) Hex() string {
	return hexutil.EncodeUint64(uint64(q))
}
