package trace

import (
	"encoding/json"
	"strings"
)

// Kind enumerates the trace types a node is known to emit.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCall
	KindCreate
	KindSuicide
	KindReward
)

var kindNames = map[Kind]string{
	KindCall:    "call",
	KindCreate:  "create",
	KindSuicide: "suicide",
	KindReward:  "reward",
}

// Type is the discriminator of a trace. Known kinds are matched
// case-insensitively, anything else is kept verbatim in raw so it round-trips.
type Type struct {
	kind Kind
	raw  string
}

var (
	TypeCall    = Type{kind: KindCall}
	TypeCreate  = Type{kind: KindCreate}
	TypeSuicide = Type{kind: KindSuicide}
	TypeReward  = Type{kind: KindReward}
)

// ParseType maps a node supplied type string to a Type.
func ParseType(s string) Type {
	switch strings.ToLower(s) {
	case "call":
		return TypeCall
	case "create":
		return TypeCreate
	case "suicide", "selfdestruct":
		return TypeSuicide
	case "reward":
		return TypeReward
	}

	return Type{kind: KindUnknown, raw: s}
}

// UnknownType builds the fallback variant for raw.
func UnknownType(raw string) Type {
	return Type{kind: KindUnknown, raw: raw}
}

// Kind returns the variant tag.
func (t Type) Kind() Kind {
	return t.kind
}

// Raw returns the original string of an unknown type and "" otherwise.
func (t Type) Raw() string {
	return t.raw
}

// IsUnknown reports whether the type is outside the known set.
func (t Type) IsUnknown() bool {
	return t.kind == KindUnknown
}

func (t Type) String() string {
	if t.kind == KindUnknown {
		return t.raw
	}

	return kindNames[t.kind]
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*t = ParseType(s)

	return nil
}
