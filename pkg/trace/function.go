package trace

import (
	"fmt"
	"strings"
)

// Function is a decoded contract call: the method that matched the input
// selector together with its decoded arguments and return values.
type Function struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Signature string      `json:"signature,omitempty"`
	Encoding  string      `json:"encoding,omitempty"`
	Inputs    []Parameter `json:"inputs"`
	Outputs   []Parameter `json:"outputs"`
}

// Parameter is a single named and typed argument or return value.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// Compressed renders the call as name(arg:value,...). Unnamed arguments are
// labelled by position.
func (f *Function) Compressed() string {
	if f == nil {
		return ""
	}

	var b strings.Builder

	b.WriteString(f.Name)
	b.WriteByte('(')

	for i, in := range f.Inputs {
		if i > 0 {
			b.WriteByte(',')
		}

		name := in.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}

		fmt.Fprintf(&b, "%s:%v", name, in.Value)
	}

	b.WriteByte(')')

	return b.String()
}
