package trace

// Action is the input side of a trace. Which fields are populated depends on
// the trace type: calls carry from/to/input, creates carry from/init, suicides
// carry address/refundAddress/balance and rewards carry author/rewardType.
type Action struct {
	CallType      string   `json:"callType,omitempty"`
	From          Address  `json:"from,omitempty"`
	To            Address  `json:"to,omitempty"`
	Gas           Quantity `json:"gas,omitempty"`
	Input         string   `json:"input,omitempty"`
	Value         string   `json:"value,omitempty"`
	Author        Address  `json:"author,omitempty"`
	RewardType    string   `json:"rewardType,omitempty"`
	Address       Address  `json:"address,omitempty"`
	Balance       string   `json:"balance,omitempty"`
	RefundAddress Address  `json:"refundAddress,omitempty"`
	Init          string   `json:"init,omitempty"`
	CreationType  string   `json:"creationType,omitempty"`
}

// Result is the output side of a trace. Failed traces usually have none.
type Result struct {
	GasUsed Quantity `json:"gasUsed,omitempty"`
	Output  string   `json:"output,omitempty"`
	Address Address  `json:"address,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Selector returns the 4-byte function selector of the call input, or "" when
// the input is too short to hold one.
func (a *Action) Selector() string {
	if len(a.Input) < 10 {
		return ""
	}

	return a.Input[:10]
}
