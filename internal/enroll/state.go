package enroll

// State is a step of one enrollment. Every request starts in Received and
// ends in either Committed or Rejected.
type State int

const (
	Received State = iota
	PrefixChecked
	PortAllocated
	AddressAllocated
	IdentifierGenerated
	Committed
	Rejected
)

var StateTextMap = map[State]string{
	Received:            "received",
	PrefixChecked:       "prefix_checked",
	PortAllocated:       "port_allocated",
	AddressAllocated:    "address_allocated",
	IdentifierGenerated: "identifier_generated",
	Committed:           "committed",
	Rejected:            "rejected",
}

func (s State) String() string {
	if t, ok := StateTextMap[s]; ok {
		return t
	}
	return "unknown"
}
