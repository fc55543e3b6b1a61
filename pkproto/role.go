package pkproto

// Role identifies which end of the chain this engine instance plays.
// Legal incoming frames and who speaks first depend on Role (spec §4.4).
type Role int

const (
	// RoleHost is the initiator: it starts chains and drives them forward.
	RoleHost Role = iota
	// RoleDevice is the endpoint: it reacts to chains the Host starts.
	RoleDevice
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "device"
}
