// Package domain contains core domain types for the trade negotiation service.
package domain

import "fmt"

// Role identifies which side of a negotiation a participant plays.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleTrader Role = "trader"
	// RoleSystem marks messages generated by the server rather than a participant.
	RoleSystem Role = "system"
)

// ParseRole validates a participant role. Only buyer and trader may connect.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBuyer, RoleTrader:
		return Role(s), nil
	default:
		return "", NewValidationError("role", s, fmt.Errorf("unknown role %q", s))
	}
}

// Other returns the counterpart role.
func (r Role) Other() Role {
	switch r {
	case RoleBuyer:
		return RoleTrader
	case RoleTrader:
		return RoleBuyer
	default:
		return ""
	}
}

// Label returns the capitalized role name used in system notices.
func (r Role) Label() string {
	switch r {
	case RoleBuyer:
		return "Buyer"
	case RoleTrader:
		return "Trader"
	default:
		return "System"
	}
}

// RoomID identifies the negotiation room for one buyer/trader pair.
type RoomID struct {
	BuyerID  string
	TraderID string
}

func (r RoomID) String() string {
	return r.BuyerID + ":" + r.TraderID
}
