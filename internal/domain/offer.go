package domain

import (
	"fmt"
	"strings"
	"time"
)

// OfferStatus is the lifecycle state of the active offer.
type OfferStatus string

const (
	StatusEmpty      OfferStatus = "EMPTY"
	StatusDirty      OfferStatus = "DIRTY"
	StatusSent       OfferStatus = "SENT"
	StatusAccepted   OfferStatus = "ACCEPTED"
	StatusPayProcess OfferStatus = "PAY_PROCESS"
)

// ParseStatus parses a persisted status. "PAY PROCESS" is the legacy spelling.
func ParseStatus(s string) (OfferStatus, error) {
	norm := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
	switch st := OfferStatus(norm); st {
	case StatusEmpty, StatusDirty, StatusSent, StatusAccepted, StatusPayProcess:
		return st, nil
	default:
		return "", NewValidationError("status", s, fmt.Errorf("unknown offer status"))
	}
}

// CanMoveTo reports whether the store may persist a move from s to next
// through update_status_offer.
func (s OfferStatus) CanMoveTo(next OfferStatus) bool {
	switch next {
	case StatusAccepted:
		return s == StatusSent
	case StatusPayProcess:
		return s == StatusAccepted
	default:
		return false
	}
}

// Flags is the offer flag set broadcast by the hub. Clients drive their
// action gating from the last flags they received.
type Flags struct {
	Dirty    bool `json:"offer_dirty"`
	Sent     bool `json:"offer_send"`
	Accepted bool `json:"offer_accepted"`
	Paid     bool `json:"offer_paid"`
}

// Status maps the flag set onto an offer status.
func (f Flags) Status() OfferStatus {
	switch {
	case f.Paid:
		return StatusPayProcess
	case f.Dirty:
		return StatusDirty
	case f.Accepted:
		return StatusAccepted
	case f.Sent:
		return StatusSent
	default:
		return StatusEmpty
	}
}

// Presence is the room occupancy computed by the hub.
type Presence struct {
	Count         int  `json:"count"`
	BuyerPresent  bool `json:"buyer_present"`
	TraderPresent bool `json:"trader_present"`
}

// NewPresence builds a presence value whose count agrees with the flags.
func NewPresence(buyer, trader bool) Presence {
	p := Presence{BuyerPresent: buyer, TraderPresent: trader}
	if buyer {
		p.Count++
	}
	if trader {
		p.Count++
	}
	return p
}

// Both reports whether both roles are connected.
func (p Presence) Both() bool {
	return p.BuyerPresent && p.TraderPresent
}

// Has reports whether role is connected.
func (p Presence) Has(role Role) bool {
	switch role {
	case RoleBuyer:
		return p.BuyerPresent
	case RoleTrader:
		return p.TraderPresent
	default:
		return false
	}
}

// Consistent reports whether Count matches the per-role flags.
func (p Presence) Consistent() bool {
	return p.Count == NewPresence(p.BuyerPresent, p.TraderPresent).Count
}

// OfferRecord is the durable form of an offer kept by the offer store.
type OfferRecord struct {
	OfferID   string      `json:"offer_id"`
	BuyerID   string      `json:"buyer_id"`
	TraderID  string      `json:"trader_id"`
	Status    OfferStatus `json:"status"`
	Items     []Item      `json:"items"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
