// Package protocol defines the JSON messages exchanged over a negotiation room channel.
package protocol

import (
	"github.com/tastyrock/negotiator/internal/domain"
)

// Type is the "type" discriminator of every message.
type Type string

const (
	TypePresence   Type = "presence"
	TypeSetOffer   Type = "set_offer"
	TypeOfferItems Type = "offer_items"
	TypeOfferLog   Type = "offer_log"
	TypeSendOffer  Type = "send_offer"
	TypeAccept     Type = "accept_offer"
	TypePay        Type = "pay_offer"
	TypeDirty      Type = "dirty_offer"
	TypeClearOffer Type = "clear_offer"
	TypeOfferStep  Type = "offer_step"
	TypeChat       Type = "chat"
	TypeSystem     Type = "system"
	TypeOfferNote  Type = "offer_system"
	TypeItemAsking Type = "item_asking"

	// Lifecycle hints sent by clients; the hub turns them into offer_step broadcasts.
	TypeStepConnecting Type = "offer_step_connecting"
	TypeStepAccepting  Type = "offer_step_accepting"
	TypeStepPaying     Type = "offer_step_paying"
)

// Step is the stage carried by an offer_step broadcast.
type Step string

const (
	StepConnect Step = "connect"
	StepAccept  Step = "accept"
	StepPay     Step = "pay"
)

// Header is shared by every message. Origin and Seq identify the sending
// client instance and its local action counter, so a client can tell its own
// reflected broadcasts apart from a peer's, including a peer with the same role.
type Header struct {
	Type     Type        `json:"type"`
	FromRole domain.Role `json:"from_role,omitempty"`
	Origin   string      `json:"origin,omitempty"`
	Seq      uint64      `json:"seq,omitempty"`
}

// Head returns the header. Every message type embeds Header and so
// implements Message.
func (h Header) Head() Header { return h }

// Message is any protocol message.
type Message interface {
	Head() Header
}

// Presence is the room occupancy broadcast.
type Presence struct {
	Header
	domain.Presence
	OfferID string `json:"offer_id,omitempty"`
}

// OfferState carries the offer flags. It is used for set_offer, send_offer,
// accept_offer, pay_offer, dirty_offer and clear_offer. Clients send these
// types without meaningful flags; the hub fills them in.
type OfferState struct {
	Header
	OfferID string `json:"offer_id,omitempty"`
	domain.Flags
}

// OfferItems is a full snapshot of the offer's items.
type OfferItems struct {
	Header
	OfferID string        `json:"offer_id,omitempty"`
	Items   []domain.Item `json:"items"`
}

// OfferLog is the human readable change summary returned by the offer store.
type OfferLog struct {
	Header
	OfferID string           `json:"offer_id,omitempty"`
	Diff    domain.OfferDiff `json:"json"`
}

// OfferStep drives the status line shown to both parties.
type OfferStep struct {
	Header
	OfferID string `json:"offer_id,omitempty"`
	Step    Step   `json:"step"`
	Text    string `json:"text,omitempty"`
}

// Text is a free-form message: chat, system and offer_system.
type Text struct {
	Header
	OfferID string `json:"offer_id,omitempty"`
	Text    string `json:"text"`
}

// ItemAsking is a chat message that points at one item.
type ItemAsking struct {
	Header
	OfferID string      `json:"offer_id,omitempty"`
	Item    domain.Item `json:"item"`
	Text    string      `json:"text"`
}

// Hint is a payload-free lifecycle hint from a client.
type Hint struct {
	Header
}

// IsFlagType reports whether t is broadcast as an OfferState.
func IsFlagType(t Type) bool {
	switch t {
	case TypeSetOffer, TypeSendOffer, TypeAccept, TypePay, TypeDirty, TypeClearOffer:
		return true
	default:
		return false
	}
}

// IsTextType reports whether t is broadcast as a Text.
func IsTextType(t Type) bool {
	return t == TypeChat || t == TypeSystem || t == TypeOfferNote
}

// IsHintType reports whether t is a client lifecycle hint.
func IsHintType(t Type) bool {
	return t == TypeStepConnecting || t == TypeStepAccepting || t == TypeStepPaying
}

// WithHeader returns a copy of m carrying h.
func WithHeader(m Message, h Header) Message {
	switch v := m.(type) {
	case Presence:
		v.Header = h
		return v
	case OfferState:
		v.Header = h
		return v
	case OfferItems:
		v.Header = h
		return v
	case OfferLog:
		v.Header = h
		return v
	case OfferStep:
		v.Header = h
		return v
	case Text:
		v.Header = h
		return v
	case ItemAsking:
		v.Header = h
		return v
	case Hint:
		v.Header = h
		return v
	default:
		return m
	}
}
