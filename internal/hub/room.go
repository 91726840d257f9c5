package hub

import (
	"strings"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// Status line texts shown for each offer step.
const (
	StepTextConnect = "Offer stage"
	StepTextAccept  = "Accepted"
	StepTextPay     = "Buyer is paying for offer"
)

// room is the server side of one negotiation session. All fields are
// guarded by the hub lock.
type room struct {
	id      domain.RoomID
	byRole  map[domain.Role]*client
	offerID string
	flags   domain.Flags
}

func newRoom(id domain.RoomID) *room {
	return &room{id: id, byRole: make(map[domain.Role]*client, 2)}
}

func (r *room) presence() domain.Presence {
	_, buyer := r.byRole[domain.RoleBuyer]
	_, trader := r.byRole[domain.RoleTrader]
	return domain.NewPresence(buyer, trader)
}

func (r *room) empty() bool {
	return len(r.byRole) == 0
}

func (r *room) presenceMessage() protocol.Presence {
	return protocol.Presence{
		Header:   protocol.Header{Type: protocol.TypePresence, FromRole: domain.RoleSystem},
		Presence: r.presence(),
		OfferID:  r.offerID,
	}
}

func (r *room) stateMessage(h protocol.Header) protocol.OfferState {
	return protocol.OfferState{Header: h, OfferID: r.offerID, Flags: r.flags}
}

// verdict is the outcome of applying one inbound message to a room.
type verdict struct {
	// broadcast goes to every participant, in order.
	broadcast []protocol.Message
	// reject, when set, is a notice for the sender only.
	reject string
}

func rejected(reason string) verdict { return verdict{reject: reason} }

func relayed(msgs ...protocol.Message) verdict { return verdict{broadcast: msgs} }

// apply validates an inbound message from role and updates room state.
// The header's from_role has already been stamped by the hub.
//
//nolint:gocognit,gocyclo // One switch over the protocol keeps every transition rule in one place.
func (r *room) apply(role domain.Role, msg protocol.Message) verdict {
	h := msg.Head()
	both := r.presence().Both()

	switch m := msg.(type) {
	case protocol.OfferState:
		switch h.Type {
		case protocol.TypeSetOffer:
			if m.OfferID == "" {
				return rejected("Offer id missing")
			}
			if r.flags.Paid {
				return rejected("Offer is already being paid")
			}
			r.offerID = m.OfferID
			r.flags = domain.Flags{}
			note := protocol.Text{
				Header:  protocol.Header{Type: protocol.TypeOfferNote, FromRole: domain.RoleSystem},
				OfferID: r.offerID,
				Text:    r.offerID,
			}
			return relayed(r.stateMessage(h), note)

		case protocol.TypeSendOffer:
			switch {
			case !both:
				return rejected("Waiting for both participants in room")
			case r.offerID == "":
				return rejected("No offer to send")
			case r.flags.Paid:
				return rejected("Offer is already being paid")
			}
			r.flags = domain.Flags{Sent: true}
			return relayed(r.stateMessage(h))

		case protocol.TypeAccept:
			switch {
			case role != domain.RoleTrader:
				return rejected("Only the trader can accept an offer")
			case !both:
				return rejected("Waiting for both participants in room")
			case !r.flags.Sent || r.flags.Dirty:
				return rejected("Offer changed, wait for a new offer")
			case r.flags.Accepted:
				return rejected("Offer already accepted")
			}
			r.flags.Accepted = true
			return relayed(r.stateMessage(h))

		case protocol.TypePay:
			switch {
			case role != domain.RoleBuyer:
				return rejected("Only the buyer can pay")
			case !both:
				return rejected("Waiting for both participants in room")
			case !r.flags.Accepted || r.flags.Dirty:
				return rejected("Offer is not accepted")
			case r.flags.Paid:
				return rejected("Offer is already being paid")
			}
			r.flags.Paid = true
			return relayed(r.stateMessage(h))

		case protocol.TypeDirty:
			if r.flags.Paid {
				return rejected("Offer is already being paid")
			}
			if !r.flags.Sent && !r.flags.Accepted {
				return verdict{}
			}
			r.flags.Dirty = true
			r.flags.Accepted = false
			return relayed(r.stateMessage(h))

		case protocol.TypeClearOffer:
			r.offerID = ""
			r.flags = domain.Flags{}
			return relayed(r.stateMessage(h))
		}

	case protocol.OfferItems:
		if r.flags.Paid {
			return rejected("Offer is already being paid")
		}
		m.OfferID = r.offerID
		return relayed(m)

	case protocol.OfferLog:
		m.OfferID = r.offerID
		return relayed(m)

	case protocol.Text:
		if h.Type == protocol.TypeOfferNote || strings.TrimSpace(m.Text) == "" {
			return verdict{}
		}
		return relayed(m)

	case protocol.ItemAsking:
		if m.Item.Key == "" {
			return verdict{}
		}
		m.OfferID = r.offerID
		return relayed(m)

	case protocol.Hint:
		step := protocol.OfferStep{Header: h, OfferID: r.offerID}
		step.Type = protocol.TypeOfferStep
		switch h.Type {
		case protocol.TypeStepConnecting:
			step.Step, step.Text = protocol.StepConnect, StepTextConnect
		case protocol.TypeStepAccepting:
			step.Step, step.Text = protocol.StepAccept, StepTextAccept
		case protocol.TypeStepPaying:
			step.Step, step.Text = protocol.StepPay, StepTextPay
		}
		return relayed(step)
	}

	// presence, offer_step and anything else are server-only.
	return verdict{}
}
